package sheetmirror

import (
	"bytes"
	"encoding/json"
)

// sheetSet keeps sheets in creation order. Serialized as a JSON object whose
// key order is preserved across save and load.
type sheetSet struct {
	order []string
	rows  map[string][]Row
}

func newSheetSet() sheetSet {
	return sheetSet{rows: map[string][]Row{}}
}

func (s *sheetSet) has(name string) bool {
	_, ok := s.rows[name]
	return ok
}

func (s *sheetSet) add(name string, rows []Row) {
	if s.rows == nil {
		s.rows = map[string][]Row{}
	}
	if !s.has(name) {
		s.order = append(s.order, name)
	}
	if rows == nil {
		rows = []Row{}
	}
	s.rows[name] = rows
}

func (s *sheetSet) len() int {
	return len(s.order)
}

func (s sheetSet) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, name := range s.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		rows := s.rows[name]
		if rows == nil {
			rows = []Row{}
		}
		if err := writeJSONPair(&buf, name, rows); err != nil {
			return nil, err
		}
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (s *sheetSet) UnmarshalJSON(data []byte) error {
	decoded := newSheetSet()
	if err := decodeOrderedObject(data, func(name string, raw json.RawMessage) error {
		var rows []Row
		if err := json.Unmarshal(raw, &rows); err != nil {
			return err
		}
		decoded.add(name, rows)
		return nil
	}); err != nil {
		return err
	}
	*s = decoded
	return nil
}

func cloneRows(rows []Row) []Row {
	out := make([]Row, len(rows))
	for i, row := range rows {
		out[i] = row.Clone()
	}
	return out
}

func (s *sheetSet) remove(name string) {
	if !s.has(name) {
		return
	}
	delete(s.rows, name)
	for i, existing := range s.order {
		if existing == name {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}
