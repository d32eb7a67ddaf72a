package sheetmirror

import (
	"bytes"
	"encoding/json"
	"errors"
	"path"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hack-pad/hackpadfs"
	osfs "github.com/hack-pad/hackpadfs/os"
)

// Keys of the persisted key-value state. Every value is a string; structured
// values are JSON documents.
const (
	KeyAllSheets       = "allExcelSheets"
	KeyActiveSheet     = "currentActiveSheet"
	KeyActiveForm      = "activeForm"
	KeyFormSubmissions = "formSubmissions"
	KeyCustomQA        = "customQA"
)

var stateKeys = []string{KeyAllSheets, KeyActiveSheet, KeyActiveForm, KeyFormSubmissions, KeyCustomQA}

type persistedState struct {
	AllSheets       string `json:"allExcelSheets,omitempty"`
	ActiveSheet     string `json:"currentActiveSheet,omitempty"`
	ActiveForm      string `json:"activeForm,omitempty"`
	FormSubmissions string `json:"formSubmissions,omitempty"`
	CustomQA        string `json:"customQA,omitempty"`
}

func (p *persistedState) get(key string) string {
	switch key {
	case KeyAllSheets:
		return p.AllSheets
	case KeyActiveSheet:
		return p.ActiveSheet
	case KeyActiveForm:
		return p.ActiveForm
	case KeyFormSubmissions:
		return p.FormSubmissions
	case KeyCustomQA:
		return p.CustomQA
	}
	return ""
}

func (p *persistedState) set(key, value string) {
	switch key {
	case KeyAllSheets:
		p.AllSheets = value
	case KeyActiveSheet:
		p.ActiveSheet = value
	case KeyActiveForm:
		p.ActiveForm = value
	case KeyFormSubmissions:
		p.FormSubmissions = value
	case KeyCustomQA:
		p.CustomQA = value
	}
}

// StateBackend persists the whole mirror state. Load returns nil, nil when
// nothing has been saved yet.
type StateBackend interface {
	Load() (*persistedState, error)
	Save(state *persistedState) error
}

type stateBackendCloser interface {
	Close() error
}

// JSONFileStateBackend keeps the state in one JSON object on a hackpadfs
// filesystem, replacing it through a temp file and rename.
type JSONFileStateBackend struct {
	FS   hackpadfs.FS
	Path string

	osPath string

	mu        sync.Mutex
	lastSaved []byte
}

// NewJSONFileStateBackend stores the state at an operating system path.
func NewJSONFileStateBackend(filePath string) *JSONFileStateBackend {
	filePath = strings.TrimSpace(filePath)
	if filePath == "" {
		return &JSONFileStateBackend{}
	}
	abs, err := filepath.Abs(filePath)
	if err != nil {
		abs = filePath
	}
	return &JSONFileStateBackend{
		FS:     osfs.NewFS(),
		Path:   strings.TrimPrefix(filepath.ToSlash(abs), "/"),
		osPath: abs,
	}
}

// NewJSONFileStateBackendFS stores the state at name inside fsys.
func NewJSONFileStateBackendFS(fsys hackpadfs.FS, name string) *JSONFileStateBackend {
	return &JSONFileStateBackend{FS: fsys, Path: strings.TrimPrefix(strings.TrimSpace(name), "/")}
}

// OSPath is the host path of the state file, empty for virtual filesystems.
func (b *JSONFileStateBackend) OSPath() string {
	if b == nil {
		return ""
	}
	return b.osPath
}

func (b *JSONFileStateBackend) Load() (*persistedState, error) {
	if b == nil || b.FS == nil || b.Path == "" {
		return nil, nil
	}
	data, err := hackpadfs.ReadFile(b.FS, b.Path)
	if err != nil {
		if errors.Is(err, hackpadfs.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var snapshot persistedState
	if err := json.Unmarshal(data, &snapshot); err != nil {
		return nil, err
	}
	return &snapshot, nil
}

func (b *JSONFileStateBackend) Save(state *persistedState) error {
	if b == nil || b.FS == nil || b.Path == "" || state == nil {
		return nil
	}
	data, err := json.Marshal(state)
	if err != nil {
		return err
	}
	if dir := path.Dir(b.Path); dir != "." {
		if err := hackpadfs.MkdirAll(b.FS, dir, 0o755); err != nil {
			return err
		}
	}
	tmp := b.Path + ".tmp"
	if err := hackpadfs.WriteFullFile(b.FS, tmp, data, 0o644); err != nil {
		return err
	}
	if err := hackpadfs.Rename(b.FS, tmp, b.Path); err != nil {
		return err
	}
	b.mu.Lock()
	b.lastSaved = data
	b.mu.Unlock()
	return nil
}

// changedExternally reports whether the file differs from the last state this
// backend wrote.
func (b *JSONFileStateBackend) changedExternally() (bool, error) {
	if b == nil || b.FS == nil || b.Path == "" {
		return false, nil
	}
	data, err := hackpadfs.ReadFile(b.FS, b.Path)
	if err != nil {
		if errors.Is(err, hackpadfs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return !bytes.Equal(data, b.lastSaved), nil
}

type InMemoryStateBackend struct {
	mu       sync.Mutex
	snapshot *persistedState
}

func NewInMemoryStateBackend() *InMemoryStateBackend {
	return &InMemoryStateBackend{}
}

func (b *InMemoryStateBackend) Load() (*persistedState, error) {
	if b == nil {
		return nil, nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.snapshot == nil {
		return nil, nil
	}
	clone := *b.snapshot
	return &clone, nil
}

func (b *InMemoryStateBackend) Save(state *persistedState) error {
	if b == nil || state == nil {
		return nil
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	clone := *state
	b.snapshot = &clone
	return nil
}
