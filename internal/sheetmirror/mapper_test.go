package sheetmirror

import (
	"encoding/json"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToRowFollowsSchemaFieldOrder(t *testing.T) {
	schema := Schema{Fields: []Field{
		{ID: "b", Label: "Second"},
		{ID: "a", Label: "First"},
	}}
	row := ToRow(Submission{FormTitle: "Ordered", Data: FieldValues{"a": "1", "b": "2", "ignored": "x"}, Timestamp: testNow}, &schema)

	assert.Equal(t, []string{"Second", "First"}, row.ExtensionColumns())
	assert.Equal(t, "2", row.Value("Second"))
	assert.Equal(t, "1", row.Value("First"))
	_, ok := row.Get("ignored")
	assert.False(t, ok)
	assert.Equal(t, "", row.ID)
	assert.Equal(t, "", row.SheetID)
}

func TestFromRowAfterSchemaChangeLosesRenamedColumns(t *testing.T) {
	before := Schema{Fields: []Field{{ID: "email", Label: "Email"}}}
	after := Schema{Fields: []Field{{ID: "email", Label: "Email Address"}}}
	row := ToRow(Submission{Data: FieldValues{"email": "a@b.com"}, Timestamp: testNow}, &before)

	assert.Equal(t, FieldValues{"email": "a@b.com"}, FromRow(row, &before))
	assert.Equal(t, FieldValues{"email": ""}, FromRow(row, &after))
}

func TestLegacyColumnsWithoutSchema(t *testing.T) {
	data := FieldValues{"name": "Ada", "email": "ada@example.com", "phone": "1", "company": "ACME", "message": "hello"}
	row := ToRow(Submission{Data: data, Timestamp: testNow}, nil)
	assert.Equal(t, []string{"Name", "Email", "Phone", "Company", "Message"}, row.ExtensionColumns())
	assert.Equal(t, data, FromRow(row, &Schema{}))
}

func TestProperty_FromRowInvertsToRowForStableSchema(t *testing.T) {
	schema := emailSchema()
	properties := gopter.NewProperties(nil)

	properties.Property("field values survive the row projection", prop.ForAll(
		func(email, note string) bool {
			data := FieldValues{"email": email, "note": note}
			row := ToRow(Submission{Data: data, Timestamp: testNow}, &schema)
			got := FromRow(row, &schema)
			return got["email"] == email && got["note"] == note && len(got) == 2
		},
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.TestingRun(t, gopter.ConsoleReporter(false))
}

func TestRowJSONKeepsColumnOrder(t *testing.T) {
	var row Row
	row.Set("Zeta", "z")
	row.Set(ColumnID, "123456")
	row.Set("Alpha", "a")

	data, err := json.Marshal(row)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ID":"123456","Sheet_ID":"","Form_Type":"","Submission_Date":"","Submission_Time":"","User_Agent":"","Zeta":"z","Alpha":"a"}`, string(data))
	assert.Less(t, indexOf(string(data), "Zeta"), indexOf(string(data), "Alpha"))

	var decoded Row
	require.NoError(t, json.Unmarshal([]byte(`{"Zeta":"z","ID":123456,"Alpha":null,"Flag":true}`), &decoded))
	assert.Equal(t, "123456", decoded.ID)
	assert.Equal(t, []string{"Zeta", "Alpha", "Flag"}, decoded.ExtensionColumns())
	assert.Equal(t, "", decoded.Value("Alpha"))
	assert.Equal(t, "true", decoded.Value("Flag"))
}

func TestRowCloneIsIndependent(t *testing.T) {
	var row Row
	row.Set("Name", "before")
	clone := row.Clone()
	clone.Set("Name", "after")
	clone.Set("Extra", "x")

	assert.Equal(t, "before", row.Value("Name"))
	assert.Equal(t, []string{"Name"}, row.ExtensionColumns())
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}

func TestFieldChangesKeepsOnlyKnownLabels(t *testing.T) {
	schema := emailSchema()
	changes := FieldChanges(map[string]string{
		"Note":             "hello!",
		"Rating":           "5",
		ColumnFormType:     "Other",
		ColumnModifiedDate: "2024-06-12",
	}, &schema)
	assert.Equal(t, FieldValues{"note": "hello!"}, changes)

	legacy := FieldChanges(map[string]string{"Email": "x@y.z", "Notes": "n"}, nil)
	assert.Equal(t, FieldValues{"email": "x@y.z"}, legacy)
}
