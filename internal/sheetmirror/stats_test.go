package sheetmirror

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestComputeSubmissionStats(t *testing.T) {
	now := time.Date(2024, 6, 11, 15, 0, 0, 0, time.UTC)
	subs := []Submission{
		{FormTitle: "Contact", Timestamp: now.Add(-time.Hour)},
		{FormTitle: "Contact", Timestamp: now.AddDate(0, 0, -1)},
		{FormTitle: "Feedback", Timestamp: now.AddDate(0, 0, -6)},
		{FormTitle: "Feedback", Timestamp: now.AddDate(0, 0, -30)},
	}
	stats := ComputeSubmissionStats(subs, now)

	assert.Equal(t, 4, stats.Total)
	assert.Equal(t, map[string]int{"Contact": 2, "Feedback": 2}, stats.FormTypeCount)
	require.Len(t, stats.DailySubmissions, 7)
	assert.Equal(t, DailyCount{Date: "2024-06-05", Count: 1}, stats.DailySubmissions[0])
	assert.Equal(t, DailyCount{Date: "2024-06-10", Count: 1}, stats.DailySubmissions[5])
	assert.Equal(t, DailyCount{Date: "2024-06-11", Count: 1}, stats.DailySubmissions[6])
	assert.Equal(t, "0.6", stats.AveragePerDay)
}

func TestSheetStatistics(t *testing.T) {
	store := newTestStore(t, nil)
	stats := store.SheetStatistics()
	assert.Equal(t, 0, stats.TotalSheets)
	assert.Equal(t, "No Form", stats.CurrentFormTitle)
	assert.Equal(t, "N/A", stats.CurrentFormID)

	schema, sheet, err := store.SaveFormConfiguration(emailSchema())
	require.NoError(t, err)
	stats = store.SheetStatistics()
	assert.Equal(t, 1, stats.TotalSheets)
	assert.Equal(t, sheet, stats.CurrentActiveSheet)
	assert.Equal(t, ParseSheetID(sheet), stats.CurrentActiveSheetID)
	assert.Equal(t, schema.Title, stats.CurrentFormTitle)
	assert.Equal(t, schema.ID, stats.CurrentFormID)
	require.Len(t, stats.SheetsInfo, 1)
	assert.True(t, stats.SheetsInfo[0].IsActive)
}
