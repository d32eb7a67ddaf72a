package sheetmirror

import (
	"strconv"
	"time"
)

const statsWindowDays = 7

type SheetStatistics struct {
	TotalSheets          int             `json:"totalSheets"`
	CurrentActiveSheet   string          `json:"currentActiveSheet"`
	CurrentActiveSheetID string          `json:"currentActiveSheetId"`
	CurrentFormTitle     string          `json:"currentFormTitle"`
	CurrentFormID        string          `json:"currentFormId"`
	SheetsInfo           []SheetMetadata `json:"sheetsInfo"`
}

// SheetStatistics summarizes the mirror for the admin view.
func (s *Store) SheetStatistics() SheetStatistics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	active := s.effectiveActiveLocked()
	stats := SheetStatistics{
		TotalSheets:          s.sheets.len(),
		CurrentActiveSheet:   active,
		CurrentActiveSheetID: ParseSheetID(active),
		CurrentFormTitle:     "No Form",
		CurrentFormID:        "N/A",
		SheetsInfo:           s.listSheetMetadataLocked(),
	}
	if s.activeForm != nil {
		stats.CurrentFormTitle = s.activeForm.Title
		stats.CurrentFormID = s.activeForm.ID
	}
	return stats
}

type DailyCount struct {
	Date  string `json:"date"`
	Count int    `json:"count"`
}

type SubmissionStats struct {
	Total            int            `json:"total"`
	FormTypeCount    map[string]int `json:"formTypeCount"`
	DailySubmissions []DailyCount   `json:"dailySubmissions"`
	AveragePerDay    string         `json:"averagePerDay"`
}

// ComputeSubmissionStats counts submissions per form title and per day over
// the seven days ending at now, oldest day first. AveragePerDay spreads the
// overall total across that window.
func ComputeSubmissionStats(submissions []Submission, now time.Time) SubmissionStats {
	stats := SubmissionStats{
		Total:         len(submissions),
		FormTypeCount: map[string]int{},
	}
	perDay := map[string]int{}
	for _, sub := range submissions {
		stats.FormTypeCount[sub.FormTitle]++
		if !sub.Timestamp.IsZero() {
			perDay[sub.Timestamp.In(now.Location()).Format(rowDateLayout)]++
		}
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	for i := statsWindowDays - 1; i >= 0; i-- {
		day := today.AddDate(0, 0, -i).Format(rowDateLayout)
		count := perDay[day]
		stats.DailySubmissions = append(stats.DailySubmissions, DailyCount{Date: day, Count: count})
	}
	stats.AveragePerDay = strconv.FormatFloat(float64(stats.Total)/statsWindowDays, 'f', 1, 64)
	return stats
}
