package attendance

import (
	"context"
	"fmt"
	"time"

	"asistoya/internal/store"
)

// DailyReport aggregates one day of attendance.
type DailyReport struct {
	Date            string             `json:"date"`
	TotalAttendance int                `json:"total_attendance"`
	StudentsPresent int                `json:"students_present"`
	ByClassroom     map[string]int     `json:"by_classroom"`
	ByHour          map[string]int     `json:"by_hour"`
	Records         []AttendanceRecord `json:"records"`
}

// DailyReport summarizes the records whose date equals date (YYYY-MM-DD).
func (s *Service) DailyReport(ctx context.Context, date string) (DailyReport, error) {
	if _, err := time.Parse("2006-01-02", date); err != nil {
		return DailyReport{}, fmt.Errorf("%w: date %q", ErrInvalidInput, date)
	}
	records, err := s.QueryAttendance(ctx, store.Filters{"date": date})
	if err != nil {
		return DailyReport{}, err
	}

	report := DailyReport{
		Date:            date,
		TotalAttendance: len(records),
		ByClassroom:     map[string]int{},
		ByHour:          map[string]int{},
		Records:         records,
	}
	students := make(map[string]struct{}, len(records))
	for _, rec := range records {
		students[rec.StudentID] = struct{}{}
		report.ByClassroom[rec.Classroom]++
		if len(rec.Time) >= 2 {
			report.ByHour[rec.Time[:2]]++
		}
	}
	report.StudentsPresent = len(students)
	return report, nil
}
