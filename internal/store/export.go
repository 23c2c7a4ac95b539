package store

import (
	"fmt"
	"time"

	"toetscoach/internal/model"
)

// ExportAll builds the review document for all archived sessions.
func (s *Store) ExportAll(subject string) (model.ExamExport, error) {
	ids, err := s.ListSessionIDs()
	if err != nil {
		return model.ExamExport{}, fmt.Errorf("list sessions: %w", err)
	}

	results := make([]model.SessionExport, 0, len(ids))
	for _, id := range ids {
		exp, err := s.GetSession(id)
		if err != nil {
			return model.ExamExport{}, fmt.Errorf("get session %s: %w", id, err)
		}
		results = append(results, exp)
	}

	return model.ExamExport{
		ExamID:      fmt.Sprintf("export-%s", time.Now().Format("20060102-150405")),
		Subject:     subject,
		Date:        time.Now().Format("2006-01-02"),
		NumSessions: len(results),
		Results:     results,
	}, nil
}
