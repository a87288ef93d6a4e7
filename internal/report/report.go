// Package report turns subject profiles and their latest statuses into
// export rows.
package report

import (
	"time"

	"github.com/example/uniform-check/internal/aggregate"
	"github.com/example/uniform-check/internal/repository"
)

const (
	StatusNoData       = "No Data"
	StatusUniformOK    = "Uniform OK"
	StatusNotInUniform = "Not in Uniform"
)

// Row is one line of the compliance report.
type Row struct {
	SubjectID   string     `json:"subject_id"`
	Username    string     `json:"username"`
	Email       string     `json:"email"`
	Department  string     `json:"department"`
	Year        string     `json:"year"`
	Division    string     `json:"division"`
	Status      string     `json:"uniform_status"`
	LastChecked *time.Time `json:"last_checked,omitempty"`
}

// Project emits one row per subject, in the order given.
func Project(subjects []repository.SubjectProfile, statuses map[string]aggregate.Status) []Row {
	rows := make([]Row, 0, len(subjects))
	for _, s := range subjects {
		row := Row{
			SubjectID:  s.SubjectID,
			Username:   s.Username,
			Email:      s.Email,
			Department: s.Department,
			Year:       s.Year,
			Division:   s.Division,
			Status:     StatusNoData,
		}
		if st, ok := statuses[s.SubjectID]; ok {
			at := st.LastAt
			row.LastChecked = &at
			if st.LastIsCompliant {
				row.Status = StatusUniformOK
			} else {
				row.Status = StatusNotInUniform
			}
		}
		rows = append(rows, row)
	}
	return rows
}

// SubjectIDs returns the ids of subjects in order.
func SubjectIDs(subjects []repository.SubjectProfile) []string {
	ids := make([]string, len(subjects))
	for i, s := range subjects {
		ids[i] = s.SubjectID
	}
	return ids
}
