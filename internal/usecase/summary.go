package usecase

import (
	"context"

	"github.com/example/uniform-check/internal/report"
	"github.com/example/uniform-check/internal/repository"
)

// ComplianceSummary represents aggregated compliance over a set of subjects.
type ComplianceSummary struct {
	TotalSubjects  int     `json:"total_subjects"`
	WithData       int     `json:"with_data"`
	Compliant      int     `json:"compliant"`
	NonCompliant   int     `json:"non_compliant"`
	NoData         int     `json:"no_data"`
	ComplianceRate float64 `json:"compliance_rate"`
}

// GetComplianceSummary counts the latest statuses of the filtered subjects.
// ComplianceRate is over subjects that have at least one detection.
func (uc *DetectionUseCase) GetComplianceSummary(ctx context.Context, filter repository.SubjectFilter) (*ComplianceSummary, error) {
	rows, err := uc.Report(ctx, filter)
	if err != nil {
		return nil, err
	}
	return Summarize(rows), nil
}

// Summarize counts report rows by status.
func Summarize(rows []report.Row) *ComplianceSummary {
	summary := &ComplianceSummary{TotalSubjects: len(rows)}
	for _, r := range rows {
		switch r.Status {
		case report.StatusUniformOK:
			summary.Compliant++
		case report.StatusNotInUniform:
			summary.NonCompliant++
		default:
			summary.NoData++
		}
	}
	summary.WithData = summary.Compliant + summary.NonCompliant
	if summary.WithData > 0 {
		summary.ComplianceRate = float64(summary.Compliant) / float64(summary.WithData)
	}
	return summary
}
