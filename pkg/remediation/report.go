package remediation

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

type Report struct {
	TenantID    string             `json:"tenant_id"`
	GeneratedAt time.Time          `json:"generated_at"`
	InactiveFor string             `json:"inactive_for"`
	DryRun      bool               `json:"dry_run"`
	Cancelled   bool               `json:"cancelled"`
	Categories  map[Category]int   `json:"categories"`
	Statuses    map[ItemStatus]int `json:"statuses"`
	Items       []ItemResult       `json:"items"`
}

func NewReport(tenantID string, inactiveFor time.Duration, dryRun bool, categorized Categorized) *Report {
	report := &Report{
		TenantID:    tenantID,
		GeneratedAt: time.Now().UTC(),
		InactiveFor: inactiveFor.String(),
		DryRun:      dryRun,
		Categories:  make(map[Category]int),
		Statuses:    make(map[ItemStatus]int),
	}
	for _, category := range Categories {
		report.Categories[category] = len(categorized[category])
	}
	return report
}

func (r *Report) Add(results ...ItemResult) {
	for _, result := range results {
		r.Statuses[result.Status]++
		r.Items = append(r.Items, result)
	}
}

// Write stores the report as indented JSON at path.
func (r *Report) Write(path string) error {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report to %s: %w", path, err)
	}
	return nil
}
