package models

// MergeStatus is the result of merging one duplicate into its canonical contact.
type MergeStatus string

const (
	MergeStatusMerged   MergeStatus = "merged"
	MergeStatusFailed   MergeStatus = "failed"
	MergeStatusDeferred MergeStatus = "deferred"
	MergeStatusSkipped  MergeStatus = "skipped"
)

// MergeOutcome reports what happened to one duplicate. Not persisted.
type MergeOutcome struct {
	DuplicateID              string      `json:"duplicate_id"`
	MigratedTicketCount      int         `json:"migrated_ticket_count"`
	MigratedMessageCount     int         `json:"migrated_message_count"`
	MigratedCustomFieldCount int         `json:"migrated_custom_field_count"`
	Status                   MergeStatus `json:"status"`
	Error                    string      `json:"error,omitempty"`
}

// CountOutcomes tallies outcomes by status.
func CountOutcomes(outcomes []MergeOutcome) map[MergeStatus]int {
	counts := make(map[MergeStatus]int)
	for _, o := range outcomes {
		counts[o.Status]++
	}
	return counts
}
