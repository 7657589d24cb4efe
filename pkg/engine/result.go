package engine

// RecordStatus is the terminal state of one record's pipeline pass.
type RecordStatus string

const (
	StatusCreated RecordStatus = "created"
	StatusUpdated RecordStatus = "updated"
	StatusMerged  RecordStatus = "merged"
	StatusSkipped RecordStatus = "skipped"
	StatusErrored RecordStatus = "errored"
)

// RecordResult is the outcome for one source record.
type RecordResult struct {
	SourceID string
	TargetID string
	Status   RecordStatus
	Message  string
}

// Succeeded reports whether the record reached the destination.
func (r RecordResult) Succeeded() bool {
	switch r.Status {
	case StatusCreated, StatusUpdated, StatusMerged:
		return true
	}
	return false
}

// SyncResult aggregates one engine invocation. It is produced fresh per run
// and never persisted; it feeds the delta state update and decides which
// ledger rows may be completed.
type SyncResult struct {
	EntityType string
	Created    int
	Updated    int
	Merged     int
	Skipped    int
	Errored    int
	Records    []RecordResult
}

func (s *SyncResult) add(r RecordResult) {
	s.Records = append(s.Records, r)
	switch r.Status {
	case StatusCreated:
		s.Created++
	case StatusUpdated:
		s.Updated++
	case StatusMerged:
		s.Merged++
	case StatusSkipped:
		s.Skipped++
	case StatusErrored:
		s.Errored++
	}
}

// Processed returns how many records entered the pipeline.
func (s *SyncResult) Processed() int {
	return len(s.Records)
}

// Succeeded returns how many records reached the destination.
func (s *SyncResult) Succeeded() int {
	return s.Created + s.Updated + s.Merged
}
