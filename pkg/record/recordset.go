package record

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrJobIDAlreadySet is returned when a job id is attached to a record
	// set that already carries one. The existing value is left unchanged.
	ErrJobIDAlreadySet = errors.New("job id already set")

	// ErrEmptyJobID is returned when attaching an empty job id.
	ErrEmptyJobID = errors.New("job id is empty")

	// ErrFrozen is returned when adding records to a set that has been
	// handed off.
	ErrFrozen = errors.New("record set is frozen")

	// ErrProviderMismatch is returned when a record's provider differs from
	// the set's provider.
	ErrProviderMismatch = errors.New("record provider does not match record set")
)

// RecordSet is the ordered collection of records produced by one extraction
// run. It is owned by a single run and is not safe for concurrent mutation.
type RecordSet struct {
	// ID is the storage identity; zero until persisted.
	ID        int64
	CreatedAt time.Time
	UpdatedAt time.Time

	provider Provider
	jobID    string
	records  []*DatasetRecord
	frozen   bool
}

// NewRecordSet creates an empty record set for provider.
func NewRecordSet(provider Provider) *RecordSet {
	return &RecordSet{provider: provider}
}

// RestoreRecordSet rebuilds a persisted record set. The result is frozen.
func RestoreRecordSet(id int64, provider Provider, jobID string, createdAt, updatedAt time.Time, records []*DatasetRecord) (*RecordSet, error) {
	rs := &RecordSet{
		ID:        id,
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
		provider:  provider,
		jobID:     jobID,
	}
	for _, rec := range records {
		if err := rs.Add(rec); err != nil {
			return nil, fmt.Errorf("restore record set %d: %w", id, err)
		}
	}
	rs.frozen = true
	return rs, nil
}

// Provider returns the provider tag fixed at creation.
func (rs *RecordSet) Provider() Provider {
	return rs.provider
}

// JobID returns the attached job id and whether one has been attached.
func (rs *RecordSet) JobID() (string, bool) {
	return rs.jobID, rs.jobID != ""
}

// AttachJobID assigns the job identity. It succeeds at most once; later
// calls return ErrJobIDAlreadySet without overwriting.
func (rs *RecordSet) AttachJobID(jobID string) error {
	if jobID == "" {
		return ErrEmptyJobID
	}
	if rs.jobID != "" {
		return fmt.Errorf("%w: record set %d has job %q", ErrJobIDAlreadySet, rs.ID, rs.jobID)
	}
	rs.jobID = jobID
	return nil
}

// Add appends a record, preserving insertion order.
func (rs *RecordSet) Add(rec *DatasetRecord) error {
	if rs.frozen {
		return ErrFrozen
	}
	if rec == nil {
		return fmt.Errorf("record set: nil record")
	}
	if rec.Provider != rs.provider {
		return fmt.Errorf("%w: %s != %s", ErrProviderMismatch, rec.Provider, rs.provider)
	}
	rs.records = append(rs.records, rec)
	return nil
}

// Records returns the contained records in insertion order. The slice is a
// copy; the records themselves are shared.
func (rs *RecordSet) Records() []*DatasetRecord {
	out := make([]*DatasetRecord, len(rs.records))
	copy(out, rs.records)
	return out
}

// Len returns the number of records, which is the extraction yield.
func (rs *RecordSet) Len() int {
	return len(rs.records)
}

// Freeze marks the set as handed off. No records can be added afterwards.
func (rs *RecordSet) Freeze() {
	rs.frozen = true
}

// Frozen reports whether the set has been handed off.
func (rs *RecordSet) Frozen() bool {
	return rs.frozen
}
