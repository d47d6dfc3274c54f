// Package record defines the provider-agnostic dataset model produced by an
// extraction run: DatasetRecord (one dataset version) and RecordSet (the
// ordered yield of one run, tagged with a job identity).
package record

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
	"unicode/utf8"
)

// Provider identifies the repository API a record was extracted from.
type Provider string

const (
	// ProviderDataCite is the DataCite REST API.
	ProviderDataCite Provider = "datacite"

	// ProviderDryad is the Dryad v2 API.
	ProviderDryad Provider = "dryad"

	// ProviderZenodo is the Zenodo records API.
	ProviderZenodo Provider = "zenodo"

	// ProviderRedivis is accepted for records loaded from storage; no
	// extractor ships for it.
	ProviderRedivis Provider = "redivis"
)

var (
	// ErrUnknownProvider is returned by ParseProvider for unrecognized tags.
	ErrUnknownProvider = errors.New("unknown provider")

	// ErrNotFound is returned by lookups of records or sets that do not
	// exist.
	ErrNotFound = errors.New("not found")

	// ErrInvalidSource is returned for source payloads that are not a
	// single UTF-8 encoded JSON document.
	ErrInvalidSource = errors.New("invalid source document")
)

// ParseProvider validates a provider tag.
func ParseProvider(s string) (Provider, error) {
	switch p := Provider(s); p {
	case ProviderDataCite, ProviderDryad, ProviderZenodo, ProviderRedivis:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownProvider, s)
	}
}

// String implements fmt.Stringer.
func (p Provider) String() string { return string(p) }

// Key uniquely identifies a dataset across extraction runs.
type Key struct {
	Provider  Provider
	DatasetID string
}

// DatasetRecord is one version of one dataset as received from a provider.
//
// The raw source payload and its checksum are fixed at construction. A
// changed dataset produces a new DatasetRecord; existing records are never
// rewritten.
type DatasetRecord struct {
	// ID is the storage identity; zero until persisted.
	ID int64

	Provider  Provider
	DatasetID string

	// DOI is the global identifier, possibly derived from the payload.
	DOI string

	// ModifiedToken is the provider's opaque version marker. It is a hint
	// only; SourceMD5 is authoritative for change detection.
	ModifiedToken string

	CreatedAt time.Time
	UpdatedAt time.Time

	source    json.RawMessage
	sourceMD5 string
}

// NewDatasetRecord builds a record from a raw JSON payload. The payload is
// stored in canonical form and its checksum computed from that form.
func NewDatasetRecord(provider Provider, datasetID, doi, modifiedToken string, source []byte) (*DatasetRecord, error) {
	if provider == "" {
		return nil, fmt.Errorf("dataset record: provider is required")
	}
	if datasetID == "" {
		return nil, fmt.Errorf("dataset record: dataset id is required")
	}

	canonical, err := Canonicalize(source)
	if err != nil {
		return nil, fmt.Errorf("dataset record %s/%s: %w", provider, datasetID, err)
	}

	return &DatasetRecord{
		Provider:      provider,
		DatasetID:     datasetID,
		DOI:           doi,
		ModifiedToken: modifiedToken,
		source:        canonical,
		sourceMD5:     checksum(canonical),
	}, nil
}

// Source returns a copy of the canonical source payload.
func (r *DatasetRecord) Source() json.RawMessage {
	out := make(json.RawMessage, len(r.source))
	copy(out, r.source)
	return out
}

// SourceMD5 returns the hex MD5 of the canonical source payload.
func (r *DatasetRecord) SourceMD5() string {
	return r.sourceMD5
}

// Key returns the (provider, dataset id) identity of the record.
func (r *DatasetRecord) Key() Key {
	return Key{Provider: r.Provider, DatasetID: r.DatasetID}
}

// SameVersion reports whether other describes the same dataset with an
// identical source payload.
func (r *DatasetRecord) SameVersion(other *DatasetRecord) bool {
	if other == nil {
		return false
	}
	return r.Key() == other.Key() && r.sourceMD5 == other.sourceMD5
}

// Clone returns an unpersisted copy carrying the same payload and version
// marker. It is used when a stored version is reused by a new run.
func (r *DatasetRecord) Clone() *DatasetRecord {
	return &DatasetRecord{
		Provider:      r.Provider,
		DatasetID:     r.DatasetID,
		DOI:           r.DOI,
		ModifiedToken: r.ModifiedToken,
		source:        r.Source(),
		sourceMD5:     r.sourceMD5,
	}
}

// RestoreDatasetRecord rebuilds a persisted record. The stored checksum must
// match the checksum of the stored source.
func RestoreDatasetRecord(id int64, provider Provider, datasetID, doi, modifiedToken string, source []byte, sourceMD5 string, createdAt, updatedAt time.Time) (*DatasetRecord, error) {
	rec, err := NewDatasetRecord(provider, datasetID, doi, modifiedToken, source)
	if err != nil {
		return nil, err
	}
	if rec.sourceMD5 != sourceMD5 {
		return nil, fmt.Errorf("dataset record %d: stored checksum %s does not match source (%s)", id, sourceMD5, rec.sourceMD5)
	}
	rec.ID = id
	rec.CreatedAt = createdAt
	rec.UpdatedAt = updatedAt
	return rec, nil
}

// SourceChecksum returns the hex MD5 of the canonical form of raw.
func SourceChecksum(raw []byte) (string, error) {
	canonical, err := Canonicalize(raw)
	if err != nil {
		return "", err
	}
	return checksum(canonical), nil
}

// Canonicalize re-encodes a JSON document with object keys sorted and
// insignificant whitespace removed. Numbers keep their original literal.
// Input that is not valid UTF-8 is rejected rather than repaired.
func Canonicalize(raw []byte) (json.RawMessage, error) {
	if !utf8.Valid(raw) {
		return nil, fmt.Errorf("%w: not valid UTF-8", ErrInvalidSource)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidSource, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return nil, fmt.Errorf("%w: trailing data after document", ErrInvalidSource)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("encode source: %w", err)
	}
	return json.RawMessage(bytes.TrimRight(buf.Bytes(), "\n")), nil
}

func checksum(canonical []byte) string {
	sum := md5.Sum(canonical)
	return hex.EncodeToString(sum[:])
}
