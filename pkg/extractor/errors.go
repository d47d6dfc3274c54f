package extractor

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Sternrassler/dataset-extractor/pkg/client"
	"github.com/Sternrassler/dataset-extractor/pkg/record"
)

var errMissingField = errors.New("missing required field")

// MappingError is a provider payload that cannot be mapped to a ListResult
// or DatasetRecord.
type MappingError struct {
	Provider record.Provider

	// ID is the dataset identifier when known.
	ID string

	// Index is the position of the item in the listing.
	Index int

	// Field names the offending field, if any.
	Field string

	Err error
}

// Error implements the error interface.
func (e *MappingError) Error() string {
	what := fmt.Sprintf("item %d", e.Index)
	if e.ID != "" {
		what = fmt.Sprintf("dataset %q", e.ID)
	}
	if e.Field != "" {
		return fmt.Sprintf("%s mapping error: %s: field %q: %v", e.Provider, what, e.Field, e.Err)
	}
	return fmt.Sprintf("%s mapping error: %s: %v", e.Provider, what, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *MappingError) Unwrap() error {
	return e.Err
}

// malformed reports a response envelope missing its expected structure.
func malformed(provider record.Provider, path, msg string) error {
	return &client.ProtocolError{
		Provider:   string(provider),
		Method:     http.MethodGet,
		URL:        path,
		StatusCode: http.StatusOK,
		Attempts:   1,
		Class:      client.ErrorClassProtocol,
		Message:    msg,
	}
}
