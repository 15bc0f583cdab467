package storage

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrNotFound is returned when a keyed record does not exist.
var ErrNotFound = errors.New("record not found")

// ValidationError is returned by create/update when a record is rejected before
// it reaches the database. Fields maps the offending field to its reason.
type ValidationError struct {
	Record string
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s %s", k, e.Fields[k]))
	}

	return fmt.Sprintf("invalid %s: %s", e.Record, strings.Join(parts, ", "))
}

func (e *ValidationError) add(field, reason string) {
	if e.Fields == nil {
		e.Fields = make(map[string]string)
	}

	e.Fields[field] = reason
}

func (e *ValidationError) orNil() error {
	if len(e.Fields) == 0 {
		return nil
	}

	return e
}
