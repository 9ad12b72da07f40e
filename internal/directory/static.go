package directory

import (
	"context"
	"fmt"
)

// Static serves bucket records from the proxy's own configuration.
type Static struct {
	records map[string][]byte
}

// NewStatic encodes the configured buckets once. Records are not validated here.
func NewStatic(buckets map[string]map[string]interface{}) (*Static, error) {
	records := make(map[string][]byte, len(buckets))
	for name, fields := range buckets {
		blob, err := encodeRecord(fields)
		if err != nil {
			return nil, fmt.Errorf("failed to encode bucket %q: %w", name, err)
		}
		records[name] = blob
	}
	return &Static{records: records}, nil
}

// Lookup returns the record for name.
func (s *Static) Lookup(_ context.Context, name string) ([]byte, error) {
	blob, ok := s.records[name]
	if !ok {
		return nil, ErrNotFound
	}
	return blob, nil
}
