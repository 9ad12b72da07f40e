// Package directory resolves virtual bucket names to serialized bucket records.
//
// Backends only read. Each Lookup returns the raw record; decoding and validation
// belong to the bucket package so that every backend fails the same way on bad data.
package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/guided-traffic/s3-bucket-proxy/internal/config"
)

// ErrNotFound is returned when no record exists for a bucket name.
var ErrNotFound = errors.New("bucket not found")

// Directory looks up bucket records by name.
type Directory interface {
	Lookup(ctx context.Context, name string) ([]byte, error)
}

// New creates the directory backend selected in the configuration.
func New(cfg config.DirectoryConfig) (Directory, error) {
	switch cfg.Type {
	case config.DirectoryTypeFile:
		return NewFile(cfg.File.Path), nil
	case config.DirectoryTypeStatic:
		return NewStatic(cfg.Static.Buckets)
	case config.DirectoryTypeRedis:
		return NewRedis(cfg.Redis), nil
	case config.DirectoryTypePostgres:
		return NewPostgres(cfg.Postgres)
	default:
		return nil, fmt.Errorf("unsupported directory type: %s", cfg.Type)
	}
}

// recordKeys maps normalized field names onto the keys the bucket decoder expects.
// Config loaders lower-case keys, and hand-written files mix camel and snake case.
var recordKeys = map[string]string{
	"endpoint":        "endpoint",
	"accesskeyid":     "accessKeyId",
	"secretaccesskey": "secretAccessKey",
	"region":          "region",
}

// encodeRecord re-serializes a loosely keyed record into the JSON blob format.
// Unknown keys are kept as they are.
func encodeRecord(fields map[string]interface{}) ([]byte, error) {
	record := make(map[string]interface{}, len(fields))
	for k, v := range fields {
		norm := strings.ToLower(strings.NewReplacer("_", "", "-", "").Replace(k))
		if canonical, ok := recordKeys[norm]; ok {
			record[canonical] = v
			continue
		}
		record[k] = v
	}
	return json.Marshal(record)
}
