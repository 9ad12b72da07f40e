package directory

import (
	"context"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// bucketFile is the layout of a YAML bucket file:
//
//	buckets:
//	  photos:
//	    endpoint: https://s3.eu-central-1.amazonaws.com
//	    accessKeyId: AKIA...
//	    secretAccessKey: ...
//	    region: eu-central-1
type bucketFile struct {
	Buckets map[string]map[string]interface{} `yaml:"buckets"`
}

// File reads bucket records from a YAML file. The file is parsed on every lookup
// so edits apply to the next request without a restart.
type File struct {
	path string
}

// NewFile creates a file backed directory.
func NewFile(path string) *File {
	return &File{path: path}
}

// Lookup returns the record for name.
func (f *File) Lookup(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(f.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read bucket file: %w", err)
	}

	var doc bucketFile
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse bucket file %s: %w", f.path, err)
	}

	fields, ok := doc.Buckets[name]
	if !ok {
		return nil, ErrNotFound
	}
	if fields == nil {
		fields = map[string]interface{}{}
	}

	return encodeRecord(fields)
}
