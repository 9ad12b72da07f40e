package bucket

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

// ErrConfigInvalid is returned for any bucket record that cannot be decoded or fails validation.
// The wrapped detail is meant for server-side logs only.
var ErrConfigInvalid = errors.New("bucket configuration is invalid")

// Config holds the upstream location and credentials of one virtual bucket.
type Config struct {
	Endpoint        string `json:"endpoint"`
	AccessKeyID     string `json:"accessKeyId"`
	SecretAccessKey string `json:"secretAccessKey"`
	Region          string `json:"region"`

	endpointURL *url.URL
}

// EndpointURL returns a copy of the parsed endpoint.
func (c *Config) EndpointURL() *url.URL {
	u := *c.endpointURL
	return &u
}

// Decode parses a serialized bucket record and validates it.
// A record stored as a JSON string containing the JSON object is accepted too.
func Decode(blob []byte) (*Config, error) {
	blob = bytes.TrimSpace(blob)
	if len(blob) == 0 {
		return nil, fmt.Errorf("%w: empty record", ErrConfigInvalid)
	}

	if blob[0] == '"' {
		var inner string
		if err := json.Unmarshal(blob, &inner); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
		}
		blob = []byte(inner)
	}

	var cfg Config
	if err := json.Unmarshal(blob, &cfg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConfigInvalid, err)
	}

	return &cfg, nil
}

func (c *Config) validate() error {
	fields := []struct {
		name  string
		value string
	}{
		{"endpoint", c.Endpoint},
		{"accessKeyId", c.AccessKeyID},
		{"secretAccessKey", c.SecretAccessKey},
		{"region", c.Region},
	}
	for _, f := range fields {
		if strings.TrimSpace(f.value) == "" {
			return fmt.Errorf("%s is required", f.name)
		}
	}

	u, err := url.Parse(c.Endpoint)
	if err != nil {
		return fmt.Errorf("endpoint is not a valid URL: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("endpoint must be an absolute URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("endpoint scheme %q is not supported", u.Scheme)
	}
	c.endpointURL = u

	return nil
}
