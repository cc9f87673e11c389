package registry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Service is a registered worker endpoint as returned by the registry.
type Service struct {
	ID        string            `json:"id" yaml:"id"`
	Name      string            `json:"name" yaml:"name"`
	URL       string            `json:"url" yaml:"url"`
	Metadata  map[string]string `json:"metadata" yaml:"metadata"`
	CreatedAt Timestamp         `json:"created_at" yaml:"created_at"`
	UpdatedAt Timestamp         `json:"updated_at" yaml:"updated_at"`
}

// Timestamp is a registry timestamp kept exactly as sent. Registries differ
// in format, so it is only parsed for display.
type Timestamp string

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999Z07",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	time.DateOnly,
}

// UnmarshalJSON accepts a string, null, or any other scalar, which is kept as
// its raw text.
func (t *Timestamp) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*t = Timestamp(s)
		return nil
	}
	*t = Timestamp(bytes.TrimSpace(b))
	return nil
}

// Time parses the timestamp with the layouts registries commonly emit.
func (t Timestamp) Time() (time.Time, bool) {
	v := strings.TrimSpace(string(t))
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, v); err == nil {
			return parsed, true
		}
	}
	return time.Time{}, false
}

// Display formats the timestamp in local time, or returns it unchanged when
// it cannot be parsed.
func (t Timestamp) Display() string {
	if t == "" {
		return "-"
	}
	if parsed, ok := t.Time(); ok {
		return parsed.Local().Format(time.DateTime)
	}
	return string(t)
}

// Validate checks the fields a health check depends on.
func (s Service) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return ValidationError{Field: "name", Value: s.ID, Message: "service name is required"}
	}
	if err := validateURL(s.URL); err != nil {
		return ValidationError{Field: "url", Value: s.URL, Message: err.Error()}
	}
	return nil
}

// ValidationError describes a rejected field before anything is sent.
type ValidationError struct {
	Field   string
	Value   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Value == "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s=%s: %s", e.Field, e.Value, e.Message)
}

// MetadataEntry is one key/value row of the registration form.
type MetadataEntry struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// ParseMetadataEntry splits a "key=value" flag value.
func ParseMetadataEntry(s string) (MetadataEntry, error) {
	i := strings.IndexByte(s, '=')
	if i < 0 {
		return MetadataEntry{}, ValidationError{Field: "metadata", Value: s, Message: "expected key=value"}
	}
	return MetadataEntry{Key: s[:i], Value: s[i+1:]}, nil
}

const (
	msgMetadataBlank     = "All metadata fields must be filled"
	msgMetadataDuplicate = "Duplicate keys are not allowed"
	maxNameLength        = 100
)

// BuildMetadata turns form rows into the metadata object sent to the registry.
// Keys and values are trimmed; blank fields and repeated keys are rejected.
func BuildMetadata(entries []MetadataEntry) (map[string]string, error) {
	for _, e := range entries {
		if strings.TrimSpace(e.Key) == "" || strings.TrimSpace(e.Value) == "" {
			return nil, ValidationError{Field: "metadata", Value: e.Key, Message: msgMetadataBlank}
		}
	}
	out := make(map[string]string, len(entries))
	for _, e := range entries {
		k := strings.TrimSpace(e.Key)
		if _, dup := out[k]; dup {
			return nil, ValidationError{Field: "metadata", Value: k, Message: msgMetadataDuplicate}
		}
		out[k] = strings.TrimSpace(e.Value)
	}
	return out, nil
}

// CreateRequest is the body of POST /services.
type CreateRequest struct {
	Name     string            `json:"name"`
	URL      string            `json:"url"`
	Metadata map[string]string `json:"metadata"`
}

// NewCreateRequest validates a registration and builds its payload.
func NewCreateRequest(name, rawURL string, entries []MetadataEntry) (CreateRequest, error) {
	name = strings.TrimSpace(name)
	switch {
	case name == "":
		return CreateRequest{}, ValidationError{Field: "name", Message: "Service name is required"}
	case len(name) > maxNameLength:
		return CreateRequest{}, ValidationError{Field: "name", Value: name, Message: "Name must be less than 100 characters"}
	}
	rawURL = strings.TrimSpace(rawURL)
	if rawURL == "" {
		return CreateRequest{}, ValidationError{Field: "url", Message: "Service URL is required"}
	}
	if err := validateURL(rawURL); err != nil {
		return CreateRequest{}, ValidationError{Field: "url", Value: rawURL, Message: "Please enter a valid URL"}
	}
	metadata, err := BuildMetadata(entries)
	if err != nil {
		return CreateRequest{}, err
	}
	return CreateRequest{Name: name, URL: rawURL, Metadata: metadata}, nil
}

func validateURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parse url: %w", err)
	}
	if !u.IsAbs() || u.Host == "" {
		return fmt.Errorf("url must be absolute")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	return nil
}
