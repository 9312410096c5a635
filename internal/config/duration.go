package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so it can be read from flags, JSON and YAML.
type Duration struct {
	time.Duration
}

func NewDuration(d time.Duration) Duration {
	return Duration{Duration: d}
}

// UnmarshalJSON implements json.Unmarshaler interface
func (d *Duration) UnmarshalJSON(b []byte) error {
	var v interface{}
	if err := json.Unmarshal(b, &v); err != nil {
		return err
	}

	switch value := v.(type) {
	case float64:
		// Numbers are seconds, as in YAML and the environment
		d.Duration = time.Duration(value * float64(time.Second))
		return nil
	case string:
		return d.Set(value)
	default:
		return fmt.Errorf("invalid duration value: %v", value)
	}
}

// MarshalJSON implements json.Marshaler interface
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Duration.String())
}

// UnmarshalYAML accepts "90s" style strings and plain integers (seconds).
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("invalid duration at line %d", value.Line)
	}
	if value.Tag == "!!int" {
		var secs int64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		d.Duration = time.Duration(secs) * time.Second
		return nil
	}
	return d.Set(value.Value)
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Set implements flag.Value. Bare integers are taken as seconds, matching the
// CACHE_TTL=300 style used in environment files.
func (d *Duration) Set(s string) error {
	if secs, err := strconv.ParseInt(s, 10, 64); err == nil {
		d.Duration = time.Duration(secs) * time.Second
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration format '%s': %w", s, err)
	}
	d.Duration = parsed
	return nil
}

// String returns the string representation
func (d Duration) String() string {
	return d.Duration.String()
}
