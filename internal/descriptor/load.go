package descriptor

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// LoadFile reads and validates a YAML descriptor set.
func LoadFile(path string) (*Set, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read descriptor set: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML descriptor set. Unknown keys are rejected.
func Parse(data []byte) (*Set, error) {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)

	var s Set
	if err := dec.Decode(&s); err != nil && err != io.EOF {
		return nil, &InvalidDescriptorError{Problems: []string{fmt.Sprintf("decode yaml: %v", err)}}
	}
	if err := Validate(&s); err != nil {
		return nil, err
	}
	return &s, nil
}

// Encode writes the set as YAML.
func Encode(w io.Writer, s *Set) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(s); err != nil {
		return fmt.Errorf("encode descriptor set: %w", err)
	}
	return enc.Close()
}
