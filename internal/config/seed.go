package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Seed is the optional YAML file (RESOURCES_FILE) declaring the resources
// to sync and their brand-voice identities.
//
//	resources:
//	  - name: accounts/1/locations/10
//	    owner: acme
//	    display_name: Acme Downtown
//	identities:
//	  - owner: acme
//	    tone: warm
//	    formality: informal
//	    forbidden_words: [cheap]
//	  - owner: acme
//	    resource: accounts/1/locations/10
//	    use_emojis: true
type Seed struct {
	Resources  []SeedResource `yaml:"resources"`
	Identities []SeedIdentity `yaml:"identities"`
}

// SeedResource declares one resource.
type SeedResource struct {
	Name        string `yaml:"name"`
	Owner       string `yaml:"owner"`
	DisplayName string `yaml:"display_name"`
	// Active defaults to true when omitted.
	Active *bool `yaml:"active"`
}

// IsActive reports the effective active flag.
func (r SeedResource) IsActive() bool { return r.Active == nil || *r.Active }

// SeedIdentity declares a voice identity. An empty Resource is the owner
// default; otherwise it names a resource declared in the same file or
// already stored.
type SeedIdentity struct {
	Owner          string   `yaml:"owner"`
	Resource       string   `yaml:"resource"`
	Tone           string   `yaml:"tone"`
	Formality      string   `yaml:"formality"`
	UseEmojis      bool     `yaml:"use_emojis"`
	ForbiddenWords []string `yaml:"forbidden_words"`
	Context        string   `yaml:"context"`
	Signature      string   `yaml:"signature"`
}

// LoadSeed parses and validates the seed file at path.
func LoadSeed(path string) (*Seed, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed: %w", err)
	}
	return ParseSeed(b)
}

// ParseSeed parses and validates a seed document.
func ParseSeed(b []byte) (*Seed, error) {
	var s Seed
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&s); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse seed: %w", err)
	}
	seen := map[string]struct{}{}
	for i, r := range s.Resources {
		if strings.TrimSpace(r.Name) == "" || strings.TrimSpace(r.Owner) == "" {
			return nil, fmt.Errorf("seed resource #%d: name and owner are required", i+1)
		}
		if _, dup := seen[r.Name]; dup {
			return nil, fmt.Errorf("seed resource %q declared twice", r.Name)
		}
		seen[r.Name] = struct{}{}
	}
	for i, id := range s.Identities {
		if strings.TrimSpace(id.Owner) == "" {
			return nil, fmt.Errorf("seed identity #%d: owner is required", i+1)
		}
		switch id.Formality {
		case "", "formal", "informal", "neutral":
		default:
			return nil, errors.New("seed identity formality must be formal, informal or neutral")
		}
	}
	return &s, nil
}
