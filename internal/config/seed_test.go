package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const seedDoc = `
resources:
  - name: accounts/1/locations/10
    owner: acme
    display_name: Acme Downtown
  - name: accounts/1/locations/11
    owner: acme
    active: false
identities:
  - owner: acme
    tone: warm
    formality: informal
    forbidden_words: [cheap, "free"]
  - owner: acme
    resource: accounts/1/locations/10
    use_emojis: true
    signature: "- The Acme team"
`

func TestLoadSeed_ParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "resources.yaml")
	if err := os.WriteFile(path, []byte(seedDoc), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	s, err := LoadSeed(path)
	if err != nil {
		t.Fatalf("LoadSeed: %v", err)
	}
	if len(s.Resources) != 2 || len(s.Identities) != 2 {
		t.Fatalf("unexpected seed: %+v", s)
	}
	if !s.Resources[0].IsActive() || s.Resources[1].IsActive() {
		t.Fatalf("active flags wrong: %+v", s.Resources)
	}
	if got := s.Identities[0].ForbiddenWords; len(got) != 2 || got[1] != "free" {
		t.Fatalf("forbidden words: %v", got)
	}
	if !s.Identities[1].UseEmojis || s.Identities[1].Resource != "accounts/1/locations/10" {
		t.Fatalf("resource identity: %+v", s.Identities[1])
	}
}

func TestParseSeed_Rejects(t *testing.T) {
	cases := map[string]string{
		"unknown field":  "resources:\n  - name: a\n    owner: o\n    colour: red\n",
		"missing owner":  "resources:\n  - name: a\n",
		"duplicate":      "resources:\n  - {name: a, owner: o}\n  - {name: a, owner: o}\n",
		"identity owner": "identities:\n  - tone: warm\n",
		"bad formality":  "identities:\n  - owner: o\n    formality: casual\n",
	}
	for name, doc := range cases {
		if _, err := ParseSeed([]byte(doc)); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}

func TestLoadSeed_MissingFile(t *testing.T) {
	_, err := LoadSeed(filepath.Join(t.TempDir(), "nope.yaml"))
	if err == nil || !strings.Contains(err.Error(), "read seed") {
		t.Fatalf("expected read error, got %v", err)
	}
}
