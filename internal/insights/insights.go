package insights

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

// ErrMalformed marks model output that does not match the schema.
var ErrMalformed = errors.New("malformed model output")

// DefaultMaxTopics caps the number of topics kept per review.
const DefaultMaxTopics = 8

// Topic is one aspect the review talks about.
type Topic struct {
	Name       string  `json:"name"`
	Category   string  `json:"category"`
	Polarity   string  `json:"polarity"`
	Confidence float64 `json:"confidence"`
	Evidence   string  `json:"evidence,omitempty"`

	// Normalized is the vocabulary key; filled by Parse.
	Normalized string `json:"-"`
}

// Result is the validated analysis of one review.
type Result struct {
	Sentiment string  `json:"sentiment"`
	Score     float64 `json:"score"`
	Summary   string  `json:"summary"`
	Topics    []Topic `json:"topics"`
}

// Parse validates raw model output and returns the decoded result with topics
// normalized, deduplicated by normalized name (first occurrence wins) and
// capped at maxTopics. Any mismatch is reported as ErrMalformed.
func Parse(raw string, maxTopics int) (*Result, error) {
	body := stripFences(raw)
	if body == "" {
		return nil, fmt.Errorf("%w: empty output", ErrMalformed)
	}

	sch, err := schema()
	if err != nil {
		return nil, fmt.Errorf("insights: compile schema: %w", err)
	}
	inst, err := jsonschema.UnmarshalJSON(strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := sch.Validate(inst); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	var res Result
	if err := json.Unmarshal([]byte(body), &res); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	res.Summary = strings.TrimSpace(res.Summary)
	res.Topics = dedupeTopics(res.Topics, maxTopics)
	return &res, nil
}

func dedupeTopics(in []Topic, max int) []Topic {
	if max <= 0 {
		max = DefaultMaxTopics
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]Topic, 0, len(in))
	for _, t := range in {
		key := Normalize(t.Name)
		if key == "" {
			continue
		}
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		t.Name = strings.TrimSpace(t.Name)
		t.Evidence = strings.TrimSpace(t.Evidence)
		t.Normalized = key
		out = append(out, t)
		if len(out) == max {
			break
		}
	}
	return out
}

// Normalize case-folds s, strips accents and collapses whitespace, giving the
// unique key of a tag in the vocabulary.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	stripped, _, err := transform.String(t, s)
	if err != nil {
		stripped = s
	}
	folded := cases.Fold().String(stripped)
	return strings.Join(strings.Fields(folded), " ")
}

// stripFences removes a surrounding ```json fence some models add despite
// the schema constraint.
func stripFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
