package insights

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"
)

const valid = `{"sentiment":"mixed","score":0.8,"summary":" Good food, slow service. ",
"topics":[
 {"name":"Café","category":"product","polarity":"positive","confidence":0.9,"evidence":"great coffee"},
 {"name":"cafe ","category":"product","polarity":"positive","confidence":0.5},
 {"name":"Wait  Time","category":"wait_time","polarity":"negative","confidence":0.7}
]}`

func TestParse_ValidDedupesAndNormalizes(t *testing.T) {
	res, err := Parse(valid, 8)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if res.Sentiment != "mixed" || res.Summary != "Good food, slow service." {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(res.Topics) != 2 {
		t.Fatalf("want 2 topics after dedupe, got %d: %+v", len(res.Topics), res.Topics)
	}
	if res.Topics[0].Normalized != "cafe" || res.Topics[0].Confidence != 0.9 {
		t.Fatalf("first occurrence should win: %+v", res.Topics[0])
	}
	if res.Topics[1].Normalized != "wait time" {
		t.Fatalf("whitespace not collapsed: %q", res.Topics[1].Normalized)
	}
}

func TestParse_CapsTopics(t *testing.T) {
	res, err := Parse(valid, 1)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if len(res.Topics) != 1 {
		t.Fatalf("want 1 topic, got %d", len(res.Topics))
	}
}

func TestParse_StripsCodeFence(t *testing.T) {
	raw := "```json\n" + `{"sentiment":"positive","score":1,"summary":"ok","topics":[]}` + "\n```"
	if _, err := Parse(raw, 0); err != nil {
		t.Fatalf("fenced output should parse: %v", err)
	}
}

func TestParse_Malformed(t *testing.T) {
	cases := map[string]string{
		"empty":          "  ",
		"not json":       "the review is positive",
		"bad enum":       `{"sentiment":"great","score":0.5,"summary":"x","topics":[]}`,
		"score range":    `{"sentiment":"positive","score":1.5,"summary":"x","topics":[]}`,
		"missing field":  `{"sentiment":"positive","score":0.5,"topics":[]}`,
		"bad category":   `{"sentiment":"positive","score":0.5,"summary":"x","topics":[{"name":"a","category":"weather","polarity":"positive","confidence":1}]}`,
		"extra property": `{"sentiment":"positive","score":0.5,"summary":"x","topics":[],"reply":"hi"}`,
	}
	for name, raw := range cases {
		if _, err := Parse(raw, 8); !errors.Is(err, ErrMalformed) {
			t.Fatalf("%s: want ErrMalformed, got %v", name, err)
		}
	}
}

func TestNormalize(t *testing.T) {
	cases := map[string]string{
		"Crème Brûlée":  "creme brulee",
		"  STAFF  ":     "staff",
		"wait\t \ntime": "wait time",
		"":              "",
	}
	for in, want := range cases {
		if got := Normalize(in); got != want {
			t.Fatalf("Normalize(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSchemaIsValidJSON(t *testing.T) {
	var v map[string]any
	if err := json.Unmarshal(Schema(), &v); err != nil {
		t.Fatalf("schema is not JSON: %v", err)
	}
}

func TestPrompt(t *testing.T) {
	four := 4
	_, u := Prompt(" tasty ", &four)
	if !strings.Contains(u, "Rating: 4/5") || !strings.HasSuffix(u, "tasty") {
		t.Fatalf("unexpected prompt: %q", u)
	}
	_, u = Prompt("x", nil)
	if !strings.Contains(u, "Rating: unknown") {
		t.Fatalf("missing unknown rating: %q", u)
	}
}

func TestParse_EvidenceIsOptional(t *testing.T) {
	raw := `{"sentiment":"neutral","score":0.5,"summary":"Okay visit.","topics":[
		{"name":"Staff","category":"staff","polarity":"neutral","confidence":0.6}]}`
	res, err := Parse(raw, 5)
	if err != nil {
		t.Fatalf("parse without evidence: %v", err)
	}
	if len(res.Topics) != 1 || res.Topics[0].Evidence != "" {
		t.Fatalf("topics = %+v", res.Topics)
	}
}
