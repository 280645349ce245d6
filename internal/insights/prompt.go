package insights

import (
	"fmt"
	"strings"
)

const systemPrompt = `You analyse customer reviews of a local business.
Return only JSON matching the provided schema.
- sentiment: overall tone of the review.
- score: your confidence in the sentiment, between 0 and 1.
- summary: one neutral sentence in English.
- topics: concrete aspects mentioned; short lowercase names; evidence is a short verbatim quote.
Do not invent topics that are not in the text.`

// Prompt builds the system and user messages for analysing one review.
func Prompt(comment string, rating *int) (system, user string) {
	r := "unknown"
	if rating != nil {
		r = fmt.Sprintf("%d/5", *rating)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Rating: %s\n", r)
	b.WriteString("Review:\n")
	b.WriteString(strings.TrimSpace(comment))
	return systemPrompt, b.String()
}
