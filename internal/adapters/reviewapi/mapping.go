package reviewapi

import (
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
)

var starRatings = map[string]int{
	"ONE": 1, "TWO": 2, "THREE": 3, "FOUR": 4, "FIVE": 5,
}

// Rating converts the enum star rating; unknown or unspecified ratings are nil.
func (r Review) Rating() *int {
	if v, ok := starRatings[strings.ToUpper(strings.TrimSpace(r.StarRating))]; ok {
		return &v
	}
	return nil
}

// Timestamp returns the source time used for ordering: the update time,
// falling back to the creation time. ok is false when neither parses.
func (r Review) Timestamp() (t time.Time, ok bool) {
	for _, s := range []string{r.UpdateTime, r.CreateTime} {
		if ts, err := parseTime(s); err == nil {
			return ts, true
		}
	}
	return time.Time{}, false
}

// CreatedAt returns the creation time, or the zero time.
func (r Review) CreatedAt() time.Time {
	ts, _ := parseTime(r.CreateTime)
	return ts
}

// PlainComment returns the comment as plain text, or nil when empty. Some
// sources deliver HTML fragments and entities; those are flattened.
func (r Review) PlainComment() *string {
	return plainText(r.Comment)
}

// PlainReply returns the published reply as plain text and its update time.
func (r Review) PlainReply() (*string, *time.Time) {
	if r.ReviewReply == nil {
		return nil, nil
	}
	text := plainText(r.ReviewReply.Comment)
	if text == nil {
		return nil, nil
	}
	if ts, err := parseTime(r.ReviewReply.UpdateTime); err == nil {
		return text, &ts
	}
	return text, nil
}

func parseTime(s string) (time.Time, error) {
	ts, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(s))
	if err != nil {
		return time.Time{}, err
	}
	// Postgres keeps microseconds; truncating keeps cursor comparisons stable.
	return ts.UTC().Truncate(time.Microsecond), nil
}

func plainText(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if strings.ContainsAny(s, "<&") {
		if doc, err := goquery.NewDocumentFromReader(strings.NewReader(s)); err == nil {
			s = strings.TrimSpace(doc.Text())
		}
	}
	if s == "" {
		return nil
	}
	return &s
}
