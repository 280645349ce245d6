// Package services – reply text
//
// Prompt assembly for reply drafts and the post-processing that enforces the
// identity on model output (emoji policy, forbidden words).
package services

import (
	"fmt"
	"regexp"
	"strings"
)

func replySystemPrompt(id Identity) string {
	var b strings.Builder
	b.WriteString("You write public replies from a business to its customer reviews.\n")
	b.WriteString("- At most 4 sentences.\n")
	b.WriteString("- Reply in the same language as the review.\n")
	b.WriteString("- Never invent facts, offers, names or promises that are not in the review or the context.\n")
	b.WriteString("- Return only the reply text, without quotes.\n")
	if id.UseEmojis {
		b.WriteString("- You may use at most one fitting emoji.\n")
	} else {
		b.WriteString("- Do not use emojis.\n")
	}
	return b.String()
}

func replyPrompt(req DraftRequest, id Identity) (system, user string) {
	rating := "unknown"
	if req.Review.Rating != nil {
		rating = fmt.Sprintf("%d/5", *req.Review.Rating)
	}
	comment := ""
	if req.Review.Comment != nil {
		comment = strings.TrimSpace(*req.Review.Comment)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Review rating: %s\n", rating)
	fmt.Fprintf(&b, "Review text:\n%s\n\n", comment)
	fmt.Fprintf(&b, "Tone: %s\nFormality: %s\n", id.Tone, id.Formality)
	if c := strings.TrimSpace(id.Context); c != "" {
		fmt.Fprintf(&b, "Business context: %s\n", c)
	}
	if s := strings.TrimSpace(req.Summary); s != "" {
		fmt.Fprintf(&b, "Analysis summary: %s\n", s)
	}
	if len(req.Tags) > 0 {
		fmt.Fprintf(&b, "Topics: %s\n", strings.Join(req.Tags, ", "))
	}
	if words := canonicalWords(id.ForbiddenWords); len(words) > 0 {
		fmt.Fprintf(&b, "Never use these words: %s\n", strings.Join(words, ", "))
	}
	if sig := strings.TrimSpace(id.Signature); sig != "" {
		fmt.Fprintf(&b, "End the reply with this signature: %s\n", sig)
	}
	return replySystemPrompt(id), b.String()
}

var (
	spaceRunRE     = regexp.MustCompile(`[ \t]{2,}`)
	spaceBeforePRE = regexp.MustCompile(`\s+([,.!?;:])`)
)

// cleanReply enforces the identity on model output: emojis are stripped
// unless allowed and forbidden words are removed case-insensitively.
func cleanReply(s string, id Identity) string {
	s = strings.TrimSpace(s)
	s = strings.Trim(s, "\"“”")
	if !id.UseEmojis {
		s = stripEmojis(s)
	}
	for _, w := range canonicalWords(id.ForbiddenWords) {
		re := regexp.MustCompile(`(?i)` + regexp.QuoteMeta(w))
		s = re.ReplaceAllString(s, "")
	}
	s = spaceRunRE.ReplaceAllString(s, " ")
	s = spaceBeforePRE.ReplaceAllString(s, "$1")
	return strings.TrimSpace(s)
}

func stripEmojis(s string) string {
	rs := []rune(s)
	var b strings.Builder
	b.Grow(len(s))
	for i, r := range rs {
		if isEmoji(r) || (isJoiner(r) && nearEmoji(rs, i)) {
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func isEmoji(r rune) bool {
	switch {
	case r == 0x20E3: // combining keycap
	case r >= 0x1F000 && r <= 0x1FAFF:
	case r >= 0x2600 && r <= 0x27BF:
	case r >= 0x2B00 && r <= 0x2BFF:
	case r == 0x231A, r == 0x231B, r >= 0x23E9 && r <= 0x23FA:
	default:
		return false
	}
	return true
}

// isJoiner matches ZWJ and VS16. Both also shape Indic scripts, so they are
// only dropped as part of an emoji sequence.
func isJoiner(r rune) bool { return r == 0x200D || r == 0xFE0F }

func nearEmoji(rs []rune, i int) bool {
	for j := i - 1; j >= 0; j-- {
		if !isJoiner(rs[j]) {
			if isEmoji(rs[j]) {
				return true
			}
			break
		}
	}
	for j := i + 1; j < len(rs); j++ {
		if !isJoiner(rs[j]) {
			return isEmoji(rs[j])
		}
	}
	return false
}
