// Package services – ReplyService
//
// This file resolves the voice identity for a review and generates reply
// drafts. Identity precedence is trusted override, then resource, then owner,
// then the built-in default; strict mode refuses the default with
// ErrMissingIdentity. Each draft stores a hash of the canonical identity that
// produced it. Drafts a human has edited or sent are never replaced, and
// reviews that already carry a reply are left alone.
package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/tbourn/review-pipeline/internal/adapters/llm"
	"github.com/tbourn/review-pipeline/internal/domain"
	"github.com/tbourn/review-pipeline/internal/repo"
	"github.com/tbourn/review-pipeline/internal/retry"
)

// Completer is the language model used for analysis and replies.
type Completer interface {
	Complete(ctx context.Context, req llm.Request) (string, error)
	Model() string
}

// Identity sources, from highest to lowest precedence.
const (
	IdentityOverride = "override"
	IdentityResource = "resource"
	IdentityOwner    = "owner"
	IdentityDefault  = "default"
)

// Identity is a resolved brand voice.
type Identity struct {
	Tone           string   `json:"tone"`
	Formality      string   `json:"formality"`
	UseEmojis      bool     `json:"use_emojis"`
	ForbiddenWords []string `json:"forbidden_words"`
	Context        string   `json:"context"`
	Signature      string   `json:"signature"`

	Source string `json:"-"`
}

// DefaultIdentity applies when nothing is configured.
var DefaultIdentity = Identity{
	Tone:           "professional",
	Formality:      "formal",
	UseEmojis:      false,
	ForbiddenWords: []string{},
	Source:         IdentityDefault,
}

// IdentityFromModel converts a stored voice identity.
func IdentityFromModel(v domain.VoiceIdentity, source string) Identity {
	var words []string
	if len(v.ForbiddenWords) > 0 {
		_ = json.Unmarshal(v.ForbiddenWords, &words)
	}
	id := Identity{
		Tone:           v.Tone,
		Formality:      v.Formality,
		UseEmojis:      v.UseEmojis,
		ForbiddenWords: words,
		Context:        v.Context,
		Signature:      v.Signature,
		Source:         source,
	}
	if id.Tone == "" {
		id.Tone = DefaultIdentity.Tone
	}
	if id.Formality == "" {
		id.Formality = DefaultIdentity.Formality
	}
	return id
}

// Hash is the SHA-256 of the identity's canonical JSON form. Word order,
// case and duplicates in the forbidden list do not change it; the source
// does not either.
func (i Identity) Hash() string {
	c := i
	c.Tone = strings.TrimSpace(c.Tone)
	c.Formality = strings.TrimSpace(c.Formality)
	c.Context = strings.TrimSpace(c.Context)
	c.Signature = strings.TrimSpace(c.Signature)
	c.ForbiddenWords = canonicalWords(i.ForbiddenWords)
	b, _ := json.Marshal(c)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func canonicalWords(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, w := range in {
		w = strings.ToLower(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		if _, dup := seen[w]; dup {
			continue
		}
		seen[w] = struct{}{}
		out = append(out, w)
	}
	sort.Strings(out)
	return out
}

// DraftRequest asks for a reply to one review.
type DraftRequest struct {
	Review domain.Review
	// Summary and Tags come from the review's insight, when available.
	Summary string
	Tags    []string

	// Override replaces stored identities; only honored when Trusted.
	Override *Identity
	Trusted  bool
	// Strict fails with ErrMissingIdentity instead of using DefaultIdentity.
	Strict bool

	Mode  string
	Cache *RunCache
}

// Draft is a generated reply.
type Draft struct {
	Text         string
	Mode         string
	IdentityHash string
	Model        string
	Identity     Identity
}

// ReplyService generates reply drafts in the configured brand voice.
type ReplyService struct {
	DB     *gorm.DB
	LLM    Completer
	Policy retry.Policy
	Now    func() time.Time
}

func (s *ReplyService) now() time.Time {
	if s.Now == nil {
		return time.Now().UTC()
	}
	return s.Now().UTC()
}

// ResolveIdentity applies the precedence override > resource > owner >
// default.
func (s *ReplyService) ResolveIdentity(ctx context.Context, req DraftRequest) (Identity, error) {
	if req.Override != nil {
		if !req.Trusted {
			return Identity{}, ErrUntrustedOverride
		}
		id := *req.Override
		id.Source = IdentityOverride
		return id, nil
	}

	owner, resource := req.Review.OwnerID, req.Review.ResourceID
	if v, err := s.lookupIdentity(ctx, req.Cache, owner, resource); err != nil {
		return Identity{}, err
	} else if v != nil {
		return IdentityFromModel(*v, IdentityResource), nil
	}
	if v, err := s.lookupIdentity(ctx, req.Cache, owner, ""); err != nil {
		return Identity{}, err
	} else if v != nil {
		return IdentityFromModel(*v, IdentityOwner), nil
	}
	if req.Strict {
		return Identity{}, ErrMissingIdentity
	}
	return DefaultIdentity, nil
}

func (s *ReplyService) lookupIdentity(ctx context.Context, rc *RunCache, owner, resource string) (*domain.VoiceIdentity, error) {
	if v, ok := rc.identity(owner, resource); ok {
		return v, nil
	}
	v, err := repo.GetIdentity(ctx, s.DB, owner, resource)
	if errors.Is(err, repo.ErrNotFound) {
		v, err = nil, nil
	}
	if err != nil {
		return nil, err
	}
	rc.setIdentity(owner, resource, v)
	return v, nil
}

// Generate produces a reply for req.Review without persisting it.
func (s *ReplyService) Generate(ctx context.Context, req DraftRequest) (*Draft, error) {
	ctx, span := otel.Tracer("services/ReplyService").Start(ctx, "Generate",
		trace.WithAttributes(attribute.String("review.id", req.Review.ID)),
	)
	defer span.End()

	id, err := s.ResolveIdentity(ctx, req)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.String("identity.source", id.Source))

	system, user := replyPrompt(req, id)
	raw, err := retry.Do(ctx, s.Policy, retry.Classify, func(ctx context.Context) (string, error) {
		return s.LLM.Complete(ctx, llm.Request{System: system, User: user, Temperature: 0.4, MaxTokens: 300})
	})
	if err != nil {
		return nil, fmt.Errorf("reply completion: %w", err)
	}

	text := cleanReply(raw, id)
	if text == "" {
		return nil, ErrEmptyDraft
	}
	mode := req.Mode
	if mode == "" {
		mode = domain.DraftModeDraft
	}
	return &Draft{
		Text:         text,
		Mode:         mode,
		IdentityHash: id.Hash(),
		Model:        s.LLM.Model(),
		Identity:     id,
	}, nil
}

// EnsureDraft generates and stores a draft for req.Review unless a human
// reply exists, the stored draft is edited or sent, or (without force) a
// non-empty draft already exists. It reports whether a draft was written.
func (s *ReplyService) EnsureDraft(ctx context.Context, req DraftRequest, force bool) (bool, error) {
	if req.Review.HasReply() {
		return false, nil
	}
	existing, err := repo.GetDraft(ctx, s.DB, req.Review.ID)
	if err != nil && !errors.Is(err, repo.ErrNotFound) {
		return false, err
	}
	if existing != nil {
		if existing.Protected() {
			return false, nil
		}
		if !force && strings.TrimSpace(existing.Text) != "" {
			return false, nil
		}
	}

	d, err := s.Generate(ctx, req)
	if err != nil {
		return false, err
	}
	return repo.UpsertDraft(ctx, s.DB, domain.ReplyDraft{
		ReviewID:     req.Review.ID,
		Text:         d.Text,
		Mode:         d.Mode,
		IdentityHash: d.IdentityHash,
		Model:        d.Model,
	}, s.now())
}
