// Package services – seeding
//
// ApplySeed upserts resources and voice identities from a YAML seed.
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/tbourn/review-pipeline/internal/config"
	"github.com/tbourn/review-pipeline/internal/domain"
	"github.com/tbourn/review-pipeline/internal/repo"
)

// ApplySeed upserts the resources and identities declared in s. Identities
// referencing a resource by name are bound to its stored id.
func ApplySeed(ctx context.Context, db *gorm.DB, s *config.Seed, now time.Time) error {
	ids := map[string]string{}
	for _, r := range s.Resources {
		stored, err := repo.UpsertResource(ctx, db, domain.Resource{
			ID:           uuid.NewString(),
			OwnerID:      r.Owner,
			ExternalName: r.Name,
			DisplayName:  r.DisplayName,
			Active:       r.IsActive(),
			CreatedAt:    now,
			UpdatedAt:    now,
		})
		if err != nil {
			return fmt.Errorf("seed resource %s: %w", r.Name, err)
		}
		ids[r.Name] = stored.ID
	}

	for _, in := range s.Identities {
		resourceID := ""
		if in.Resource != "" {
			id, ok := ids[in.Resource]
			if !ok {
				res, err := repo.GetResourceByName(ctx, db, in.Resource)
				if err != nil {
					return fmt.Errorf("seed identity for %s: %w", in.Resource, err)
				}
				id = res.ID
			}
			resourceID = id
		}
		words := in.ForbiddenWords
		if words == nil {
			words = []string{}
		}
		wordsJSON, _ := json.Marshal(words)
		err := repo.UpsertIdentity(ctx, db, domain.VoiceIdentity{
			ID:             uuid.NewString(),
			OwnerID:        in.Owner,
			ResourceID:     resourceID,
			Tone:           in.Tone,
			Formality:      in.Formality,
			UseEmojis:      in.UseEmojis,
			ForbiddenWords: wordsJSON,
			Context:        in.Context,
			Signature:      in.Signature,
			CreatedAt:      now,
			UpdatedAt:      now,
		})
		if err != nil {
			return fmt.Errorf("seed identity for owner %s: %w", in.Owner, err)
		}
	}
	return nil
}
