// Package repo implements the data persistence layer for domain entities,
// backed by GORM. This file holds the backlog discovery query, built with
// squirrel and executed through GORM so it runs on both dialects.
package repo

import (
	"context"

	sq "github.com/Masterminds/squirrel"
	"gorm.io/gorm"

	"github.com/tbourn/review-pipeline/internal/domain"
)

// backlogQuery selects reviews of one resource that carry text, have no
// insight, no active job, and have not already failed analysis.
func backlogQuery(resourceID string, limit int) sq.SelectBuilder {
	return sq.Select("r.*").
		From("reviews r").
		LeftJoin("review_insights i ON i.review_id = r.id").
		Where(sq.Eq{"i.review_id": nil}).
		Where(sq.Eq{"r.resource_id": resourceID}).
		Where(sq.NotEq{"r.status": domain.ReviewStatusError}).
		Where("r.comment IS NOT NULL").
		Where(sq.NotEq{"TRIM(r.comment)": ""}).
		Where("NOT EXISTS (SELECT 1 FROM jobs j WHERE j.review_id = r.id AND j.active_key IS NOT NULL)").
		OrderBy("r.source_updated_at ASC", "r.id ASC").
		Limit(uint64(limit))
}

// ListBacklog returns up to limit backlog reviews for resourceID, oldest first.
func ListBacklog(ctx context.Context, db *gorm.DB, resourceID string, limit int) ([]domain.Review, error) {
	if limit <= 0 {
		return nil, nil
	}
	query, args, err := backlogQuery(resourceID, limit).ToSql()
	if err != nil {
		return nil, err
	}
	var out []domain.Review
	err = db.WithContext(ctx).Raw(query, args...).Scan(&out).Error
	return out, err
}

// CountBacklog returns the total backlog size for resourceID.
func CountBacklog(ctx context.Context, db *gorm.DB, resourceID string) (int64, error) {
	query, args, err := sq.Select("COUNT(*)").
		FromSelect(backlogQuery(resourceID, 1<<30).RemoveLimit().RemoveColumns().Column("r.id"), "b").
		ToSql()
	if err != nil {
		return 0, err
	}
	var n int64
	err = db.WithContext(ctx).Raw(query, args...).Scan(&n).Error
	return n, err
}
