package archive

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/reconmem/internal/conversation"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Repository is the system of record for conversation records.
type Repository struct {
	db     *gorm.DB
	logger *zap.Logger
}

// NewRepository wraps an open database.
func NewRepository(db *gorm.DB, logger *zap.Logger) *Repository {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Repository{db: db, logger: logger.Named("repository")}
}

// Create inserts a new record.
func (r *Repository) Create(ctx context.Context, rec conversation.Record) error {
	row := rowFromRecord(rec)
	if err := r.db.WithContext(ctx).Create(&row).Error; err != nil {
		return fmt.Errorf("insert record %s: %w", rec.ID, err)
	}
	return nil
}

// Get returns a record by id.
func (r *Repository) Get(ctx context.Context, id string) (conversation.Record, error) {
	var row recordRow
	err := r.db.WithContext(ctx).Where("id = ?", id).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return conversation.Record{}, conversation.ErrNotFound
	}
	if err != nil {
		return conversation.Record{}, fmt.Errorf("get record %s: %w", id, err)
	}
	return row.record(), nil
}

// GetByIDs returns the records found for ids, keyed by id.
func (r *Repository) GetByIDs(ctx context.Context, ids []string) (map[string]conversation.Record, error) {
	out := make(map[string]conversation.Record, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	var rows []recordRow
	if err := r.db.WithContext(ctx).Where("id IN ?", ids).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("get records: %w", err)
	}
	for _, row := range rows {
		out[row.ID] = row.record()
	}
	return out, nil
}

// Recent returns up to limit of the user's records, newest first,
// skipping the ids in exclude.
func (r *Repository) Recent(ctx context.Context, userID string, limit int, exclude []string) ([]conversation.Record, error) {
	if limit <= 0 {
		return nil, nil
	}
	q := r.db.WithContext(ctx).Where("user_id = ?", userID)
	if len(exclude) > 0 {
		q = q.Where("id NOT IN ?", exclude)
	}
	var rows []recordRow
	if err := q.Order("created_at DESC").Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("recent records for user: %w", err)
	}
	return records(rows), nil
}

// UnratedMatches returns the user's unrated records with exactly this
// question and answer, newest first.
func (r *Repository) UnratedMatches(ctx context.Context, userID, question, answer string) ([]conversation.Record, error) {
	var rows []recordRow
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND question = ? AND answer = ? AND rating IS NULL", userID, question, answer).
		Order("created_at DESC").
		Order("id DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("unrated matches: %w", err)
	}
	return records(rows), nil
}

// SetFeedback rates the record only if it is still unrated. It reports
// false when another writer got there first or the id does not exist.
// indexed_at is cleared so the stale index document is rewritten by the
// next Reindex or ReindexPending.
func (r *Repository) SetFeedback(ctx context.Context, id string, fb conversation.Feedback, at time.Time) (bool, error) {
	res := r.db.WithContext(ctx).
		Model(&recordRow{}).
		Where("id = ? AND rating IS NULL", id).
		Updates(map[string]interface{}{
			"rating":          fb.Rating,
			"feedback_text":   fb.FeedbackText,
			"improved_answer": fb.ImprovedAnswer,
			"rated_at":        at.UTC(),
			"indexed_at":      nil,
		})
	if res.Error != nil {
		return false, fmt.Errorf("update feedback %s: %w", id, res.Error)
	}
	return res.RowsAffected == 1, nil
}

// LatestRatedAtMost returns the user's most recent record rated at or
// below maxRating.
func (r *Repository) LatestRatedAtMost(ctx context.Context, userID string, maxRating int) (conversation.Record, error) {
	var row recordRow
	err := r.db.WithContext(ctx).
		Where("user_id = ? AND rating IS NOT NULL AND rating <= ?", userID, maxRating).
		Order("created_at DESC").
		Order("id DESC").
		Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return conversation.Record{}, conversation.ErrNotFound
	}
	if err != nil {
		return conversation.Record{}, fmt.Errorf("latest low-rated record: %w", err)
	}
	return row.record(), nil
}

// MarkIndexed stamps records as present in the similarity index.
func (r *Repository) MarkIndexed(ctx context.Context, ids []string, at time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	err := r.db.WithContext(ctx).
		Model(&recordRow{}).
		Where("id IN ?", ids).
		Update("indexed_at", at.UTC()).Error
	if err != nil {
		return fmt.Errorf("mark indexed: %w", err)
	}
	return nil
}

// Unindexed returns up to limit records that never reached the index,
// oldest first.
func (r *Repository) Unindexed(ctx context.Context, limit int) ([]conversation.Record, error) {
	var rows []recordRow
	err := r.db.WithContext(ctx).
		Where("indexed_at IS NULL").
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("unindexed records: %w", err)
	}
	return records(rows), nil
}

// CountByUser returns how many records the user has.
func (r *Repository) CountByUser(ctx context.Context, userID string) (int64, error) {
	var n int64
	if err := r.db.WithContext(ctx).Model(&recordRow{}).Where("user_id = ?", userID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("count records: %w", err)
	}
	return n, nil
}

// Ping checks the database connection.
func (r *Repository) Ping(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close closes the underlying connection pool.
func (r *Repository) Close() error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
