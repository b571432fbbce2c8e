package archive

import (
	"time"

	"github.com/fyrsmithlabs/reconmem/internal/conversation"
)

// recordRow is the persisted form of conversation.Record.
type recordRow struct {
	ID             string     `gorm:"primaryKey;size:36"`
	UserID         string     `gorm:"size:128;not null;index:idx_records_user_created,priority:1"`
	SessionID      string     `gorm:"size:128"`
	Question       string     `gorm:"type:text;not null"`
	Answer         string     `gorm:"type:text;not null"`
	CreatedAt      time.Time  `gorm:"not null;index:idx_records_user_created,priority:2"`
	Rating         *int       `gorm:"index"`
	FeedbackText   string     `gorm:"type:text"`
	ImprovedAnswer string     `gorm:"type:text"`
	RatedAt        *time.Time `gorm:"column:rated_at"`
	IndexedAt      *time.Time `gorm:"index"`
}

func (recordRow) TableName() string {
	return "conversation_records"
}

func rowFromRecord(r conversation.Record) recordRow {
	r = r.Clone()
	return recordRow{
		ID:             r.ID,
		UserID:         r.UserID,
		SessionID:      r.SessionID,
		Question:       r.Question,
		Answer:         r.Answer,
		CreatedAt:      r.CreatedAt.UTC(),
		Rating:         r.Rating,
		FeedbackText:   r.FeedbackText,
		ImprovedAnswer: r.ImprovedAnswer,
		RatedAt:        r.RatedAt,
	}
}

func (row recordRow) record() conversation.Record {
	rec := conversation.Record{
		ID:             row.ID,
		UserID:         row.UserID,
		SessionID:      row.SessionID,
		Question:       row.Question,
		Answer:         row.Answer,
		CreatedAt:      row.CreatedAt.UTC(),
		Rating:         row.Rating,
		FeedbackText:   row.FeedbackText,
		ImprovedAnswer: row.ImprovedAnswer,
		RatedAt:        row.RatedAt,
	}
	return rec.Clone()
}

func records(rows []recordRow) []conversation.Record {
	out := make([]conversation.Record, len(rows))
	for i, row := range rows {
		out[i] = row.record()
	}
	return out
}
