package history

import (
	"time"

	"github.com/pkg/errors"
)

// MaxListLimit caps Recent.
const MaxListLimit = 500

// Repository handles fire record storage.
type Repository struct {
	db *DB
}

// NewRepository creates a repository on db.
func NewRepository(db *DB) *Repository {
	return &Repository{db: db}
}

// Create inserts one record.
func (r *Repository) Create(rec *FireRecord) error {
	if err := r.db.Create(rec).Error; err != nil {
		return errors.Wrap(err, "failed to insert fire record")
	}
	return nil
}

// CreateBatch inserts records in one transaction.
func (r *Repository) CreateBatch(recs []*FireRecord) error {
	if len(recs) == 0 {
		return nil
	}
	if err := r.db.CreateInBatches(recs, 100).Error; err != nil {
		return errors.Wrapf(err, "failed to insert %d fire records", len(recs))
	}
	return nil
}

// Recent returns the newest records first.
func (r *Repository) Recent(limit int) ([]*FireRecord, error) {
	if limit <= 0 || limit > MaxListLimit {
		limit = MaxListLimit
	}
	var recs []*FireRecord
	if err := r.db.Order("fired_at DESC, id DESC").Limit(limit).Find(&recs).Error; err != nil {
		return nil, errors.Wrap(err, "failed to query fire records")
	}
	return recs, nil
}

// SummarySince aggregates records fired at or after since.
func (r *Repository) SummarySince(since time.Time) (Summary, error) {
	var s Summary
	err := r.db.Model(&FireRecord{}).
		Select("COUNT(*) AS fires, "+
			"COALESCE(SUM(CASE WHEN error <> '' THEN 1 ELSE 0 END), 0) AS failures, "+
			"COALESCE(AVG(waited_ms), 0) AS avg_waited_ms").
		Where("fired_at >= ?", since).
		Scan(&s).Error
	if err != nil {
		return Summary{}, errors.Wrap(err, "failed to summarize fire records")
	}
	return s, nil
}

// Prune deletes records fired before cutoff and returns how many went.
func (r *Repository) Prune(cutoff time.Time) (int64, error) {
	res := r.db.Where("fired_at < ?", cutoff).Delete(&FireRecord{})
	if res.Error != nil {
		return 0, errors.Wrap(res.Error, "failed to prune fire records")
	}
	return res.RowsAffected, nil
}
