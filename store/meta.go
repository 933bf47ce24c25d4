package store

import (
	"context"
	"time"

	"gorm.io/gorm/clause"

	"github.com/shawkridge/athena/errs"
)

// RecordMetaQuality upserts the initial meta_quality row for a
// newly-written memory, per spec §4.2/§4.7: every memory gets a quality
// row at write time, with the degraded flag set when the embedding
// service was unavailable for it.
func (s *Store) RecordMetaQuality(ctx context.Context, memoryID int64, layer, projectScope string, degraded bool) error {
	row := MetaQualityRow{
		MemoryID:          memoryID,
		Layer:             layer,
		ProjectScope:      projectScope,
		Confidence:        1,
		EmbeddingDegraded: degraded,
		LastAccessed:      time.Now().UTC(),
	}
	err := s.Pool.DB().WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "memory_id"}, {Name: "layer"}},
		DoUpdates: clause.AssignmentColumns([]string{"embedding_degraded", "last_accessed"}),
	}).Create(&row).Error
	if err != nil {
		return errs.Wrap(errs.StoreUnavailable, err, "record meta quality")
	}
	return nil
}
