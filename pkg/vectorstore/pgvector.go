package vectorstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/pgvector/pgvector-go"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"vspeech/pkg/ai"
	"vspeech/pkg/domain"
	"vspeech/pkg/store"
)

const vectorMigrateLockID int64 = 51370002

// keywordOffset is the 1-based position of the first spoken character in
// stored content.
var keywordOffset = utf8.RuneCountInString(domain.DocumentPrefix) + 1

// CollectionModel is one vector collection (one per index).
type CollectionModel struct {
	ID        string         `gorm:"primaryKey"`
	CreatedAt time.Time      `gorm:"not null"`
	Segments  []SegmentModel `gorm:"foreignKey:CollectionID;constraint:OnDelete:CASCADE"`
}

func (CollectionModel) TableName() string { return "vector_collections" }

// SegmentModel is an embedded transcript segment.
type SegmentModel struct {
	Seq          int64           `gorm:"primaryKey;autoIncrement"`
	ID           string          `gorm:"not null;uniqueIndex:idx_segment_collection_id,priority:2"`
	CollectionID string          `gorm:"not null;uniqueIndex:idx_segment_collection_id,priority:1;index:idx_segment_source,priority:1"`
	SourceFile   string          `gorm:"not null;index:idx_segment_source,priority:2"`
	Content      string          `gorm:"type:text;not null"`
	StartSec     float64         `gorm:"not null"`
	EndSec       float64         `gorm:"not null"`
	Metadata     datatypes.JSON  `gorm:"type:jsonb"`
	Embedding    pgvector.Vector `gorm:"type:vector;not null"`
	CreatedAt    time.Time       `gorm:"not null"`
}

func (SegmentModel) TableName() string { return "vector_segments" }

type segmentMetadata struct {
	Start   float64 `json:"start"`
	End     float64 `json:"end"`
	SrcFile string  `json:"src_file"`
}

// PgvectorBackend stores collections in Postgres using the pgvector extension
// and ranks by inner product in SQL.
type PgvectorBackend struct {
	db *gorm.DB
}

// NewPgvectorBackend migrates the vector tables on db. A positive dim pins the
// embedding column to vector(dim).
func NewPgvectorBackend(db *gorm.DB, dim int) (*PgvectorBackend, error) {
	if err := store.WithMigrationLock(db, vectorMigrateLockID, func(tx *gorm.DB) error {
		if err := tx.Exec("CREATE EXTENSION IF NOT EXISTS vector").Error; err != nil {
			return fmt.Errorf("create pgvector extension: %w", err)
		}
		if err := tx.AutoMigrate(&CollectionModel{}, &SegmentModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if dim > 0 {
			if err := tx.Exec(fmt.Sprintf(
				"ALTER TABLE vector_segments ALTER COLUMN embedding TYPE vector(%d)", dim,
			)).Error; err != nil {
				return fmt.Errorf("alter segment embedding type: %w", err)
			}
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &PgvectorBackend{db: db}, nil
}

func (b *PgvectorBackend) EnsureCollection(ctx context.Context, collection string) error {
	return b.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&CollectionModel{ID: collection, CreatedAt: time.Now().UTC()}).Error
}

func (b *PgvectorBackend) HasCollection(ctx context.Context, collection string) (bool, error) {
	var count int64
	if err := b.db.WithContext(ctx).Model(&CollectionModel{}).Where("id = ?", collection).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

func (b *PgvectorBackend) Add(ctx context.Context, collection string, records []Record) error {
	if len(records) == 0 {
		return nil
	}
	ok, err := b.HasCollection(ctx, collection)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrIndexNotReady, collection)
	}
	now := time.Now().UTC()
	models := make([]SegmentModel, 0, len(records))
	for _, r := range records {
		meta, err := json.Marshal(segmentMetadata{Start: r.Start, End: r.End, SrcFile: r.SourceFile})
		if err != nil {
			return err
		}
		models = append(models, SegmentModel{
			ID:           r.ID,
			CollectionID: collection,
			SourceFile:   r.SourceFile,
			Content:      r.Text,
			StartSec:     r.Start,
			EndSec:       r.End,
			Metadata:     datatypes.JSON(meta),
			Embedding:    pgvector.NewVector(r.Embedding),
			CreatedAt:    now,
		})
	}
	return b.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection_id"}, {Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"source_file", "content", "start_sec", "end_sec", "metadata", "embedding"}),
	}).CreateInBatches(&models, 100).Error
}

func (b *PgvectorBackend) Search(ctx context.Context, collection string, req SearchRequest) ([]Match, error) {
	ok, err := b.HasCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrIndexNotReady, collection)
	}

	q := searchQuery(b.db.WithContext(ctx), collection, req)
	var models []SegmentModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}
	matches := make([]Match, 0, len(models))
	for _, m := range models {
		match := Match{Record: Record{
			ID:         m.ID,
			Text:       m.Content,
			Start:      m.StartSec,
			End:        m.EndSec,
			SourceFile: m.SourceFile,
			Embedding:  m.Embedding.Slice(),
		}}
		if req.Vector != nil {
			match.Score = ai.Dot(req.Vector, match.Embedding)
		}
		matches = append(matches, match)
	}
	return matches, nil
}

// searchQuery applies the collection, source and keyword filters to db and
// orders by inner product when a query vector is given, insertion order
// otherwise. pgvector's <#> is the negated inner product, so ascending order
// ranks the best match first.
func searchQuery(db *gorm.DB, collection string, req SearchRequest) *gorm.DB {
	q := db.Model(&SegmentModel{}).Where("collection_id = ?", collection)
	if len(req.SourceFiles) > 0 {
		q = q.Where("source_file IN ?", req.SourceFiles)
	}
	// Keywords must match the spoken text, not the stored document prefix.
	for _, kw := range req.Keywords {
		q = q.Where("strpos(substr(content, ?), ?) > 0", keywordOffset, kw)
	}
	if req.Vector != nil {
		vec := pgvector.NewVector(req.Vector)
		if req.MinScore > 0 {
			q = q.Where("(embedding <#> ?) * -1 >= ?", vec, req.MinScore)
		}
		q = q.Order(clause.Expr{SQL: "embedding <#> ?", Vars: []any{vec}})
	} else {
		q = q.Order("seq")
	}
	if req.Limit > 0 {
		q = q.Limit(req.Limit)
	}
	return q
}

func (b *PgvectorBackend) DeleteBySource(ctx context.Context, collection, sourceFile string) (int, error) {
	res := b.db.WithContext(ctx).Where("collection_id = ? AND source_file = ?", collection, sourceFile).
		Delete(&SegmentModel{})
	return int(res.RowsAffected), res.Error
}

func (b *PgvectorBackend) DeleteCollection(ctx context.Context, collection string) error {
	return b.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("collection_id = ?", collection).Delete(&SegmentModel{}).Error; err != nil {
			return err
		}
		return tx.Where("id = ?", collection).Delete(&CollectionModel{}).Error
	})
}

// Close is a no-op; the connection is owned by whoever opened it.
func (b *PgvectorBackend) Close() error { return nil }
