package store

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"vspeech/pkg/domain"
)

const metadataMigrateLockID int64 = 51370001

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	db, err := OpenPostgres(dsn)
	if err != nil {
		return nil, err
	}
	return NewGormStoreWithDB(db)
}

// NewGormStoreWithDB migrates and wraps an existing connection.
func NewGormStoreWithDB(db *gorm.DB) (*GormStore, error) {
	if err := WithMigrationLock(db, metadataMigrateLockID, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&IndexModel{}, &FileModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// DB exposes the connection so other stores can share it.
func (s *GormStore) DB() *gorm.DB { return s.db }

// CreateIndex inserts the index and its files in one transaction.
func (s *GormStore) CreateIndex(name string, paths []string) (domain.Index, error) {
	paths = dedupe(paths)
	if len(paths) == 0 {
		return domain.Index{}, errNoPaths
	}
	now := time.Now().UTC()
	model := IndexModel{
		ID:        uuid.NewString(),
		Name:      name,
		Status:    string(domain.StatusProcessing),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, p := range paths {
		model.Files = append(model.Files, FileModel{
			Path:      p,
			Status:    string(domain.StatusWaiting),
			CreatedAt: now,
			UpdatedAt: now,
		})
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&IndexModel{}).Where("name = ?", name).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrDuplicateName
		}
		if err := tx.Model(&FileModel{}).Where("path IN ?", paths).Count(&count).Error; err != nil {
			return err
		}
		if count > 0 {
			return ErrPathConflict
		}
		return tx.Create(&model).Error
	})
	if err != nil {
		err = uniqueConflict(err, func() (bool, error) { return s.nameTaken(name) })
		return domain.Index{}, translate(err, nil)
	}
	return indexFromModel(model), nil
}

func (s *GormStore) nameTaken(name string) (bool, error) {
	var count int64
	if err := s.db.Model(&IndexModel{}).Where("name = ?", name).Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// ListIndexes returns all indexes with files, oldest first.
func (s *GormStore) ListIndexes() ([]domain.Index, error) {
	var models []IndexModel
	if err := s.db.Preload("Files", orderFiles).Order("created_at, id").Find(&models).Error; err != nil {
		return nil, translate(err, nil)
	}
	out := make([]domain.Index, 0, len(models))
	for _, m := range models {
		out = append(out, indexFromModel(m))
	}
	return out, nil
}

// GetIndex fetches an index with its files.
func (s *GormStore) GetIndex(id string) (domain.Index, bool, error) {
	var m IndexModel
	err := s.db.Preload("Files", orderFiles).Where("id = ?", id).Take(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Index{}, false, nil
	}
	if err != nil {
		return domain.Index{}, false, translate(err, nil)
	}
	return indexFromModel(m), true, nil
}

// SetIndexStatus updates the index status.
func (s *GormStore) SetIndexStatus(id string, status domain.Status) error {
	res := s.db.Model(&IndexModel{}).Where("id = ?", id).Updates(map[string]any{
		"status":     string(status),
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return translate(res.Error, nil)
	}
	if res.RowsAffected == 0 {
		return ErrIndexNotFound
	}
	return nil
}

// AddFiles registers new files for an existing index.
func (s *GormStore) AddFiles(indexID string, paths []string) ([]domain.File, error) {
	paths = dedupe(paths)
	var added []FileModel
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&IndexModel{}).Where("id = ?", indexID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrIndexNotFound
		}
		var existing []FileModel
		if err := tx.Where("path IN ?", paths).Find(&existing).Error; err != nil {
			return err
		}
		owned := make(map[string]bool, len(existing))
		for _, f := range existing {
			if f.IndexID != indexID {
				return ErrPathConflict
			}
			owned[f.Path] = true
		}
		now := time.Now().UTC()
		for _, p := range paths {
			if owned[p] {
				continue
			}
			added = append(added, FileModel{
				IndexID:   indexID,
				Path:      p,
				Status:    string(domain.StatusWaiting),
				CreatedAt: now,
				UpdatedAt: now,
			})
		}
		if len(added) == 0 {
			return nil
		}
		if err := tx.Create(&added).Error; err != nil {
			return err
		}
		return tx.Model(&IndexModel{}).Where("id = ?", indexID).Updates(map[string]any{
			"status":     string(domain.StatusProcessing),
			"updated_at": now,
		}).Error
	})
	if err != nil {
		return nil, translate(err, ErrPathConflict)
	}
	out := make([]domain.File, 0, len(added))
	for _, f := range added {
		out = append(out, fileFromModel(f))
	}
	return out, nil
}

// SetFileStatus updates one file of an index.
func (s *GormStore) SetFileStatus(indexID, path string, status domain.Status) error {
	res := s.db.Model(&FileModel{}).Where("index_id = ? AND path = ?", indexID, path).Updates(map[string]any{
		"status":     string(status),
		"updated_at": time.Now().UTC(),
	})
	if res.Error != nil {
		return translate(res.Error, nil)
	}
	if res.RowsAffected == 0 {
		return ErrFileNotFound
	}
	return nil
}

// RemoveFile deletes a file row.
func (s *GormStore) RemoveFile(indexID, path string) (domain.File, bool, error) {
	var m FileModel
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("index_id = ? AND path = ?", indexID, path).Take(&m).Error; err != nil {
			return err
		}
		return tx.Delete(&FileModel{}, "id = ?", m.ID).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.File{}, false, nil
	}
	if err != nil {
		return domain.File{}, false, translate(err, nil)
	}
	return fileFromModel(m), true, nil
}

// DeleteIndex removes an index and its files.
func (s *GormStore) DeleteIndex(id string) (domain.Index, bool, error) {
	var m IndexModel
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Preload("Files", orderFiles).Where("id = ?", id).Take(&m).Error; err != nil {
			return err
		}
		if err := tx.Delete(&FileModel{}, "index_id = ?", id).Error; err != nil {
			return err
		}
		return tx.Delete(&IndexModel{}, "id = ?", id).Error
	})
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domain.Index{}, false, nil
	}
	if err != nil {
		return domain.Index{}, false, translate(err, nil)
	}
	return indexFromModel(m), true, nil
}

// Close closes the underlying connection pool.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func orderFiles(db *gorm.DB) *gorm.DB {
	return db.Order("id")
}

// translate keeps store sentinels, maps unique violations to onDuplicate and
// reports everything else as an unavailable store.
func translate(err error, onDuplicate error) error {
	switch {
	case errors.Is(err, ErrDuplicateName), errors.Is(err, ErrPathConflict),
		errors.Is(err, ErrIndexNotFound), errors.Is(err, ErrFileNotFound), errors.Is(err, errNoPaths):
		return err
	case onDuplicate != nil && errors.Is(err, gorm.ErrDuplicatedKey):
		return onDuplicate
	default:
		return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
	}
}

// uniqueConflict resolves a unique violation that slipped past the
// in-transaction checks. Translated errors no longer carry the constraint
// name, so the index name is looked up again: a taken name is a name clash,
// anything else collided on files.path.
func uniqueConflict(err error, nameTaken func() (bool, error)) error {
	if !errors.Is(err, gorm.ErrDuplicatedKey) {
		return err
	}
	taken, qerr := nameTaken()
	switch {
	case qerr != nil:
		return qerr
	case taken:
		return ErrDuplicateName
	default:
		return ErrPathConflict
	}
}

func indexFromModel(m IndexModel) domain.Index {
	files := make([]domain.File, 0, len(m.Files))
	for _, f := range m.Files {
		files = append(files, fileFromModel(f))
	}
	return domain.Index{
		ID:        m.ID,
		Name:      m.Name,
		CreatedAt: m.CreatedAt,
		Status:    domain.Status(m.Status),
		Files:     files,
	}
}

func fileFromModel(m FileModel) domain.File {
	return domain.File{
		ID:      m.ID,
		IndexID: m.IndexID,
		Path:    m.Path,
		Status:  domain.Status(m.Status),
	}
}
