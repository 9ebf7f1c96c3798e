package store

import "time"

// GORM models used for persistence.
type IndexModel struct {
	ID        string      `gorm:"primaryKey"`
	Name      string      `gorm:"uniqueIndex;not null"`
	Status    string      `gorm:"not null"`
	CreatedAt time.Time   `gorm:"not null"`
	UpdatedAt time.Time   `gorm:"not null"`
	Files     []FileModel `gorm:"foreignKey:IndexID;constraint:OnDelete:CASCADE"`
}

func (IndexModel) TableName() string { return "indexes" }

type FileModel struct {
	ID        int64     `gorm:"primaryKey;autoIncrement"`
	IndexID   string    `gorm:"not null;index"`
	Path      string    `gorm:"uniqueIndex;not null"`
	Status    string    `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

func (FileModel) TableName() string { return "files" }
