package store

import (
	"fmt"

	"vspeech/pkg/domain"
)

var (
	ErrIndexNotFound = fmt.Errorf("%w: index", domain.ErrNotFound)
	ErrFileNotFound  = fmt.Errorf("%w: file", domain.ErrNotFound)
	ErrDuplicateName = fmt.Errorf("%w: index name already exists", domain.ErrInvalidInput)
	ErrPathConflict  = fmt.Errorf("%w: file path belongs to another index", domain.ErrInvalidInput)
	errNoPaths       = fmt.Errorf("%w: no file paths", domain.ErrInvalidInput)
)

// Store persists indexes and their files.
//
// File paths are unique across the whole store. Adding a path that is
// already part of the same index is a silent no-op; adding one that belongs
// to another index fails with ErrPathConflict.
type Store interface {
	// CreateIndex registers a new index in StatusProcessing with every file
	// in StatusWaiting.
	CreateIndex(name string, paths []string) (domain.Index, error)
	ListIndexes() ([]domain.Index, error)
	GetIndex(id string) (domain.Index, bool, error)
	SetIndexStatus(id string, status domain.Status) error
	// AddFiles registers new paths as waiting files and returns only the
	// files that were added. The index moves to StatusProcessing when at
	// least one file was added.
	AddFiles(indexID string, paths []string) ([]domain.File, error)
	SetFileStatus(indexID, path string, status domain.Status) error
	RemoveFile(indexID, path string) (domain.File, bool, error)
	// DeleteIndex removes the index and its files and returns what was removed.
	DeleteIndex(id string) (domain.Index, bool, error)
	Close() error
}

// dedupe drops repeated paths while keeping first-seen order.
func dedupe(paths []string) []string {
	seen := make(map[string]struct{}, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		out = append(out, p)
	}
	return out
}
