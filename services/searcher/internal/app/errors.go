package app

import (
	"errors"
	"fmt"

	"vspeech/pkg/domain"
)

var (
	ErrIndexNameRequired = fmt.Errorf("%w: index name required", domain.ErrInvalidInput)
	ErrFilesRequired     = fmt.Errorf("%w: at least one file required", domain.ErrInvalidInput)
	ErrIndexNameTaken    = fmt.Errorf("%w: index name already exists", domain.ErrInvalidInput)
	ErrPathInUse         = fmt.Errorf("%w: file already belongs to another index", domain.ErrInvalidInput)
	ErrPathNotFound      = fmt.Errorf("%w: file does not exist", domain.ErrInvalidInput)
	ErrQueryRequired     = fmt.Errorf("%w: query, keyword or videoPaths required", domain.ErrInvalidInput)
	ErrIndexNotFound     = fmt.Errorf("%w: index not found", domain.ErrNotFound)
	ErrFileNotFound      = fmt.Errorf("%w: file not found", domain.ErrNotFound)

	// ErrClosed is returned for work submitted after Close.
	ErrClosed = errors.New("indexing stopped")
)

// storeErr keeps classified errors and reports anything else as an
// unavailable store.
func storeErr(err error) error {
	if err == nil || domain.KindOf(err) != "internal" {
		return err
	}
	return fmt.Errorf("%w: %w", domain.ErrStoreUnavailable, err)
}
