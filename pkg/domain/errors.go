package domain

import "errors"

// Error kinds. Callers wrap these with fmt.Errorf("%w: ...") and classify
// with errors.Is.
var (
	ErrInvalidInput          = errors.New("invalid input")
	ErrNotFound              = errors.New("not found")
	ErrMediaExtractionFailed = errors.New("media extraction failed")
	ErrTranscriptionFailed   = errors.New("transcription failed")
	ErrEmbeddingUnavailable  = errors.New("embedding unavailable")
	ErrIndexNotReady         = errors.New("index not ready")
	ErrStoreUnavailable      = errors.New("store unavailable")
)

var kinds = []struct {
	err  error
	name string
}{
	{ErrInvalidInput, "input_validation"},
	{ErrNotFound, "not_found"},
	{ErrMediaExtractionFailed, "media_extraction_failed"},
	{ErrTranscriptionFailed, "transcription_failed"},
	{ErrEmbeddingUnavailable, "embedding_unavailable"},
	{ErrIndexNotReady, "index_not_ready"},
	{ErrStoreUnavailable, "store_unavailable"},
}

// KindOf returns the error kind name for logs and API error codes.
// Unclassified errors report "internal".
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "internal"
}
