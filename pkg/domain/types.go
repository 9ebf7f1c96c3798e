package domain

import "time"

// Embedding task prefixes. Stored segment text always starts with
// DocumentPrefix; query text is embedded with QueryPrefix.
const (
	DocumentPrefix = "search_document: "
	QueryPrefix    = "search_query: "
)

// Status is shared by indexes and files.
type Status string

const (
	StatusWaiting    Status = "waiting"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusError      Status = "error"
)

// Valid reports whether s is one of the known statuses.
func (s Status) Valid() bool {
	switch s {
	case StatusWaiting, StatusProcessing, StatusCompleted, StatusError:
		return true
	}
	return false
}

// Index is a named collection of video files that is searched as one unit.
type Index struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"createDate"`
	Status    Status    `json:"status"`
	Files     []File    `json:"files"`
}

// File is one video registered to an index.
type File struct {
	ID      int64  `json:"id"`
	IndexID string `json:"-"`
	Path    string `json:"path"`
	Status  Status `json:"status"`
}

// TranscriptChunk is one timestamped utterance produced by speech recognition.
type TranscriptChunk struct {
	Text  string  `json:"text"`
	Start float64 `json:"start"`
	End   float64 `json:"end"`
}

// Segment is a searchable window of merged transcript chunks.
// Text carries the document prefix used for embedding.
type Segment struct {
	ID         string  `json:"id"`
	Text       string  `json:"text"`
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	SourceFile string  `json:"srcFile"`
}

// SearchResult is one hit returned to API callers.
type SearchResult struct {
	VideoPath string  `json:"videoPath"`
	StartTime string  `json:"startTime"`
	EndTime   string  `json:"endTime"`
	Text      string  `json:"text"`
	Score     float64 `json:"score,omitempty"`
}
