// Package segment merges timestamped transcript chunks into fixed-duration
// windows that are embedded and searched as a unit.
package segment

import (
	"strings"

	"github.com/google/uuid"

	"vspeech/pkg/domain"
)

// WindowSeconds is the span a window must exceed before it is closed.
const WindowSeconds = 10.0

// Joiner separates chunk texts inside a segment.
const Joiner = ","

// Segment groups chunks into windows. A window opens at the first chunk's
// start and closes on the first chunk whose end is more than WindowSeconds
// past the window start. Remaining chunks form a final, shorter segment.
//
// The window start uses 0 as its "unset" marker, so a window that opens at
// exactly 0.0s is re-anchored on the following chunk. Existing indexes were
// built with this behaviour and search offsets depend on it.
func Segment(chunks []domain.TranscriptChunk, sourceFile string) []domain.Segment {
	var (
		out         []domain.Segment
		texts       []string
		windowStart float64
	)
	for _, c := range chunks {
		if windowStart == 0 {
			windowStart = c.Start
		}
		texts = append(texts, c.Text)
		if c.End-windowStart > WindowSeconds {
			out = append(out, newSegment(texts, windowStart, c.End, sourceFile))
			texts = texts[:0]
			windowStart = 0
		}
	}
	if len(texts) > 0 {
		out = append(out, newSegment(texts, windowStart, chunks[len(chunks)-1].End, sourceFile))
	}
	return out
}

func newSegment(texts []string, start, end float64, sourceFile string) domain.Segment {
	return domain.Segment{
		ID:         uuid.NewString(),
		Text:       domain.DocumentPrefix + strings.Join(texts, Joiner),
		Start:      start,
		End:        end,
		SourceFile: sourceFile,
	}
}
