package segment

import (
	"strings"
	"testing"

	"github.com/google/uuid"

	"vspeech/pkg/domain"
)

func uniformChunks(n int, width float64) []domain.TranscriptChunk {
	chunks := make([]domain.TranscriptChunk, 0, n)
	for i := 0; i < n; i++ {
		start := float64(i) * width
		chunks = append(chunks, domain.TranscriptChunk{
			Text:  "c" + string(rune('a'+i%26)),
			Start: start,
			End:   start + width,
		})
	}
	return chunks
}

func TestSegmentEmpty(t *testing.T) {
	if got := Segment(nil, "a.mp4"); len(got) != 0 {
		t.Fatalf("expected no segments, got %d", len(got))
	}
}

func TestSegmentShortSpanYieldsOne(t *testing.T) {
	chunks := []domain.TranscriptChunk{
		{Text: "你好", Start: 1.5, End: 3},
		{Text: "世界", Start: 3, End: 7.2},
	}
	got := Segment(chunks, "v.mp4")
	if len(got) != 1 {
		t.Fatalf("expected one segment, got %d", len(got))
	}
	seg := got[0]
	if seg.Text != domain.DocumentPrefix+"你好,世界" {
		t.Fatalf("unexpected text %q", seg.Text)
	}
	if seg.Start != 1.5 || seg.End != 7.2 {
		t.Fatalf("unexpected span [%v, %v]", seg.Start, seg.End)
	}
	if seg.SourceFile != "v.mp4" {
		t.Fatalf("unexpected source %q", seg.SourceFile)
	}
	if _, err := uuid.Parse(seg.ID); err != nil {
		t.Fatalf("segment id should be a uuid: %v", err)
	}
}

func TestSegmentUniformChunks(t *testing.T) {
	got := Segment(uniformChunks(25, 1), "v.mp4")
	if len(got) < 2 {
		t.Fatalf("expected at least two segments, got %d", len(got))
	}
	// Window opening at 0.0 re-anchors on the next chunk.
	want := [][2]float64{{1, 12}, {12, 23}, {23, 25}}
	if len(got) != len(want) {
		t.Fatalf("got %d segments, want %d", len(got), len(want))
	}
	for i, seg := range got {
		if seg.Start != want[i][0] || seg.End != want[i][1] {
			t.Fatalf("segment %d span = [%v, %v], want %v", i, seg.Start, seg.End, want[i])
		}
		if i > 0 && seg.Start < got[i-1].Start {
			t.Fatalf("segment starts must be non-decreasing")
		}
	}
	if n := strings.Count(strings.TrimPrefix(got[0].Text, domain.DocumentPrefix), Joiner) + 1; n != 12 {
		t.Fatalf("first segment should merge 12 chunks, got %d", n)
	}
}

func TestSegmentCoversAllChunks(t *testing.T) {
	chunks := uniformChunks(40, 0.7)
	got := Segment(chunks, "")
	total := 0
	for _, seg := range got {
		total += len(strings.Split(strings.TrimPrefix(seg.Text, domain.DocumentPrefix), Joiner))
	}
	if total != len(chunks) {
		t.Fatalf("segments carry %d chunks, want %d", total, len(chunks))
	}
}

func TestSegmentSingleLongChunk(t *testing.T) {
	chunks := []domain.TranscriptChunk{{Text: "long", Start: 4, End: 60}}
	got := Segment(chunks, "v.mp4")
	if len(got) != 1 {
		t.Fatalf("expected one segment, got %d", len(got))
	}
	if got[0].Start != 4 || got[0].End != 60 {
		t.Fatalf("unexpected span [%v, %v]", got[0].Start, got[0].End)
	}
}

func TestSegmentIDsUnique(t *testing.T) {
	got := Segment(uniformChunks(100, 1), "v.mp4")
	seen := make(map[string]bool, len(got))
	for _, seg := range got {
		if seen[seg.ID] {
			t.Fatalf("duplicate segment id %s", seg.ID)
		}
		seen[seg.ID] = true
	}
}
