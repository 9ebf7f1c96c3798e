package segment

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"vspeech/pkg/domain"
)

func TestParseTranscript(t *testing.T) {
	input := strings.Join([]string{
		"hello,0.0,1.5",
		"",
		"one, two, three,1.5,4",
		"  last words,4,None  ",
	}, "\n")
	chunks, err := ParseTranscript(strings.NewReader(input))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	want := []domain.TranscriptChunk{
		{Text: "hello", Start: 0, End: 1.5},
		{Text: "one, two, three", Start: 1.5, End: 4},
		{Text: "last words", Start: 4, End: 4},
	}
	if len(chunks) != len(want) {
		t.Fatalf("got %d chunks, want %d", len(chunks), len(want))
	}
	for i := range want {
		if chunks[i] != want[i] {
			t.Fatalf("chunk %d = %+v, want %+v", i, chunks[i], want[i])
		}
	}
}

func TestParseTranscriptRejectsMalformed(t *testing.T) {
	tests := []string{
		"no separators",
		"only,one",
		"text,abc,2",
	}
	for _, line := range tests {
		t.Run(line, func(t *testing.T) {
			_, err := ParseTranscript(strings.NewReader("ok,0,1\n" + line))
			if !errors.Is(err, domain.ErrInvalidInput) {
				t.Fatalf("expected invalid input, got %v", err)
			}
			if !strings.Contains(err.Error(), "line 2") {
				t.Fatalf("error should name the line: %v", err)
			}
		})
	}
}

func TestFormatTranscriptRoundTrip(t *testing.T) {
	chunks := []domain.TranscriptChunk{
		{Text: "a,b", Start: 0.25, End: 2},
		{Text: "multi\nline", Start: 2, End: 3.75},
	}
	var buf bytes.Buffer
	if err := FormatTranscript(&buf, chunks); err != nil {
		t.Fatalf("format: %v", err)
	}
	if !strings.HasPrefix(buf.String(), "a,b,0.25,2\n") {
		t.Fatalf("unexpected output %q", buf.String())
	}
	back, err := ParseTranscript(&buf)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if len(back) != 2 || back[0].Text != "a,b" || back[1].Text != "multi line" || back[1].End != 3.75 {
		t.Fatalf("unexpected round trip %+v", back)
	}
}
