package segment

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"vspeech/pkg/domain"
)

// ParseTranscript reads "text,start,end" lines. The text may itself contain
// commas, so the two timestamps are taken from the right. Blank lines are
// skipped. An end that is not a number (recognisers emit "None" for an open
// final chunk) is replaced by the start.
func ParseTranscript(r io.Reader) ([]domain.TranscriptChunk, error) {
	var chunks []domain.TranscriptChunk
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		chunk, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("%w: transcript line %d: %v", domain.ErrInvalidInput, lineNo, err)
		}
		chunks = append(chunks, chunk)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read transcript: %w", err)
	}
	return chunks, nil
}

func parseLine(line string) (domain.TranscriptChunk, error) {
	endSep := strings.LastIndex(line, ",")
	if endSep < 0 {
		return domain.TranscriptChunk{}, fmt.Errorf("expected text,start,end")
	}
	startSep := strings.LastIndex(line[:endSep], ",")
	if startSep < 0 {
		return domain.TranscriptChunk{}, fmt.Errorf("expected text,start,end")
	}
	start, err := strconv.ParseFloat(strings.TrimSpace(line[startSep+1:endSep]), 64)
	if err != nil {
		return domain.TranscriptChunk{}, fmt.Errorf("bad start: %v", err)
	}
	end, err := strconv.ParseFloat(strings.TrimSpace(line[endSep+1:]), 64)
	if err != nil {
		end = start
	}
	return domain.TranscriptChunk{Text: line[:startSep], Start: start, End: end}, nil
}

// FormatTranscript writes chunks in the format read by ParseTranscript.
func FormatTranscript(w io.Writer, chunks []domain.TranscriptChunk) error {
	bw := bufio.NewWriter(w)
	for _, c := range chunks {
		text := strings.ReplaceAll(c.Text, "\n", " ")
		if _, err := fmt.Fprintf(bw, "%s,%s,%s\n", text,
			strconv.FormatFloat(c.Start, 'f', -1, 64),
			strconv.FormatFloat(c.End, 'f', -1, 64)); err != nil {
			return err
		}
	}
	return bw.Flush()
}
