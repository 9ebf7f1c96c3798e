package storage

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestFileStoreSave(t *testing.T) {
	base := t.TempDir()
	fs, err := NewFileStore(base)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}

	tests := []struct {
		name     string
		filename string
		want     string
	}{
		{name: "plain", filename: "talk.mp4", want: "talk.mp4"},
		{name: "strips directories", filename: "../../etc/talk.mp4", want: "talk.mp4"},
		{name: "windows path", filename: `C:\videos\talk.mp4`, want: "talk.mp4"},
		{name: "empty", filename: "  ", want: "video"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path, err := fs.Save("upload-1", tt.filename, strings.NewReader("data"))
			if err != nil {
				t.Fatalf("save: %v", err)
			}
			if path != filepath.Join(base, "upload-1", tt.want) {
				t.Fatalf("unexpected path %s", path)
			}
			data, err := os.ReadFile(path)
			if err != nil || string(data) != "data" {
				t.Fatalf("read back: %q %v", data, err)
			}
		})
	}
}

func TestFileStoreObjectStore(t *testing.T) {
	base := t.TempDir()
	fs, err := NewFileStore(base)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	ctx := context.Background()

	keys := []string{"transcripts/idx-1/1.txt", "transcripts/idx-1/2.txt", "transcripts/idx-2/3.txt"}
	for _, key := range keys {
		if err := fs.Put(ctx, key, strings.NewReader(key), -1, "text/plain"); err != nil {
			t.Fatalf("put %s: %v", key, err)
		}
	}
	if err := fs.Delete(ctx, "transcripts/idx-1/1.txt"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := fs.Delete(ctx, "transcripts/idx-1/1.txt"); err != nil {
		t.Fatalf("delete missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(base, "transcripts", "idx-1", "1.txt")); !os.IsNotExist(err) {
		t.Fatalf("expected object removed, stat err=%v", err)
	}

	if err := fs.DeletePrefix(ctx, "transcripts/idx-1/"); err != nil {
		t.Fatalf("delete prefix: %v", err)
	}
	if _, err := os.Stat(filepath.Join(base, "transcripts", "idx-1")); !os.IsNotExist(err) {
		t.Fatalf("expected prefix removed, stat err=%v", err)
	}
	if _, err := os.Stat(filepath.Join(base, "transcripts", "idx-2", "3.txt")); err != nil {
		t.Fatalf("expected other index kept: %v", err)
	}
}

func TestFileStoreKeysStayInsideBase(t *testing.T) {
	parent := t.TempDir()
	base := filepath.Join(parent, "store")
	fs, err := NewFileStore(base)
	if err != nil {
		t.Fatalf("new file store: %v", err)
	}
	ctx := context.Background()

	if err := fs.Put(ctx, "../escape.txt", strings.NewReader("x"), 1, "text/plain"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if _, err := os.Stat(filepath.Join(parent, "escape.txt")); !os.IsNotExist(err) {
		t.Fatalf("key escaped the base directory")
	}
	if _, err := os.Stat(filepath.Join(base, "escape.txt")); err != nil {
		t.Fatalf("expected key confined to base: %v", err)
	}
	if err := fs.RemoveDir(".."); err == nil {
		t.Fatalf("expected refusal to remove storage root")
	}
}

func TestNewFileStoreRequiresPath(t *testing.T) {
	if _, err := NewFileStore(" "); err == nil {
		t.Fatalf("expected error for empty base path")
	}
}
