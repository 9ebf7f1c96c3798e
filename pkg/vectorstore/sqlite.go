package vectorstore

import (
	"context"
	"database/sql"
	"embed"
	"encoding/binary"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"vspeech/pkg/domain"
)

//go:embed schema.sql
var schemaFS embed.FS

const sqliteSchemaVersion = 1

// SQLiteBackend stores collections in a single SQLite file. Vectors are
// little-endian float32 blobs scored in process.
type SQLiteBackend struct {
	db   *sql.DB
	path string
}

// OpenSQLite opens or creates the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteBackend, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create vector store directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// One writer at a time; WAL still lets readers proceed.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	b := &SQLiteBackend{db: db, path: path}
	if err := b.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate sqlite: %w", err)
	}
	return b, nil
}

func (b *SQLiteBackend) migrate() error {
	var exists int
	if err := b.db.QueryRow(
		"SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&exists); err != nil {
		return err
	}
	version := 0
	if exists > 0 {
		err := b.db.QueryRow("SELECT version FROM schema_version ORDER BY version DESC LIMIT 1").Scan(&version)
		if err != nil && err != sql.ErrNoRows {
			return err
		}
	}
	if version >= sqliteSchemaVersion {
		return nil
	}

	schema, err := schemaFS.ReadFile("schema.sql")
	if err != nil {
		return err
	}
	tx, err := b.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if _, err := tx.Exec(string(schema)); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	if _, err := tx.Exec(
		"INSERT INTO schema_version (version, applied_at) VALUES (?, ?)",
		sqliteSchemaVersion, time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	return tx.Commit()
}

func (b *SQLiteBackend) EnsureCollection(ctx context.Context, collection string) error {
	_, err := b.db.ExecContext(ctx,
		"INSERT INTO collections (id, created_at) VALUES (?, ?) ON CONFLICT(id) DO NOTHING",
		collection, time.Now().UTC().Format(time.RFC3339))
	return err
}

func (b *SQLiteBackend) HasCollection(ctx context.Context, collection string) (bool, error) {
	var n int
	err := b.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM collections WHERE id = ?", collection).Scan(&n)
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (b *SQLiteBackend) Add(ctx context.Context, collection string, records []Record) error {
	ok, err := b.HasCollection(ctx, collection)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrIndexNotReady, collection)
	}
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO segments (id, collection_id, content, start_sec, end_sec, src_file, dimension, vector)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(collection_id, id) DO UPDATE SET
			content = excluded.content,
			start_sec = excluded.start_sec,
			end_sec = excluded.end_sec,
			src_file = excluded.src_file,
			dimension = excluded.dimension,
			vector = excluded.vector`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.ID, collection, r.Text, r.Start, r.End, r.SourceFile,
			len(r.Embedding), vectorToBlob(r.Embedding)); err != nil {
			return fmt.Errorf("insert segment %s: %w", r.ID, err)
		}
	}
	return tx.Commit()
}

func (b *SQLiteBackend) Search(ctx context.Context, collection string, req SearchRequest) ([]Match, error) {
	ok, err := b.HasCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrIndexNotReady, collection)
	}

	query := "SELECT id, content, start_sec, end_sec, src_file, vector FROM segments WHERE collection_id = ?"
	args := []any{collection}
	if len(req.SourceFiles) > 0 {
		query += " AND src_file IN (?" + strings.Repeat(", ?", len(req.SourceFiles)-1) + ")"
		for _, src := range req.SourceFiles {
			args = append(args, src)
		}
	}
	for _, kw := range req.Keywords {
		query += " AND instr(content, ?) > 0"
		args = append(args, kw)
	}
	query += " ORDER BY seq"

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var (
			r    Record
			blob []byte
		)
		if err := rows.Scan(&r.ID, &r.Text, &r.Start, &r.End, &r.SourceFile, &blob); err != nil {
			return nil, err
		}
		if r.Embedding, err = blobToVector(blob); err != nil {
			return nil, fmt.Errorf("segment %s: %w", r.ID, err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// instr above is a coarse pre-filter; rank re-checks keywords without the prefix.
	return rank(records, req), nil
}

func (b *SQLiteBackend) DeleteBySource(ctx context.Context, collection, sourceFile string) (int, error) {
	res, err := b.db.ExecContext(ctx,
		"DELETE FROM segments WHERE collection_id = ? AND src_file = ?", collection, sourceFile)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (b *SQLiteBackend) DeleteCollection(ctx context.Context, collection string) error {
	_, err := b.db.ExecContext(ctx, "DELETE FROM collections WHERE id = ?", collection)
	return err
}

func (b *SQLiteBackend) Close() error {
	return b.db.Close()
}

func vectorToBlob(vector []float32) []byte {
	blob := make([]byte, len(vector)*4)
	for i, v := range vector {
		binary.LittleEndian.PutUint32(blob[i*4:], math.Float32bits(v))
	}
	return blob
}

func blobToVector(blob []byte) ([]float32, error) {
	if len(blob)%4 != 0 {
		return nil, fmt.Errorf("blob size %d is not a multiple of 4", len(blob))
	}
	vector := make([]float32, len(blob)/4)
	for i := range vector {
		vector[i] = math.Float32frombits(binary.LittleEndian.Uint32(blob[i*4:]))
	}
	return vector, nil
}
