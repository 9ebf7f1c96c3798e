package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"

	"github.com/google/uuid"
	"vspeech/internal/ratelimit"
	"vspeech/internal/util"
	"vspeech/pkg/domain"
	"vspeech/pkg/storage"
	"vspeech/services/searcher/internal/app"
)

const (
	indexesPath  = "/api/indexes"
	indexPrefix  = "/api/indexes/"
	maxJSONBytes = 1 << 20
)

// Config wires required dependencies for the HTTP server.
type Config struct {
	App *app.App
	// Uploads stores multipart video uploads. Multipart create is rejected
	// when nil.
	Uploads *storage.FileStore
	// SearchLimiter throttles search per client IP when set.
	SearchLimiter  *ratelimit.FixedWindowLimiter
	TrustedProxies *util.TrustedProxies
	MaxUploadBytes int64
}

// Server exposes the index and search API.
type Server struct {
	app            *app.App
	uploads        *storage.FileStore
	limiter        *ratelimit.FixedWindowLimiter
	trusted        *util.TrustedProxies
	maxUploadBytes int64
	mux            *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.App == nil {
		return nil, errors.New("app required")
	}
	s := &Server{
		app:            cfg.App,
		uploads:        cfg.Uploads,
		limiter:        cfg.SearchLimiter,
		trusted:        cfg.TrustedProxies,
		maxUploadBytes: normalizeMaxBytes(cfg.MaxUploadBytes),
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog("searcher", util.WithSecurityHeaders(util.WithCORS(http.HandlerFunc(s.dispatch)))))
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc(indexesPath, s.handleIndexes)
}

// dispatch sends /api/indexes/ paths straight to handleIndexByID. File paths
// are carried in the URL, and ServeMux would clean or redirect them.
func (s *Server) dispatch(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.URL.EscapedPath(), indexPrefix) {
		s.handleIndexByID(w, r)
		return
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleIndexes(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		indexes, err := s.app.ListIndexes(r.Context())
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, indexes)
	case http.MethodPost:
		s.handleCreateIndex(w, r)
	default:
		methodNotAllowed(w)
	}
}

// /api/indexes/{id}, /api/indexes/{id}/files[/{path}], /api/indexes/{id}/search
func (s *Server) handleIndexByID(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.EscapedPath(), indexPrefix)
	parts := strings.SplitN(rest, "/", 3)
	id, err := url.PathUnescape(parts[0])
	if err != nil || strings.TrimSpace(id) == "" {
		writeError(w, http.StatusNotFound, "index not found")
		return
	}

	switch {
	case len(parts) == 1:
		s.handleIndex(w, r, id)
	case parts[1] == "files":
		raw := ""
		if len(parts) == 3 {
			raw = parts[2]
		}
		s.handleFiles(w, r, id, raw)
	case parts[1] == "search" && len(parts) == 2:
		s.handleSearch(w, r, id)
	default:
		writeError(w, http.StatusNotFound, "not found")
	}
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		idx, err := s.app.GetIndex(r.Context(), id)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, idx)
	case http.MethodDelete:
		if err := s.app.DeleteIndex(r.Context(), id); err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleFiles(w http.ResponseWriter, r *http.Request, id, rawPath string) {
	switch r.Method {
	case http.MethodPost:
		if rawPath != "" {
			methodNotAllowed(w)
			return
		}
		var req filesRequest
		if !decodeJSON(w, r, &req) {
			return
		}
		idx, err := s.app.AddFiles(r.Context(), id, req.Files)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusAccepted, idx)
	case http.MethodDelete:
		path := r.URL.Query().Get("path")
		if rawPath != "" {
			unescaped, err := url.PathUnescape(rawPath)
			if err != nil {
				writeError(w, http.StatusBadRequest, "invalid file path")
				return
			}
			path = unescaped
		}
		file, err := s.app.RemoveFile(r.Context(), id, path)
		if err != nil {
			writeAppError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "file": file})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if !s.allowSearch(w, r) {
		return
	}
	var req app.SearchRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if _, err := s.app.GetIndex(r.Context(), id); err != nil {
		writeAppError(w, r, err)
		return
	}
	results, err := s.app.Search(r.Context(), id, req)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	if results == nil {
		results = []domain.SearchResult{}
	}
	writeJSON(w, http.StatusOK, results)
}

func (s *Server) handleCreateIndex(w http.ResponseWriter, r *http.Request) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		s.handleUploadIndex(w, r)
		return
	}
	var req createIndexRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	idx, err := s.app.CreateIndex(r.Context(), req.Name, req.Files)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, idx)
}

// handleUploadIndex creates an index from multipart video uploads. Uploaded
// parts are stored under a fresh directory; plain "files" values are taken as
// server-side paths.
func (s *Server) handleUploadIndex(w http.ResponseWriter, r *http.Request) {
	if s.uploads == nil {
		writeError(w, http.StatusBadRequest, "video upload not enabled")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "upload too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	defer r.MultipartForm.RemoveAll()

	name := r.FormValue("name")
	paths := append([]string(nil), r.MultipartForm.Value["files"]...)
	uploads := r.MultipartForm.File["files"]
	uploadDir := uuid.NewString()
	cleanup := func() {
		if len(uploads) == 0 {
			return
		}
		if err := s.uploads.RemoveDir(uploadDir); err != nil {
			slog.Warn("remove upload dir failed", "dir", uploadDir, "err", err)
		}
	}
	for _, header := range uploads {
		path, err := s.saveUpload(uploadDir, header)
		if err != nil {
			cleanup()
			slog.Error("save upload failed", "filename", header.Filename, "err", err)
			writeError(w, http.StatusInternalServerError, "save upload failed")
			return
		}
		paths = append(paths, path)
	}

	idx, err := s.app.CreateIndex(r.Context(), name, paths)
	if err != nil {
		cleanup()
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, idx)
}

func (s *Server) saveUpload(dir string, header *multipart.FileHeader) (string, error) {
	f, err := header.Open()
	if err != nil {
		return "", err
	}
	defer f.Close()
	return s.uploads.Save(dir, header.Filename, f)
}

func (s *Server) allowSearch(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	key := "search|" + util.ClientIP(r, s.trusted)
	if s.limiter.Allow(r.Context(), key) {
		return true
	}
	w.Header().Set("Retry-After", "60")
	writeError(w, http.StatusTooManyRequests, "too many search requests")
	return false
}

type createIndexRequest struct {
	Name  string   `json:"name"`
	Files []string `json:"files"`
}

type filesRequest struct {
	Files []string `json:"files"`
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error     string `json:"error"`
	Code      string `json:"code"`
	RequestID string `json:"requestId,omitempty"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeErrorCode(w, status, errorCodeForStatus(status), msg)
}

func writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorResponse{
		Error:     msg,
		Code:      code,
		RequestID: strings.TrimSpace(w.Header().Get("X-Request-Id")),
	})
}

// writeAppError maps an app error to its HTTP status by kind. Details of
// server-side failures stay in the log.
func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusForError(err)
	msg := err.Error()
	if status == http.StatusInternalServerError {
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "kind", domain.KindOf(err), "err", err)
		msg = "internal error"
		if errors.Is(err, domain.ErrStoreUnavailable) {
			msg = "store unavailable"
		}
	}
	writeErrorCode(w, status, domain.KindOf(err), msg)
}

func statusForError(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidInput), errors.Is(err, domain.ErrIndexNotReady):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func errorCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "input_validation"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusRequestEntityTooLarge:
		return "upload_too_large"
	case http.StatusTooManyRequests:
		return "rate_limited"
	default:
		return fmt.Sprintf("http_%d", status)
	}
}

func normalizeMaxBytes(value int64) int64 {
	if value <= 0 {
		return 2 << 30
	}
	return value
}
