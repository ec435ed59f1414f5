package server

import (
	"encoding/json"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/ducksearch-labs/ducksearch/internal/cache"
	"github.com/ducksearch-labs/ducksearch/internal/errcode"
)

// errorBody is the JSON error contract. It never carries secrets or
// resolved SQL; the reproduction URL omits client-only params.
type errorBody struct {
	ErrorCode       string `json:"error_code"`
	Message         string `json:"message"`
	Report          string `json:"report,omitempty"`
	ReproductionURL string `json:"reproduction_url,omitempty"`
	Detail          string `json:"detail,omitempty"`
}

func statusFor(code errcode.Code) int {
	switch code {
	case errcode.ReportNotFound:
		return http.StatusNotFound
	case errcode.BuildTimeout:
		return http.StatusGatewayTimeout
	case errcode.EngineUnavailable:
		return http.StatusServiceUnavailable
	case errcode.CacheCorrupt, "":
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

func (s *Server) writeError(w http.ResponseWriter, req *http.Request, err error) {
	body := errorBody{
		ErrorCode:       string(errcode.CodeOf(err)),
		Message:         err.Error(),
		ReproductionURL: ReproductionURL(req.URL.Path, req.URL.Query()),
	}
	if e, ok := err.(*errcode.Error); ok {
		body.Message = e.Message
		body.Report = e.Report
		body.Detail = e.Detail
	}
	if body.ErrorCode == "" {
		body.ErrorCode = string(errcode.CacheCorrupt)
		body.Message = "internal error"
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(errcode.CodeOf(err)))
	_ = json.NewEncoder(w).Encode(body)
}

func (s *Server) handleReport(w http.ResponseWriter, req *http.Request) {
	query := req.URL.Query()
	id := query.Get("report")
	if id == "" {
		s.writeError(w, req, errcode.New(errcode.ReportNotFound, "missing report parameter"))
		return
	}

	m, err := s.dispatcher.Dispatch(req.Context(), id, query)
	if err != nil {
		s.log.Warn("dispatch failed", "report", id, "error", err)
		s.writeError(w, req, err)
		return
	}

	if query.Get("format") == "html" {
		s.writeShell(w, m)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-cache")
	_ = json.NewEncoder(w).Encode(m)
}

var artifactFileRe = regexp.MustCompile(`^[0-9a-f]{64}\.(parquet|json)$`)

// handleCache serves artifact bytes. Files are content-addressed, so the
// response is immutable and cacheable forever.
func (s *Server) handleCache(w http.ResponseWriter, req *http.Request) {
	kind := chi.URLParam(req, "kind")
	file := chi.URLParam(req, "file")

	valid := false
	for _, k := range cache.Subdirs {
		if k != cache.KindTmp && string(k) == kind {
			valid = true
			break
		}
	}
	if !valid || !artifactFileRe.MatchString(file) {
		http.NotFound(w, req)
		return
	}

	full := filepath.Join(s.layout.Cache, kind, file)
	s.cache.Acquire(full)
	defer s.cache.Release(full)

	if strings.HasSuffix(file, ".json") {
		w.Header().Set("Content-Type", "application/json")
	} else {
		w.Header().Set("Content-Type", "application/octet-stream")
	}
	w.Header().Set("Cache-Control", "public, max-age=31536000, immutable")
	http.ServeFile(w, req, full)
}

// handleFilestore serves the jailed static route: extension allow/deny
// lists, a size cap, and no way out of the jail directory.
func (s *Server) handleFilestore(w http.ResponseWriter, req *http.Request) {
	jailName := chi.URLParam(req, "jail")
	jail, ok := s.cfg.Filestore[jailName]
	if !ok {
		http.NotFound(w, req)
		return
	}

	rel := chi.URLParam(req, "*")
	clean := path.Clean("/" + rel)
	if clean == "/" || strings.Contains(clean, "..") {
		http.NotFound(w, req)
		return
	}

	ext := strings.ToLower(strings.TrimPrefix(path.Ext(clean), "."))
	if len(jail.AllowExt) > 0 && !containsFold(jail.AllowExt, ext) {
		http.NotFound(w, req)
		return
	}
	if containsFold(jail.DenyExt, ext) {
		http.NotFound(w, req)
		return
	}

	full := filepath.Join(jail.Path, filepath.FromSlash(clean))
	st, err := filepath.Abs(full)
	if err != nil || !strings.HasPrefix(st, filepath.Clean(jail.Path)+string(filepath.Separator)) {
		http.NotFound(w, req)
		return
	}

	info, err := os.Stat(full)
	if err != nil || info.IsDir() {
		http.NotFound(w, req)
		return
	}
	if jail.MaxBytes > 0 && info.Size() > jail.MaxBytes {
		http.Error(w, "file exceeds filestore size limit", http.StatusRequestEntityTooLarge)
		return
	}

	http.ServeFile(w, req, full)
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"reports": len(s.registry.Snapshot().Records),
	})
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(strings.TrimPrefix(v, "."), s) {
			return true
		}
	}
	return false
}
