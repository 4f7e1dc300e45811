package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"concord/api/internal/agreement"
	"concord/api/internal/archive"
	"concord/api/internal/curation"
	"concord/api/internal/diff"
	"concord/api/internal/export"
	"concord/api/internal/search"
	"concord/api/internal/taskstate"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		s.service.Metrics().Handler().ServeHTTP(w, r)
		return
	}

	actor, ok := requireActor(w, r)
	if !ok {
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	switch parts[1] {
	case "projects":
		if len(parts) == 2 && r.Method == http.MethodGet {
			items, err := s.service.ListProjects(r.Context())
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"projects": items})
			return
		}
		if len(parts) >= 4 {
			s.handleProject(w, r, actor, parts[2], parts[3:])
			return
		}
	case "tasks":
		if len(parts) >= 3 {
			s.handleTask(w, r, actor, parts[2], parts[3:])
			return
		}
	case "reports":
		if len(parts) == 4 && parts[3] == "download" && r.Method == http.MethodGet {
			file, err := s.service.DownloadReport(r.Context(), actor, parts[2])
			if err != nil {
				writeMappedError(w, err)
				return
			}
			writeFile(w, file)
			return
		}
	}
	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{}
	for name, err := range s.service.Ping(ctx) {
		if err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks[name] = map[string]any{"status": "error", "error": err.Error()}
			continue
		}
		checks[name] = map[string]any{"status": "ok"}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleProject(w http.ResponseWriter, r *http.Request, actor Actor, projectID string, parts []string) {
	switch {
	case len(parts) == 1 && parts[0] == "documents" && r.Method == http.MethodGet:
		items, err := s.service.ListDocuments(r.Context(), projectID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		documents := make([]map[string]any, 0, len(items))
		for _, doc := range items {
			documents = append(documents, map[string]any{"id": doc.ID, "name": doc.Name, "length": len([]rune(doc.Text))})
		}
		writeJSON(w, http.StatusOK, map[string]any{"documents": documents})

	case len(parts) == 3 && parts[0] == "documents" && parts[2] == "diff" && r.Method == http.MethodGet:
		begin, end, ok := windowParams(w, r)
		if !ok {
			return
		}
		payload, err := s.service.Diff(r.Context(), actor, projectID, parts[1], begin, end)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(parts) == 3 && parts[0] == "documents" && parts[2] == "curation" && r.Method == http.MethodPost:
		begin, end, ok := windowParams(w, r)
		if !ok {
			return
		}
		payload, err := s.service.OpenCuration(r.Context(), actor, projectID, parts[1], begin, end)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(parts) == 4 && parts[0] == "documents" && parts[2] == "curation" && parts[3] == "history" && r.Method == http.MethodGet:
		limit, ok := intParam(w, r, "limit", 20)
		if !ok {
			return
		}
		commits, err := s.service.CurationHistory(r.Context(), actor, projectID, parts[1], limit)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"history": commits})

	case len(parts) == 5 && parts[0] == "documents" && parts[2] == "curation" && parts[3] == "history" && r.Method == http.MethodGet:
		payload, err := s.service.CurationSnapshot(r.Context(), actor, projectID, parts[1], parts[4])
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	case len(parts) == 1 && parts[0] == "agreement" && r.Method == http.MethodPost:
		var body AgreementInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		progress, err := s.service.StartAgreement(r.Context(), actor, projectID, body)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, progress)

	case len(parts) == 1 && parts[0] == "reports" && r.Method == http.MethodGet:
		limit, ok := intParam(w, r, "limit", 50)
		if !ok {
			return
		}
		items, err := s.service.ListReports(r.Context(), actor, projectID, limit)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"reports": items})

	case len(parts) == 2 && parts[0] == "segments" && parts[1] == "search" && r.Method == http.MethodGet:
		limit, ok := intParam(w, r, "limit", 20)
		if !ok {
			return
		}
		offset, ok := intParam(w, r, "offset", 0)
		if !ok {
			return
		}
		state := strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("state")))
		if state != "" && state != string(curation.StateAgree) && state != string(curation.StateDisagree) {
			writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "state must be AGREE or DISAGREE", nil)
			return
		}
		payload, err := s.service.SearchSegments(r.Context(), actor, search.Query{
			ProjectID: projectID,
			Text:      strings.TrimSpace(r.URL.Query().Get("q")),
			State:     state,
			Limit:     limit,
			Offset:    offset,
		})
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, payload)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleTask(w http.ResponseWriter, r *http.Request, actor Actor, taskID string, parts []string) {
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		progress, err := s.service.TaskProgress(r.Context(), actor, taskID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, progress)

	case len(parts) == 1 && parts[0] == "cancel" && r.Method == http.MethodPost:
		progress, err := s.service.CancelTask(r.Context(), actor, taskID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, progress)

	case len(parts) == 1 && parts[0] == "result" && r.Method == http.MethodGet:
		report, err := s.service.TaskResult(r.Context(), actor, taskID)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)

	case len(parts) == 1 && parts[0] == "export" && r.Method == http.MethodGet:
		format, err := export.ParseFormat(strings.TrimSpace(r.URL.Query().Get("format")))
		if err != nil {
			writeMappedError(w, err)
			return
		}
		file, err := s.service.ExportTask(r.Context(), actor, taskID, format)
		if err != nil {
			writeMappedError(w, err)
			return
		}
		writeFile(w, file)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// requireActor reads the identity forwarded by the gateway.
func requireActor(w http.ResponseWriter, r *http.Request) (Actor, bool) {
	name := strings.TrimSpace(r.Header.Get("X-Remote-User"))
	if name == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Actor{}, false
	}
	return Actor{Name: name, Role: strings.TrimSpace(r.Header.Get("X-Remote-Role"))}, true
}

func windowParams(w http.ResponseWriter, r *http.Request) (int, int, bool) {
	begin, ok := intParam(w, r, "begin", 0)
	if !ok {
		return 0, 0, false
	}
	end, ok := intParam(w, r, "end", 0)
	if !ok {
		return 0, 0, false
	}
	return begin, end, true
}

func intParam(w http.ResponseWriter, r *http.Request, name string, fallback int) (int, bool) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, true
	}
	parsed, err := strconv.Atoi(raw)
	if err != nil || parsed < 0 {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", name+" must be a non-negative integer", nil)
		return 0, false
	}
	return parsed, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		route := routeLabel(r.URL.Path)
		s.service.Metrics().ObserveAPI(route, r.Method, strconv.Itoa(writer.status), elapsed.Seconds())
		logrus.WithFields(logrus.Fields{
			"request_id":  requestID,
			"method":      r.Method,
			"route":       route,
			"path":        r.URL.Path,
			"status":      writer.status,
			"duration_ms": elapsed.Milliseconds(),
		}).Info("request")
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// routeLabel replaces identifiers in the path to keep metric labels bounded.
func routeLabel(path string) string {
	parts := splitPath(path)
	for i := 1; i < len(parts); i++ {
		switch parts[i-1] {
		case "projects", "documents", "tasks", "reports", "history":
			parts[i] = "{id}"
		}
	}
	return "/" + strings.Join(parts, "/")
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, X-Remote-User, X-Remote-Role, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeFile(w http.ResponseWriter, file *export.Result) {
	w.Header().Set("Content-Type", file.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", file.Filename))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(file.Data)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) || errors.Is(err, io.EOF) {
			return nil
		}
		return errors.New("invalid JSON body")
	}
	return nil
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	var buildErr *curation.BuildError
	if errors.As(err, &buildErr) {
		return http.StatusInternalServerError, "CURATION_FAILED", "Could not build the curation view", map[string]any{"documentId": buildErr.DocumentID}
	}
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	case errors.Is(err, taskstate.ErrNotFound):
		return http.StatusNotFound, "TASK_NOT_FOUND", "Task not found or expired", nil
	case errors.Is(err, agreement.ErrUnknownMeasure):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), map[string]any{"measures": agreement.Names()}
	case errors.Is(err, agreement.ErrRaterCount):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil
	case errors.Is(err, diff.ErrUnsupportedFeature):
		return http.StatusUnprocessableEntity, "UNSUPPORTED_FEATURE", err.Error(), nil
	case errors.Is(err, export.ErrUnsupportedFormat):
		return http.StatusUnprocessableEntity, "VALIDATION_ERROR", "format must be html, pdf or docx", nil
	case errors.Is(err, export.ErrPDFDependencyMissing), errors.Is(err, export.ErrDOCXDependencyMissing):
		return http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", err.Error(), nil
	case errors.Is(err, archive.ErrDisabled):
		return http.StatusServiceUnavailable, "ARCHIVE_DISABLED", "Report archive is not configured", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
