// Package handler is the JSON/HTTP boundary. It owns request decoding,
// error-to-status mapping and the chunked streaming transport; all session
// semantics live in the session package.
package handler

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"toetscoach/internal/extract"
	"toetscoach/internal/i18n"
	"toetscoach/internal/llm"
	"toetscoach/internal/model"
	"toetscoach/internal/session"
)

// maxAnalyzeBody bounds the JSON request body. Exam text arrives here after
// extraction, so it is well under the upload cap.
const maxAnalyzeBody = 1 << 20

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	sessions *session.Manager
}

// New creates a new Handler.
func New(sessions *session.Manager) *Handler {
	return &Handler{sessions: sessions}
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/api/health", h.handleHealth)
	r.Post("/api/analyze", h.handleAnalyze)
	r.Post("/api/stream", h.handleStream)
	r.Post("/api/upload", h.handleUpload)
	r.Get("/api/session/{sessionID}", h.handleSession)
}

type analyzeRequest struct {
	Action          string `json:"action"`
	ExamContent     string `json:"examContent"`
	FileName        string `json:"fileName"`
	SourceKind      string `json:"sourceKind"`
	SessionID       string `json:"sessionId"`
	StudentResponse string `json:"studentResponse"`
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleAnalyze serves both turn kinds: "initial_analysis" starts a session
// from exam text, "continue_feedback" runs a non-streamed continue turn.
func (h *Handler) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAnalyzeBody)).Decode(&req); err != nil {
		h.writeErrorID(w, r, http.StatusBadRequest, "error.bad_request")
		return
	}

	switch req.Action {
	case "initial_analysis":
		if req.ExamContent == "" {
			h.writeErrorID(w, r, http.StatusBadRequest, "error.empty_exam")
			return
		}
		exam := model.ExamDocument{
			Text:       req.ExamContent,
			SourceName: req.FileName,
			SourceKind: sourceKind(req.SourceKind),
		}
		snap, err := h.sessions.StartSession(r.Context(), exam)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)

	case "continue_feedback":
		if req.StudentResponse == "" {
			h.writeErrorID(w, r, http.StatusBadRequest, "error.empty_answer")
			return
		}
		snap, err := h.sessions.SubmitAnswer(r.Context(), req.SessionID, req.StudentResponse, nil)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, snap)

	default:
		h.writeErrorID(w, r, http.StatusBadRequest, "error.bad_request")
	}
}

// handleStream runs a continue turn and relays the raw oracle fragments as
// a chunked text/plain body, flushed per fragment. The committed snapshot
// is retrievable afterwards via the session endpoint.
func (h *Handler) handleStream(w http.ResponseWriter, r *http.Request) {
	var req analyzeRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxAnalyzeBody)).Decode(&req); err != nil {
		h.writeErrorID(w, r, http.StatusBadRequest, "error.bad_request")
		return
	}
	if req.StudentResponse == "" {
		h.writeErrorID(w, r, http.StatusBadRequest, "error.empty_answer")
		return
	}

	flusher, _ := w.(http.Flusher)
	started := false
	sink := func(fragment string) {
		if !started {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
			w.WriteHeader(http.StatusOK)
			started = true
		}
		if _, err := w.Write([]byte(fragment)); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	_, err := h.sessions.SubmitAnswer(r.Context(), req.SessionID, req.StudentResponse, sink)
	if err != nil {
		if started {
			// Status is already on the wire; the truncated body is the only
			// signal left, the client re-syncs via the session endpoint.
			slog.Error("stream turn failed mid-body", "session_id", req.SessionID, "error", err)
			return
		}
		h.writeError(w, r, err)
		return
	}
	if !started {
		// Oracle produced an empty stream; still a success.
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusOK)
	}
}

// handleUpload extracts exam text from a multipart document upload.
func (h *Handler) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, extract.MaxUploadBytes+(64<<10))
	if err := r.ParseMultipartForm(extract.MaxUploadBytes); err != nil {
		h.writeErrorID(w, r, http.StatusRequestEntityTooLarge, "error.upload_too_large")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeErrorID(w, r, http.StatusBadRequest, "error.bad_request")
		return
	}
	defer file.Close()

	exam, err := extract.FromUpload(file, header.Filename, extract.MaxUploadBytes)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, exam)
}

func (h *Handler) handleSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.sessions.State(chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func sourceKind(s string) model.SourceKind {
	switch model.SourceKind(s) {
	case model.SourceImage, model.SourceDocument:
		return model.SourceKind(s)
	default:
		return model.SourceText
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

// writeError maps domain errors to HTTP status codes and localized bodies.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		status = http.StatusInternalServerError
		msgID  = "error.bad_request"
	)

	var (
		upstream   *llm.UpstreamError
		extraction *extract.ExtractionError
		transition *model.InvalidTransitionError
	)
	switch {
	case errors.Is(err, llm.ErrNoAPIKey):
		status, msgID = http.StatusInternalServerError, "error.config"
	case errors.Is(err, session.ErrUnknownSession), errors.Is(err, session.ErrNotStarted):
		status, msgID = http.StatusNotFound, "error.unknown_session"
	case errors.Is(err, session.ErrSessionBusy):
		status, msgID = http.StatusConflict, "error.busy"
	case errors.As(err, &upstream):
		status, msgID = http.StatusBadGateway, "error.upstream"
	case errors.As(err, &extraction):
		status, msgID = http.StatusUnprocessableEntity, "error.extract"
	case errors.As(err, &transition):
		status, msgID = http.StatusInternalServerError, "error.transition"
	}

	slog.Error("request failed", "path", r.URL.Path, "status", status, "error", err)
	writeJSON(w, status, errorResponse{Error: i18n.T(r.Context(), msgID)})
}

func (h *Handler) writeErrorID(w http.ResponseWriter, r *http.Request, status int, msgID string) {
	writeJSON(w, status, errorResponse{Error: i18n.T(r.Context(), msgID)})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("encode response", "error", err)
	}
}
