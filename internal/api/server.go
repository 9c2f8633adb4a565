package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/companion/internal/companion"
	"github.com/kalambet/companion/internal/media"
	"github.com/kalambet/companion/internal/storage"
)

const maxRPCBodySize = 32 << 20 // 32MB, media.ingest carries base64 content

// JournalReader reads the archive log and the training transition journal.
type JournalReader interface {
	ListTrainingEvents(ctx context.Context, jobID string) ([]storage.TrainingEvent, error)
	ListArchives(ctx context.Context, scope, sessionID string, limit int) ([]storage.Archive, error)
}

// Prober reports whether the training backend is reachable.
type Prober interface {
	IsRunning(ctx context.Context) bool
}

type Deps struct {
	Companion *companion.Service
	Media     *media.Registry
	Journal   JournalReader // optional; job and history lookups omit the journal when nil
	Backend   Prober        // optional; health omits backend state when nil
	Token     string
	Logger    *slog.Logger
}

// NewHandler builds the remote control API. Everything except /health
// requires the bearer token.
func NewHandler(deps Deps) http.Handler {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	r := chi.NewRouter()
	r.Get("/health", handleHealth(deps))
	r.Group(func(r chi.Router) {
		r.Use(BearerAuth(deps.Token))
		r.Post("/rpc/{method}", handleRPC(deps))
	})
	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{"status": "ok"}
		if deps.Backend != nil {
			resp["backend"] = deps.Backend.IsRunning(r.Context())
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func handleRPC(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "method")
		m, ok := methods[name]
		if !ok {
			httpError(w, http.StatusNotFound, "not_found_error", "unknown method %q", name)
			return
		}

		r.Body = http.MaxBytesReader(w, r.Body, maxRPCBodySize)
		defer r.Body.Close()

		var raw json.RawMessage
		if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
			if !errors.Is(err, io.EOF) {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
			raw = json.RawMessage("{}")
		}

		result, err := m(r.Context(), deps, raw)
		if err != nil {
			deps.Logger.Debug("rpc failed", "method", name, "error", err)
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
	}
}

// errBadParams marks a request whose parameters could not be decoded.
var errBadParams = errors.New("invalid_params")

func decodeParams(raw json.RawMessage, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", errBadParams, err)
	}
	return nil
}

// writeError maps a failure to a status code by its kind.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, errBadParams), errors.Is(err, media.ErrInvalidKind), errors.Is(err, media.ErrInvalidContent):
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", err.Error())
		return
	}
	switch companion.KindOf(err) {
	case companion.KindValidation:
		httpError(w, http.StatusBadRequest, "invalid_request_error", "%s", err.Error())
	case companion.KindState:
		httpError(w, http.StatusConflict, "state_error", "%s", err.Error())
	case companion.KindAsset, companion.KindNotFound:
		httpError(w, http.StatusNotFound, "not_found_error", "%s", err.Error())
	default:
		httpError(w, http.StatusInternalServerError, "api_error", "%s", err.Error())
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
