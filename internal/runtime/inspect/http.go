package inspect

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	errspkg "github.com/drblury/sagaflow/internal/runtime/errors"
	"github.com/drblury/sagaflow/internal/runtime/jsoncodec"
	loggingpkg "github.com/drblury/sagaflow/internal/runtime/logging"
)

// HandlerOptions configure the HTTP API.
type HandlerOptions struct {
	// AllowedOrigins enables CORS for the listed origins. "*" allows any
	// origin; an empty list sends no CORS headers.
	AllowedOrigins []string
	Logger         loggingpkg.ServiceLogger
}

// NewHandler mounts the inspection API under /api:
//
//	GET /api/idempotency-keys[?limit=n]
//	GET /api/idempotency-keys/{key}
//	GET /api/sagas[?limit=n]
//	GET /api/sagas/{id}
//	GET /api/operations[?limit=n]
//	GET /api/operations/{id}
//	GET /api/dead-letters/{topic}[?limit=n]
//	GET /api/dead-letter-stats
//	GET /api/locks
//	GET /api/handlers
//	GET /api/runtime
func NewHandler(i *Inspector, opts HandlerOptions) http.Handler {
	h := &httpHandler{
		inspector: i,
		origins:   opts.AllowedOrigins,
		logger:    loggingpkg.ForComponent(opts.Logger, "inspect"),
	}

	r := chi.NewRouter()
	r.Use(h.cors)
	r.Route("/api", func(r chi.Router) {
		r.Get("/idempotency-keys", h.list(func(ctx context.Context, r *http.Request, limit int) (any, error) {
			return i.IdempotencyKeys(ctx, limit)
		}))
		r.Get("/idempotency-keys/{key}", h.one(func(ctx context.Context, r *http.Request) (any, error) {
			return i.IdempotencyKey(ctx, chi.URLParam(r, "key"))
		}))
		r.Get("/sagas", h.list(func(ctx context.Context, r *http.Request, limit int) (any, error) {
			return i.Sagas(ctx, limit)
		}))
		r.Get("/sagas/{id}", h.one(func(ctx context.Context, r *http.Request) (any, error) {
			return i.Saga(ctx, chi.URLParam(r, "id"))
		}))
		r.Get("/operations", h.list(func(ctx context.Context, r *http.Request, limit int) (any, error) {
			return i.Operations(ctx, limit)
		}))
		r.Get("/operations/{id}", h.one(func(ctx context.Context, r *http.Request) (any, error) {
			return i.Operation(ctx, chi.URLParam(r, "id"))
		}))
		r.Get("/dead-letters/{topic}", h.list(func(ctx context.Context, r *http.Request, limit int) (any, error) {
			return i.DeadLetters(ctx, chi.URLParam(r, "topic"), limit)
		}))
		r.Get("/dead-letter-stats", h.one(func(context.Context, *http.Request) (any, error) {
			return i.DeadLetterStats()
		}))
		r.Get("/locks", h.one(func(ctx context.Context, _ *http.Request) (any, error) {
			return i.Locks(ctx)
		}))
		r.Get("/handlers", h.one(func(context.Context, *http.Request) (any, error) {
			return i.Handlers()
		}))
		r.Get("/runtime", h.one(func(context.Context, *http.Request) (any, error) {
			return i.Runtime()
		}))
	})
	return r
}

type httpHandler struct {
	inspector *Inspector
	origins   []string
	logger    loggingpkg.ServiceLogger
}

func (h *httpHandler) list(fetch func(ctx context.Context, r *http.Request, limit int) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 0
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 0 {
				h.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
				return
			}
			limit = n
		}
		value, err := fetch(r.Context(), r, limit)
		h.respond(w, r, value, err)
	}
}

func (h *httpHandler) one(fetch func(ctx context.Context, r *http.Request) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		value, err := fetch(r.Context(), r)
		h.respond(w, r, value, err)
	}
}

func (h *httpHandler) respond(w http.ResponseWriter, r *http.Request, value any, err error) {
	if err != nil {
		switch {
		case errors.Is(err, errspkg.ErrNotFound):
			h.writeError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, errspkg.ErrConfigRequired):
			h.writeError(w, http.StatusNotImplemented, err.Error())
		case errors.Is(err, errspkg.ErrTopicRequired), errors.Is(err, errspkg.ErrKeyRequired):
			h.writeError(w, http.StatusBadRequest, err.Error())
		default:
			h.logger.Error("Inspection query failed", err, loggingpkg.LogFields{"path": r.URL.Path})
			h.writeError(w, http.StatusInternalServerError, "Internal Server Error")
		}
		return
	}
	h.writeJSON(w, http.StatusOK, value)
}

func (h *httpHandler) writeJSON(w http.ResponseWriter, status int, value any) {
	body, err := jsoncodec.Marshal(value)
	if err != nil {
		h.logger.Error("Failed to encode response", err, nil)
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func (h *httpHandler) writeError(w http.ResponseWriter, status int, msg string) {
	h.writeJSON(w, status, map[string]string{"error": msg})
}

// cors sets CORS headers for allowed origins and answers preflight requests.
func (h *httpHandler) cors(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if len(h.origins) > 0 {
			if allowed := h.allowedOrigin(r.Header.Get("Origin")); allowed != "" {
				w.Header().Set("Access-Control-Allow-Origin", allowed)
				w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
			}
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// allowedOrigin returns the Access-Control-Allow-Origin value for
// requestOrigin, or "" when it is not allowed.
func (h *httpHandler) allowedOrigin(requestOrigin string) string {
	for _, allowed := range h.origins {
		if allowed == "*" {
			return "*"
		}
		if strings.EqualFold(allowed, requestOrigin) {
			return requestOrigin
		}
	}
	return ""
}
