package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/eugenenazirov/appconfig/internal/codec"
	"github.com/eugenenazirov/appconfig/internal/registry"
)

type contextKey string

const requestIDContextKey contextKey = "requestID"

const defaultStoreTimeout = 5 * time.Second

// Registry is the part of *registry.Registry the handlers use.
type Registry interface {
	Load(ctx context.Context) error
	Reload(ctx context.Context) registry.ReloadResult
	Flush()
	Save(ctx context.Context) error
	Set(key string, value any, format codec.Format) error
	Get(key string) (any, bool)
	Keys() []string
	Len() int
	ToHash() map[string]map[string]any
}

// Handler exposes a settings registry over HTTP.
type Handler struct {
	registry     Registry
	logger       *zap.Logger
	storeTimeout time.Duration

	clock func() time.Time
}

// HandlerOption configures Handler behaviour.
type HandlerOption func(*Handler)

// WithClock overrides the time source, primarily for tests.
func WithClock(clock func() time.Time) HandlerOption {
	return func(h *Handler) {
		h.clock = clock
	}
}

// WithStoreTimeout bounds every call that reaches the backing table.
func WithStoreTimeout(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.storeTimeout = d
		}
	}
}

// WithHandlerLogger sets the logger used for lifecycle failures.
func WithHandlerLogger(logger *zap.Logger) HandlerOption {
	return func(h *Handler) {
		if logger != nil {
			h.logger = logger
		}
	}
}

// NewHandler constructs a Handler with the provided dependencies.
func NewHandler(reg Registry, opts ...HandlerOption) *Handler {
	h := &Handler{
		registry:     reg,
		logger:       zap.NewNop(),
		storeTimeout: defaultStoreTimeout,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	_ = r
	resp := healthResponse{
		Status:    "ok",
		Timestamp: h.clock(),
		Settings:  h.registry.Len(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleListSettings(w http.ResponseWriter, r *http.Request) {
	_ = r
	resp := settingsResponse{
		Keys:     h.registry.Keys(),
		Settings: h.registry.ToHash(),
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleGetSetting(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")
	value, ok := h.registry.Get(key)
	if !ok {
		writeError(w, http.StatusNotFound, "Setting not found", "no setting named "+key)
		return
	}

	_, format := codec.Encode(value)
	writeJSON(w, http.StatusOK, settingResponse{
		Key:    key,
		Value:  value,
		Format: format,
	})
}

func (h *Handler) handlePutSetting(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	var req setSettingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request", "unable to parse JSON payload")
		return
	}

	_, format := codec.Encode(req.Value)
	if req.Format != "" {
		parsed, ok := codec.ParseFormat(req.Format)
		if !ok {
			writeError(w, http.StatusBadRequest, "Invalid format", "format must be one of string, array, hash, boolean")
			return
		}
		format = parsed
	}

	if err := h.registry.Set(key, req.Value, format); err != nil {
		if errors.Is(err, registry.ErrInvalidKeyName) {
			writeError(w, http.StatusBadRequest, "Invalid key name", err.Error())
			return
		}
		writeInternalError(w, err)
		return
	}

	value, _ := h.registry.Get(key)
	_, stored := codec.Encode(value)
	writeJSON(w, http.StatusOK, settingResponse{
		Key:     key,
		Value:   value,
		Format:  stored,
		Message: "Setting updated in memory; save to persist",
	})
}

func (h *Handler) handleLoad(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.storeTimeout)
	defer cancel()

	if err := h.registry.Load(ctx); err != nil {
		h.writeSourceError(w, r, "load", err)
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{
		Action:   "load",
		Settings: h.registry.Len(),
	})
}

func (h *Handler) handleReload(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.storeTimeout)
	defer cancel()

	result := h.registry.Reload(ctx)
	resp := actionResponse{
		Action:   "reload",
		Settings: result.Loaded,
		Degraded: result.Degraded(),
	}
	if result.Err != nil {
		resp.Details = result.Err.Error()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleFlush(w http.ResponseWriter, r *http.Request) {
	_ = r
	h.registry.Flush()
	writeJSON(w, http.StatusOK, actionResponse{Action: "flush"})
}

func (h *Handler) handleSave(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), h.storeTimeout)
	defer cancel()

	if err := h.registry.Save(ctx); err != nil {
		h.writeSourceError(w, r, "save", err)
		return
	}
	writeJSON(w, http.StatusOK, actionResponse{
		Action:   "save",
		Settings: h.registry.Len(),
	})
}

func (h *Handler) writeSourceError(w http.ResponseWriter, r *http.Request, action string, err error) {
	h.logger.Warn("settings action failed",
		zap.String("action", action),
		zap.String("request_id", requestIDFromContext(r.Context())),
		zap.Error(err),
	)
	if errors.Is(err, registry.ErrInvalidSource) {
		writeError(w, http.StatusServiceUnavailable, "Settings source unavailable", err.Error())
		return
	}
	writeInternalError(w, err)
}

func requestIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if v := ctx.Value(requestIDContextKey); v != nil {
		if id, ok := v.(string); ok {
			return id
		}
	}
	return ""
}

type setSettingRequest struct {
	Value  any    `json:"value"`
	Format string `json:"format"`
}

type settingResponse struct {
	Key     string       `json:"key"`
	Value   any          `json:"value"`
	Format  codec.Format `json:"format"`
	Message string       `json:"message,omitempty"`
}

type settingsResponse struct {
	Keys     []string                  `json:"keys"`
	Settings map[string]map[string]any `json:"settings"`
}

type actionResponse struct {
	Action   string `json:"action"`
	Settings int    `json:"settings"`
	Degraded bool   `json:"degraded,omitempty"`
	Details  string `json:"details,omitempty"`
}

type healthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Settings  int       `json:"settings"`
}

type errorResponse struct {
	Error      string `json:"error"`
	Details    string `json:"details,omitempty"`
	Suggestion string `json:"suggestion,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message, details string, suggestion ...string) {
	resp := errorResponse{
		Error:   message,
		Details: details,
	}
	if len(suggestion) > 0 {
		resp.Suggestion = suggestion[0]
	}
	writeJSON(w, status, resp)
}

func writeInternalError(w http.ResponseWriter, err error) {
	writeError(w, http.StatusInternalServerError, "Internal error", err.Error())
}
