package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"notifyd/internal/dispatch"
	"notifyd/internal/notification"
	logx "notifyd/pkg/logx"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

const (
	defaultHistoryLimit = 50
	maxHistoryLimit     = 1000
	maxBodyBytes        = 1 << 20
)

// Notifier is what the HTTP layer needs from the dispatcher.
type Notifier interface {
	Dispatch(ctx context.Context, req notification.Request) (notification.Outcome, error)
	Status(ctx context.Context, id string) (notification.Outcome, bool, error)
	History(ctx context.Context, limit int) ([]notification.Outcome, error)
	Channels() map[notification.Channel]bool
}

// testRequest is sent by POST /api/v1/notifications/test.
var testRequest = notification.Request{
	Email:      "test@example.com",
	Phone:      "+79652567890",
	TelegramID: "123456789",
	Subject:    "Test notification",
	Message:    "This is a test",
}

// failureBody is returned with 502/504 so clients still learn the id and
// per-channel results.
type failureBody struct {
	Detail       string               `json:"detail"`
	Notification notification.Outcome `json:"notification"`
}

type handlers struct {
	n               Notifier
	log             logx.Logger
	version         string
	dispatchTimeout time.Duration
	health          func() error
}

// Router builds the HTTP surface.
func Router(cfg Config, n Notifier, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handlers{
		n:               n,
		log:             log,
		version:         cfg.Version,
		dispatchTimeout: cfg.DispatchTimeout,
		health:          cfg.Health,
	}
	if h.version == "" {
		h.version = "dev"
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(accessLog(log))
	r.Use(cors(cfg.CORSOrigins))

	r.Get("/", h.root)
	r.Get("/health", h.healthCheck)

	r.Route("/api/v1/notifications", func(r chi.Router) {
		r.Post("/", h.send)
		r.Get("/", h.history)
		r.Post("/test", h.sendTest)
		r.Get("/{id}", h.status)
	})

	mountPprof(r, cfg.Pprof)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, log, http.StatusNotFound, "not_found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, log, http.StatusMethodNotAllowed, "method_not_allowed")
	})
	return r
}

func (h *handlers) root(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, h.log, http.StatusOK, map[string]string{
		"message": "notifyd is running",
		"version": h.version,
		"docs":    "/api/v1/notifications",
	})
}

func (h *handlers) healthCheck(w http.ResponseWriter, _ *http.Request) {
	services := map[string]bool{}
	for ch, ok := range h.n.Channels() {
		services[string(ch)] = ok
	}
	body := map[string]any{"status": "healthy", "services": services}
	if h.health != nil {
		if err := h.health(); err != nil {
			body["status"] = "degraded"
			body["error"] = err.Error()
		}
	}
	writeJSON(w, h.log, http.StatusOK, body)
}

func (h *handlers) send(w http.ResponseWriter, r *http.Request) {
	var req notification.Request
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(&req); err != nil {
		detail := "invalid JSON body"
		if !errors.Is(err, io.EOF) {
			detail = fmt.Sprintf("invalid JSON body: %v", err)
		}
		writeError(w, h.log, http.StatusUnprocessableEntity, detail)
		return
	}
	req = notification.Normalize(req)
	if err := notification.Validate(req); err != nil {
		var verr *notification.ValidationError
		if errors.As(err, &verr) {
			writeJSON(w, h.log, http.StatusUnprocessableEntity, errorBody{Detail: "validation_error", Errors: verr.Fields})
			return
		}
		writeError(w, h.log, http.StatusUnprocessableEntity, err.Error())
		return
	}
	h.log.Info("notification requested",
		logx.Any("channels", req.Channels),
		logx.Bool("email_set", req.Email != ""),
		logx.Bool("phone_set", req.Phone != ""),
		logx.Bool("telegram_set", req.TelegramID != ""),
	)

	out, gone, err := h.dispatch(w, r, req)
	if gone {
		return
	}
	if err == nil {
		writeJSON(w, h.log, http.StatusOK, out)
		return
	}
	h.writeDispatchFailure(w, out, err)
}

func (h *handlers) sendTest(w http.ResponseWriter, r *http.Request) {
	req := notification.Normalize(testRequest)
	out, gone, err := h.dispatch(w, r, req)
	if gone {
		return
	}
	if err == nil {
		writeJSON(w, h.log, http.StatusOK, map[string]any{"ok": true, "id": out.ID})
		return
	}
	status := http.StatusBadGateway
	if errors.Is(err, dispatch.ErrCancelled) {
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, h.log, status, map[string]any{"ok": false, "id": out.ID, "detail": err.Error()})
}

// dispatch runs req under the request deadline. gone means the client left
// and nothing more should be written.
func (h *handlers) dispatch(w http.ResponseWriter, r *http.Request, req notification.Request) (notification.Outcome, bool, error) {
	ctx := r.Context()
	if h.dispatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, h.dispatchTimeout)
		defer cancel()
	}
	out, err := h.n.Dispatch(ctx, req)
	if err != nil && errors.Is(err, dispatch.ErrCancelled) && r.Context().Err() != nil {
		// Nobody is listening; 499 is for the access log only.
		h.log.Info("client closed request during dispatch", logx.String("id", out.ID))
		w.WriteHeader(499)
		return out, true, err
	}
	return out, false, err
}

func (h *handlers) writeDispatchFailure(w http.ResponseWriter, out notification.Outcome, err error) {
	switch {
	case errors.Is(err, dispatch.ErrTotalFailure):
		writeJSON(w, h.log, http.StatusBadGateway, failureBody{Detail: "all_channels_failed", Notification: out})
	case errors.Is(err, dispatch.ErrCancelled):
		writeJSON(w, h.log, http.StatusGatewayTimeout, failureBody{Detail: "dispatch_timeout", Notification: out})
	default:
		h.log.Error("dispatch failed unexpectedly", logx.String("id", out.ID), logx.Err(err))
		writeError(w, h.log, http.StatusInternalServerError, "internal_error")
	}
}

func (h *handlers) status(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	out, found, err := h.n.Status(r.Context(), id)
	if err != nil {
		h.log.Error("status lookup failed", logx.String("id", id), logx.Err(err))
		writeError(w, h.log, http.StatusInternalServerError, "internal_error")
		return
	}
	if !found {
		writeError(w, h.log, http.StatusNotFound, "notification_not_found")
		return
	}
	writeJSON(w, h.log, http.StatusOK, out)
}

func (h *handlers) history(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistoryLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > maxHistoryLimit {
			writeError(w, h.log, http.StatusUnprocessableEntity,
				fmt.Sprintf("limit must be an integer between 1 and %d", maxHistoryLimit))
			return
		}
		limit = n
	}
	list, err := h.n.History(r.Context(), limit)
	if err != nil {
		h.log.Error("history lookup failed", logx.Err(err))
		writeError(w, h.log, http.StatusInternalServerError, "internal_error")
		return
	}
	if list == nil {
		list = []notification.Outcome{}
	}
	writeJSON(w, h.log, http.StatusOK, list)
}
