package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"dproxy/internal/model"
)

// Version is a string type for dependency injection of the build version.
type Version string

const statusTimeout = 2 * time.Second

// StatusSource reports channel counters and per-channel snapshots.
type StatusSource interface {
	Summary() model.ProxyStatus
	Status(ctx context.Context) (model.ProxyStatus, error)
}

// HealthHandler serves health and status endpoints.
type HealthHandler struct {
	source  StatusSource
	version Version
	logger  *slog.Logger
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(source StatusSource, v Version, logger *slog.Logger) *HealthHandler {
	return &HealthHandler{source: source, version: v, logger: logger}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

type statusResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	model.ProxyStatus
}

// Status returns the channel counters. With ?channels=1 it also lists every
// open channel, which needs a round trip through the event loop.
func (h *HealthHandler) Status(c echo.Context) error {
	resp := statusResponse{Status: "ok", Version: string(h.version)}

	if c.QueryParam("channels") == "" {
		resp.ProxyStatus = h.source.Summary()
		return c.JSON(http.StatusOK, resp)
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), statusTimeout)
	defer cancel()
	st, err := h.source.Status(ctx)
	if err != nil {
		h.logger.Warn("channel snapshot failed", "err", err)
		return echo.NewHTTPError(http.StatusServiceUnavailable, "event loop busy")
	}
	resp.ProxyStatus = st
	return c.JSON(http.StatusOK, resp)
}
