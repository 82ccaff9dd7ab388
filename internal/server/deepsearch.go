package server

import (
	"context"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/deepsearch/internal/agent"
	"github.com/mohammad-safakhou/deepsearch/internal/store"
	"github.com/mohammad-safakhou/deepsearch/internal/stream"
)

// TurnRunner starts and cancels research turns.
type TurnRunner interface {
	StartTurn(ctx context.Context, req agent.TurnRequest) (agent.Turn, error)
	Cancel(ctx context.Context, sessionID, userID string) (bool, error)
}

// StreamSubscriber replays and tails a turn stream.
type StreamSubscriber interface {
	Subscribe(ctx context.Context, streamID string, fn func(stream.Envelope) error) error
	Exists(ctx context.Context, streamID string) (bool, error)
}

// SessionReader loads a session with an ownership check.
type SessionReader interface {
	GetSession(ctx context.Context, id, userID string) (store.Session, error)
}

type DeepSearchHandler struct {
	Sessions SessionReader
	Runner   TurnRunner
	Streams  StreamSubscriber
	Logger   *log.Logger
}

func (h *DeepSearchHandler) Register(g *echo.Group) {
	g.POST("/deep-search", h.start)
	g.GET("/deep-search/:session_id/stream", h.resume)
	g.POST("/deep-search/:session_id/cancel", h.cancel)
}

// start initiates a turn and streams its events until the terminal
// marker. Disconnecting does not stop the turn; the client resumes via
// the stream endpoint.
func (h *DeepSearchHandler) start(c echo.Context) error {
	var req DeepSearchRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	if strings.TrimSpace(req.Model) == "" || strings.TrimSpace(req.SessionID) == "" || strings.TrimSpace(req.Prompt) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "model, sessionId and prompt are required")
	}
	userID, _ := c.Get("user_id").(string)

	turn, err := h.Runner.StartTurn(c.Request().Context(), agent.TurnRequest{
		UserID:    userID,
		SessionID: req.SessionID,
		Model:     req.Model,
		Prompt:    req.Prompt,
	})
	if err != nil {
		switch {
		case errors.Is(err, agent.ErrInvalidRequest):
			return echo.NewHTTPError(http.StatusBadRequest, err.Error())
		case errors.Is(err, agent.ErrTurnInFlight):
			return echo.NewHTTPError(http.StatusConflict, err.Error())
		case errors.Is(err, store.ErrUnauthorized):
			return echo.NewHTTPError(http.StatusForbidden, "not authorized")
		case errors.Is(err, store.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}

	return h.streamSSE(c, turn.StreamID)
}

// resume reattaches to the session's in-flight stream. 204 means
// nothing is running.
func (h *DeepSearchHandler) resume(c echo.Context) error {
	sessionID := c.Param("session_id")
	userID, _ := c.Get("user_id").(string)

	sess, err := h.Sessions.GetSession(c.Request().Context(), sessionID, userID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrUnauthorized):
			return echo.NewHTTPError(http.StatusForbidden, "not authorized")
		case errors.Is(err, store.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	if sess.ActiveStreamID == "" {
		return c.NoContent(http.StatusNoContent)
	}
	// The session can keep pointing at a stream whose Redis key has
	// already expired (janitor not yet swept). Tailing it would hang,
	// so a vanished stream resumes as "nothing running".
	exists, err := h.Streams.Exists(c.Request().Context(), sess.ActiveStreamID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	if !exists {
		return c.NoContent(http.StatusNoContent)
	}
	return h.streamSSE(c, sess.ActiveStreamID)
}

func (h *DeepSearchHandler) cancel(c echo.Context) error {
	sessionID := c.Param("session_id")
	userID, _ := c.Get("user_id").(string)

	running, err := h.Runner.Cancel(c.Request().Context(), sessionID, userID)
	if err != nil {
		switch {
		case errors.Is(err, store.ErrUnauthorized):
			return echo.NewHTTPError(http.StatusForbidden, "not authorized")
		case errors.Is(err, store.ErrNotFound):
			return echo.NewHTTPError(http.StatusNotFound, "session not found")
		default:
			return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
		}
	}
	return c.JSON(http.StatusOK, CancelResponse{Canceled: running})
}

// streamSSE forwards stream envelopes as server-sent events until the
// terminal marker or client disconnect.
func (h *DeepSearchHandler) streamSSE(c echo.Context, streamID string) error {
	resp := c.Response()
	resp.Header().Set(echo.HeaderContentType, "text/event-stream")
	resp.Header().Set(echo.HeaderCacheControl, "no-cache")
	resp.Header().Set("Connection", "keep-alive")
	resp.WriteHeader(http.StatusOK)
	flusher, ok := resp.Writer.(http.Flusher)
	if !ok {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "streaming unsupported")
	}

	err := h.Streams.Subscribe(c.Request().Context(), streamID, func(env stream.Envelope) error {
		if _, err := resp.Write([]byte("event: " + env.EventType + "\n")); err != nil {
			return err
		}
		if _, err := resp.Write([]byte("data: " + string(env.Data) + "\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	})
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, stream.ErrStreamGone) {
		h.Logger.Printf("[HTTP] stream %s ended: %v", streamID, err)
	}
	return nil
}
