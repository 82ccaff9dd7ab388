package server

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/deepsearch/internal/history"
	"github.com/mohammad-safakhou/deepsearch/internal/store"
)

type SessionsHandler struct {
	Store   *store.Store
	History *history.Index // nil disables history search
}

func (h *SessionsHandler) Register(g *echo.Group) {
	g.GET("", h.list)
	g.GET("/:session_id", h.get)
	g.DELETE("/:session_id", h.delete)
	g.DELETE("", h.deleteAll)
}

func (h *SessionsHandler) RegisterHistory(g *echo.Group) {
	g.GET("/search", h.search)
}

func (h *SessionsHandler) list(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	sessions, err := h.Store.ListSessions(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionToResponse(s, nil))
	}
	return c.JSON(http.StatusOK, out)
}

func (h *SessionsHandler) get(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	sessionID := c.Param("session_id")
	ctx := c.Request().Context()

	sess, err := h.Store.GetSession(ctx, sessionID, userID)
	if err != nil {
		return sessionError(err)
	}
	messages, err := h.Store.ListMessages(ctx, sess.ID, 0)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	out := make([]MessageResponse, 0, len(messages))
	for _, m := range messages {
		mr := messageToResponse(m)
		if m.Role == store.RoleAssistant {
			steps, err := h.Store.ListStepsByMessage(ctx, m.ID)
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
			}
			for _, st := range steps {
				mr.Steps = append(mr.Steps, StepResponse{ID: st.ID, Type: st.Type, Reasoning: st.Reasoning, Executed: st.Executed, CreatedAt: st.CreatedAt})
			}
			sources, err := h.Store.ListSourcesByMessage(ctx, m.ID)
			if err != nil {
				return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
			}
			for _, src := range sources {
				mr.Sources = append(mr.Sources, SourceResponse{
					ID: src.ID, StepID: src.StepID, Name: src.Name, URL: src.URL,
					Favicon: src.Favicon, Content: src.Content, Images: src.Images, PublishedAt: src.PublishedAt,
				})
			}
		}
		out = append(out, mr)
	}
	return c.JSON(http.StatusOK, sessionToResponse(sess, out))
}

func (h *SessionsHandler) delete(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	sessionID := c.Param("session_id")
	if err := h.Store.DeleteSession(c.Request().Context(), sessionID, userID); err != nil {
		return sessionError(err)
	}
	return c.NoContent(http.StatusNoContent)
}

func (h *SessionsHandler) deleteAll(c echo.Context) error {
	userID, _ := c.Get("user_id").(string)
	n, err := h.Store.DeleteAllSessions(c.Request().Context(), userID)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, map[string]int64{"deleted": n})
}

// search runs a keyword query over the caller's finalized reports.
func (h *SessionsHandler) search(c echo.Context) error {
	if h.History == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "history search disabled")
	}
	userID, _ := c.Get("user_id").(string)
	q := c.QueryParam("q")
	if q == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "q is required")
	}
	limit := 10
	if raw := c.QueryParam("limit"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil && n > 0 {
			limit = n
		}
	}
	hits, err := h.History.Search(userID, q, limit)
	if err != nil {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
	out := HistorySearchResponse{Hits: make([]HistoryHit, 0, len(hits))}
	for _, hit := range hits {
		out.Hits = append(out.Hits, HistoryHit{
			MessageID: hit.MessageID, SessionID: hit.SessionID, Prompt: hit.Prompt,
			Snippet: hit.Snippet, Score: hit.Score, Rank: hit.Rank,
		})
	}
	return c.JSON(http.StatusOK, out)
}

func sessionError(err error) error {
	switch {
	case errors.Is(err, store.ErrUnauthorized):
		return echo.NewHTTPError(http.StatusForbidden, "not authorized")
	case errors.Is(err, store.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, "session not found")
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

func sessionToResponse(s store.Session, messages []MessageResponse) SessionResponse {
	return SessionResponse{
		ID:             s.ID,
		Title:          s.Title,
		ActiveStreamID: s.ActiveStreamID,
		CanceledAt:     s.CanceledAt,
		CreatedAt:      s.CreatedAt,
		UpdatedAt:      s.UpdatedAt,
		Messages:       messages,
	}
}

func messageToResponse(m store.Message) MessageResponse {
	return MessageResponse{
		ID:         m.ID,
		Role:       m.Role,
		Content:    m.Content,
		Progress:   m.Progress,
		Completed:  m.Completed,
		DeepSearch: m.DeepSearch,
		CreatedAt:  m.CreatedAt,
	}
}
