package agent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/mohammad-safakhou/deepsearch/config"
	"github.com/mohammad-safakhou/deepsearch/internal/history"
	"github.com/mohammad-safakhou/deepsearch/internal/llm"
	"github.com/mohammad-safakhou/deepsearch/internal/progress"
	"github.com/mohammad-safakhou/deepsearch/internal/search"
	"github.com/mohammad-safakhou/deepsearch/internal/store"
	"github.com/mohammad-safakhou/deepsearch/internal/stream"
	"github.com/mohammad-safakhou/deepsearch/internal/telemetry"
)

var (
	// ErrInvalidRequest covers missing required turn fields.
	ErrInvalidRequest = errors.New("model, session id and prompt are required")
	// ErrTurnInFlight is returned when the session already has an
	// active stream.
	ErrTurnInFlight = errors.New("a turn is already running for this session")
)

// Store is the persistence surface the orchestrator needs on top of
// the per-turn Ledger.
type Store interface {
	Ledger
	GetOrCreateSession(ctx context.Context, id, userID, title string) (store.Session, error)
	AppendMessage(ctx context.Context, sessionID, role, content string) (store.Message, error)
	ListMessages(ctx context.Context, sessionID string, limit int) ([]store.Message, error)
	ClaimActiveStream(ctx context.Context, sessionID, streamID string) (bool, error)
	SetActiveStreamID(ctx context.Context, sessionID, streamID string) error
	CancelSession(ctx context.Context, sessionID, userID string) error
}

// Gateway is the resumable stream surface the orchestrator publishes
// through.
type Gateway interface {
	Publisher
	Complete(ctx context.Context, streamID string, done stream.DoneEvent) error
}

// ReportIndexer receives finalized reports for history search.
type ReportIndexer interface {
	Add(doc history.Document) error
}

// TurnRequest starts one deep search turn.
type TurnRequest struct {
	UserID    string
	SessionID string
	Model     string
	Prompt    string
}

// Turn identifies an in-flight turn so callers can subscribe to its
// stream.
type Turn struct {
	SessionID     string
	UserMessageID string
	MessageID     string // assistant message
	StreamID      string
}

// Orchestrator drives the LLM tool loop for deep search turns. One
// turn runs per session at a time; turns for different sessions run
// concurrently and share nothing but the injected collaborators.
type Orchestrator struct {
	cfg      config.AgentConfig
	store    Store
	llm      llm.Provider
	searcher search.WebSearcher
	enricher PageEnricher
	gateway  Gateway
	reports  ReportIndexer // nil disables history indexing
	metrics  *telemetry.Metrics
	logger   *log.Logger

	mu      sync.Mutex
	running map[string]runningTurn // session id -> in-flight turn
}

// runningTurn ties a cancel func to the stream that owns it, so a
// turn's cleanup never releases a slot a later turn has reclaimed.
type runningTurn struct {
	streamID string
	cancel   context.CancelFunc
}

func NewOrchestrator(cfg config.AgentConfig, st Store, provider llm.Provider, searcher search.WebSearcher, enricher PageEnricher, gateway Gateway, reports ReportIndexer, metrics *telemetry.Metrics, logger *log.Logger) *Orchestrator {
	if logger == nil {
		logger = log.Default()
	}
	if metrics == nil {
		metrics = telemetry.Nop()
	}
	if cfg.StepBudget <= 0 {
		cfg.StepBudget = 10
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 10
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    st,
		llm:      provider,
		searcher: searcher,
		enricher: enricher,
		gateway:  gateway,
		reports:  reports,
		metrics:  metrics,
		logger:   logger,
		running:  make(map[string]runningTurn),
	}
}

// StartTurn validates the request, persists the user message and an
// assistant placeholder, registers the resumable stream and launches
// the agent loop. It returns as soon as the turn is subscribable; the
// loop itself runs in the background.
func (o *Orchestrator) StartTurn(ctx context.Context, req TurnRequest) (Turn, error) {
	if req.UserID == "" || req.SessionID == "" || req.Model == "" || strings.TrimSpace(req.Prompt) == "" {
		return Turn{}, ErrInvalidRequest
	}

	sess, err := o.store.GetOrCreateSession(ctx, req.SessionID, req.UserID, sessionTitle(req.Prompt))
	if err != nil {
		return Turn{}, err
	}

	// The stream claim is a single conditional update, so two racing
	// requests for one session cannot both pass a read-then-write
	// busy check.
	streamID := stream.NewStreamID()
	claimed, err := o.store.ClaimActiveStream(ctx, sess.ID, streamID)
	if err != nil {
		return Turn{}, err
	}
	if !claimed {
		return Turn{}, ErrTurnInFlight
	}
	releaseClaim := func() {
		if err := o.store.SetActiveStreamID(ctx, sess.ID, ""); err != nil {
			o.logger.Printf("[AGENT] clear active stream for session %s: %v", sess.ID, err)
		}
	}

	// The user message is persisted before any LLM work so it survives
	// a failed turn.
	userMsg, err := o.store.AppendMessage(ctx, sess.ID, store.RoleUser, req.Prompt)
	if err != nil {
		releaseClaim()
		return Turn{}, err
	}
	assistant, err := o.store.AppendMessage(ctx, sess.ID, store.RoleAssistant, "")
	if err != nil {
		releaseClaim()
		return Turn{}, err
	}
	// Register the stream with an opening tick. If the gateway is down
	// the session must not look busy, so the claim is released before
	// the error surfaces.
	if err := o.gateway.PublishEvent(ctx, streamID, stream.EventProgress, stream.ProgressEvent{MessageID: assistant.ID, Progress: 0}); err != nil {
		releaseClaim()
		return Turn{}, fmt.Errorf("register stream: %w", err)
	}

	turn := Turn{SessionID: sess.ID, UserMessageID: userMsg.ID, MessageID: assistant.ID, StreamID: streamID}

	var runCtx context.Context
	var cancel context.CancelFunc
	if o.cfg.TurnTimeout > 0 {
		runCtx, cancel = context.WithTimeout(context.Background(), o.cfg.TurnTimeout)
	} else {
		runCtx, cancel = context.WithCancel(context.Background())
	}
	o.mu.Lock()
	o.running[sess.ID] = runningTurn{streamID: streamID, cancel: cancel}
	o.mu.Unlock()

	o.metrics.TurnsStarted.Inc()
	go o.run(runCtx, req, turn)
	return turn, nil
}

// Cancel aborts the session's in-flight turn, if any. The abort is
// acknowledged on the stream by the turn's own cleanup path.
func (o *Orchestrator) Cancel(ctx context.Context, sessionID, userID string) (bool, error) {
	if err := o.store.CancelSession(ctx, sessionID, userID); err != nil {
		return false, err
	}
	o.mu.Lock()
	rt, ok := o.running[sessionID]
	o.mu.Unlock()
	if ok {
		rt.cancel()
	}
	return ok, nil
}

func (o *Orchestrator) run(ctx context.Context, req TurnRequest, turn Turn) {
	started := time.Now()
	ts := &toolset{
		ledger:    o.store,
		llm:       o.llm,
		searcher:  o.searcher,
		enricher:  o.enricher,
		pub:       o.gateway,
		calc:      progress.NewCalculator(),
		emitter:   progress.NewEmitter(),
		metrics:   o.metrics,
		logger:    o.logger,
		userID:    req.UserID,
		prompt:    req.Prompt,
		messageID: turn.MessageID,
		streamID:  turn.StreamID,
	}

	var turnErr error
	canceled := false

	// Cleanup must run on every exit: clear the active stream pointer,
	// close the stream with a terminal marker, release the cancel slot.
	defer func() {
		cleanupCtx, cancelCleanup := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancelCleanup()

		if err := o.store.SetActiveStreamID(cleanupCtx, turn.SessionID, ""); err != nil {
			o.logger.Printf("[AGENT] clear active stream for session %s: %v", turn.SessionID, err)
		}
		if err := o.gateway.Complete(cleanupCtx, turn.StreamID, stream.DoneEvent{MessageID: turn.MessageID, Canceled: canceled}); err != nil {
			o.logger.Printf("[AGENT] complete stream %s: %v", turn.StreamID, err)
		}

		o.mu.Lock()
		if rt, ok := o.running[turn.SessionID]; ok && rt.streamID == turn.StreamID {
			rt.cancel()
			delete(o.running, turn.SessionID)
		}
		o.mu.Unlock()

		o.metrics.TurnDuration.Observe(time.Since(started).Seconds())
		switch {
		case canceled:
			o.metrics.TurnsCompleted.WithLabelValues(telemetry.OutcomeCanceled).Inc()
		case turnErr != nil:
			o.metrics.TurnsCompleted.WithLabelValues(telemetry.OutcomeError).Inc()
		default:
			o.metrics.TurnsCompleted.WithLabelValues(telemetry.OutcomeOK).Inc()
		}
	}()

	turnErr = o.loop(ctx, req, turn, ts)
	if turnErr != nil {
		if errors.Is(turnErr, context.Canceled) || errors.Is(turnErr, context.DeadlineExceeded) {
			canceled = true
			o.logger.Printf("[AGENT] turn for message %s aborted: %v", turn.MessageID, turnErr)
			return
		}
		o.logger.Printf("[AGENT] turn for message %s failed: %v", turn.MessageID, turnErr)
		o.publishError(turn, "The research turn failed. Please try again.")
	}
}

func (o *Orchestrator) loop(ctx context.Context, req TurnRequest, turn Turn, ts *toolset) error {
	msgs, err := o.buildHistory(ctx, turn)
	if err != nil {
		return err
	}

	for round := 0; round < o.cfg.StepBudget; round++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		res, err := o.llm.ChatWithTools(ctx, msgs, ts.specs())
		if err != nil {
			return fmt.Errorf("chat round %d: %w", round, err)
		}
		o.metrics.LLMTokens.WithLabelValues("prompt").Add(float64(res.PromptTokens))
		o.metrics.LLMTokens.WithLabelValues("completion").Add(float64(res.CompletionTokens))

		if len(res.ToolCalls) == 0 {
			return o.finalize(ctx, turn, ts, res.Content)
		}

		msgs = append(msgs, llm.Message{Role: "assistant", Content: res.Content, ToolCalls: res.ToolCalls})
		for _, call := range res.ToolCalls {
			toolStart := time.Now()
			result, err := ts.dispatch(ctx, call)
			o.metrics.ToolDuration.WithLabelValues(call.Name).Observe(time.Since(toolStart).Seconds())
			if err != nil {
				var te *ToolError
				if errors.As(err, &te) {
					o.metrics.ToolCalls.WithLabelValues(te.Tool, "error").Inc()
				}
				return err
			}
			msgs = append(msgs, llm.Message{Role: "tool", Content: result, ToolCallID: call.ID})

			// Analysis deciding against deep search short-circuits the
			// loop: the turn finishes with a direct answer and no
			// further tool calls.
			if call.Name == toolAnalyzeQuery && ts.analysis != nil && !ts.analysis.NeedsDeepSearch {
				return o.directAnswer(ctx, req, turn, ts)
			}
		}
	}

	// Step budget exhausted. Progress stays where it was; fabricating
	// 100% here would mislead a resumed client.
	if ts.deepSearch() && !ts.reported {
		o.publishError(turn, "The research turn stopped before the report was completed.")
		return fmt.Errorf("step budget exhausted before report (message %s)", turn.MessageID)
	}
	return o.finalize(ctx, turn, ts, "")
}

// directAnswer finalizes a turn that needs no research with a single
// free-text generation.
func (o *Orchestrator) directAnswer(ctx context.Context, req TurnRequest, turn Turn, ts *toolset) error {
	answer, err := o.llm.Generate(ctx, req.Prompt)
	if err != nil {
		return fmt.Errorf("direct answer: %w", err)
	}
	ts.publish(ctx, stream.EventText, stream.TextEvent{MessageID: turn.MessageID, Text: answer})
	if err := o.store.UpdateMessageContent(ctx, turn.MessageID, answer); err != nil {
		return err
	}
	ts.emitProgress(ctx, 100, answer, true)
	return nil
}

// finalize closes out a turn once the model stops calling tools.
func (o *Orchestrator) finalize(ctx context.Context, turn Turn, ts *toolset, content string) error {
	switch {
	case ts.reported:
		// The report tool already persisted the answer at 100%. The
		// model is told not to repeat it; any trailing free text is
		// dropped. Bookkeeping is forced in case a progress write was
		// missed.
		if err := o.store.UpdateMessageProgress(ctx, turn.MessageID, 100, true); err != nil {
			return err
		}
		if o.reports != nil {
			doc := history.Document{
				MessageID: turn.MessageID,
				SessionID: turn.SessionID,
				UserID:    ts.userID,
				Prompt:    ts.prompt,
				Report:    ts.report,
				CreatedAt: time.Now().UTC(),
			}
			if err := o.reports.Add(doc); err != nil {
				o.logger.Printf("[AGENT] index report for message %s: %v", turn.MessageID, err)
			}
		}
		return nil
	case content != "":
		// The model answered without the workflow. Persist what the
		// user was shown and finish the turn.
		ts.publish(ctx, stream.EventText, stream.TextEvent{MessageID: turn.MessageID, Text: content})
		if err := o.store.UpdateMessageContent(ctx, turn.MessageID, content); err != nil {
			return err
		}
		ts.emitProgress(ctx, 100, content, true)
		return nil
	default:
		return fmt.Errorf("turn ended with no content (message %s)", turn.MessageID)
	}
}

func (o *Orchestrator) buildHistory(ctx context.Context, turn Turn) ([]llm.Message, error) {
	recent, err := o.store.ListMessages(ctx, turn.SessionID, o.cfg.HistoryWindow)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	msgs := []llm.Message{{Role: "system", Content: systemPrompt}}
	for _, m := range recent {
		// The fresh assistant placeholder is empty and carries no
		// signal for the model.
		if m.Role == store.RoleAssistant && m.Content == "" {
			continue
		}
		msgs = append(msgs, llm.Message{Role: m.Role, Content: m.Content})
	}
	return msgs, nil
}

func (o *Orchestrator) publishError(turn Turn, msg string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := o.gateway.PublishEvent(ctx, turn.StreamID, stream.EventError, stream.ErrorEvent{MessageID: turn.MessageID, Message: msg}); err != nil {
		o.logger.Printf("[AGENT] publish error event for message %s: %v", turn.MessageID, err)
	}
}

// sessionTitle derives a title from the first prompt: at most 50
// characters, cut on a rune boundary so multibyte input stays valid
// UTF-8.
func sessionTitle(prompt string) string {
	title := strings.TrimSpace(prompt)
	if utf8.RuneCountInString(title) <= 50 {
		return title
	}
	runes := []rune(title)
	return string(runes[:50])
}
