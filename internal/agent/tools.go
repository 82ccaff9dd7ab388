package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	"github.com/mohammad-safakhou/deepsearch/internal/llm"
	"github.com/mohammad-safakhou/deepsearch/internal/progress"
	"github.com/mohammad-safakhou/deepsearch/internal/search"
	"github.com/mohammad-safakhou/deepsearch/internal/store"
	"github.com/mohammad-safakhou/deepsearch/internal/stream"
	"github.com/mohammad-safakhou/deepsearch/internal/telemetry"
)

const (
	maxSearchResults = 5
	maxFindingsChars = 2000
)

// ToolError wraps a failure inside a tool with enough context to log
// and decide whether the turn can continue. Critical failures abort
// the turn; batch-item failures are logged and skipped at the call
// site.
type ToolError struct {
	Tool      string
	MessageID string
	Err       error
	Critical  bool
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("tool %s (message %s): %v", e.Tool, e.MessageID, e.Err)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Ledger is the persistence surface a turn writes through.
type Ledger interface {
	AppendStep(ctx context.Context, messageID, userID, stepType, reasoning string, input json.RawMessage) (store.Step, error)
	MarkStepExecuted(ctx context.Context, stepID string) (store.Step, error)
	UpdateStepReasoning(ctx context.Context, stepID, reasoning string, output json.RawMessage) error
	SaveSources(ctx context.Context, messageID, userID string, inputs []store.SourceInput, stepID string) (int, []store.Source, error)
	UpdateMessageProgress(ctx context.Context, messageID string, progress int, completed bool) error
	MarkDeepSearch(ctx context.Context, messageID string) error
	UpdateMessageContent(ctx context.Context, messageID, content string) error
}

// Publisher is the event sink for a turn stream.
type Publisher interface {
	PublishEvent(ctx context.Context, streamID, eventType string, payload interface{}) error
}

// PageEnricher upgrades a search snippet to readable page content.
type PageEnricher interface {
	Excerpt(ctx context.Context, link string) (string, error)
}

// analysisResult is what analyzeQuery reports back to the model and
// the orchestrator.
type analysisResult struct {
	NeedsDeepSearch bool     `json:"needsDeepSearch"`
	SearchQueries   []string `json:"searchQueries"`
	Reasoning       string   `json:"reasoning,omitempty"`
}

type synthesisResult struct {
	Insights  []string `json:"insights"`
	Synthesis string   `json:"synthesis"`
}

// toolset binds the four tools to one turn: a message, its session's
// stream, and the shared progress state. Tool ordering is tracked here
// and checked before any side effect.
type toolset struct {
	ledger   Ledger
	llm      llm.Provider
	searcher search.WebSearcher
	enricher PageEnricher // nil disables page enrichment
	pub      Publisher
	calc     *progress.Calculator
	emitter  *progress.Emitter
	metrics  *telemetry.Metrics
	logger   *log.Logger

	userID    string
	prompt    string
	messageID string
	streamID  string

	analyzed    bool
	searchesRun int
	synthesized bool
	reported    bool
	report      string

	analysis *analysisResult // set after analyzeQuery
}

func (t *toolset) specs() []llm.ToolSpec {
	return []llm.ToolSpec{
		{Name: toolAnalyzeQuery, Description: "Classify the query and plan search queries. Must be called first, exactly once.", Parameters: analyzeQuerySchema},
		{Name: toolWebSearch, Description: "Run one planned web search and register its sources.", Parameters: webSearchSchema},
		{Name: toolSynthesize, Description: "Extract insights from all search findings. Call once, after all searches.", Parameters: synthesizeSchema},
		{Name: toolGenerateReport, Description: "Produce the final markdown report. Call last, exactly once.", Parameters: generateReportSchema},
	}
}

// dispatch executes one tool call and returns the JSON result handed
// back to the model. Out-of-order calls produce an error result
// without side effects instead of aborting the turn.
func (t *toolset) dispatch(ctx context.Context, call llm.ToolCall) (string, error) {
	if err := t.checkOrder(call.Name); err != nil {
		t.metrics.ToolCalls.WithLabelValues(call.Name, "rejected").Inc()
		t.logger.Printf("[AGENT] rejected out-of-order %s for message %s: %v", call.Name, t.messageID, err)
		return toolErrorResult(err), nil
	}

	switch call.Name {
	case toolAnalyzeQuery:
		return t.analyzeQuery(ctx, call.Arguments)
	case toolWebSearch:
		return t.webSearch(ctx, call.Arguments)
	case toolSynthesize:
		return t.synthesize(ctx, call.Arguments)
	case toolGenerateReport:
		return t.generateReport(ctx, call.Arguments)
	default:
		t.metrics.ToolCalls.WithLabelValues(call.Name, "rejected").Inc()
		return toolErrorResult(fmt.Errorf("unknown tool %q", call.Name)), nil
	}
}

func (t *toolset) checkOrder(name string) error {
	switch name {
	case toolAnalyzeQuery:
		if t.analyzed {
			return fmt.Errorf("analyzeQuery already ran for this turn")
		}
	case toolWebSearch:
		if !t.analyzed {
			return fmt.Errorf("webSearch requires analyzeQuery first")
		}
		if t.analysis != nil && !t.analysis.NeedsDeepSearch {
			return fmt.Errorf("webSearch not allowed: analysis decided against deep search")
		}
		if t.synthesized {
			return fmt.Errorf("webSearch not allowed after synthesize")
		}
	case toolSynthesize:
		if !t.analyzed {
			return fmt.Errorf("synthesize requires analyzeQuery first")
		}
		if t.searchesRun == 0 {
			return fmt.Errorf("synthesize requires at least one completed search")
		}
		if t.synthesized {
			return fmt.Errorf("synthesize already ran for this turn")
		}
	case toolGenerateReport:
		if !t.synthesized {
			return fmt.Errorf("generateReport requires synthesize first")
		}
		if t.reported {
			return fmt.Errorf("generateReport already ran for this turn")
		}
	}
	return nil
}

func toolErrorResult(err error) string {
	b, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(b)
}

func (t *toolset) analyzeQuery(ctx context.Context, arguments string) (string, error) {
	var args struct {
		Query     string `json:"query"`
		Reasoning string `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return "", &ToolError{Tool: toolAnalyzeQuery, MessageID: t.messageID, Err: fmt.Errorf("decode arguments: %w", err), Critical: true}
	}

	step, err := t.ledger.AppendStep(ctx, t.messageID, t.userID, store.StepAnalyze, args.Reasoning, json.RawMessage(arguments))
	if err != nil {
		return "", &ToolError{Tool: toolAnalyzeQuery, MessageID: t.messageID, Err: err, Critical: true}
	}
	t.publish(ctx, stream.EventReasoning, stream.ReasoningEvent{
		MessageID: t.messageID,
		StepID:    step.ID,
		StepType:  store.StepAnalyze,
		Reasoning: firstNonEmpty(args.Reasoning, "Analyzing the query"),
	})

	var res analysisResult
	if err := t.llm.GenerateObject(ctx, analysisPrompt, args.Query, "query_analysis", analysisSchema, &res); err != nil {
		return "", &ToolError{Tool: toolAnalyzeQuery, MessageID: t.messageID, Err: err, Critical: true}
	}

	output, _ := json.Marshal(res)
	if err := t.ledger.UpdateStepReasoning(ctx, step.ID, firstNonEmpty(res.Reasoning, args.Reasoning), output); err != nil {
		t.logger.Printf("[AGENT] update analyze step %s: %v", step.ID, err)
	}
	if _, err := t.ledger.MarkStepExecuted(ctx, step.ID); err != nil {
		return "", &ToolError{Tool: toolAnalyzeQuery, MessageID: t.messageID, Err: err, Critical: true}
	}

	t.analyzed = true
	t.analysis = &res

	if res.NeedsDeepSearch {
		if err := t.ledger.MarkDeepSearch(ctx, t.messageID); err != nil {
			return "", &ToolError{Tool: toolAnalyzeQuery, MessageID: t.messageID, Err: err, Critical: true}
		}
		n := len(res.SearchQueries)
		if n < 1 {
			n = 1
		}
		t.calc.SetTotalSearches(n)
		t.emitProgress(ctx, t.calc.OnAnalysisDone(), "", false)
	}

	t.metrics.ToolCalls.WithLabelValues(toolAnalyzeQuery, "ok").Inc()
	return string(output), nil
}

func (t *toolset) webSearch(ctx context.Context, arguments string) (string, error) {
	var args struct {
		Query           string `json:"query"`
		OriginalQuery   string `json:"originalQuery"`
		NumberOfResults int    `json:"numberOfResults"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return "", &ToolError{Tool: toolWebSearch, MessageID: t.messageID, Err: fmt.Errorf("decode arguments: %w", err), Critical: true}
	}
	k := args.NumberOfResults
	if k <= 0 || k > maxSearchResults {
		k = maxSearchResults
	}

	step, err := t.ledger.AppendStep(ctx, t.messageID, t.userID, store.StepSearch, "Searching: "+args.Query, json.RawMessage(arguments))
	if err != nil {
		return "", &ToolError{Tool: toolWebSearch, MessageID: t.messageID, Err: err, Critical: true}
	}

	results, err := t.searcher.Discover(ctx, args.Query, k)
	if err != nil {
		return "", &ToolError{Tool: toolWebSearch, MessageID: t.messageID, Err: fmt.Errorf("search %q: %w", args.Query, err), Critical: true}
	}

	// Results without titles render as blank cards; drop them before
	// anything is persisted or emitted.
	kept := results[:0]
	for _, r := range results {
		if strings.TrimSpace(r.Title) == "" {
			continue
		}
		// Canonical URLs let the same page found via two query
		// variants dedupe to one source row.
		if canonical, err := search.CanonicalURL(r.URL); err == nil {
			r.URL = canonical
		}
		kept = append(kept, r)
	}

	var refs []stream.ResultRef
	inputs := make([]store.SourceInput, 0, len(kept))
	for _, r := range kept {
		content := r.Snippet
		if t.enricher != nil {
			if excerpt, err := t.enricher.Excerpt(ctx, r.URL); err != nil {
				t.logger.Printf("[AGENT] enrich %s: %v", r.URL, err)
			} else if excerpt != "" {
				content = excerpt
			}
		}
		inputs = append(inputs, store.SourceInput{Name: r.Title, URL: r.URL, Favicon: r.Favicon, Content: content})
		refs = append(refs, stream.ResultRef{Title: r.Title, URL: r.URL, Favicon: r.Favicon})
	}

	t.publish(ctx, stream.EventReasoning, stream.ReasoningEvent{
		MessageID: t.messageID,
		StepID:    step.ID,
		StepType:  store.StepSearch,
		Reasoning: fmt.Sprintf("Found %d sources for %q", len(kept), args.Query),
		Results:   refs,
	})

	count, saved, err := t.ledger.SaveSources(ctx, t.messageID, t.userID, inputs, step.ID)
	if err != nil {
		return "", &ToolError{Tool: toolWebSearch, MessageID: t.messageID, Err: fmt.Errorf("save sources: %w", err), Critical: true}
	}
	for _, src := range saved {
		t.publish(ctx, stream.EventSource, stream.SourceEvent{
			MessageID: t.messageID,
			SourceID:  src.ID,
			StepID:    step.ID,
			Name:      src.Name,
			URL:       src.URL,
			Favicon:   src.Favicon,
			Content:   src.Content,
			Images:    src.Images,
		})
	}

	if _, err := t.ledger.MarkStepExecuted(ctx, step.ID); err != nil {
		return "", &ToolError{Tool: toolWebSearch, MessageID: t.messageID, Err: err, Critical: true}
	}
	t.searchesRun++
	t.emitProgress(ctx, t.calc.OnSearchDone(), "", false)
	t.metrics.ToolCalls.WithLabelValues(toolWebSearch, "ok").Inc()

	type sourceOut struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	}
	out := struct {
		Sources       []sourceOut `json:"sources"`
		SearchQuery   string      `json:"searchQuery"`
		OriginalQuery string      `json:"originalQuery"`
		Count         int         `json:"count"`
	}{SearchQuery: args.Query, OriginalQuery: args.OriginalQuery, Count: count}
	for _, src := range saved {
		out.Sources = append(out.Sources, sourceOut{Title: src.Name, URL: src.URL, Content: src.Content})
	}
	b, _ := json.Marshal(out)
	return string(b), nil
}

func (t *toolset) synthesize(ctx context.Context, arguments string) (string, error) {
	var args struct {
		OriginalQuery string `json:"originalQuery"`
		Findings      string `json:"findings"`
		Reasoning     string `json:"reasoning"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return "", &ToolError{Tool: toolSynthesize, MessageID: t.messageID, Err: fmt.Errorf("decode arguments: %w", err), Critical: true}
	}

	step, err := t.ledger.AppendStep(ctx, t.messageID, t.userID, store.StepEvaluate, firstNonEmpty(args.Reasoning, "Synthesizing findings"), json.RawMessage(arguments))
	if err != nil {
		return "", &ToolError{Tool: toolSynthesize, MessageID: t.messageID, Err: err, Critical: true}
	}
	t.publish(ctx, stream.EventReasoning, stream.ReasoningEvent{
		MessageID: t.messageID,
		StepID:    step.ID,
		StepType:  store.StepEvaluate,
		Reasoning: firstNonEmpty(args.Reasoning, "Synthesizing findings"),
	})

	findings := args.Findings
	if len(findings) > maxFindingsChars {
		findings = findings[:maxFindingsChars]
	}
	prompt := fmt.Sprintf("Query: %s\n\nFindings:\n%s", args.OriginalQuery, findings)

	var res synthesisResult
	if err := t.llm.GenerateObject(ctx, synthesisPrompt, prompt, "synthesis", synthesisSchema, &res); err != nil {
		return "", &ToolError{Tool: toolSynthesize, MessageID: t.messageID, Err: err, Critical: true}
	}

	output, _ := json.Marshal(res)
	if err := t.ledger.UpdateStepReasoning(ctx, step.ID, res.Synthesis, output); err != nil {
		t.logger.Printf("[AGENT] update evaluate step %s: %v", step.ID, err)
	}
	if _, err := t.ledger.MarkStepExecuted(ctx, step.ID); err != nil {
		return "", &ToolError{Tool: toolSynthesize, MessageID: t.messageID, Err: err, Critical: true}
	}

	t.synthesized = true
	t.emitProgress(ctx, t.calc.OnSynthesisDone(), "", false)
	t.metrics.ToolCalls.WithLabelValues(toolSynthesize, "ok").Inc()
	return string(output), nil
}

func (t *toolset) generateReport(ctx context.Context, arguments string) (string, error) {
	var args struct {
		OriginalQuery string   `json:"originalQuery"`
		Synthesis     string   `json:"synthesis"`
		Insights      []string `json:"insights"`
	}
	if err := json.Unmarshal([]byte(arguments), &args); err != nil {
		return "", &ToolError{Tool: toolGenerateReport, MessageID: t.messageID, Err: fmt.Errorf("decode arguments: %w", err), Critical: true}
	}

	step, err := t.ledger.AppendStep(ctx, t.messageID, t.userID, store.StepReport, "Writing the final report", json.RawMessage(arguments))
	if err != nil {
		return "", &ToolError{Tool: toolGenerateReport, MessageID: t.messageID, Err: err, Critical: true}
	}
	t.publish(ctx, stream.EventReasoning, stream.ReasoningEvent{
		MessageID: t.messageID,
		StepID:    step.ID,
		StepType:  store.StepReport,
		Reasoning: "Writing the final report",
	})

	prompt := fmt.Sprintf("%s\n\nQuery: %s\n\nSynthesis: %s\n\nInsights:\n- %s",
		reportPrompt, args.OriginalQuery, args.Synthesis, strings.Join(args.Insights, "\n- "))
	report, err := t.llm.Generate(ctx, prompt)
	if err != nil {
		return "", &ToolError{Tool: toolGenerateReport, MessageID: t.messageID, Err: err, Critical: true}
	}

	t.publish(ctx, stream.EventReport, stream.ReportEvent{MessageID: t.messageID, Report: report})
	if err := t.ledger.UpdateMessageContent(ctx, t.messageID, report); err != nil {
		return "", &ToolError{Tool: toolGenerateReport, MessageID: t.messageID, Err: err, Critical: true}
	}

	output, _ := json.Marshal(map[string]any{"report": report, "completed": true})
	if err := t.ledger.UpdateStepReasoning(ctx, step.ID, "Report generated", output); err != nil {
		t.logger.Printf("[AGENT] update report step %s: %v", step.ID, err)
	}
	if _, err := t.ledger.MarkStepExecuted(ctx, step.ID); err != nil {
		return "", &ToolError{Tool: toolGenerateReport, MessageID: t.messageID, Err: err, Critical: true}
	}

	t.reported = true
	t.report = report
	t.emitProgress(ctx, t.calc.OnReportDone(), report, true)
	t.metrics.ToolCalls.WithLabelValues(toolGenerateReport, "ok").Inc()
	return string(output), nil
}

// emitProgress persists and publishes a progress tick. The emitter
// clamps the value so a client never observes progress moving
// backwards regardless of phase completion order.
func (t *toolset) emitProgress(ctx context.Context, proposed int, text string, done bool) {
	p := t.emitter.Next(proposed)
	completed := done && p >= 100
	if err := t.ledger.UpdateMessageProgress(ctx, t.messageID, p, completed); err != nil {
		t.logger.Printf("[AGENT] persist progress %d for message %s: %v", p, t.messageID, err)
	}
	ev := stream.ProgressEvent{MessageID: t.messageID, Progress: p, Text: text, DeepSearch: t.deepSearch()}
	if completed {
		ev.State = "done"
	}
	t.publish(ctx, stream.EventProgress, ev)
}

func (t *toolset) deepSearch() bool {
	return t.analysis != nil && t.analysis.NeedsDeepSearch
}

func (t *toolset) publish(ctx context.Context, eventType string, payload interface{}) {
	if err := t.pub.PublishEvent(ctx, t.streamID, eventType, payload); err != nil {
		t.logger.Printf("[AGENT] publish %s for message %s: %v", eventType, t.messageID, err)
		return
	}
	t.metrics.StreamEvents.WithLabelValues(eventType).Inc()
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
