package agent

import "encoding/json"

// systemPrompt encodes the mandatory workflow. Tool ordering is also
// enforced by the orchestrator, so the prompt is guidance for the
// model, not the only line of defense.
const systemPrompt = `You are a deep research assistant. For every user query you follow this workflow:

1. Call analyzeQuery exactly once, first, before anything else. It classifies whether the query needs deep research and plans search queries.
2. If deep search is needed, call webSearch once per planned search query. Do not search for queries that were not planned.
3. After all searches, call synthesize exactly once with the concatenated findings.
4. After synthesis, call generateReport exactly once. It produces the final answer.
5. After generateReport, stop. Do not repeat the report content in a free-form message.

If analyzeQuery decides deep search is not needed, stop calling tools; a direct answer is produced for you.

Rules: never call a tool out of order, never call analyzeQuery twice, never skip synthesis before the report.`

const (
	toolAnalyzeQuery   = "analyzeQuery"
	toolWebSearch      = "webSearch"
	toolSynthesize     = "synthesize"
	toolGenerateReport = "generateReport"
)

var analyzeQuerySchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"query": {"type": "string", "description": "The user query to classify."},
		"reasoning": {"type": "string", "description": "Why this classification step matters for the query."}
	},
	"required": ["query"],
	"additionalProperties": false
}`)

var webSearchSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"query": {"type": "string", "description": "The search query to run."},
		"originalQuery": {"type": "string", "description": "The user's original query."},
		"numberOfResults": {"type": "integer", "minimum": 1, "maximum": 5}
	},
	"required": ["query", "originalQuery"],
	"additionalProperties": false
}`)

var synthesizeSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"originalQuery": {"type": "string"},
		"findings": {"type": "string", "description": "Concatenated search findings to synthesize."},
		"reasoning": {"type": "string"}
	},
	"required": ["originalQuery", "findings"],
	"additionalProperties": false
}`)

var generateReportSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"originalQuery": {"type": "string"},
		"synthesis": {"type": "string"},
		"insights": {"type": "array", "items": {"type": "string"}}
	},
	"required": ["originalQuery", "synthesis", "insights"],
	"additionalProperties": false
}`)

// analysisSchema is the structured-output contract for the
// classification sub-call inside analyzeQuery.
var analysisSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"needsDeepSearch": {"type": "boolean"},
		"searchQueries": {"type": "array", "items": {"type": "string"}, "maxItems": 5},
		"reasoning": {"type": "string"}
	},
	"required": ["needsDeepSearch", "searchQueries", "reasoning"],
	"additionalProperties": false
}`)

// synthesisSchema is the structured-output contract for the synthesis
// sub-call.
var synthesisSchema = json.RawMessage(`{
	"type": "object",
	"properties": {
		"insights": {"type": "array", "items": {"type": "string"}, "minItems": 2, "maxItems": 5},
		"synthesis": {"type": "string", "maxLength": 250}
	},
	"required": ["insights", "synthesis"],
	"additionalProperties": false
}`)

const analysisPrompt = `Classify whether the user query needs multi-step web research.

Bias toward needsDeepSearch=true: questions about recent events, research topics, comparisons, anything where fresh sources improve the answer, and any query explicitly asking for a deep search. Only trivial greetings, small talk, and questions about the assistant itself get needsDeepSearch=false.

When true, plan 1-3 focused search queries covering distinct aspects of the question. When false, return an empty searchQueries array.`

const synthesisPrompt = `Extract the key insights from the research findings below. Return 2-5 insights, each a single self-contained sentence, plus a synthesis of at most 250 characters that captures the overall answer.`

const reportPrompt = `Write the final research report for the user's query as well-structured markdown. Lead with the answer, then support it with the insights. Keep it factual and grounded in the synthesis; do not invent sources.`
