package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
)

// Oracle synthesizes a raw retrieval plan from the user query and the
// accumulated iteration history. Implementations may be unavailable or return
// malformed output; callers run the result through Repair and never treat an
// oracle failure as fatal.
type Oracle interface {
	SynthesizePlan(ctx context.Context, query string, history []HistoryEntry) (RawPlan, error)
}

// CoverageOracle judges whether the hits gathered so far sufficiently answer
// the original request.
type CoverageOracle interface {
	Evaluate(ctx context.Context, query string, summary []StepSummary) (bool, error)
}

// Generator is the LLM surface the oracle implementations need.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// LLMOracle asks an LLM for a plan document.
type LLMOracle struct {
	llm    Generator
	logger *log.Logger
}

// NewLLMOracle creates a plan oracle backed by the given LLM.
func NewLLMOracle(llm Generator) *LLMOracle {
	return &LLMOracle{llm: llm, logger: log.New(log.Writer(), "[ORACLE] ", log.LstdFlags)}
}

// SynthesizePlan implements Oracle.
func (o *LLMOracle) SynthesizePlan(ctx context.Context, query string, history []HistoryEntry) (RawPlan, error) {
	response, err := o.llm.Generate(ctx, planPrompt(query, history))
	if err != nil {
		return nil, fmt.Errorf("plan generation failed: %w", err)
	}
	jsonStr := ExtractJSON(response)
	if jsonStr == "" {
		return nil, fmt.Errorf("no JSON found in plan response")
	}
	return RawPlan(jsonStr), nil
}

// LLMCoverageOracle asks an LLM whether coverage is satisfied.
type LLMCoverageOracle struct {
	llm    Generator
	logger *log.Logger
}

// NewLLMCoverageOracle creates a coverage oracle backed by the given LLM.
func NewLLMCoverageOracle(llm Generator) *LLMCoverageOracle {
	return &LLMCoverageOracle{llm: llm, logger: log.New(log.Writer(), "[COVERAGE] ", log.LstdFlags)}
}

// Evaluate implements CoverageOracle.
func (o *LLMCoverageOracle) Evaluate(ctx context.Context, query string, summary []StepSummary) (bool, error) {
	response, err := o.llm.Generate(ctx, coveragePrompt(query, summary))
	if err != nil {
		return false, fmt.Errorf("coverage evaluation failed: %w", err)
	}
	jsonStr := ExtractJSON(response)
	if jsonStr == "" {
		return false, fmt.Errorf("no JSON found in coverage response")
	}
	var verdict struct {
		Covered bool `json:"covered"`
	}
	if err := json.Unmarshal([]byte(jsonStr), &verdict); err != nil {
		return false, fmt.Errorf("failed to parse coverage verdict: %w", err)
	}
	return verdict.Covered, nil
}

func planPrompt(query string, history []HistoryEntry) string {
	historyBlock := ""
	if len(history) > 0 {
		if b, err := json.MarshalIndent(history, "", "  "); err == nil {
			historyBlock = fmt.Sprintf("\nPREVIOUS ITERATIONS (step hit counts; plan differently where counts were zero):\n%s\n", string(b))
		}
	}

	return fmt.Sprintf(`You are a retrieval planning agent for a vector-indexed document store.%s

USER REQUEST: %s

Produce an ordered list of search steps. Each step is a JSON object:
{
  "step_id": "unique id",
  "purpose": "why this step exists",
  "requires_embedding": true|false,
  "query_text": "text to embed when requires_embedding is true",
  "depends_on": ["earlier step ids whose result identifiers this step filters on"],
  "query_template": { ... search request body; use "%s" where the embedding vector goes and "%s" where dependency identifiers go ... },
  "result_limit": 25,
  "is_final": true|false
}

RULES:
1. Steps may depend only on earlier steps (no cycles).
2. A semantic step uses {"knn": {"field": "embedding", "query_vector": "%s", "k": <limit>}}.
3. A keyword step uses {"query": {"match": {...}}} or exact filters with "term"/"terms".
4. A dependent step filters with {"terms": {"<field>": "%s"}}.
5. Keep the plan short and purposeful; mark the last step "is_final": true.

OUTPUT: a JSON array of steps. No prose.`, historyBlock, query,
		EmbeddingPlaceholder, IDSetPlaceholder, EmbeddingPlaceholder, IDSetPlaceholder)
}

func coveragePrompt(query string, summary []StepSummary) string {
	b, _ := json.Marshal(summary)
	return fmt.Sprintf(`You judge whether a document retrieval attempt covered the user's request.

USER REQUEST: %s

STEP RESULTS: %s

Answer with JSON only: {"covered": true} if the results are sufficient to answer the request, {"covered": false} if another retrieval attempt is needed.`, query, string(b))
}

// ExtractJSON pulls the first balanced JSON object or array out of an LLM
// response, tolerating surrounding prose and code fences.
func ExtractJSON(response string) string {
	response = strings.TrimSpace(response)
	start := -1
	depth := 0
	var opener, closer rune
	for i, ch := range response {
		if start == -1 {
			if ch == '{' {
				opener, closer = '{', '}'
			} else if ch == '[' {
				opener, closer = '[', ']'
			} else {
				continue
			}
			start = i
			depth = 1
			continue
		}
		if ch == opener {
			depth++
		} else if ch == closer {
			depth--
			if depth == 0 {
				return response[start : i+1]
			}
		}
	}
	return ""
}
