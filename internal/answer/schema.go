// Package answer turns retrieved passages into a grounded, structured
// answer artifact. The LLM proposes the answer; every grounding
// metric is computed locally against the cited passages, and hard
// abstention rules can override the model's own judgment.
package answer

import (
	"bytes"
	"encoding/json"
	"math"

	everrors "github.com/evidentia-ai/evidentia/internal/errors"
)

// Kind classifies an artifact.
type Kind string

const (
	KindDirect        Kind = "direct"
	KindClarification Kind = "clarification"
	KindAbstain       Kind = "abstain"
)

// Artifact is the structured answer returned to the caller.
//
// Invariants: Faithfulness and Completeness are nil exactly when the
// artifact is not a direct answer; CitedChunkIDs is a subset of the
// retrieved passage set.
type Artifact struct {
	Answer    string `json:"answer"`
	Kind      Kind   `json:"answer_type"`
	Abstained bool   `json:"abstained"`

	Faithfulness *float64 `json:"faithfulness"` // nil = n/a
	Completeness *float64 `json:"completeness"` // nil = n/a

	MissingInformation []string `json:"missing_information"`
	ReasoningNotes     string   `json:"reasoning_notes,omitempty"`
	Clarification      string   `json:"clarifying_question,omitempty"`

	CitedChunkIDs []string   `json:"cited_chunk_ids"`
	Grounding     *Grounding `json:"grounding,omitempty"`

	// GeneratedBy names the router node that produced the artifact.
	GeneratedBy string `json:"generated_by,omitempty"`
}

// Grounding holds the locally computed evidence metrics.
type Grounding struct {
	SupportedTermRatio float64            `json:"supported_term_ratio"`
	Terms              []TermSupport      `json:"terms,omitempty"`
	EntityCoverage     float64            `json:"entity_coverage"`
	EntityByType       map[string]float64 `json:"entity_by_type,omitempty"`
	Entities           []Entity           `json:"entities,omitempty"`
	UnsupportedNumbers []string           `json:"unsupported_numbers,omitempty"`
	QAAlignment        float64            `json:"qa_alignment"`
	SentencePrecision  []float64          `json:"sentence_precision,omitempty"`
	SpineCompleteness  float64            `json:"spine_completeness"`
}

// TermSupport records whether one content term of the answer appears
// in a cited passage, weighted by its IDF over the retrieval pool.
type TermSupport struct {
	Term      string `json:"term"`
	IDF       float64 `json:"idf"`
	Supported bool   `json:"supported"`
	// Span is the [start, end) byte offset of the first occurrence
	// in the answer text.
	Span [2]int `json:"span"`
}

// rawResponse is the exact JSON contract the model must follow.
type rawResponse struct {
	Answer             string          `json:"answer"`
	AnswerType         string          `json:"answer_type"`
	Abstained          *bool           `json:"abstained"`
	Faithfulness       json.RawMessage `json:"faithfulness"`
	Completeness       json.RawMessage `json:"completeness"`
	MissingInformation []string        `json:"missing_information"`
	ReasoningNotes     string          `json:"reasoning_notes"`
	ClarifyingQuestion string          `json:"clarifying_question"`
	Evidence           []int           `json:"evidence"`
}

// parseResponse decodes the model output strictly: unknown fields,
// missing required fields, out-of-range ordinals, or malformed metric
// values all fail with a response-malformed error. No heuristic
// repair happens here.
func parseResponse(content string, passageCount int) (*rawResponse, error) {
	dec := json.NewDecoder(bytes.NewReader([]byte(content)))
	dec.DisallowUnknownFields()

	var raw rawResponse
	if err := dec.Decode(&raw); err != nil {
		return nil, everrors.New(everrors.ErrCodeResponseMalformed, "response is not schema JSON", err)
	}
	// Trailing data after the object is a contract violation too.
	if dec.More() {
		return nil, everrors.New(everrors.ErrCodeResponseMalformed, "trailing data after response object", nil)
	}

	switch Kind(raw.AnswerType) {
	case KindDirect, KindClarification, KindAbstain:
	default:
		return nil, everrors.Newf(everrors.ErrCodeResponseMalformed, nil,
			"answer_type %q is not direct|clarification|abstain", raw.AnswerType)
	}
	if raw.Abstained == nil {
		return nil, everrors.New(everrors.ErrCodeResponseMalformed, "abstained field is missing", nil)
	}
	if raw.AnswerType == string(KindClarification) && raw.ClarifyingQuestion == "" {
		return nil, everrors.New(everrors.ErrCodeResponseMalformed, "clarification without clarifying_question", nil)
	}

	for _, ord := range raw.Evidence {
		if ord < 1 || ord > passageCount {
			return nil, everrors.Newf(everrors.ErrCodeResponseMalformed, nil,
				"evidence ordinal %d outside 1..%d", ord, passageCount)
		}
	}

	if _, err := parseMetric(raw.Faithfulness); err != nil {
		return nil, err
	}
	if _, err := parseMetric(raw.Completeness); err != nil {
		return nil, err
	}

	return &raw, nil
}

// parseMetric accepts a JSON number in [0,1] or the string "n/a".
// A missing field reads as n/a.
func parseMetric(raw json.RawMessage) (*float64, error) {
	if len(raw) == 0 {
		return nil, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "n/a" {
			return nil, nil
		}
		return nil, everrors.Newf(everrors.ErrCodeResponseMalformed, nil,
			"metric string %q is not \"n/a\"", s)
	}

	var v float64
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil, everrors.New(everrors.ErrCodeResponseMalformed, "metric is neither number nor \"n/a\"", err)
	}
	if math.IsNaN(v) || v < 0 || v > 1 {
		return nil, everrors.Newf(everrors.ErrCodeResponseMalformed, nil,
			"metric %v outside [0,1]", v)
	}
	return &v, nil
}

// schemaDescription is embedded in prompts so the model knows the
// exact contract parseResponse enforces.
const schemaDescription = `{
  "answer": "<answer text, empty when abstaining>",
  "answer_type": "direct" | "clarification" | "abstain",
  "abstained": true | false,
  "faithfulness": <number 0..1> | "n/a",
  "completeness": <number 0..1> | "n/a",
  "missing_information": ["<what the passages do not cover>"],
  "reasoning_notes": "<one or two sentences>",
  "clarifying_question": "<required when answer_type is clarification>",
  "evidence": [<1-based passage ordinals actually used>]
}`
