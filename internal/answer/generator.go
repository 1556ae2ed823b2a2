package answer

import (
	"context"
	"log/slog"
	"strings"

	"github.com/evidentia-ai/evidentia/internal/llm"
	"github.com/evidentia-ai/evidentia/internal/retrieval"
)

// Abstention thresholds, evaluated as hard rules after the model
// responds. The model cannot opt out of them.
const (
	minSupportedTermRatio = 0.5
	minEntityCoverage     = 0.5
)

// Generator produces answer artifacts from retrieved passages.
type Generator struct {
	chat   llm.ChatClient
	logger *slog.Logger
}

// NewGenerator creates a Generator. logger may be nil.
func NewGenerator(chat llm.ChatClient, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{chat: chat, logger: logger}
}

// Generate asks the model for a structured answer and then applies
// the local grounding rules. The abstention ladder runs in order:
//
//  1. no passages retrieved
//  2. any number in the answer unsupported by cited passages
//  3. supported-term ratio or entity coverage below 0.5
//  4. otherwise the model's declared kind stands
//
// LLM transport failures and timeouts propagate; a response that
// fails the schema twice (initial + one reminder retry) surfaces a
// response-malformed error.
func (g *Generator) Generate(ctx context.Context, question string, passages []*retrieval.Passage, history []llm.Message) (*Artifact, error) {
	if len(passages) == 0 {
		return AbstainArtifact("no passages were retrieved for this question"), nil
	}

	raw, err := g.callWithOneRepair(ctx, question, passages, history)
	if err != nil {
		return nil, err
	}

	citedTexts, citedIDs := citedPassages(raw.Evidence, passages)
	poolTexts := make([]string, len(passages))
	for i, p := range passages {
		poolTexts[i] = p.Chunk.Text
	}

	grounding := computeGrounding(question, raw.Answer, citedTexts, poolTexts)

	artifact := &Artifact{
		Answer:             raw.Answer,
		Kind:               Kind(raw.AnswerType),
		Abstained:          *raw.Abstained,
		MissingInformation: emptyIfNil(raw.MissingInformation),
		ReasoningNotes:     raw.ReasoningNotes,
		Clarification:      raw.ClarifyingQuestion,
		CitedChunkIDs:      citedIDs,
		Grounding:          grounding,
	}

	switch {
	case len(grounding.UnsupportedNumbers) > 0:
		g.forceAbstain(artifact, "answer contains numbers not present in cited passages")
	case artifact.Kind == KindDirect &&
		(grounding.SupportedTermRatio < minSupportedTermRatio || grounding.EntityCoverage < minEntityCoverage):
		g.forceAbstain(artifact, "answer is insufficiently grounded in cited passages")
	}

	// Metrics are defined only for direct answers; everything else
	// reports n/a.
	if artifact.Kind == KindDirect && !artifact.Abstained {
		faith := grounding.SupportedTermRatio
		complete := grounding.SpineCompleteness
		artifact.Faithfulness = &faith
		artifact.Completeness = &complete
	} else {
		if artifact.Kind == KindDirect {
			// Model declared direct but abstained; normalize.
			artifact.Kind = KindAbstain
		}
		artifact.Faithfulness = nil
		artifact.Completeness = nil
		artifact.Abstained = artifact.Kind != KindClarification
	}

	return artifact, nil
}

// callWithOneRepair sends the prompt and parses strictly, retrying
// exactly once with a schema reminder when parsing fails.
func (g *Generator) callWithOneRepair(ctx context.Context, question string, passages []*retrieval.Passage, history []llm.Message) (*rawResponse, error) {
	messages := buildMessages(question, passages, history)

	content, err := g.chat.Chat(ctx, messages, llm.ChatOptions{JSONMode: true})
	if err != nil {
		return nil, err
	}

	raw, parseErr := parseResponse(strings.TrimSpace(content), len(passages))
	if parseErr == nil {
		return raw, nil
	}

	g.logger.Warn("answer_schema_retry", slog.String("error", parseErr.Error()))

	retryMessages := append(messages,
		llm.Message{Role: llm.RoleAssistant, Content: content},
		llm.Message{Role: llm.RoleSystem, Content: schemaReminder})
	content, err = g.chat.Chat(ctx, retryMessages, llm.ChatOptions{JSONMode: true})
	if err != nil {
		return nil, err
	}
	return parseResponse(strings.TrimSpace(content), len(passages))
}

func (g *Generator) forceAbstain(artifact *Artifact, reason string) {
	artifact.Kind = KindAbstain
	artifact.Abstained = true
	artifact.Answer = ""
	if artifact.ReasoningNotes != "" {
		artifact.ReasoningNotes += "; "
	}
	artifact.ReasoningNotes += reason
}

// AbstainArtifact builds the canonical abstention response.
func AbstainArtifact(reason string) *Artifact {
	return &Artifact{
		Kind:               KindAbstain,
		Abstained:          true,
		MissingInformation: []string{},
		ReasoningNotes:     reason,
		CitedChunkIDs:      []string{},
	}
}

// ClarificationArtifact builds a clarification response carrying the
// follow-up question.
func ClarificationArtifact(question, reason string) *Artifact {
	return &Artifact{
		Kind:               KindClarification,
		Clarification:      question,
		MissingInformation: []string{},
		ReasoningNotes:     reason,
		CitedChunkIDs:      []string{},
	}
}

// citedPassages maps 1-based evidence ordinals to passage texts and
// chunk IDs, deduplicating while preserving order.
func citedPassages(evidence []int, passages []*retrieval.Passage) (texts []string, ids []string) {
	seen := make(map[int]bool)
	for _, ord := range evidence {
		if ord < 1 || ord > len(passages) || seen[ord] {
			continue
		}
		seen[ord] = true
		texts = append(texts, passages[ord-1].Chunk.Text)
		ids = append(ids, passages[ord-1].Chunk.ID)
	}
	if ids == nil {
		ids = []string{}
	}
	return texts, ids
}

func emptyIfNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
