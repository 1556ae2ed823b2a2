// Package router drives a single ask request through the
// conversational state machine: INGEST normalizes the utterance
// against history, RETRIEVE gathers evidence, ROUTE picks between
// answering and clarifying by policy, and ANSWER/CLARIFY produce the
// terminal artifact.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/evidentia-ai/evidentia/internal/answer"
	"github.com/evidentia-ai/evidentia/internal/config"
	everrors "github.com/evidentia-ai/evidentia/internal/errors"
	"github.com/evidentia-ai/evidentia/internal/llm"
	"github.com/evidentia-ai/evidentia/internal/retrieval"
	"github.com/evidentia-ai/evidentia/internal/session"
)

// State names, also used as generated_by tags on assistant turns.
const (
	NodeIngest   = "ingest"
	NodeRetrieve = "retrieve"
	NodeRoute    = "route"
	NodeAnswer   = "answer_node"
	NodeClarify  = "clarify_node"
)

// Route reasons recorded on the outcome.
const (
	ReasonAnswered        = "answered"
	ReasonNoEvidence      = "no_evidence"
	ReasonLowConfidence   = "low_confidence"
	ReasonBudgetExhausted = "clarify_budget_exhausted"
)

// Outcome is everything a request produces: the artifact plus the
// session mutations the caller must persist.
type Outcome struct {
	Artifact *answer.Artifact

	ProcessedQuestion string
	Rephrased         bool
	Summary           string
	RouteReason       string
	TopSimilarity     float64

	Retrieval *retrieval.Result

	// Clarification bookkeeping to write back to the session.
	ClarifyCount    int
	PendingQuestion string
	FocusHint       string
}

// Router wires the per-request pipeline. chat may be nil, which
// disables LLM rephrasing but nothing else.
type Router struct {
	retriever *retrieval.Retriever
	generator *answer.Generator
	chat      llm.ChatClient
	cfg       config.ChatConfig
	logger    *slog.Logger
}

// New creates a Router. logger may be nil.
func New(retriever *retrieval.Retriever, generator *answer.Generator, chat llm.ChatClient, cfg config.ChatConfig, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{retriever: retriever, generator: generator, chat: chat, cfg: cfg, logger: logger}
}

// Run executes one request against a session snapshot. The returned
// outcome carries the new clarification state; callers persist it
// together with the conversation turns.
//
// Guarantees: one RETRIEVE node execution and at most one generator
// call (plus its single parser retry) per request. Retrieval backend
// failure propagates; any other backend failure degrades to an
// abstention artifact.
func (r *Router) Run(ctx context.Context, snap *session.Session, utterance string, filters retrieval.Filters) (*Outcome, error) {
	out := &Outcome{
		ClarifyCount:    snap.ClarifyCount,
		PendingQuestion: snap.PendingQuestion,
		FocusHint:       snap.FocusHint,
	}

	if r.cfg.RoutingStrategy == config.RoutingSimple {
		return r.runSimple(ctx, snap, utterance, filters, out)
	}

	merged := r.ingest(ctx, snap, utterance, out)

	if err := r.retrieve(ctx, snap, merged, filters, out); err != nil {
		return nil, err
	}

	r.route(ctx, snap, out)
	return out, nil
}

// runSimple is the simple routing strategy: no history resolution, no
// clarification policy, just retrieve and generate. The generator's own
// abstention rules are the only safety net.
func (r *Router) runSimple(ctx context.Context, snap *session.Session, utterance string, filters retrieval.Filters, out *Outcome) (*Outcome, error) {
	out.ProcessedQuestion = strings.TrimSpace(utterance)
	out.Summary = "simple strategy"

	if err := r.retrieve(ctx, snap, false, filters, out); err != nil {
		return nil, err
	}

	out.RouteReason = ReasonAnswered
	r.answerNode(ctx, snap, out, out.Retrieval.Passages)
	return out, nil
}

// ingest resolves the utterance against history. A reply to a
// pending clarification merges with the stored question; otherwise
// anaphoric utterances are rephrased by the LLM when one is
// available. Returns whether this was a clarification merge.
func (r *Router) ingest(ctx context.Context, snap *session.Session, utterance string, out *Outcome) bool {
	utterance = strings.TrimSpace(utterance)

	if snap.ClarifyCount > 0 && snap.PendingQuestion != "" && lastTurnWasClarification(snap.History) {
		out.ProcessedQuestion = snap.PendingQuestion + " " + utterance
		out.Summary = "merged clarification reply with pending question"
		return true
	}

	out.ProcessedQuestion = utterance
	out.Summary = "question taken as-is"

	if r.chat != nil && len(snap.History) > 0 && needsRephrase(utterance) {
		rephrased, err := r.rephrase(ctx, snap.History, utterance)
		if err != nil {
			// Rephrasing is best-effort; continue with the raw text.
			r.logger.Warn("rephrase_skipped", slog.String("error", err.Error()))
		} else if rephrased != "" && rephrased != utterance {
			out.ProcessedQuestion = rephrased
			out.Rephrased = true
			out.Summary = "rephrased against conversation history"
		}
	}
	return false
}

const rephrasePrompt = `Rewrite the user's latest message as a fully self-contained question,
resolving pronouns and references using the conversation. Return ONLY
the rephrased question, nothing else.`

func (r *Router) rephrase(ctx context.Context, history []session.Turn, utterance string) (string, error) {
	messages := []llm.Message{{Role: llm.RoleSystem, Content: rephrasePrompt}}
	messages = append(messages, historyMessages(history)...)
	messages = append(messages, llm.Message{Role: llm.RoleUser, Content: utterance})

	content, err := r.chat.Chat(ctx, messages, llm.ChatOptions{})
	if err != nil {
		return "", err
	}
	rephrased := strings.TrimSpace(strings.Trim(strings.TrimSpace(content), `"`))
	if rephrased == "" || strings.Count(rephrased, "\n") > 0 {
		// The contract is a single line; anything else gets dropped.
		return "", fmt.Errorf("rephrase output violated single-question contract")
	}
	return rephrased, nil
}

// anaphora are the cue words that make an utterance depend on prior
// turns.
var anaphora = map[string]bool{
	"it": true, "that": true, "this": true, "they": true, "them": true,
	"those": true, "these": true, "one": true, "its": true, "there": true,
	"he": true, "she": true, "same": true,
}

// needsRephrase is a cheap gate before spending an LLM call: short
// follow-ups and pronoun-bearing utterances benefit, self-contained
// questions do not.
func needsRephrase(utterance string) bool {
	words := strings.Fields(strings.ToLower(utterance))
	if len(words) == 0 {
		return false
	}
	if len(words) <= 3 {
		return true
	}
	for _, w := range words {
		if anaphora[strings.Trim(w, ".,!?")] {
			return true
		}
	}
	return false
}

// retrieve runs the RETRIEVE node: exactly one retriever execution per
// request. The focus hint from a prior clarification is folded into
// the query to sharpen a merged follow-up.
func (r *Router) retrieve(ctx context.Context, snap *session.Session, merged bool, filters retrieval.Filters, out *Outcome) error {
	query := out.ProcessedQuestion
	if merged && snap.FocusHint != "" {
		query = query + " " + snap.FocusHint
	}

	result, err := r.retriever.Retrieve(ctx, query, filters, r.cfg.RetrievalMethod)
	if err != nil {
		return err
	}

	out.Retrieval = result
	out.TopSimilarity = result.TopSimilarity()

	r.logger.Info("retrieve_metrics",
		slog.Int("passages", len(result.Passages)),
		slog.Float64("top_similarity", out.TopSimilarity),
		slog.Bool("degraded", result.Diagnostics.DegradedToBM25),
		slog.Int("pool_size", result.Diagnostics.PoolSize))
	return nil
}

// route applies the routing policy and runs the chosen terminal node.
// The decision is pure policy over similarity signals; the LLM has no
// say in it.
func (r *Router) route(ctx context.Context, snap *session.Session, out *Outcome) {
	s := out.TopSimilarity
	t := r.cfg.SimilarityThreshold
	reclarify := r.cfg.ReclarifyThreshold
	count := snap.ClarifyCount
	budget := r.cfg.MaxClarify

	switch {
	case len(out.Retrieval.Passages) == 0:
		if count >= budget {
			// Budget exhausted: answer with empty context, which
			// forces an abstention.
			out.RouteReason = ReasonBudgetExhausted
			r.answerNode(ctx, snap, out, nil)
			return
		}
		out.RouteReason = ReasonNoEvidence
		r.clarifyNode(snap, out)

	case s >= t:
		out.RouteReason = ReasonAnswered
		r.answerNode(ctx, snap, out, out.Retrieval.Passages)

	case s < reclarify && count < budget:
		out.RouteReason = ReasonLowConfidence
		r.clarifyNode(snap, out)

	default:
		// Middling similarity, or budget spent: the generator's
		// abstention rules are the final safety net.
		out.RouteReason = ReasonAnswered
		r.answerNode(ctx, snap, out, out.Retrieval.Passages)
	}
}

// answerNode runs the generator and resets the clarification budget.
// Generation failures degrade to an abstention artifact; only context
// cancellation propagates (as an artifact would be discarded anyway).
func (r *Router) answerNode(ctx context.Context, snap *session.Session, out *Outcome, passages []*retrieval.Passage) {
	artifact, err := r.generator.Generate(ctx, out.ProcessedQuestion, passages, historyMessages(snap.History))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			artifact = answer.AbstainArtifact("request deadline elapsed during generation")
		} else {
			r.logger.Error("generation_failed",
				slog.String("code", everrors.CodeOf(err)),
				slog.String("error", err.Error()))
			artifact = answer.AbstainArtifact(fmt.Sprintf("generation backend failure (%s)", everrors.CodeOf(err)))
		}
	}
	artifact.GeneratedBy = NodeAnswer

	out.Artifact = artifact
	out.ClarifyCount = 0
	out.PendingQuestion = ""
	out.FocusHint = ""

	// The model may itself ask for clarification; that consumes
	// budget like a policy-driven one. With the budget already spent
	// the request for clarification becomes an abstention, so the
	// clarification count can never exceed max_clarify.
	if artifact.Kind == answer.KindClarification {
		if snap.ClarifyCount >= r.cfg.MaxClarify {
			out.Artifact = answer.AbstainArtifact("clarification budget exhausted; the available evidence does not support an answer")
			out.Artifact.GeneratedBy = NodeAnswer
			return
		}
		artifact.GeneratedBy = NodeClarify
		out.ClarifyCount = snap.ClarifyCount + 1
		out.PendingQuestion = out.ProcessedQuestion
		out.FocusHint = focusHintFrom(out.Retrieval)
	}
}

// clarifyNode synthesizes a follow-up question from retrieval
// diagnostics, without spending the generator call.
func (r *Router) clarifyNode(snap *session.Session, out *Outcome) {
	question, focus := synthesizeClarification(out)

	out.Artifact = answer.ClarificationArtifact(question, "clarification requested: "+out.RouteReason)
	out.Artifact.GeneratedBy = NodeClarify
	out.ClarifyCount = snap.ClarifyCount + 1
	out.PendingQuestion = out.ProcessedQuestion
	out.FocusHint = focus
}

// synthesizeClarification builds the follow-up question. With two
// distinct candidate topics in the pool it asks the user to pick;
// otherwise it asks for more detail on the question's subject.
func synthesizeClarification(out *Outcome) (question, focus string) {
	titles := topDocTitles(out.Retrieval, 2)
	switch len(titles) {
	case 2:
		return fmt.Sprintf("Are you asking about %q or %q?", titles[0], titles[1]), titles[0]
	case 1:
		return fmt.Sprintf("Could you share more detail? For example, does this concern %q?", titles[0]), titles[0]
	default:
		subject := keywordSubject(out.ProcessedQuestion)
		if subject == "" {
			return "Could you rephrase your question with a bit more detail?", ""
		}
		return fmt.Sprintf("Could you tell me more about what you need regarding %s?", subject), subject
	}
}

func topDocTitles(result *retrieval.Result, n int) []string {
	if result == nil {
		return nil
	}
	var titles []string
	seen := make(map[string]bool)
	for _, p := range result.Passages {
		if p.Doc == nil || p.Doc.Title == "" || seen[p.Doc.Title] {
			continue
		}
		seen[p.Doc.Title] = true
		titles = append(titles, p.Doc.Title)
		if len(titles) == n {
			break
		}
	}
	return titles
}

func focusHintFrom(result *retrieval.Result) string {
	titles := topDocTitles(result, 1)
	if len(titles) == 0 {
		return ""
	}
	return titles[0]
}

// keywordSubject pulls the longest content word out of the question
// as a cheap topic anchor.
func keywordSubject(question string) string {
	subject := ""
	for _, w := range strings.Fields(strings.ToLower(question)) {
		w = strings.Trim(w, ".,!?\"'")
		if anaphora[w] || len(w) < 4 {
			continue
		}
		if len(w) > len(subject) {
			subject = w
		}
	}
	return subject
}

func historyMessages(history []session.Turn) []llm.Message {
	messages := make([]llm.Message, 0, len(history))
	for _, t := range history {
		role := llm.RoleUser
		if t.Role == session.RoleAssistant {
			role = llm.RoleAssistant
		}
		messages = append(messages, llm.Message{Role: role, Content: t.Content})
	}
	return messages
}

func lastTurnWasClarification(history []session.Turn) bool {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == session.RoleAssistant {
			return history[i].GeneratedBy == NodeClarify
		}
	}
	return false
}
