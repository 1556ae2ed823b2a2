package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/evidentia-ai/evidentia/internal/answer"
	"github.com/evidentia-ai/evidentia/internal/config"
	everrors "github.com/evidentia-ai/evidentia/internal/errors"
	"github.com/evidentia-ai/evidentia/internal/llm"
	"github.com/evidentia-ai/evidentia/internal/retrieval"
	"github.com/evidentia-ai/evidentia/internal/session"
	"github.com/evidentia-ai/evidentia/internal/store"
)

// scriptedChat plays back canned replies, or fails every call when err
// is set. Calls are counted so tests can assert the LLM was (not) used.
type scriptedChat struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   int
}

func (c *scriptedChat) Chat(_ context.Context, _ []llm.Message, _ llm.ChatOptions) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls++
	if c.err != nil {
		return "", c.err
	}
	if len(c.replies) == 0 {
		return "", errors.New("scripted chat exhausted")
	}
	reply := c.replies[0]
	c.replies = c.replies[1:]
	return reply, nil
}

func (c *scriptedChat) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

func directReply(text string, evidence ...int) string {
	ords := make([]string, len(evidence))
	for i, e := range evidence {
		ords[i] = fmt.Sprintf("%d", e)
	}
	return fmt.Sprintf(`{
		"answer": %q,
		"answer_type": "direct",
		"abstained": false,
		"faithfulness": "n/a",
		"completeness": "n/a",
		"missing_information": [],
		"reasoning_notes": "",
		"clarifying_question": "",
		"evidence": [%s]
	}`, text, strings.Join(ords, ","))
}

const clarificationReply = `{
	"answer": "",
	"answer_type": "clarification",
	"abstained": false,
	"faithfulness": "n/a",
	"completeness": "n/a",
	"missing_information": [],
	"reasoning_notes": "",
	"clarifying_question": "Which plan are you on?",
	"evidence": []
}`

const goldChunkText = "Gold tier customers have a monthly limit of 20000 units."

func seededAdapter(t *testing.T) (*store.Adapter, llm.Embedder) {
	t.Helper()
	adapter, err := store.OpenMemory(store.VectorConfig{Dimensions: llm.StaticDimensions})
	require.NoError(t, err)
	t.Cleanup(func() { adapter.Close() })

	embedder := llm.NewStaticEmbedder()
	ctx := context.Background()

	docs := []struct {
		doc    *store.Document
		chunks []string
	}{
		{
			doc: &store.Document{
				ID: "plans", Title: "Gold Tier Limits", Kind: store.KindTerms,
				Products: []string{"plans"}, Categories: []string{"billing"},
			},
			chunks: []string{goldChunkText},
		},
		{
			doc: &store.Document{
				ID: "shipping", Title: "Shipping Policy", Kind: store.KindFAQ,
				Products: []string{"logistics"}, Categories: []string{"delivery"},
			},
			chunks: []string{"Standard shipping takes five business days within the country."},
		},
	}
	for _, d := range docs {
		vectors := make([][]float32, len(d.chunks))
		for i, text := range d.chunks {
			vectors[i], err = embedder.Embed(ctx, text)
			require.NoError(t, err)
		}
		require.NoError(t, adapter.AddDocument(ctx, d.doc, d.chunks, vectors))
	}
	return adapter, embedder
}

func emptyAdapter(t *testing.T) *store.Adapter {
	t.Helper()
	adapter, err := store.OpenMemory(store.VectorConfig{Dimensions: llm.StaticDimensions})
	require.NoError(t, err)
	t.Cleanup(func() { adapter.Close() })
	return adapter
}

func testChatConfig() config.ChatConfig {
	cfg := config.Default().Chat
	// Every dense hit clears the bar, so routing answers by default.
	cfg.SimilarityThreshold = 0.10
	cfg.ReclarifyThreshold = 0.05
	return cfg
}

func newTestRouter(adapter *store.Adapter, embedder llm.Embedder, chat llm.ChatClient, cfg config.ChatConfig) *Router {
	retriever := retrieval.New(adapter, embedder, cfg.Hybrid, nil)
	generator := answer.NewGenerator(chat, nil)
	return New(retriever, generator, chat, cfg, nil)
}

func TestRun_AnswersWhenEvidenceIsStrong(t *testing.T) {
	adapter, embedder := seededAdapter(t)
	chat := &scriptedChat{replies: []string{directReply(goldChunkText, 1)}}
	r := newTestRouter(adapter, embedder, chat, testChatConfig())

	snap := &session.Session{ID: "s1"}
	out, err := r.Run(context.Background(), snap, "What is the monthly limit for Gold tier customers?", retrieval.Filters{})
	require.NoError(t, err)

	assert.Equal(t, ReasonAnswered, out.RouteReason)
	assert.Equal(t, answer.KindDirect, out.Artifact.Kind)
	assert.False(t, out.Artifact.Abstained)
	assert.Equal(t, NodeAnswer, out.Artifact.GeneratedBy)
	assert.NotEmpty(t, out.Artifact.CitedChunkIDs)
	assert.Greater(t, out.TopSimilarity, 0.0)

	// Answering resets the clarification budget.
	assert.Zero(t, out.ClarifyCount)
	assert.Empty(t, out.PendingQuestion)
	assert.Empty(t, out.FocusHint)
}

func TestRun_NoEvidenceClarifiesWithoutLLM(t *testing.T) {
	chat := &scriptedChat{}
	r := newTestRouter(emptyAdapter(t), llm.NewStaticEmbedder(), chat, testChatConfig())

	snap := &session.Session{ID: "s1"}
	out, err := r.Run(context.Background(), snap, "What is the refund window for enterprise contracts?", retrieval.Filters{})
	require.NoError(t, err)

	assert.Equal(t, ReasonNoEvidence, out.RouteReason)
	assert.Equal(t, answer.KindClarification, out.Artifact.Kind)
	assert.Equal(t, NodeClarify, out.Artifact.GeneratedBy)
	assert.NotEmpty(t, out.Artifact.Clarification)
	assert.Equal(t, 1, out.ClarifyCount)
	assert.Equal(t, out.ProcessedQuestion, out.PendingQuestion)
	assert.Zero(t, chat.callCount(), "clarify node must not spend an LLM call")
}

func TestRun_ExhaustedBudgetForcesAbstention(t *testing.T) {
	chat := &scriptedChat{}
	cfg := testChatConfig()
	r := newTestRouter(emptyAdapter(t), llm.NewStaticEmbedder(), chat, cfg)

	snap := &session.Session{ID: "s1", ClarifyCount: cfg.MaxClarify, PendingQuestion: "earlier question"}
	out, err := r.Run(context.Background(), snap, "still not sure what I mean", retrieval.Filters{})
	require.NoError(t, err)

	assert.Equal(t, ReasonBudgetExhausted, out.RouteReason)
	assert.Equal(t, answer.KindAbstain, out.Artifact.Kind)
	assert.True(t, out.Artifact.Abstained)
	assert.Equal(t, NodeAnswer, out.Artifact.GeneratedBy)
	assert.Zero(t, chat.callCount(), "empty evidence abstains without an LLM call")

	// The exhausted cycle ends: state resets for the next question.
	assert.Zero(t, out.ClarifyCount)
	assert.Empty(t, out.PendingQuestion)
}

func TestRun_LowConfidenceClarificationNamesCandidateTopics(t *testing.T) {
	adapter, embedder := seededAdapter(t)
	cfg := testChatConfig()
	// Force even decent dense scores below the reclarify bar.
	cfg.SimilarityThreshold = 0.99
	cfg.ReclarifyThreshold = 0.98
	chat := &scriptedChat{}
	r := newTestRouter(adapter, embedder, chat, cfg)

	snap := &session.Session{ID: "s1"}
	out, err := r.Run(context.Background(), snap, "xylophone quarantine zeppelin", retrieval.Filters{})
	require.NoError(t, err)

	require.Equal(t, ReasonLowConfidence, out.RouteReason)
	assert.Equal(t, answer.KindClarification, out.Artifact.Kind)
	assert.Contains(t, out.Artifact.Clarification, "Gold Tier Limits")
	assert.Contains(t, out.Artifact.Clarification, "Shipping Policy")
	assert.Equal(t, 1, out.ClarifyCount)
	assert.NotEmpty(t, out.FocusHint)
}

func TestRun_MergesReplyWithPendingClarification(t *testing.T) {
	adapter, embedder := seededAdapter(t)
	chat := &scriptedChat{replies: []string{directReply(goldChunkText, 1)}}
	r := newTestRouter(adapter, embedder, chat, testChatConfig())

	snap := &session.Session{
		ID:              "s1",
		ClarifyCount:    1,
		PendingQuestion: "What is the monthly limit?",
		FocusHint:       "Gold Tier Limits",
		History: []session.Turn{
			{Role: session.RoleUser, Content: "What is the monthly limit?"},
			{Role: session.RoleAssistant, Content: "Which tier?", GeneratedBy: NodeClarify},
		},
	}
	out, err := r.Run(context.Background(), snap, "gold tier", retrieval.Filters{})
	require.NoError(t, err)

	assert.Equal(t, "What is the monthly limit? gold tier", out.ProcessedQuestion)
	assert.Equal(t, ReasonAnswered, out.RouteReason)
	assert.Equal(t, answer.KindDirect, out.Artifact.Kind)
	assert.Zero(t, out.ClarifyCount)
}

func TestRun_GenerationFailureDegradesToAbstention(t *testing.T) {
	adapter, embedder := seededAdapter(t)
	chat := &scriptedChat{err: everrors.New(everrors.ErrCodeGenerationBackend, "backend down", nil)}
	r := newTestRouter(adapter, embedder, chat, testChatConfig())

	snap := &session.Session{ID: "s1"}
	out, err := r.Run(context.Background(), snap, "What is the monthly limit for Gold tier customers?", retrieval.Filters{})
	require.NoError(t, err, "generation failure must not fail the request")

	assert.Equal(t, answer.KindAbstain, out.Artifact.Kind)
	assert.True(t, out.Artifact.Abstained)
	assert.Contains(t, out.Artifact.ReasoningNotes, everrors.ErrCodeGenerationBackend)
	assert.Equal(t, NodeAnswer, out.Artifact.GeneratedBy)
}

func TestRun_ModelClarificationConsumesBudget(t *testing.T) {
	adapter, embedder := seededAdapter(t)
	chat := &scriptedChat{replies: []string{clarificationReply}}
	r := newTestRouter(adapter, embedder, chat, testChatConfig())

	snap := &session.Session{ID: "s1"}
	out, err := r.Run(context.Background(), snap, "What is the monthly limit for Gold tier customers?", retrieval.Filters{})
	require.NoError(t, err)

	assert.Equal(t, answer.KindClarification, out.Artifact.Kind)
	assert.Equal(t, NodeClarify, out.Artifact.GeneratedBy)
	assert.Equal(t, 1, out.ClarifyCount)
	assert.Equal(t, out.ProcessedQuestion, out.PendingQuestion)
}

func TestRun_ModelClarificationAfterSpentBudgetAbstains(t *testing.T) {
	adapter, embedder := seededAdapter(t)
	chat := &scriptedChat{replies: []string{clarificationReply}}
	cfg := testChatConfig()
	cfg.MaxClarify = 1
	r := newTestRouter(adapter, embedder, chat, cfg)

	snap := &session.Session{
		ID:              "s1",
		ClarifyCount:    1,
		PendingQuestion: "What is the monthly limit?",
		History: []session.Turn{
			{Role: session.RoleUser, Content: "What is the monthly limit?"},
			{Role: session.RoleAssistant, Content: "Which plan are you on?", GeneratedBy: NodeClarify},
		},
	}
	out, err := r.Run(context.Background(), snap, "the usual plan", retrieval.Filters{})
	require.NoError(t, err)

	// The model asked to clarify again, but the budget is spent: the
	// request ends in an abstention and the count never passes the cap.
	assert.Equal(t, answer.KindAbstain, out.Artifact.Kind)
	assert.True(t, out.Artifact.Abstained)
	assert.Equal(t, NodeAnswer, out.Artifact.GeneratedBy)
	assert.Zero(t, out.ClarifyCount)
	assert.Empty(t, out.PendingQuestion)
	assert.Empty(t, out.FocusHint)
}

func TestRun_FiltersRestrictEvidence(t *testing.T) {
	adapter, embedder := seededAdapter(t)
	chat := &scriptedChat{replies: []string{directReply("Standard shipping takes five business days.", 1)}}
	r := newTestRouter(adapter, embedder, chat, testChatConfig())

	snap := &session.Session{ID: "s1"}
	out, err := r.Run(context.Background(), snap, "What is the monthly limit for Gold tier customers?",
		retrieval.Filters{Products: []string{"logistics"}})
	require.NoError(t, err)

	require.NotNil(t, out.Retrieval)
	for _, p := range out.Retrieval.Passages {
		assert.Contains(t, p.Doc.Products, "logistics")
	}
}

func TestRun_RetrievalFailurePropagates(t *testing.T) {
	adapter := emptyAdapter(t)
	chat := &scriptedChat{}
	r := newTestRouter(adapter, llm.NewStaticEmbedder(), chat, testChatConfig())
	require.NoError(t, adapter.Close())

	snap := &session.Session{ID: "s1"}
	_, err := r.Run(context.Background(), snap, "anything at all", retrieval.Filters{})
	require.Error(t, err)
}

func TestNeedsRephrase(t *testing.T) {
	cases := []struct {
		utterance string
		want      bool
	}{
		{"What is the refund policy for annual subscriptions?", false},
		{"what about gold?", true}, // short follow-up
		{"Does it also apply to the enterprise plan?", true}, // anaphora
		{"", false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, needsRephrase(tc.utterance), tc.utterance)
	}
}

func TestIngest_RephrasesAnaphoricFollowUp(t *testing.T) {
	adapter, embedder := seededAdapter(t)
	chat := &scriptedChat{replies: []string{
		"What is the monthly limit for Gold tier customers?",
		directReply(goldChunkText, 1),
	}}
	r := newTestRouter(adapter, embedder, chat, testChatConfig())

	snap := &session.Session{
		ID: "s1",
		History: []session.Turn{
			{Role: session.RoleUser, Content: "Tell me about Gold tier."},
			{Role: session.RoleAssistant, Content: "Gold tier is the top plan.", GeneratedBy: NodeAnswer},
		},
	}
	out, err := r.Run(context.Background(), snap, "what is its limit?", retrieval.Filters{})
	require.NoError(t, err)

	assert.True(t, out.Rephrased)
	assert.Equal(t, "What is the monthly limit for Gold tier customers?", out.ProcessedQuestion)
	assert.Equal(t, answer.KindDirect, out.Artifact.Kind)
}

func TestLastTurnWasClarification(t *testing.T) {
	history := []session.Turn{
		{Role: session.RoleUser, Content: "q"},
		{Role: session.RoleAssistant, Content: "a", GeneratedBy: NodeAnswer},
	}
	assert.False(t, lastTurnWasClarification(history))

	history = append(history,
		session.Turn{Role: session.RoleAssistant, Content: "which one?", GeneratedBy: NodeClarify},
		session.Turn{Role: session.RoleUser, Content: "reply"})
	assert.True(t, lastTurnWasClarification(history))
}

func TestRun_SimpleStrategySkipsClarificationPolicy(t *testing.T) {
	adapter := emptyAdapter(t)
	chat := &scriptedChat{}
	cfg := testChatConfig()
	cfg.RoutingStrategy = config.RoutingSimple
	r := newTestRouter(adapter, llm.NewStaticEmbedder(), chat, cfg)

	// An empty corpus would clarify under the intelligent strategy;
	// simple goes straight to the generator, which abstains locally.
	snap := &session.Session{ID: "s1"}
	out, err := r.Run(context.Background(), snap, "What is the warranty period?", retrieval.Filters{})
	require.NoError(t, err)

	assert.Equal(t, answer.KindAbstain, out.Artifact.Kind)
	assert.Equal(t, ReasonAnswered, out.RouteReason)
	assert.Zero(t, out.ClarifyCount)
	assert.Empty(t, out.PendingQuestion)
	assert.Zero(t, chat.callCount())
}

func TestRun_SimpleStrategySkipsRephrase(t *testing.T) {
	adapter, embedder := seededAdapter(t)
	chat := &scriptedChat{replies: []string{directReply(goldChunkText, 1)}}
	cfg := testChatConfig()
	cfg.RoutingStrategy = config.RoutingSimple
	r := newTestRouter(adapter, embedder, chat, cfg)

	snap := &session.Session{
		ID: "s1",
		History: []session.Turn{
			{Role: session.RoleUser, Content: "Tell me about Gold tier."},
			{Role: session.RoleAssistant, Content: "Gold tier is the top plan.", GeneratedBy: NodeAnswer},
		},
	}
	// Anaphoric follow-up: the intelligent strategy would rephrase it
	// first, spending an extra LLM call.
	out, err := r.Run(context.Background(), snap, "what is its limit?", retrieval.Filters{})
	require.NoError(t, err)

	assert.False(t, out.Rephrased)
	assert.Equal(t, "what is its limit?", out.ProcessedQuestion)
	assert.Equal(t, 1, chat.callCount())
}
