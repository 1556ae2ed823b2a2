package service

import (
	"context"
	"errors"
	"fmt"
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

type queueChat struct {
	mu      sync.Mutex
	replies []string
}

func (c *queueChat) Chat(_ context.Context, _ []llm.Message, _ llm.ChatOptions) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.replies) == 0 {
		return "", errors.New("no scripted reply left")
	}
	reply := c.replies[0]
	c.replies = c.replies[1:]
	return reply, nil
}

const refundChunk = "Refunds are issued within 14 days of a cancelled order."

func directJSON(text string) string {
	return fmt.Sprintf(`{
		"answer": %q,
		"answer_type": "direct",
		"abstained": false,
		"faithfulness": "n/a",
		"completeness": "n/a",
		"missing_information": [],
		"reasoning_notes": "",
		"clarifying_question": "",
		"evidence": [1]
	}`, text)
}

func testService(t *testing.T, chat llm.ChatClient, seedCorpus bool) *Service {
	t.Helper()

	cfg := config.Default()
	cfg.Chat.SimilarityThreshold = 0.10
	cfg.Chat.ReclarifyThreshold = 0.05

	adapter, err := store.OpenMemory(store.VectorConfig{Dimensions: llm.StaticDimensions})
	require.NoError(t, err)

	embedder := llm.NewStaticEmbedder()
	svc := NewWithBackends(cfg, adapter, embedder, chat, nil)
	t.Cleanup(func() { svc.Close() })

	if seedCorpus {
		doc := &store.Document{
			ID: "refunds", Title: "Refund Policy", Kind: store.KindTerms,
			SourceURL: "https://docs.example.com/refunds",
		}
		require.NoError(t, svc.IngestDocument(context.Background(), doc, []string{refundChunk}))
	}
	return svc
}

func TestAsk_DirectAnswerPersistsHistoryAndSources(t *testing.T) {
	chat := &queueChat{replies: []string{directJSON(refundChunk)}}
	svc := testService(t, chat, true)

	sess := svc.CreateSession(nil)
	res, err := svc.Ask(context.Background(), sess.ID, "How many days until refunds are issued for a cancelled order?", retrieval.Filters{})
	require.NoError(t, err)

	assert.Equal(t, answer.KindDirect, res.Artifact.Kind)
	require.Len(t, res.Sources, 1)
	assert.Equal(t, "refunds", res.Sources[0].DocID)
	assert.Equal(t, "Refund Policy", res.Sources[0].Title)
	assert.Equal(t, "https://docs.example.com/refunds", res.Sources[0].SourceURL)

	got, err := svc.GetSession(sess.ID)
	require.NoError(t, err)
	require.Len(t, got.History, 2)
	assert.Equal(t, session.RoleUser, got.History[0].Role)
	assert.Equal(t, session.RoleAssistant, got.History[1].Role)
	assert.Equal(t, refundChunk, got.History[1].Content)
	assert.Zero(t, got.ClarifyCount)

	// The retrieval run is persisted onto the session.
	require.NotNil(t, got.LastRetrieval)
	assert.Equal(t, res.ProcessedQuestion, got.LastRetrieval.Query)
	assert.Contains(t, got.LastRetrieval.ChunkIDs, "refunds_chunk_0")
	assert.Equal(t, res.TopSimilarity, got.LastRetrieval.TopSimilarity)
	assert.False(t, got.LastRetrieval.Degraded)
	assert.False(t, got.LastRetrieval.At.IsZero())
}

func TestAsk_FiltersExcludeMismatchedDocuments(t *testing.T) {
	svc := testService(t, &queueChat{}, true)

	sess := svc.CreateSession(nil)
	// The corpus answers the question, but nothing carries the promo
	// kind, so the filtered retrieval comes back empty and the router
	// clarifies instead of answering.
	res, err := svc.Ask(context.Background(), sess.ID,
		"How many days until refunds are issued for a cancelled order?",
		retrieval.Filters{Kind: store.KindPromo})
	require.NoError(t, err)

	assert.Equal(t, answer.KindClarification, res.Artifact.Kind)
	assert.Empty(t, res.Sources)

	got, err := svc.GetSession(sess.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRetrieval)
	assert.Empty(t, got.LastRetrieval.ChunkIDs)
}

func TestAsk_EmptyMessageRejected(t *testing.T) {
	svc := testService(t, &queueChat{}, false)
	sess := svc.CreateSession(nil)

	_, err := svc.Ask(context.Background(), sess.ID, "", retrieval.Filters{})
	require.Error(t, err)
	assert.Equal(t, everrors.ErrCodeInvalidRequest, everrors.CodeOf(err))
}

func TestAsk_UnknownSessionFails(t *testing.T) {
	svc := testService(t, &queueChat{}, true)

	_, err := svc.Ask(context.Background(), "00000000-0000-0000-0000-000000000000", "hello", retrieval.Filters{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, everrors.ErrSessionNotFound))
}

func TestAsk_ClarificationRoundTripPersistsState(t *testing.T) {
	chat := &queueChat{replies: []string{directJSON(refundChunk)}}
	svc := testService(t, chat, false)

	sess := svc.CreateSession(nil)

	// Empty corpus: the router clarifies without touching the LLM.
	res, err := svc.Ask(context.Background(), sess.ID, "What is the refund window?", retrieval.Filters{})
	require.NoError(t, err)
	assert.Equal(t, answer.KindClarification, res.Artifact.Kind)
	assert.Empty(t, res.Sources)

	got, err := svc.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.ClarifyCount)
	assert.Equal(t, res.ProcessedQuestion, got.PendingQuestion)
	require.Len(t, got.History, 2)
	assert.Equal(t, res.Artifact.Clarification, got.History[1].Content)
	assert.Equal(t, "clarify_node", got.History[1].GeneratedBy)

	// A corpus arrives and the reply merges with the pending question.
	doc := &store.Document{ID: "refunds", Title: "Refund Policy", Kind: store.KindTerms}
	require.NoError(t, svc.IngestDocument(context.Background(), doc, []string{refundChunk}))

	res, err = svc.Ask(context.Background(), sess.ID, "for cancelled orders", retrieval.Filters{})
	require.NoError(t, err)
	assert.Equal(t, answer.KindDirect, res.Artifact.Kind)
	assert.Contains(t, res.ProcessedQuestion, "What is the refund window?")
	assert.Contains(t, res.ProcessedQuestion, "for cancelled orders")

	got, err = svc.GetSession(sess.ID)
	require.NoError(t, err)
	assert.Zero(t, got.ClarifyCount)
	assert.Empty(t, got.PendingQuestion)
}

func TestUpdateChatConfig_ValidatesAndInstalls(t *testing.T) {
	svc := testService(t, &queueChat{}, false)

	bad := svc.ChatConfig()
	bad.ReclarifyThreshold = bad.SimilarityThreshold + 0.1
	err := svc.UpdateChatConfig(bad)
	require.Error(t, err)
	assert.Equal(t, everrors.ErrCodeConfigInvalid, everrors.CodeOf(err))

	good := svc.ChatConfig()
	good.RetrievalMethod = config.RetrievalSemantic
	good.MaxClarify = 3
	require.NoError(t, svc.UpdateChatConfig(good))

	installed := svc.ChatConfig()
	assert.Equal(t, config.RetrievalSemantic, installed.RetrievalMethod)
	assert.Equal(t, 3, installed.MaxClarify)
}

func TestIngestDocument_ShowsUpInStats(t *testing.T) {
	svc := testService(t, &queueChat{}, true)

	stats, err := svc.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Documents)
	assert.Equal(t, 1, stats.Chunks)
	assert.Equal(t, 1, stats.Vectors)
}

func TestSessionLifecycleThroughFacade(t *testing.T) {
	svc := testService(t, &queueChat{}, false)

	sess := svc.CreateSession(nil)
	remaining, err := svc.ExtendSession(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, svc.SessionTimeout(), remaining)

	assert.Len(t, svc.ListSessions(), 1)

	svc.EndSession(sess.ID)
	_, err = svc.GetSession(sess.ID)
	require.Error(t, err)
}
