package llm

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	everrors "github.com/evidentia-ai/evidentia/internal/errors"
)

func TestStaticEmbedder_Deterministic(t *testing.T) {
	e := NewStaticEmbedder()
	defer e.Close()

	ctx := context.Background()
	v1, err := e.Embed(ctx, "how do I reset my router")
	require.NoError(t, err)
	v2, err := e.Embed(ctx, "how do I reset my router")
	require.NoError(t, err)

	assert.Equal(t, v1, v2)
	assert.Len(t, v1, StaticDimensions)
}

func TestStaticEmbedder_EmptyTextYieldsZeroVector(t *testing.T) {
	e := NewStaticEmbedder()
	defer e.Close()

	v, err := e.Embed(context.Background(), "   ")
	require.NoError(t, err)
	for _, x := range v {
		assert.Zero(t, x)
	}
}

func TestStaticEmbedder_SimilarTextsScoreHigher(t *testing.T) {
	e := NewStaticEmbedder()
	defer e.Close()

	ctx := context.Background()
	query, _ := e.Embed(ctx, "reset the router")
	near, _ := e.Embed(ctx, "press reset on your router")
	far, _ := e.Embed(ctx, "printer warranty coverage period")

	assert.Greater(t, dot(query, near), dot(query, far))
}

func dot(a, b []float32) float64 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return sum
}

type countingEmbedder struct {
	StaticEmbedder
	calls atomic.Int64
}

func (c *countingEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	c.calls.Add(1)
	return c.StaticEmbedder.Embed(ctx, text)
}

func TestCachedEmbedder_HitsInnerOnce(t *testing.T) {
	inner := &countingEmbedder{}
	cached := NewCachedEmbedder(inner, 10)
	defer cached.Close()

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := cached.Embed(ctx, "same query")
		require.NoError(t, err)
	}

	assert.Equal(t, int64(1), inner.calls.Load())
}

func TestOpenAIClient_ChatParsesContent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"{\"answer\":\"ok\"}"}}]}`))
	}))
	defer srv.Close()

	client, err := NewOpenAIClient(OpenAIConfig{Host: srv.URL, ChatModel: "test", Timeout: 5 * time.Second})
	require.NoError(t, err)

	content, err := client.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, ChatOptions{JSONMode: true})
	require.NoError(t, err)
	assert.Contains(t, content, "ok")
}

func TestOpenAIClient_RetriesTransportErrorOnce(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"recovered"}}]}`))
	}))
	defer srv.Close()

	client, err := NewOpenAIClient(OpenAIConfig{Host: srv.URL, ChatModel: "test", Timeout: 5 * time.Second})
	require.NoError(t, err)

	content, err := client.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, ChatOptions{})
	require.NoError(t, err)
	assert.Equal(t, "recovered", content)
	assert.Equal(t, int64(2), calls.Load())
}

func TestOpenAIClient_TimeoutIsNotRetried(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	client, err := NewOpenAIClient(OpenAIConfig{Host: srv.URL, ChatModel: "test", Timeout: 20 * time.Millisecond})
	require.NoError(t, err)

	_, err = client.Chat(context.Background(), []Message{{Role: RoleUser, Content: "hi"}}, ChatOptions{})
	require.Error(t, err)
	assert.Equal(t, everrors.ErrCodeLLMTimeout, everrors.CodeOf(err))
	assert.Equal(t, int64(1), calls.Load())
}

func TestOpenAIClient_RejectsDisallowedHost(t *testing.T) {
	client, err := NewOpenAIClient(OpenAIConfig{Host: "http://localhost:9/", Timeout: time.Second})
	require.NoError(t, err)
	client.config.Host = "http://evil.example.com"

	err = client.post(context.Background(), "/v1/embeddings", embeddingsRequest{}, &embeddingsResponse{})
	require.Error(t, err)
	assert.Equal(t, everrors.ErrCodeConfigInvalid, everrors.CodeOf(err))
}

func TestOpenAIClient_EmbedBatchOrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Deliberately out of order.
		_, _ = w.Write([]byte(`{"data":[
			{"index":1,"embedding":[0,1]},
			{"index":0,"embedding":[1,0]}
		]}`))
	}))
	defer srv.Close()

	client, err := NewOpenAIClient(OpenAIConfig{Host: srv.URL, EmbedModel: "test", Dimensions: 2, Timeout: 5 * time.Second})
	require.NoError(t, err)

	vectors, err := client.EmbedBatch(context.Background(), []string{"first", "second"})
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, vectors[0])
	assert.Equal(t, []float32{0, 1}, vectors[1])
}
