// Package service composes the store, retriever, generator, router,
// and session manager into the single facade the HTTP layer and CLI
// talk to.
package service

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/evidentia-ai/evidentia/internal/answer"
	"github.com/evidentia-ai/evidentia/internal/config"
	everrors "github.com/evidentia-ai/evidentia/internal/errors"
	"github.com/evidentia-ai/evidentia/internal/llm"
	"github.com/evidentia-ai/evidentia/internal/retrieval"
	"github.com/evidentia-ai/evidentia/internal/router"
	"github.com/evidentia-ai/evidentia/internal/session"
	"github.com/evidentia-ai/evidentia/internal/store"
	"github.com/evidentia-ai/evidentia/internal/telemetry"
)

// Source is one cited passage, resolved to its document for display.
type Source struct {
	ChunkID   string `json:"chunk_id"`
	DocID     string `json:"doc_id"`
	Title     string `json:"title,omitempty"`
	SourceURL string `json:"source_url,omitempty"`
	Snippet   string `json:"snippet,omitempty"`
}

// AskResult is the full outcome of one chat request.
type AskResult struct {
	SessionID string           `json:"session_id"`
	Artifact  *answer.Artifact `json:"artifact"`
	Sources   []Source         `json:"sources"`

	ProcessedQuestion string  `json:"processed_question"`
	Rephrased         bool    `json:"rephrased"`
	RouteReason       string  `json:"route_reason"`
	TopSimilarity     float64 `json:"top_similarity"`
}

// Service owns the wired pipeline. The chat configuration is mutable
// at runtime; updating it rebuilds the retriever and router while
// in-flight requests finish on the old ones.
type Service struct {
	sessions *session.Manager
	adapter  *store.Adapter
	embedder llm.Embedder
	chat     llm.ChatClient // nil when the provider has no chat model
	logger   *slog.Logger

	dataDir        string
	requestTimeout time.Duration
	metrics        *telemetry.Metrics

	mu      sync.RWMutex
	chatCfg config.ChatConfig
	router  *router.Router
}

// New builds a Service from configuration, opening the store at
// cfg.Store.DataDir (in-memory when empty) and connecting the
// configured LLM provider.
func New(cfg *config.Config, logger *slog.Logger) (*Service, error) {
	if logger == nil {
		logger = slog.Default()
	}

	dims := cfg.LLM.Dimensions
	if cfg.LLM.Provider == "static" || dims <= 0 {
		dims = llm.StaticDimensions
	}

	var (
		adapter *store.Adapter
		err     error
	)
	if cfg.Store.DataDir == "" {
		adapter, err = store.OpenMemory(store.VectorConfig{Dimensions: dims})
	} else {
		adapter, err = store.Open(cfg.Store.DataDir, store.VectorConfig{Dimensions: dims})
	}
	if err != nil {
		return nil, err
	}
	adapter.SetReadTimeout(cfg.Store.ReadTimeout.Std())

	llmCfg := llm.OpenAIConfig{
		Host:         cfg.LLM.Host,
		ChatModel:    cfg.LLM.ChatModel,
		EmbedModel:   cfg.LLM.EmbedModel,
		Dimensions:   dims,
		Timeout:      cfg.LLM.Timeout.Std(),
		AllowedHosts: cfg.LLM.AllowedHosts,
	}
	embedder, err := llm.NewEmbedderFromConfig(cfg.LLM.Provider, llmCfg, cfg.LLM.EmbedCacheSize)
	if err != nil {
		adapter.Close()
		return nil, err
	}

	var chat llm.ChatClient
	if cfg.LLM.Provider != "static" {
		client, err := llm.NewOpenAIClient(llmCfg)
		if err != nil {
			adapter.Close()
			return nil, err
		}
		chat = client
	}

	return NewWithBackends(cfg, adapter, embedder, chat, logger), nil
}

// NewWithBackends wires a Service around pre-built backends. Tests and
// the CLI ingest path use this directly.
func NewWithBackends(cfg *config.Config, adapter *store.Adapter, embedder llm.Embedder, chat llm.ChatClient, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}

	embedModel := cfg.LLM.EmbedModel
	if cfg.LLM.Provider == "static" || embedModel == "" {
		embedModel = "static"
	}
	adapter.SetEmbeddingModel(embedModel)

	s := &Service{
		sessions: session.NewManager(session.Config{
			Timeout:       time.Duration(cfg.Sessions.TimeoutMinutes) * time.Minute,
			SweepInterval: cfg.Sessions.SweepInterval.Std(),
			WindowK:       cfg.Chat.WindowK,
		}, logger),
		adapter:        adapter,
		embedder:       embedder,
		chat:           chat,
		logger:         logger,
		dataDir:        cfg.Store.DataDir,
		requestTimeout: cfg.Server.RequestTimeout.Std(),
		metrics:        telemetry.New(),
		chatCfg:        cfg.Chat,
	}
	s.router = s.buildRouter(cfg.Chat)
	s.sessions.Start()
	return s
}

func (s *Service) buildRouter(cfg config.ChatConfig) *router.Router {
	hybrid := cfg.Hybrid
	// Semantic-only retrieval takes its depth from retrieval_top_k;
	// the hybrid k-parameters govern only the fused pipeline.
	if cfg.RetrievalMethod == config.RetrievalSemantic && cfg.RetrievalTopK > 0 {
		hybrid.KEmbed = cfg.RetrievalTopK
		hybrid.KFinal = cfg.RetrievalTopK
	}
	retriever := retrieval.New(s.adapter, s.embedder, hybrid, s.logger)
	generator := answer.NewGenerator(s.chat, s.logger)
	return router.New(retriever, generator, s.chat, cfg, s.logger)
}

// Ask runs one chat request against a session, optionally restricted
// to documents matching filters. Requests on the same session
// serialize; the session cannot expire while its request is in flight.
func (s *Service) Ask(ctx context.Context, sessionID, utterance string, filters retrieval.Filters) (*AskResult, error) {
	if utterance == "" {
		return nil, everrors.New(everrors.ErrCodeInvalidRequest, "message must not be empty", nil)
	}

	release, err := s.sessions.AcquireAsk(sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	snap, err := s.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}

	if s.requestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.requestTimeout)
		defer cancel()
	}

	s.mu.RLock()
	r := s.router
	s.mu.RUnlock()

	started := time.Now()
	out, err := r.Run(ctx, snap, utterance, filters)
	if err != nil {
		return nil, err
	}

	passages := 0
	if out.Retrieval != nil {
		passages = len(out.Retrieval.Passages)
	}
	s.metrics.Record(telemetry.Event{
		Query:        out.ProcessedQuestion,
		RouteReason:  out.RouteReason,
		AnswerKind:   string(out.Artifact.Kind),
		Abstained:    out.Artifact.Abstained,
		PassageCount: passages,
		Latency:      time.Since(started),
	})

	now := time.Now()
	if err := s.sessions.AppendTurn(sessionID, session.Turn{
		Role: session.RoleUser, Content: utterance, Timestamp: now,
	}); err != nil {
		return nil, err
	}
	if err := s.sessions.AppendTurn(sessionID, session.Turn{
		Role:        session.RoleAssistant,
		Content:     assistantContent(out.Artifact),
		Timestamp:   now,
		GeneratedBy: out.Artifact.GeneratedBy,
	}); err != nil {
		return nil, err
	}
	if err := s.sessions.SetClarifyState(sessionID, out.ClarifyCount, out.PendingQuestion, out.FocusHint); err != nil {
		return nil, err
	}
	if out.Retrieval != nil {
		if err := s.sessions.SetLastRetrieval(sessionID, retrievalSnapshot(out, now)); err != nil {
			return nil, err
		}
	}

	return &AskResult{
		SessionID:         sessionID,
		Artifact:          out.Artifact,
		Sources:           sourcesFor(out),
		ProcessedQuestion: out.ProcessedQuestion,
		Rephrased:         out.Rephrased,
		RouteReason:       out.RouteReason,
		TopSimilarity:     out.TopSimilarity,
	}, nil
}

// retrievalSnapshot condenses the retrieval result into the record the
// session keeps.
func retrievalSnapshot(out *router.Outcome, at time.Time) *session.RetrievalSnapshot {
	ids := make([]string, 0, len(out.Retrieval.Passages))
	for _, p := range out.Retrieval.Passages {
		ids = append(ids, p.Chunk.ID)
	}
	return &session.RetrievalSnapshot{
		Query:         out.ProcessedQuestion,
		ChunkIDs:      ids,
		TopSimilarity: out.TopSimilarity,
		Degraded:      out.Retrieval.Diagnostics.DegradedToBM25,
		At:            at,
	}
}

// assistantContent picks the text stored in history: the clarifying
// question for clarifications, the reasoning notes for abstentions.
func assistantContent(a *answer.Artifact) string {
	switch a.Kind {
	case answer.KindClarification:
		return a.Clarification
	case answer.KindAbstain:
		if a.ReasoningNotes != "" {
			return a.ReasoningNotes
		}
		return "I don't have enough information to answer that."
	default:
		return a.Answer
	}
}

func sourcesFor(out *router.Outcome) []Source {
	sources := []Source{}
	if out.Retrieval == nil {
		return sources
	}
	cited := make(map[string]bool, len(out.Artifact.CitedChunkIDs))
	for _, id := range out.Artifact.CitedChunkIDs {
		cited[id] = true
	}
	for _, p := range out.Retrieval.Passages {
		if !cited[p.Chunk.ID] {
			continue
		}
		src := Source{ChunkID: p.Chunk.ID, DocID: p.Chunk.DocID, Snippet: snippet(p.Chunk.Text)}
		if p.Doc != nil {
			src.Title = p.Doc.Title
			src.SourceURL = p.Doc.SourceURL
		}
		sources = append(sources, src)
	}
	return sources
}

const snippetLen = 200

func snippet(text string) string {
	if len(text) <= snippetLen {
		return text
	}
	return text[:snippetLen] + "..."
}

// CreateSession registers a new session, optionally seeded with prior
// turns supplied by the caller.
func (s *Service) CreateSession(seed []session.Turn) *session.Session {
	return s.sessions.Create(seed)
}

// GetSession returns a live session snapshot.
func (s *Service) GetSession(id string) (*session.Session, error) {
	return s.sessions.Get(id)
}

// ExtendSession slides the inactivity window and reports the remaining
// lifetime.
func (s *Service) ExtendSession(id string) (time.Duration, error) {
	return s.sessions.Extend(id)
}

// EndSession destroys a session; unknown IDs are a no-op.
func (s *Service) EndSession(id string) {
	s.sessions.End(id)
}

// ListSessions returns snapshots of every live session.
func (s *Service) ListSessions() []*session.Session {
	return s.sessions.List()
}

// SessionTimeout reports the configured sliding-window length.
func (s *Service) SessionTimeout() time.Duration {
	return s.sessions.Timeout()
}

// ChatConfig returns the active chat configuration.
func (s *Service) ChatConfig() config.ChatConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.chatCfg
}

// UpdateChatConfig validates and installs a new chat configuration.
// The retriever and router are rebuilt; requests already running
// finish on the previous pipeline.
func (s *Service) UpdateChatConfig(cfg config.ChatConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	s.chatCfg = cfg
	s.router = s.buildRouter(cfg)
	s.mu.Unlock()

	s.logger.Info("chat_config_updated",
		slog.String("retrieval_method", string(cfg.RetrievalMethod)),
		slog.Float64("similarity_threshold", cfg.SimilarityThreshold),
		slog.Int("max_clarify", cfg.MaxClarify))
	return nil
}

// IngestDocument chunks are embedded and written to every index.
func (s *Service) IngestDocument(ctx context.Context, doc *store.Document, chunkTexts []string) error {
	vectors, err := s.embedder.EmbedBatch(ctx, chunkTexts)
	if err != nil {
		return everrors.New(everrors.ErrCodeRetrievalBackend, "embed document chunks", err)
	}
	return s.adapter.AddDocument(ctx, doc, chunkTexts, vectors)
}

// Metrics returns a snapshot of the local request telemetry.
func (s *Service) Metrics() *telemetry.Snapshot {
	return s.metrics.Snapshot()
}

// Stats reports index counts for the health surface.
func (s *Service) Stats(ctx context.Context) (store.Stats, error) {
	return s.adapter.Stats(ctx)
}

// Save persists the vector index when a data directory is configured.
func (s *Service) Save() error {
	if s.dataDir == "" {
		return nil
	}
	return s.adapter.Save(s.dataDir)
}

// Close stops the sweeper and releases every backend.
func (s *Service) Close() error {
	s.sessions.Close()
	err := s.adapter.Close()
	if s.embedder != nil {
		s.embedder.Close()
	}
	if closer, ok := s.chat.(interface{ Close() error }); ok {
		closer.Close()
	}
	return err
}
