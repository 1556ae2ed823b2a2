// Package config loads and validates the Evidentia configuration.
//
// Configuration is an explicit record with an enumerated set of recognized
// options. Invalid combinations are rejected at load time; nothing reads
// config by string key on the hot path.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	everrors "github.com/evidentia-ai/evidentia/internal/errors"
)

// Duration is a time.Duration that reads "30s"/"1m30s" strings from
// yaml and json; bare numbers are taken as nanoseconds.
type Duration time.Duration

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := value.Decode(&n); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\" or nanoseconds")
	}
	*d = Duration(n)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		parsed, err := time.ParseDuration(s)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", s, err)
		}
		*d = Duration(parsed)
		return nil
	}
	var n int64
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\" or nanoseconds")
	}
	*d = Duration(n)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) { return json.Marshal(d.String()) }

// RetrievalMethod selects the retrieval pipeline.
type RetrievalMethod string

const (
	// RetrievalSemantic uses dense KNN only.
	RetrievalSemantic RetrievalMethod = "semantic"
	// RetrievalHybrid fuses dense, lexical and metadata retrievers with RRF.
	RetrievalHybrid RetrievalMethod = "hybrid"
)

// RoutingStrategy selects how chat requests are routed.
type RoutingStrategy string

const (
	// RoutingIntelligent runs the full router state machine with
	// rephrasing and clarification support.
	RoutingIntelligent RoutingStrategy = "intelligent"
	// RoutingSimple bypasses the state machine: retrieve then generate.
	RoutingSimple RoutingStrategy = "simple"
)

// Config is the complete Evidentia configuration.
type Config struct {
	Version  int            `yaml:"version" json:"version"`
	Server   ServerConfig   `yaml:"server" json:"server"`
	LLM      LLMConfig      `yaml:"llm" json:"llm"`
	Store    StoreConfig    `yaml:"store" json:"store"`
	Chat     ChatConfig     `yaml:"chat" json:"chat"`
	Sessions SessionsConfig `yaml:"sessions" json:"sessions"`
	Logging  LoggingConfig  `yaml:"logging" json:"logging"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Host string `yaml:"host" json:"host"`
	Port int    `yaml:"port" json:"port"`

	// RequestTimeout is the per-request total deadline.
	RequestTimeout Duration `yaml:"request_timeout" json:"request_timeout"`
}

// LLMConfig configures the language-model collaborator.
type LLMConfig struct {
	// Provider selects the backend: "openai" (OpenAI-compatible HTTP API)
	// or "static" (deterministic offline embedder, no chat).
	Provider string `yaml:"provider" json:"provider"`

	// Host is the backend base URL (e.g. http://localhost:11434).
	Host string `yaml:"host" json:"host"`

	// ChatModel is the chat-completion model identifier.
	ChatModel string `yaml:"chat_model" json:"chat_model"`

	// EmbedModel is the embedding model identifier.
	EmbedModel string `yaml:"embed_model" json:"embed_model"`

	// Dimensions is the embedding dimension (0 = auto-detect).
	Dimensions int `yaml:"dimensions" json:"dimensions"`

	// Timeout is the per-call LLM timeout.
	Timeout Duration `yaml:"timeout" json:"timeout"`

	// AllowedHosts restricts outbound HTTP to these hostnames.
	// Empty means only the configured Host is allowed.
	AllowedHosts []string `yaml:"allowed_hosts" json:"allowed_hosts"`

	// EmbedCacheSize is the LRU size for query-embedding caching.
	EmbedCacheSize int `yaml:"embed_cache_size" json:"embed_cache_size"`
}

// StoreConfig configures the vector/keyword store.
type StoreConfig struct {
	// DataDir is the root directory for persisted indices.
	// Empty means fully in-memory stores (tests, demos).
	DataDir string `yaml:"data_dir" json:"data_dir"`

	// ReadTimeout is the per-read storage timeout.
	ReadTimeout Duration `yaml:"read_timeout" json:"read_timeout"`
}

// ChatConfig configures routing and retrieval for the chat pipeline.
// This is the record exposed on GET/POST /chat-config.
type ChatConfig struct {
	RetrievalMethod     RetrievalMethod `yaml:"retrieval_method" json:"retrieval_method"`
	RoutingStrategy     RoutingStrategy `yaml:"routing_strategy" json:"routing_strategy"`
	RetrievalTopK       int             `yaml:"retrieval_top_k" json:"retrieval_top_k"`
	SimilarityThreshold float64         `yaml:"similarity_threshold" json:"similarity_threshold"`
	MaxClarify          int             `yaml:"max_clarify" json:"max_clarify"`
	ReclarifyThreshold  float64         `yaml:"reclarify_threshold" json:"reclarify_threshold"`
	WindowK             int             `yaml:"window_k" json:"window_k"`
	Hybrid              HybridConfig    `yaml:"hybrid_config" json:"hybrid_config"`
}

// HybridConfig configures the hybrid retriever's candidate sizes and fusion.
type HybridConfig struct {
	// KEmbed is the candidate count from dense KNN.
	KEmbed int `yaml:"k_embed" json:"k_embed"`
	// KBM25Chunk is the candidate count from chunk-text BM25.
	KBM25Chunk int `yaml:"k_bm25_chunk" json:"k_bm25_chunk"`
	// KBM25MetaDocs is the candidate count, in documents, from metadata BM25.
	KBM25MetaDocs int `yaml:"k_bm25_meta_docs" json:"k_bm25_meta_docs"`
	// MetaChunksPerDoc is how many top chunks to expand per metadata-matched doc.
	MetaChunksPerDoc int `yaml:"meta_chunks_per_doc" json:"meta_chunks_per_doc"`
	// KRRF is the size of the fusion pool.
	KRRF int `yaml:"k_rrf" json:"k_rrf"`
	// KFinal is the returned list size.
	KFinal int `yaml:"k_final" json:"k_final"`
	// RRFC is the RRF damping constant (default 60).
	RRFC int `yaml:"rrf_c" json:"rrf_c"`
	// Weights is the heuristic re-ranking weight set.
	Weights HeuristicWeights `yaml:"heuristic_weights" json:"heuristic_weights"`
}

// HeuristicWeights is the additive re-ranking weight set. The combined
// adjustment is clamped to ±20% of the pool's median RRF score, so the
// weights are safe to tune.
type HeuristicWeights struct {
	Authority float64 `yaml:"authority" json:"authority"`
	Currency  float64 `yaml:"currency" json:"currency"`
	Numbers   float64 `yaml:"numbers" json:"numbers"`
	Freshness float64 `yaml:"freshness" json:"freshness"`
}

// SessionsConfig configures session lifecycle.
type SessionsConfig struct {
	// TimeoutMinutes is the sliding inactivity timeout.
	TimeoutMinutes int `yaml:"timeout_minutes" json:"timeout_minutes"`
	// SweepInterval is how often the expiry sweeper runs.
	SweepInterval Duration `yaml:"sweep_interval" json:"sweep_interval"`
}

// LoggingConfig configures structured logging.
type LoggingConfig struct {
	Level    string `yaml:"level" json:"level"`
	FilePath string `yaml:"file_path" json:"file_path"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Version: 1,
		Server: ServerConfig{
			Host:           "127.0.0.1",
			Port:           8000,
			RequestTimeout: Duration(60 * time.Second),
		},
		LLM: LLMConfig{
			Provider:       "openai",
			Host:           "http://localhost:11434",
			ChatModel:      "gpt-4o",
			EmbedModel:     "text-embedding-3-small",
			Timeout:        Duration(30 * time.Second),
			EmbedCacheSize: 512,
		},
		Store: StoreConfig{
			ReadTimeout: Duration(10 * time.Second),
		},
		Chat: ChatConfig{
			RetrievalMethod:     RetrievalHybrid,
			RoutingStrategy:     RoutingIntelligent,
			RetrievalTopK:       10,
			SimilarityThreshold: 0.45,
			MaxClarify:          2,
			ReclarifyThreshold:  0.35,
			WindowK:             8,
			Hybrid: HybridConfig{
				KEmbed:           20,
				KBM25Chunk:       20,
				KBM25MetaDocs:    5,
				MetaChunksPerDoc: 2,
				KRRF:             50,
				KFinal:           10,
				RRFC:             60,
				Weights: HeuristicWeights{
					Authority: 0.6,
					Currency:  0.2,
					Numbers:   0.1,
					Freshness: 0.3,
				},
			},
		},
		Sessions: SessionsConfig{
			TimeoutMinutes: 30,
			SweepInterval:  Duration(60 * time.Second),
		},
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load reads configuration from a yaml file, applies EVIDENTIA_* environment
// overrides, and validates the result. An empty path returns validated
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, everrors.Newf(everrors.ErrCodeConfigNotFound, err, "cannot read config %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, everrors.Newf(everrors.ErrCodeConfigInvalid, err, "cannot parse config %s", path)
		}
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv applies environment variable overrides.
func applyEnv(cfg *Config) {
	if v := os.Getenv("EVIDENTIA_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("EVIDENTIA_LLM_HOST"); v != "" {
		cfg.LLM.Host = v
	}
	if v := os.Getenv("EVIDENTIA_LLM_PROVIDER"); v != "" {
		cfg.LLM.Provider = v
	}
	if v := os.Getenv("EVIDENTIA_DATA_DIR"); v != "" {
		cfg.Store.DataDir = v
	}
	if v := os.Getenv("EVIDENTIA_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
}

// Validate checks the configuration. Violations are reported as
// ERR_102_CONFIG_INVALID.
func (c *Config) Validate() error {
	if err := c.Chat.Validate(); err != nil {
		return err
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return invalidf("server.port %d out of range", c.Server.Port)
	}
	if c.Server.RequestTimeout <= 0 {
		return invalidf("server.request_timeout must be positive")
	}
	if c.LLM.Timeout <= 0 {
		return invalidf("llm.timeout must be positive")
	}
	switch c.LLM.Provider {
	case "openai", "static":
	default:
		return invalidf("llm.provider %q not recognized (openai|static)", c.LLM.Provider)
	}
	if c.Store.ReadTimeout <= 0 {
		return invalidf("store.read_timeout must be positive")
	}
	if c.Sessions.TimeoutMinutes <= 0 {
		return invalidf("sessions.timeout_minutes must be positive")
	}
	if c.Sessions.SweepInterval <= 0 {
		return invalidf("sessions.sweep_interval must be positive")
	}
	return nil
}

// Validate checks the chat configuration. Exposed separately because the
// /chat-config endpoint re-validates updates before applying them.
func (c *ChatConfig) Validate() error {
	switch c.RetrievalMethod {
	case RetrievalSemantic, RetrievalHybrid:
	default:
		return invalidf("retrieval_method %q not recognized (semantic|hybrid)", c.RetrievalMethod)
	}
	switch c.RoutingStrategy {
	case RoutingIntelligent, RoutingSimple:
	default:
		return invalidf("routing_strategy %q not recognized (intelligent|simple)", c.RoutingStrategy)
	}
	if c.RetrievalTopK <= 0 {
		return invalidf("retrieval_top_k must be positive, got %d", c.RetrievalTopK)
	}
	if c.SimilarityThreshold < 0 || c.SimilarityThreshold > 1 {
		return invalidf("similarity_threshold %.3f out of [0,1]", c.SimilarityThreshold)
	}
	if c.ReclarifyThreshold < 0 || c.ReclarifyThreshold > 1 {
		return invalidf("reclarify_threshold %.3f out of [0,1]", c.ReclarifyThreshold)
	}
	// R must sit strictly below T to prevent oscillation at the boundary.
	if c.ReclarifyThreshold >= c.SimilarityThreshold {
		return invalidf("reclarify_threshold %.3f must be strictly below similarity_threshold %.3f",
			c.ReclarifyThreshold, c.SimilarityThreshold)
	}
	if c.MaxClarify < 0 {
		return invalidf("max_clarify must be non-negative, got %d", c.MaxClarify)
	}
	if c.WindowK < 1 {
		return invalidf("window_k must be at least 1, got %d", c.WindowK)
	}
	return c.Hybrid.Validate()
}

// Validate checks the hybrid retriever configuration.
func (h *HybridConfig) Validate() error {
	for name, k := range map[string]int{
		"k_embed":          h.KEmbed,
		"k_bm25_chunk":     h.KBM25Chunk,
		"k_bm25_meta_docs": h.KBM25MetaDocs,
		"k_rrf":            h.KRRF,
		"k_final":          h.KFinal,
	} {
		if k <= 0 {
			return invalidf("%s must be positive, got %d", name, k)
		}
	}
	if h.MetaChunksPerDoc <= 0 {
		return invalidf("meta_chunks_per_doc must be positive, got %d", h.MetaChunksPerDoc)
	}
	if h.RRFC <= 0 {
		return invalidf("rrf_c must be positive, got %d", h.RRFC)
	}
	for name, w := range map[string]float64{
		"authority": h.Weights.Authority,
		"currency":  h.Weights.Currency,
		"numbers":   h.Weights.Numbers,
		"freshness": h.Weights.Freshness,
	} {
		if w < 0 || w > 1 {
			return invalidf("heuristic weight %s %.3f out of [0,1]", name, w)
		}
	}
	return nil
}

func invalidf(format string, args ...any) error {
	return everrors.Newf(everrors.ErrCodeConfigInvalid, nil, format, args...)
}

// Save writes the configuration to a yaml file.
func (c *Config) Save(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}
