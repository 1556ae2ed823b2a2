// Package telemetry collects local request metrics for the chat
// pipeline. Everything stays in memory and in-process; nothing is
// reported externally.
package telemetry

import (
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LatencyBucket is a request-latency histogram bucket.
type LatencyBucket string

const (
	BucketUnder100ms LatencyBucket = "lt_100ms"
	BucketUnder500ms LatencyBucket = "lt_500ms"
	BucketUnder2s    LatencyBucket = "lt_2s"
	BucketUnder10s   LatencyBucket = "lt_10s"
	BucketSlow       LatencyBucket = "ge_10s"
)

// LatencyToBucket converts a duration to its histogram bucket.
func LatencyToBucket(d time.Duration) LatencyBucket {
	switch {
	case d < 100*time.Millisecond:
		return BucketUnder100ms
	case d < 500*time.Millisecond:
		return BucketUnder500ms
	case d < 2*time.Second:
		return BucketUnder2s
	case d < 10*time.Second:
		return BucketUnder10s
	default:
		return BucketSlow
	}
}

// Event is one completed chat request.
type Event struct {
	Query        string
	RouteReason  string
	AnswerKind   string
	Abstained    bool
	PassageCount int
	Latency      time.Duration
}

// TermCount is a query term and its frequency.
type TermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

// Snapshot is an immutable view of the collected metrics.
type Snapshot struct {
	TotalRequests       int64                   `json:"total_requests"`
	RouteReasonCounts   map[string]int64        `json:"route_reason_counts"`
	AnswerKindCounts    map[string]int64        `json:"answer_kind_counts"`
	AbstainedCount      int64                   `json:"abstained_count"`
	NoEvidenceCount     int64                   `json:"no_evidence_count"`
	NoEvidenceQueries   []string                `json:"no_evidence_queries"`
	LatencyDistribution map[LatencyBucket]int64 `json:"latency_distribution"`
	TopTerms            []TermCount             `json:"top_terms"`
	Since               time.Time               `json:"since"`
}

// AbstentionRate is the share of requests that ended in abstention.
func (s *Snapshot) AbstentionRate() float64 {
	if s.TotalRequests == 0 {
		return 0
	}
	return float64(s.AbstainedCount) / float64(s.TotalRequests)
}

// Config tunes the collector capacities.
type Config struct {
	// TopTermsCapacity is the number of query terms tracked (default 100).
	TopTermsCapacity int
	// NoEvidenceCapacity is how many evidence-less queries are kept
	// for corpus-gap analysis (default 100).
	NoEvidenceCapacity int
}

// Metrics collects chat request telemetry. Safe for concurrent use.
type Metrics struct {
	mu sync.RWMutex

	totalRequests   int64
	routeReasons    map[string]int64
	answerKinds     map[string]int64
	abstainedCount  int64
	noEvidenceCount int64
	noEvidence      *ring[string]
	latencies       map[LatencyBucket]int64
	topTerms        *lru.Cache[string, int64]
	startTime       time.Time
}

// New creates a collector with default capacities.
func New() *Metrics {
	return NewWithConfig(Config{})
}

// NewWithConfig creates a collector with custom capacities.
func NewWithConfig(cfg Config) *Metrics {
	if cfg.TopTermsCapacity <= 0 {
		cfg.TopTermsCapacity = 100
	}
	if cfg.NoEvidenceCapacity <= 0 {
		cfg.NoEvidenceCapacity = 100
	}
	topTerms, _ := lru.New[string, int64](cfg.TopTermsCapacity)
	return &Metrics{
		routeReasons: make(map[string]int64),
		answerKinds:  make(map[string]int64),
		noEvidence:   newRing[string](cfg.NoEvidenceCapacity),
		latencies:    make(map[LatencyBucket]int64),
		topTerms:     topTerms,
		startTime:    time.Now(),
	}
}

// Record captures one completed request.
func (m *Metrics) Record(event Event) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalRequests++
	m.routeReasons[event.RouteReason]++
	m.answerKinds[event.AnswerKind]++
	m.latencies[LatencyToBucket(event.Latency)]++

	if event.Abstained {
		m.abstainedCount++
	}
	if event.PassageCount == 0 {
		m.noEvidenceCount++
		m.noEvidence.add(event.Query)
	}

	for _, term := range extractTerms(event.Query) {
		count, _ := m.topTerms.Get(term)
		m.topTerms.Add(term, count+1)
	}
}

// Snapshot returns the current metrics.
func (m *Metrics) Snapshot() *Snapshot {
	m.mu.RLock()
	defer m.mu.RUnlock()

	reasons := make(map[string]int64, len(m.routeReasons))
	for k, v := range m.routeReasons {
		reasons[k] = v
	}
	kinds := make(map[string]int64, len(m.answerKinds))
	for k, v := range m.answerKinds {
		kinds[k] = v
	}
	latencies := make(map[LatencyBucket]int64, len(m.latencies))
	for k, v := range m.latencies {
		latencies[k] = v
	}

	var topTerms []TermCount
	for _, key := range m.topTerms.Keys() {
		if count, ok := m.topTerms.Peek(key); ok {
			topTerms = append(topTerms, TermCount{Term: key, Count: count})
		}
	}
	for i := 0; i < len(topTerms); i++ {
		for j := i + 1; j < len(topTerms); j++ {
			if topTerms[j].Count > topTerms[i].Count {
				topTerms[i], topTerms[j] = topTerms[j], topTerms[i]
			}
		}
	}

	return &Snapshot{
		TotalRequests:       m.totalRequests,
		RouteReasonCounts:   reasons,
		AnswerKindCounts:    kinds,
		AbstainedCount:      m.abstainedCount,
		NoEvidenceCount:     m.noEvidenceCount,
		NoEvidenceQueries:   m.noEvidence.snapshot(),
		LatencyDistribution: latencies,
		TopTerms:            topTerms,
		Since:               m.startTime,
	}
}

// extractTerms lowercases the query and keeps words of length >= 3.
func extractTerms(query string) []string {
	var terms []string
	for _, w := range strings.Fields(strings.ToLower(strings.TrimSpace(query))) {
		if len(w) >= 3 {
			terms = append(terms, w)
		}
	}
	return terms
}

// ring is a fixed-capacity FIFO buffer. Not safe for concurrent use;
// Metrics guards it.
type ring[T any] struct {
	items    []T
	head     int
	size     int
	capacity int
}

func newRing[T any](capacity int) *ring[T] {
	return &ring[T]{items: make([]T, capacity), capacity: capacity}
}

func (r *ring[T]) add(item T) {
	r.items[r.head] = item
	r.head = (r.head + 1) % r.capacity
	if r.size < r.capacity {
		r.size++
	}
}

// snapshot returns the buffer contents oldest-first.
func (r *ring[T]) snapshot() []T {
	out := make([]T, 0, r.size)
	if r.size < r.capacity {
		return append(out, r.items[:r.size]...)
	}
	out = append(out, r.items[r.head:]...)
	return append(out, r.items[:r.head]...)
}
