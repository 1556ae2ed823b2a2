// Package session owns conversational session lifecycle: creation,
// sliding-timeout expiry, rolling history, and the clarification
// budget the router consumes.
package session

import (
	"sync"
	"time"
)

// Turn is one entry of the rolling conversation history.
type Turn struct {
	Role      string    `json:"role"` // user or assistant
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	// GeneratedBy names the router node that produced an assistant
	// turn; empty for user turns.
	GeneratedBy string `json:"generated_by,omitempty"`
}

// Session is a single conversation. Mutable fields are guarded by the
// manager; AskMu serializes full ask requests on this session.
type Session struct {
	ID           string    `json:"id"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`

	History []Turn `json:"history"`

	// ClarifyCount tracks clarifications issued for the pending
	// question; ANSWER resets it.
	ClarifyCount int `json:"clarify_count"`

	// PendingQuestion is the question a clarification refers to.
	PendingQuestion string `json:"pending_question,omitempty"`

	// FocusHint is the last clarification topic, used to focus the
	// follow-up retrieval.
	FocusHint string `json:"focus_hint,omitempty"`

	// LastRetrieval summarizes the most recent retrieval run on this
	// session, for diagnostics and follow-up grounding.
	LastRetrieval *RetrievalSnapshot `json:"last_retrieval,omitempty"`

	// AskMu serializes requests per session. The sweeper only
	// destroys a session it can acquire, so an in-flight request is
	// never pulled out from under its worker.
	AskMu sync.Mutex `json:"-"`
}

// RetrievalSnapshot is the session's record of a retrieval run: the
// query as retrieved, the ranked chunk IDs, and the routing signal.
type RetrievalSnapshot struct {
	Query         string    `json:"query"`
	ChunkIDs      []string  `json:"chunk_ids"`
	TopSimilarity float64   `json:"top_similarity"`
	Degraded      bool      `json:"degraded"`
	At            time.Time `json:"at"`
}

func (rs *RetrievalSnapshot) clone() *RetrievalSnapshot {
	if rs == nil {
		return nil
	}
	c := *rs
	c.ChunkIDs = make([]string, len(rs.ChunkIDs))
	copy(c.ChunkIDs, rs.ChunkIDs)
	return &c
}

// snapshot returns a copy safe to serialize while the manager keeps
// mutating the original.
func (s *Session) snapshot() *Session {
	history := make([]Turn, len(s.History))
	copy(history, s.History)
	return &Session{
		ID:              s.ID,
		CreatedAt:       s.CreatedAt,
		LastActivity:    s.LastActivity,
		History:         history,
		ClarifyCount:    s.ClarifyCount,
		PendingQuestion: s.PendingQuestion,
		FocusHint:       s.FocusHint,
		LastRetrieval:   s.LastRetrieval.clone(),
	}
}

const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)
