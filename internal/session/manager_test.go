package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	everrors "github.com/evidentia-ai/evidentia/internal/errors"
)

func testManager(t *testing.T) (*Manager, *time.Time) {
	t.Helper()
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	m := NewManager(Config{Timeout: 30 * time.Minute, SweepInterval: time.Minute, WindowK: 4}, nil)
	m.now = func() time.Time { return now }
	t.Cleanup(m.Close)
	return m, &now
}

func TestCreateGetEndLifecycle(t *testing.T) {
	m, _ := testManager(t)

	s := m.Create(nil)
	assert.NotEmpty(t, s.ID)
	assert.Len(t, s.ID, 36, "uuid identifiers")

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)

	m.End(s.ID)
	_, err = m.Get(s.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, everrors.ErrSessionNotFound))

	// End is idempotent.
	m.End(s.ID)
}

func TestGet_AdvancesLastActivity(t *testing.T) {
	m, now := testManager(t)
	s := m.Create(nil)

	*now = now.Add(5 * time.Minute)
	first, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.True(t, first.LastActivity.After(s.LastActivity))
}

func TestLastActivity_NeverGoesBackward(t *testing.T) {
	m, now := testManager(t)
	s := m.Create(nil)

	*now = now.Add(10 * time.Minute)
	advanced, err := m.Get(s.ID)
	require.NoError(t, err)

	*now = now.Add(-5 * time.Minute)
	later, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.False(t, later.LastActivity.Before(advanced.LastActivity))
}

func TestExpiry_GetAfterTimeoutReturnsNotFound(t *testing.T) {
	m, now := testManager(t)
	s := m.Create(nil)

	*now = now.Add(31 * time.Minute)
	_, err := m.Get(s.ID)
	require.Error(t, err)
	assert.True(t, errors.Is(err, everrors.ErrSessionNotFound))
}

func TestExtend_SlidesTheWindow(t *testing.T) {
	m, now := testManager(t)
	s := m.Create(nil)

	*now = now.Add(29 * time.Minute)
	remaining, err := m.Extend(s.ID)
	require.NoError(t, err)
	assert.Equal(t, 30*time.Minute, remaining)

	// Activity at minute 29 keeps the session alive past the
	// original deadline.
	*now = now.Add(29 * time.Minute)
	_, err = m.Get(s.ID)
	require.NoError(t, err)
}

func TestAppendTurn_TrimsToWindow(t *testing.T) {
	m, _ := testManager(t)
	s := m.Create(nil)

	for i := 0; i < 10; i++ {
		require.NoError(t, m.AppendTurn(s.ID, Turn{Role: RoleUser, Content: "turn"}))
	}

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Len(t, got.History, 4)
}

func TestCreate_SeedsHistoryTrimmed(t *testing.T) {
	m, _ := testManager(t)

	seed := make([]Turn, 6)
	for i := range seed {
		seed[i] = Turn{Role: RoleUser, Content: "old"}
	}
	s := m.Create(seed)
	assert.Len(t, s.History, 4)
}

func TestSweep_DestroysExpiredButSkipsLockedSessions(t *testing.T) {
	m, now := testManager(t)
	busy := m.Create(nil)
	idle := m.Create(nil)

	release, err := m.AcquireAsk(busy.ID)
	require.NoError(t, err)

	*now = now.Add(time.Hour)
	m.sweep()

	// The idle session is gone; the busy one survived the sweep.
	assert.Empty(t, filterID(m.List(), idle.ID))
	m.mu.RLock()
	_, stillThere := m.sessions[busy.ID]
	m.mu.RUnlock()
	assert.True(t, stillThere)

	release()
	m.sweep()
	m.mu.RLock()
	_, stillThere = m.sessions[busy.ID]
	m.mu.RUnlock()
	assert.False(t, stillThere)
}

func TestSetClarifyState_RoundTrips(t *testing.T) {
	m, _ := testManager(t)
	s := m.Create(nil)

	require.NoError(t, m.SetClarifyState(s.ID, 2, "what was the question", "billing"))
	got, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.ClarifyCount)
	assert.Equal(t, "what was the question", got.PendingQuestion)
	assert.Equal(t, "billing", got.FocusHint)
}

func TestSetLastRetrieval_RoundTripsAndSnapshotIsolates(t *testing.T) {
	m, _ := testManager(t)
	s := m.Create(nil)

	snap := &RetrievalSnapshot{
		Query:         "warranty period",
		ChunkIDs:      []string{"doc-1_chunk_0", "doc-1_chunk_1"},
		TopSimilarity: 0.62,
		At:            time.Date(2026, 8, 24, 10, 0, 0, 0, time.UTC),
	}
	require.NoError(t, m.SetLastRetrieval(s.ID, snap))

	got, err := m.Get(s.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastRetrieval)
	assert.Equal(t, "warranty period", got.LastRetrieval.Query)
	assert.Equal(t, []string{"doc-1_chunk_0", "doc-1_chunk_1"}, got.LastRetrieval.ChunkIDs)
	assert.Equal(t, 0.62, got.LastRetrieval.TopSimilarity)

	// Mutating the returned snapshot must not reach the stored state.
	got.LastRetrieval.ChunkIDs[0] = "tampered"
	again, err := m.Get(s.ID)
	require.NoError(t, err)
	assert.Equal(t, "doc-1_chunk_0", again.LastRetrieval.ChunkIDs[0])

	require.Error(t, m.SetLastRetrieval("nope", snap))
}

func TestAcquireAsk_UnknownSessionFails(t *testing.T) {
	m, _ := testManager(t)
	_, err := m.AcquireAsk("nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, everrors.ErrSessionNotFound))
}

func filterID(sessions []*Session, id string) []*Session {
	var out []*Session
	for _, s := range sessions {
		if s.ID == id {
			out = append(out, s)
		}
	}
	return out
}
