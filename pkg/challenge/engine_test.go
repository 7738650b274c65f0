package challenge

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/LICODX/chunkproof/pkg/chunkstore"
	"github.com/LICODX/chunkproof/pkg/cid"
	"github.com/LICODX/chunkproof/pkg/core"
	"github.com/LICODX/chunkproof/pkg/ledger"
	"github.com/LICODX/chunkproof/pkg/logging"
)

type memChunks map[string][]byte

func (m memChunks) Get(ctx context.Context, c string) ([]byte, error) {
	data, ok := m[c]
	if !ok {
		return nil, core.NotFound("chunk %s not found", c)
	}
	return data, nil
}

type stubLedger struct {
	mu        sync.Mutex
	claims    map[string][]string
	reportErr error
	reported  map[string]int64
}

func newStubLedger() *stubLedger {
	return &stubLedger{claims: make(map[string][]string), reported: make(map[string]int64)}
}

func (l *stubLedger) ClaimedCIDs(ctx context.Context, agentID string) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.claims[agentID]...), nil
}

func (l *stubLedger) AgentsWithClaims(ctx context.Context) ([]string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for a, c := range l.claims {
		if len(c) > 0 {
			out = append(out, a)
		}
	}
	return out, nil
}

func (l *stubLedger) ReportVerificationFailures(ctx context.Context, agentID string, count int64) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.reportErr != nil {
		return l.reportErr
	}
	l.reported[agentID] = count
	return nil
}

type harness struct {
	engine   *Engine
	registry *Registry
	db       *leveldb.DB
	chunks   memChunks
	ledger   *stubLedger
	feed     *ledger.OutcomeFeed
	now      time.Time
}

func (h *harness) advance(d time.Duration) {
	h.now = h.now.Add(d)
}

// store registers data as a chunk claimed by agentID and returns its CID.
func (h *harness) store(agentID string, data []byte) string {
	c := cid.Compute(data)
	h.chunks[c] = data
	h.ledger.mu.Lock()
	h.ledger.claims[agentID] = append(h.ledger.claims[agentID], c)
	h.ledger.mu.Unlock()
	return c
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	reg, err := OpenRegistry(db)
	require.NoError(t, err)
	journal, err := ledger.OpenJournal(db)
	require.NoError(t, err)

	h := &harness{
		registry: reg,
		db:       db,
		chunks:   make(memChunks),
		ledger:   newStubLedger(),
		feed:     ledger.NewOutcomeFeed(journal, logging.NewNop()),
		now:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.engine = New(cfg, reg, h.chunks, h.ledger, h.feed, nil, logging.NewNop(),
		WithClock(func() time.Time { return h.now }))
	return h
}

func TestCorrectProofPasses(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	data := []byte("chunk held by agent")
	x := h.store("agent-1", data)

	ch, err := h.engine.CreateChallenge(ctx, "agent-1", "")
	require.NoError(t, err)
	assert.Equal(t, x, ch.CID)
	assert.Len(t, ch.Nonce, 2*core.NonceBytes)
	assert.Len(t, ch.ID, 2*core.ChallengeIDBytes)
	assert.Equal(t, core.StatusPending, ch.Status)
	assert.Equal(t, h.now.Add(core.ChallengeTTL), ch.ExpiresAt)

	res, err := h.engine.Respond(ctx, ch.ID, "agent-1", cid.Proof(data, ch.Nonce))
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, core.StatusPassed, res.Status)
	assert.EqualValues(t, 1, res.ConsecutivePasses)
	assert.EqualValues(t, 0, res.ConsecutiveFails)
	assert.Equal(t, 1.0, res.SuccessRate)
}

func TestIncorrectProofFails(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.store("agent-1", []byte("payload"))

	first, err := h.engine.CreateChallenge(ctx, "agent-1", "")
	require.NoError(t, err)
	_, err = h.engine.Respond(ctx, first.ID, "agent-1", cid.Proof([]byte("payload"), first.Nonce))
	require.NoError(t, err)

	second, err := h.engine.CreateChallenge(ctx, "agent-1", "")
	require.NoError(t, err)
	res, err := h.engine.Respond(ctx, second.ID, "agent-1", "deadbeef")
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, core.StatusFailed, res.Status)
	assert.EqualValues(t, 0, res.ConsecutivePasses)
	assert.EqualValues(t, 1, res.ConsecutiveFails)
	assert.Equal(t, 0.5, res.SuccessRate)
	assert.EqualValues(t, 1, h.ledger.reported["agent-1"])
}

func TestProofIsBoundToNonce(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	data := []byte("replay me")
	h.store("agent-1", data)

	first, err := h.engine.CreateChallenge(ctx, "agent-1", "")
	require.NoError(t, err)
	second, err := h.engine.CreateChallenge(ctx, "agent-1", "")
	require.NoError(t, err)
	require.NotEqual(t, first.Nonce, second.Nonce)

	res, err := h.engine.Respond(ctx, second.ID, "agent-1", cid.Proof(data, first.Nonce))
	require.NoError(t, err)
	assert.False(t, res.Valid)
}

func TestRespondAfterTTLExpires(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	data := []byte("slow agent")
	h.store("agent-1", data)

	ch, err := h.engine.CreateChallenge(ctx, "agent-1", "")
	require.NoError(t, err)

	h.advance(core.ChallengeTTL + time.Second)
	_, err = h.engine.Respond(ctx, ch.ID, "agent-1", cid.Proof(data, ch.Nonce))
	require.Error(t, err)
	assert.ErrorIs(t, err, core.ErrExpired)

	status, err := h.engine.AgentStatus(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, status.Recent, 1)
	assert.Equal(t, core.StatusExpired, status.Recent[0].Status)
	assert.Nil(t, status.Recent[0].Response)
	assert.EqualValues(t, 1, status.Stats.Expired)
	assert.EqualValues(t, 1, status.Stats.ConsecutiveFails)
	assert.EqualValues(t, 0, status.Stats.Passed)

	_, err = h.engine.Respond(ctx, ch.ID, "agent-1", cid.Proof(data, ch.Nonce))
	assert.ErrorIs(t, err, core.ErrExpired)
}

func TestExpiryAtExactDeadline(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	data := []byte("boundary")
	h.store("agent-1", data)

	ch, err := h.engine.CreateChallenge(ctx, "agent-1", "")
	require.NoError(t, err)

	h.advance(core.ChallengeTTL)
	_, err = h.engine.Respond(ctx, ch.ID, "agent-1", cid.Proof(data, ch.Nonce))
	assert.ErrorIs(t, err, core.ErrExpired)
}

func TestPendingCap(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.store("agent-1", []byte("only chunk"))

	for i := 0; i < core.MaxPendingPerAgent; i++ {
		_, err := h.engine.CreateChallenge(ctx, "agent-1", "")
		require.NoError(t, err)
	}
	_, err := h.engine.CreateChallenge(ctx, "agent-1", "")
	require.Error(t, err)
	assert.Equal(t, core.KindRateLimited, core.KindOf(err))

	// expiry on the next access frees capacity
	h.advance(core.ChallengeTTL + time.Second)
	_, err = h.engine.CreateChallenge(ctx, "agent-1", "")
	require.NoError(t, err)

	status, err := h.engine.AgentStatus(ctx, "agent-1")
	require.NoError(t, err)
	assert.EqualValues(t, core.MaxPendingPerAgent, status.Stats.Expired)
	assert.EqualValues(t, core.MaxPendingPerAgent+1, status.Stats.TotalChallenges)
}

func TestConcurrentCreatesRespectCap(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.store("agent-1", []byte("contended chunk"))

	const callers = 12
	var (
		wg          sync.WaitGroup
		mu          sync.Mutex
		ok, limited int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.engine.CreateChallenge(ctx, "agent-1", "")
			mu.Lock()
			defer mu.Unlock()
			switch core.KindOf(err) {
			case "":
				ok++
			case core.KindRateLimited:
				limited++
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, core.MaxPendingPerAgent, ok)
	assert.Equal(t, callers-core.MaxPendingPerAgent, limited)
	assert.EqualValues(t, core.MaxPendingPerAgent, h.registry.Network().Pending)
}

func TestCreateChallengeErrors(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.store("agent-1", []byte("claimed"))

	_, err := h.engine.CreateChallenge(ctx, "agent-2", "")
	assert.Equal(t, core.KindNotFound, core.KindOf(err))

	_, err = h.engine.CreateChallenge(ctx, "agent-1", cid.Compute([]byte("not claimed")))
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	_, err = h.engine.CreateChallenge(ctx, "agent-1", "bafzz")
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	_, err = h.engine.CreateChallenge(ctx, "", "")
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestCreateChallengeForSpecificCID(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.store("agent-1", []byte("first"))
	second := h.store("agent-1", []byte("second"))

	ch, err := h.engine.CreateChallenge(ctx, "agent-1", second)
	require.NoError(t, err)
	assert.Equal(t, second, ch.CID)
}

func TestRespondErrors(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	data := []byte("resolve once")
	h.store("agent-1", data)

	ch, err := h.engine.CreateChallenge(ctx, "agent-1", "")
	require.NoError(t, err)

	_, err = h.engine.Respond(ctx, ch.ID, "agent-2", "00")
	assert.Equal(t, core.KindNotFound, core.KindOf(err))

	_, err = h.engine.Respond(ctx, "missing", "agent-1", "00")
	assert.Equal(t, core.KindNotFound, core.KindOf(err))

	_, err = h.engine.Respond(ctx, ch.ID, "agent-1", "")
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	_, err = h.engine.Respond(ctx, ch.ID, "agent-1", cid.Proof(data, ch.Nonce))
	require.NoError(t, err)

	_, err = h.engine.Respond(ctx, ch.ID, "agent-1", cid.Proof(data, ch.Nonce))
	assert.Equal(t, core.KindConflict, core.KindOf(err))
}

func TestUnreadableChunkJudgedInvalid(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	data := []byte("verifier lost its copy")
	c := h.store("agent-1", data)
	delete(h.chunks, c)

	ch, err := h.engine.CreateChallenge(ctx, "agent-1", "")
	require.NoError(t, err)

	res, err := h.engine.Respond(ctx, ch.ID, "agent-1", cid.Proof(data, ch.Nonce))
	require.NoError(t, err)
	assert.False(t, res.Valid)
	assert.Equal(t, core.StatusFailed, res.Status)
}

func TestLedgerFailureDoesNotRollBack(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.store("agent-1", []byte("payload"))
	h.ledger.reportErr = errors.New("ledger down")

	ch, err := h.engine.CreateChallenge(ctx, "agent-1", "")
	require.NoError(t, err)

	res, err := h.engine.Respond(ctx, ch.ID, "agent-1", "wrong")
	require.NoError(t, err)
	assert.False(t, res.Valid)

	status, err := h.engine.AgentStatus(ctx, "agent-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, status.Stats.Failed)
	assert.Equal(t, core.StatusFailed, status.Recent[0].Status)
}

func TestSuccessRateStaysInBounds(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	data := []byte("bounded")
	h.store("agent-1", data)

	for i := 0; i < 12; i++ {
		ch, err := h.engine.CreateChallenge(ctx, "agent-1", "")
		require.NoError(t, err)
		switch i % 3 {
		case 0:
			_, err = h.engine.Respond(ctx, ch.ID, "agent-1", cid.Proof(data, ch.Nonce))
			require.NoError(t, err)
		case 1:
			_, err = h.engine.Respond(ctx, ch.ID, "agent-1", "bad")
			require.NoError(t, err)
		case 2:
			h.advance(core.ChallengeTTL)
		}
		status, err := h.engine.AgentStatus(ctx, "agent-1")
		require.NoError(t, err)
		assert.GreaterOrEqual(t, status.Stats.SuccessRate, 0.0)
		assert.LessOrEqual(t, status.Stats.SuccessRate, 1.0)
		assert.False(t, status.Stats.ConsecutivePasses > 0 && status.Stats.ConsecutiveFails > 0)
	}
}

func TestSweepExpired(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.store("agent-1", []byte("a"))
	h.store("agent-2", []byte("b"))

	_, err := h.engine.CreateChallenge(ctx, "agent-1", "")
	require.NoError(t, err)
	_, err = h.engine.CreateChallenge(ctx, "agent-2", "")
	require.NoError(t, err)

	n, err := h.engine.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	h.advance(time.Hour)
	n, err = h.engine.SweepExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	net := h.registry.Network()
	assert.EqualValues(t, 0, net.Pending)
	assert.EqualValues(t, 2, net.Expired)
}

func TestOutcomesArePublished(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	data := []byte("observed")
	h.store("agent-1", data)

	var got []core.ChallengeOutcome
	unsub := h.feed.Subscribe(func(o core.ChallengeOutcome) { got = append(got, o) })
	defer unsub()

	passed, err := h.engine.CreateChallenge(ctx, "agent-1", "")
	require.NoError(t, err)
	_, err = h.engine.Respond(ctx, passed.ID, "agent-1", cid.Proof(data, passed.Nonce))
	require.NoError(t, err)

	_, err = h.engine.CreateChallenge(ctx, "agent-1", "")
	require.NoError(t, err)
	h.advance(core.ChallengeTTL)
	_, err = h.engine.SweepExpired(ctx)
	require.NoError(t, err)

	require.Len(t, got, 2)
	assert.Equal(t, core.StatusPassed, got[0].Status)
	assert.True(t, got[0].Valid)
	assert.Equal(t, core.StatusExpired, got[1].Status)
	assert.False(t, got[1].Valid)
	assert.Equal(t, got[0].Hash, got[1].PrevHash)

	polled, err := h.feed.Since(0, 10)
	require.NoError(t, err)
	assert.Len(t, polled, 2)
}

func TestBatchCreate(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	for _, a := range []string{"agent-1", "agent-2", "agent-3", "agent-4", "agent-5"} {
		h.store(a, []byte("chunk of "+a))
	}

	created, err := h.engine.BatchCreate(ctx, 3)
	require.NoError(t, err)
	require.Len(t, created, 3)
	seen := map[string]bool{}
	for _, c := range created {
		assert.False(t, seen[c.AgentID])
		seen[c.AgentID] = true
	}

	created, err = h.engine.BatchCreate(ctx, 50)
	require.NoError(t, err)
	assert.Len(t, created, 5)

	_, err = h.engine.BatchCreate(ctx, 0)
	assert.Equal(t, core.KindValidation, core.KindOf(err))
}

func TestBatchCreateSkipsCappedAgents(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	h.store("busy", []byte("busy chunk"))
	h.store("idle", []byte("idle chunk"))

	for i := 0; i < core.MaxPendingPerAgent; i++ {
		_, err := h.engine.CreateChallenge(ctx, "busy", "")
		require.NoError(t, err)
	}

	created, err := h.engine.BatchCreate(ctx, 2)
	require.NoError(t, err)
	require.Len(t, created, 1)
	assert.Equal(t, "idle", created[0].AgentID)
}

func TestAgentStatusHistoryWindow(t *testing.T) {
	cfg := DefaultConfig()
	cfg.HistoryWindow = 2
	h := newHarness(t, cfg)
	ctx := context.Background()
	data := []byte("history")
	h.store("agent-1", data)

	var ids []string
	for i := 0; i < 4; i++ {
		ch, err := h.engine.CreateChallenge(ctx, "agent-1", "")
		require.NoError(t, err)
		_, err = h.engine.Respond(ctx, ch.ID, "agent-1", cid.Proof(data, ch.Nonce))
		require.NoError(t, err)
		ids = append(ids, ch.ID)
		h.advance(time.Second)
	}

	status, err := h.engine.AgentStatus(ctx, "agent-1")
	require.NoError(t, err)
	require.Len(t, status.Recent, 2)
	assert.Equal(t, ids[3], status.Recent[0].ID)
	assert.Equal(t, ids[2], status.Recent[1].ID)

	_, err = h.engine.AgentStatus(ctx, "nobody")
	assert.Equal(t, core.KindNotFound, core.KindOf(err))
}

func TestPendingChallengesListing(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	data := []byte("listed")
	h.store("agent-1", data)

	open, err := h.engine.CreateChallenge(ctx, "agent-1", "")
	require.NoError(t, err)
	done, err := h.engine.CreateChallenge(ctx, "agent-1", "")
	require.NoError(t, err)
	_, err = h.engine.Respond(ctx, done.ID, "agent-1", cid.Proof(data, done.Nonce))
	require.NoError(t, err)

	pending, err := h.engine.PendingChallenges(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, open.ID, pending[0].ID)
	assert.Equal(t, open.Nonce, pending[0].Nonce)
	assert.Equal(t, open.ExpiresAt, pending[0].ExpiresAt)
}

func TestOverviewLeaderboard(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()

	respond := func(agent string, data []byte, correct bool) {
		ch, err := h.engine.CreateChallenge(ctx, agent, "")
		require.NoError(t, err)
		proof := "wrong"
		if correct {
			proof = cid.Proof(data, ch.Nonce)
		}
		_, err = h.engine.Respond(ctx, ch.ID, agent, proof)
		require.NoError(t, err)
	}

	da, db, dc := []byte("a"), []byte("b"), []byte("c")
	h.store("agent-a", da)
	h.store("agent-b", db)
	h.store("agent-c", dc)

	respond("agent-a", da, true)
	respond("agent-b", db, true)
	respond("agent-b", db, true)
	respond("agent-c", dc, false)

	ov, err := h.engine.Overview(ctx, 0)
	require.NoError(t, err)
	require.Len(t, ov.Leaderboard, 3)
	assert.Equal(t, "agent-b", ov.Leaderboard[0].AgentID)
	assert.Equal(t, "agent-a", ov.Leaderboard[1].AgentID)
	assert.Equal(t, "agent-c", ov.Leaderboard[2].AgentID)
	assert.Equal(t, 3, ov.Leaderboard[2].Rank)

	assert.EqualValues(t, 4, ov.Network.TotalChallenges)
	assert.EqualValues(t, 3, ov.Network.Passed)
	assert.EqualValues(t, 1, ov.Network.Failed)
	assert.EqualValues(t, 3, ov.Network.Agents)

	top, err := h.engine.Overview(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, top.Leaderboard, 1)
}

func TestRankStatsTieBreak(t *testing.T) {
	stats := []*core.ProofStats{
		{AgentID: "zeta", SuccessRate: 0.5, TotalChallenges: 4},
		{AgentID: "alpha", SuccessRate: 0.5, TotalChallenges: 4},
		{AgentID: "beta", SuccessRate: 0.5, TotalChallenges: 10},
		{AgentID: "gamma", SuccessRate: 0.9, TotalChallenges: 1},
	}
	rankStats(stats)

	order := make([]string, len(stats))
	for i, s := range stats {
		order[i] = s.AgentID
	}
	assert.Equal(t, []string{"gamma", "beta", "alpha", "zeta"}, order)
}

func TestPrune(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	data := []byte("prunable")
	h.store("agent-1", data)

	for i := 0; i < 30; i++ {
		ch, err := h.engine.CreateChallenge(ctx, "agent-1", "")
		require.NoError(t, err)
		_, err = h.engine.Respond(ctx, ch.ID, "agent-1", cid.Proof(data, ch.Nonce))
		require.NoError(t, err)
		h.advance(time.Second)
	}
	open, err := h.engine.CreateChallenge(ctx, "agent-1", "")
	require.NoError(t, err)

	_, err = h.engine.Prune(ctx, 1)
	assert.Equal(t, core.KindValidation, core.KindOf(err))

	n, err := h.engine.Prune(ctx, core.HistoryWindow)
	require.NoError(t, err)
	assert.Equal(t, 31-core.HistoryWindow, n)

	status, err := h.engine.AgentStatus(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, open.ID, status.Recent[0].ID)
	assert.EqualValues(t, 31, status.Stats.TotalChallenges)
}

func TestRegistrySurvivesReopen(t *testing.T) {
	h := newHarness(t, DefaultConfig())
	ctx := context.Background()
	data := []byte("durable")
	h.store("agent-1", data)

	ch, err := h.engine.CreateChallenge(ctx, "agent-1", "")
	require.NoError(t, err)
	_, err = h.engine.Respond(ctx, ch.ID, "agent-1", cid.Proof(data, ch.Nonce))
	require.NoError(t, err)
	open, err := h.engine.CreateChallenge(ctx, "agent-1", "")
	require.NoError(t, err)

	reg, err := OpenRegistry(h.db)
	require.NoError(t, err)
	net := reg.Network()
	assert.EqualValues(t, 2, net.TotalChallenges)
	assert.EqualValues(t, 1, net.Pending)
	assert.EqualValues(t, 1, net.Passed)

	engine := New(DefaultConfig(), reg, h.chunks, h.ledger, nil, nil, logging.NewNop(),
		WithClock(func() time.Time { return h.now }))
	res, err := engine.Respond(ctx, open.ID, "agent-1", cid.Proof(data, open.Nonce))
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.EqualValues(t, 2, res.Stats.Passed)
}

func TestEndToEndWithChunkStore(t *testing.T) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	defer db.Close()
	ctx := context.Background()

	store, err := chunkstore.Open(chunkstore.Config{Root: t.TempDir()}, db, logging.NewNop())
	require.NoError(t, err)
	contributions := ledger.NewLevelLedger(db, logging.NewNop())
	reg, err := OpenRegistry(db)
	require.NoError(t, err)
	engine := New(DefaultConfig(), reg, store, contributions, nil, nil, logging.NewNop())

	data := []byte(`{"hello":"world"}`)
	put, err := store.Put(ctx, data)
	require.NoError(t, err)
	_, err = contributions.AddClaims(ctx, "agent-1", []string{put.CID})
	require.NoError(t, err)

	ch, err := engine.CreateChallenge(ctx, "agent-1", "")
	require.NoError(t, err)
	assert.Equal(t, put.CID, ch.CID)

	res, err := engine.Respond(ctx, ch.ID, "agent-1", cid.Proof(data, ch.Nonce))
	require.NoError(t, err)
	assert.True(t, res.Valid)

	bad, err := engine.CreateChallenge(ctx, "agent-1", "")
	require.NoError(t, err)
	res, err = engine.Respond(ctx, bad.ID, "agent-1", "00")
	require.NoError(t, err)
	assert.False(t, res.Valid)

	failures, err := contributions.Failures(ctx, "agent-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, failures.Count)
}
