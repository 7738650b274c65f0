package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"

	"github.com/LICODX/chunkproof/pkg/challenge"
	"github.com/LICODX/chunkproof/pkg/chunkstore"
	"github.com/LICODX/chunkproof/pkg/cid"
	"github.com/LICODX/chunkproof/pkg/config"
	"github.com/LICODX/chunkproof/pkg/core"
	"github.com/LICODX/chunkproof/pkg/ledger"
	"github.com/LICODX/chunkproof/pkg/logging"
	"github.com/LICODX/chunkproof/pkg/metrics"
	"github.com/LICODX/chunkproof/pkg/utils"
)

type testNode struct {
	server *Server
	store  *chunkstore.Store
	claims *ledger.LevelLedger
	now    time.Time
}

func newTestNode(t *testing.T, mutate func(cfg *config.Config)) *testNode {
	t.Helper()
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	cfg := config.Default()
	cfg.Server.MaxChunkBytes = 1024
	if mutate != nil {
		mutate(cfg)
	}

	pm := metrics.NewPrometheusMetrics()
	log := logging.NewNop()
	store, err := chunkstore.Open(chunkstore.Config{Root: t.TempDir(), Metrics: metrics.NewStorageMetrics(pm)}, db, log)
	require.NoError(t, err)
	claims := ledger.NewLevelLedger(db, log)
	reg, err := challenge.OpenRegistry(db)
	require.NoError(t, err)
	journal, err := ledger.OpenJournal(db)
	require.NoError(t, err)
	feed := ledger.NewOutcomeFeed(journal, log)

	n := &testNode{store: store, claims: claims, now: time.Now()}
	engine := challenge.New(challenge.DefaultConfig(), reg, store, claims, feed,
		metrics.NewChallengeMetrics(pm), log, challenge.WithClock(func() time.Time { return n.now }))

	health := utils.NewHealthMonitor(time.Minute)
	health.RegisterComponent("chunkstore", func(ctx context.Context) (utils.HealthStatus, string) {
		return utils.StatusHealthy, ""
	})

	srv, err := NewServer(cfg, Backend{
		Store:    store,
		Engine:   engine,
		Outcomes: feed,
		Health:   health,
		Metrics:  pm,
	}, log)
	require.NoError(t, err)
	n.server = srv
	return n
}

func (n *testNode) do(t *testing.T, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	n.server.Handler().ServeHTTP(rec, req)
	return rec
}

func (n *testNode) doJSON(t *testing.T, method, path string, in interface{}) *httptest.ResponseRecorder {
	t.Helper()
	body, err := json.Marshal(in)
	require.NoError(t, err)
	return n.do(t, method, path, body)
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, out interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
}

func assertError(t *testing.T, rec *httptest.ResponseRecorder, code int, kind core.ErrorKind) {
	t.Helper()
	require.Equal(t, code, rec.Code, rec.Body.String())
	var resp ErrorResponse
	decode(t, rec, &resp)
	assert.Equal(t, code, resp.Code)
	assert.Equal(t, kind, resp.Kind)
	assert.Equal(t, http.StatusText(code), resp.Error)
}

func TestChunkLifecycle(t *testing.T) {
	n := newTestNode(t, nil)
	data := []byte(`{"hello":"world"}`)

	rec := n.do(t, http.MethodPost, "/api/chunks", data)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var put chunkstore.PutResult
	decode(t, rec, &put)
	assert.Equal(t, cid.Compute(data), put.CID)
	assert.EqualValues(t, len(data), put.Size)
	assert.False(t, put.Existed)
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	rec = n.do(t, http.MethodPost, "/api/chunks", data)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &put)
	assert.True(t, put.Existed)

	rec = n.do(t, http.MethodGet, "/api/chunks/"+put.CID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, data, rec.Body.Bytes())
	assert.Equal(t, put.CID, rec.Header().Get(chunkCIDHeader))
	assert.Equal(t, "true", rec.Header().Get(verifiedHeader))
	assert.True(t, strings.HasPrefix(rec.Header().Get("Content-Type"), cid.ContentTypeJSON))

	rec = n.do(t, http.MethodGet, "/api/storage/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats chunkstore.StorageStats
	decode(t, rec, &stats)
	assert.EqualValues(t, 1, stats.TotalChunks)
	assert.EqualValues(t, len(data), stats.TotalBytes)

	rec = n.do(t, http.MethodDelete, "/api/chunks/"+put.CID, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	assertError(t, n.do(t, http.MethodGet, "/api/chunks/"+put.CID, nil), http.StatusNotFound, core.KindNotFound)
	assertError(t, n.do(t, http.MethodDelete, "/api/chunks/"+put.CID, nil), http.StatusNotFound, core.KindNotFound)
}

func TestChunkBinaryContentType(t *testing.T) {
	n := newTestNode(t, nil)
	data := []byte{0x00, 0x01, 0x02}
	put, err := n.store.Put(context.Background(), data)
	require.NoError(t, err)

	rec := n.do(t, http.MethodGet, "/api/chunks/"+put.CID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, cid.ContentTypeBinary, rec.Header().Get("Content-Type"))
}

func TestChunkValidationErrors(t *testing.T) {
	n := newTestNode(t, nil)

	assertError(t, n.do(t, http.MethodPost, "/api/chunks", []byte{}), http.StatusBadRequest, core.KindValidation)
	assertError(t, n.do(t, http.MethodPost, "/api/chunks", bytes.Repeat([]byte("x"), 2048)), http.StatusBadRequest, core.KindValidation)
	assertError(t, n.do(t, http.MethodGet, "/api/chunks/not-a-cid", nil), http.StatusBadRequest, core.KindValidation)
}

func TestChallengeFlow(t *testing.T) {
	n := newTestNode(t, nil)
	ctx := context.Background()
	data := []byte("proof of storage")
	put, err := n.store.Put(ctx, data)
	require.NoError(t, err)
	_, err = n.claims.AddClaims(ctx, "agent-1", []string{put.CID})
	require.NoError(t, err)

	rec := n.doJSON(t, http.MethodPost, "/api/challenges", CreateChallengeRequest{AgentID: "agent-1"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created CreateChallengeResponse
	decode(t, rec, &created)
	assert.Equal(t, put.CID, created.CID)
	assert.Len(t, created.Nonce, 64)
	assert.WithinDuration(t, n.now.Add(core.ChallengeTTL), created.ExpiresAt, time.Second)

	rec = n.do(t, http.MethodGet, "/api/challenges/pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), created.ChallengeID)
	assert.NotContains(t, rec.Body.String(), "proof")

	rec = n.doJSON(t, http.MethodPost, "/api/challenges/"+created.ChallengeID+"/response", RespondRequest{
		AgentID: "agent-1",
		Proof:   cid.Proof(data, created.Nonce),
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var result map[string]interface{}
	decode(t, rec, &result)
	assert.Equal(t, true, result["valid"])
	assert.Equal(t, 1.0, result["successRate"])
	assert.Equal(t, 1.0, result["consecutivePasses"])
	assert.Equal(t, 0.0, result["consecutiveFails"])

	// a resolved challenge cannot be answered twice
	rec = n.doJSON(t, http.MethodPost, "/api/challenges/"+created.ChallengeID+"/response", RespondRequest{
		AgentID: "agent-1",
		Proof:   cid.Proof(data, created.Nonce),
	})
	assertError(t, rec, http.StatusConflict, core.KindConflict)

	rec = n.do(t, http.MethodGet, "/api/agents/agent-1/proofs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var proofs struct {
		AgentID string          `json:"agentId"`
		Stats   core.ProofStats `json:"stats"`
		Recent  []core.StorageChallenge
	}
	decode(t, rec, &proofs)
	assert.Equal(t, "agent-1", proofs.AgentID)
	assert.EqualValues(t, 1, proofs.Stats.Passed)

	rec = n.do(t, http.MethodGet, "/api/network/overview?top=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var ov challenge.Overview
	decode(t, rec, &ov)
	require.Len(t, ov.Leaderboard, 1)
	assert.Equal(t, "agent-1", ov.Leaderboard[0].AgentID)
	assert.EqualValues(t, 1, ov.Network.Passed)

	rec = n.do(t, http.MethodGet, "/api/outcomes?since=0&limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Head     uint64                  `json:"head"`
		Outcomes []core.ChallengeOutcome `json:"outcomes"`
	}
	decode(t, rec, &page)
	assert.EqualValues(t, 1, page.Head)
	require.Len(t, page.Outcomes, 1)
	assert.Equal(t, created.ChallengeID, page.Outcomes[0].ChallengeID)
	assert.True(t, page.Outcomes[0].Valid)
}

func TestChallengeErrors(t *testing.T) {
	n := newTestNode(t, nil)
	ctx := context.Background()
	data := []byte("some chunk")
	put, err := n.store.Put(ctx, data)
	require.NoError(t, err)
	_, err = n.claims.AddClaims(ctx, "agent-1", []string{put.CID})
	require.NoError(t, err)

	assertError(t, n.doJSON(t, http.MethodPost, "/api/challenges", CreateChallengeRequest{}), http.StatusBadRequest, core.KindValidation)
	assertError(t, n.doJSON(t, http.MethodPost, "/api/challenges", CreateChallengeRequest{AgentID: "nobody"}), http.StatusNotFound, core.KindNotFound)
	assertError(t, n.do(t, http.MethodPost, "/api/challenges", []byte("{")), http.StatusBadRequest, core.KindValidation)

	var last CreateChallengeResponse
	for i := 0; i < core.MaxPendingPerAgent; i++ {
		rec := n.doJSON(t, http.MethodPost, "/api/challenges", CreateChallengeRequest{AgentID: "agent-1"})
		require.Equal(t, http.StatusCreated, rec.Code)
		decode(t, rec, &last)
	}
	assertError(t, n.doJSON(t, http.MethodPost, "/api/challenges", CreateChallengeRequest{AgentID: "agent-1"}),
		http.StatusTooManyRequests, core.KindRateLimited)

	rec := n.doJSON(t, http.MethodPost, "/api/challenges/"+last.ChallengeID+"/response", RespondRequest{
		ChallengeID: "someone-else",
		AgentID:     "agent-1",
		Proof:       "00",
	})
	assertError(t, rec, http.StatusBadRequest, core.KindValidation)

	assertError(t, n.doJSON(t, http.MethodPost, "/api/challenges/missing/response", RespondRequest{AgentID: "agent-1", Proof: "00"}),
		http.StatusNotFound, core.KindNotFound)

	n.now = n.now.Add(core.ChallengeTTL)
	rec = n.doJSON(t, http.MethodPost, "/api/challenges/"+last.ChallengeID+"/response", RespondRequest{
		AgentID: "agent-1",
		Proof:   cid.Proof(data, last.Nonce),
	})
	assertError(t, rec, http.StatusGone, core.KindExpired)

	assertError(t, n.do(t, http.MethodGet, "/api/agents/nobody/proofs", nil), http.StatusNotFound, core.KindNotFound)
	assertError(t, n.do(t, http.MethodGet, "/api/network/overview?top=abc", nil), http.StatusBadRequest, core.KindValidation)
	assertError(t, n.do(t, http.MethodGet, "/api/outcomes?limit=0", nil), http.StatusBadRequest, core.KindValidation)
	assertError(t, n.do(t, http.MethodGet, "/api/outcomes?since=-1", nil), http.StatusBadRequest, core.KindValidation)
}

func TestBatchChallenges(t *testing.T) {
	n := newTestNode(t, nil)
	ctx := context.Background()
	for _, agent := range []string{"agent-1", "agent-2"} {
		put, err := n.store.Put(ctx, []byte("data for "+agent))
		require.NoError(t, err)
		_, err = n.claims.AddClaims(ctx, agent, []string{put.CID})
		require.NoError(t, err)
	}

	rec := n.doJSON(t, http.MethodPost, "/api/challenges/batch", BatchRequest{Count: 5})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp struct {
		Created    int                       `json:"created"`
		Challenges []CreateChallengeResponse `json:"challenges"`
	}
	decode(t, rec, &resp)
	assert.Equal(t, 2, resp.Created)
	assert.Len(t, resp.Challenges, 2)

	assertError(t, n.doJSON(t, http.MethodPost, "/api/challenges/batch", BatchRequest{Count: 0}), http.StatusBadRequest, core.KindValidation)
}

func TestRateLimitPerClient(t *testing.T) {
	n := newTestNode(t, func(cfg *config.Config) {
		cfg.Server.RequestsPerSec = 0.001
		cfg.Server.Burst = 2
	})

	assert.Equal(t, http.StatusOK, n.do(t, http.MethodGet, "/api/storage/stats", nil).Code)
	assert.Equal(t, http.StatusOK, n.do(t, http.MethodGet, "/api/storage/stats", nil).Code)
	rec := n.do(t, http.MethodGet, "/api/storage/stats", nil)
	assertError(t, rec, http.StatusTooManyRequests, core.KindRateLimited)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))

	req := httptest.NewRequest(http.MethodGet, "/api/storage/stats", nil)
	req.RemoteAddr = "198.51.100.7:4000"
	other := httptest.NewRecorder()
	n.server.Handler().ServeHTTP(other, req)
	assert.Equal(t, http.StatusOK, other.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	n := newTestNode(t, nil)

	rec := n.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var report utils.HealthReport
	decode(t, rec, &report)
	assert.Equal(t, utils.StatusHealthy, report.Status)
	require.Len(t, report.Components, 1)

	_, err := n.store.Put(context.Background(), []byte("metric me"))
	require.NoError(t, err)
	rec = n.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "chunkproof_")
}

func TestUnknownRoute(t *testing.T) {
	n := newTestNode(t, nil)
	assertError(t, n.do(t, http.MethodGet, "/api/nope", nil), http.StatusNotFound, core.KindNotFound)
}

func TestCORSPreflight(t *testing.T) {
	n := newTestNode(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/api/chunks", nil)
	req.Header.Set("Origin", "http://client.example.org")
	req.Header.Set("Access-Control-Request-Method", "POST")
	rec := httptest.NewRecorder()
	n.server.Handler().ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}
