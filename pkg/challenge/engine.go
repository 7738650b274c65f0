// Package challenge issues storage challenges to agents and judges their
// proofs of possession.
package challenge

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	mrand "math/rand"
	"time"

	"golang.org/x/xerrors"

	"github.com/LICODX/chunkproof/pkg/cid"
	"github.com/LICODX/chunkproof/pkg/core"
	"github.com/LICODX/chunkproof/pkg/ledger"
	"github.com/LICODX/chunkproof/pkg/logging"
	"github.com/LICODX/chunkproof/pkg/metrics"
)

// ChunkReader is the slice of the chunk store the engine needs to recompute
// expected proofs.
type ChunkReader interface {
	Get(ctx context.Context, c string) ([]byte, error)
}

// OutcomePublisher receives every terminal challenge transition.
type OutcomePublisher interface {
	Publish(o core.ChallengeOutcome) (core.ChallengeOutcome, error)
}

type Config struct {
	TTL                time.Duration
	MaxPendingPerAgent int
	HistoryWindow      int
	LeaderboardSize    int
	NotifyTimeout      time.Duration
	MaxBatch           int
}

func DefaultConfig() Config {
	return Config{
		TTL:                core.ChallengeTTL,
		MaxPendingPerAgent: core.MaxPendingPerAgent,
		HistoryWindow:      core.HistoryWindow,
		LeaderboardSize:    core.LeaderboardSize,
		NotifyTimeout:      core.LedgerNotifyTimeout,
		MaxBatch:           256,
	}
}

type Option func(*Engine)

// WithClock replaces time.Now, mainly so tests can move past the TTL.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

type Engine struct {
	cfg      Config
	registry *Registry
	chunks   ChunkReader
	ledger   ledger.ContributionLedger
	feed     OutcomePublisher
	metrics  *metrics.ChallengeMetrics
	log      *logging.StructuredLogger
	now      func() time.Time
}

func New(cfg Config, registry *Registry, chunks ChunkReader, contributions ledger.ContributionLedger,
	feed OutcomePublisher, m *metrics.ChallengeMetrics, log *logging.StructuredLogger, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.MaxPendingPerAgent <= 0 {
		cfg.MaxPendingPerAgent = def.MaxPendingPerAgent
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = def.HistoryWindow
	}
	if cfg.LeaderboardSize <= 0 {
		cfg.LeaderboardSize = def.LeaderboardSize
	}
	if cfg.NotifyTimeout <= 0 {
		cfg.NotifyTimeout = def.NotifyTimeout
	}
	if cfg.MaxBatch <= 0 {
		cfg.MaxBatch = def.MaxBatch
	}
	if m == nil {
		m = metrics.NewChallengeMetrics(metrics.NewPrometheusMetrics())
	}
	if log == nil {
		log = logging.Component("challenge")
	}

	e := &Engine{
		cfg:      cfg,
		registry: registry,
		chunks:   chunks,
		ledger:   contributions,
		feed:     feed,
		metrics:  m,
		log:      log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func randomHex(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", xerrors.Errorf("failed to read random bytes: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// sweepLocked expires every pending challenge whose deadline has passed.
func (e *Engine) sweepLocked(tx *Txn, now time.Time) ([]*core.StorageChallenge, error) {
	var expired []*core.StorageChallenge
	network := tx.Network()
	for _, id := range tx.PendingIDs() {
		c := tx.Challenge(id)
		if c == nil || !c.Expired(now) {
			continue
		}
		if err := e.expireLocked(tx, c, &network); err != nil {
			return nil, err
		}
		expired = append(expired, c)
	}
	if len(expired) > 0 {
		if err := tx.PutNetwork(network); err != nil {
			return nil, err
		}
	}
	return expired, nil
}

func (e *Engine) expireLocked(tx *Txn, c *core.StorageChallenge, network *core.NetworkStats) error {
	c.Status = core.StatusExpired
	if err := tx.PutChallenge(c); err != nil {
		return err
	}
	stats := tx.Stats(c.AgentID)
	stats.RecordExpiry()
	if err := tx.PutStats(stats); err != nil {
		return err
	}
	network.Expired++
	network.Pending--
	network.UpdatedAt = e.now().UTC()
	return nil
}

// CreateChallenge issues a challenge for agentID. An empty c picks one of the
// agent's claimed chunks at random.
func (e *Engine) CreateChallenge(ctx context.Context, agentID, c string) (*core.StorageChallenge, error) {
	if err := ledger.ValidateAgentID(agentID); err != nil {
		return nil, err
	}
	if c != "" {
		if err := cid.Validate(c); err != nil {
			return nil, err
		}
	}

	claims, err := e.ledger.ClaimedCIDs(ctx, agentID)
	if err != nil {
		return nil, err
	}

	var (
		created *core.StorageChallenge
		expired []*core.StorageChallenge
	)
	err = e.registry.Update(func(tx *Txn) error {
		now := e.now()
		var err error
		if expired, err = e.sweepLocked(tx, now); err != nil {
			return err
		}
		created, err = e.createLocked(tx, now, agentID, c, claims)
		return err
	})
	if err != nil {
		if core.KindOf(err) == core.KindRateLimited {
			e.metrics.RateLimited.Inc()
		}
		return nil, err
	}

	e.afterCommit(ctx, expired)
	e.metrics.Created.Inc()
	e.log.InfoWithFields("challenge issued", map[string]interface{}{
		"challenge": created.ID,
		"agent":     agentID,
		"cid":       created.CID,
		"expires":   created.ExpiresAt,
	})
	return created, nil
}

func (e *Engine) createLocked(tx *Txn, now time.Time, agentID, c string, claims []string) (*core.StorageChallenge, error) {
	if len(claims) == 0 {
		return nil, core.NotFound("agent %s claims no chunks", agentID)
	}
	if tx.PendingCount(agentID) >= e.cfg.MaxPendingPerAgent {
		return nil, core.RateLimited("agent %s already has %d pending challenges", agentID, e.cfg.MaxPendingPerAgent)
	}

	if c == "" {
		c = claims[mrand.Intn(len(claims))]
	} else if !contains(claims, c) {
		return nil, core.Validation("agent %s does not claim chunk %s", agentID, c)
	}

	nonce, err := randomHex(core.NonceBytes)
	if err != nil {
		return nil, err
	}
	var id string
	for {
		if id, err = randomHex(core.ChallengeIDBytes); err != nil {
			return nil, err
		}
		if tx.Challenge(id) == nil {
			break
		}
	}

	ch := &core.StorageChallenge{
		ID:        id,
		AgentID:   agentID,
		CID:       c,
		Nonce:     nonce,
		IssuedAt:  now.UTC(),
		ExpiresAt: now.Add(e.cfg.TTL).UTC(),
		Status:    core.StatusPending,
	}
	if err := tx.PutChallenge(ch); err != nil {
		return nil, err
	}

	stats := tx.Stats(agentID)
	newAgent := !tx.HasStats(agentID)
	stats.TotalChallenges++
	stats.LastChallenge = ch.IssuedAt
	stats.RecomputeSuccessRate()
	if err := tx.PutStats(stats); err != nil {
		return nil, err
	}

	network := tx.Network()
	network.TotalChallenges++
	network.Pending++
	if newAgent {
		network.Agents++
	}
	network.UpdatedAt = ch.IssuedAt
	if err := tx.PutNetwork(network); err != nil {
		return nil, err
	}
	return ch, nil
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

type RespondResult struct {
	ChallengeID       string               `json:"challengeId"`
	Valid             bool                 `json:"valid"`
	Status            core.ChallengeStatus `json:"status"`
	SuccessRate       float64              `json:"successRate"`
	ConsecutivePasses int64                `json:"consecutivePasses"`
	ConsecutiveFails  int64                `json:"consecutiveFails"`
	Stats             core.ProofStats      `json:"stats"`
}

// Respond judges proof for an open challenge. A challenge found past its
// deadline is expired and reported as such rather than judged.
func (e *Engine) Respond(ctx context.Context, challengeID, agentID, proof string) (*RespondResult, error) {
	if challengeID == "" {
		return nil, core.Validation("challenge id is required")
	}
	if err := ledger.ValidateAgentID(agentID); err != nil {
		return nil, err
	}
	if proof == "" {
		return nil, core.Validation("proof is required")
	}

	var (
		result   *RespondResult
		judged   *core.StorageChallenge
		expired  []*core.StorageChallenge
		outcome  error
		failures int64
	)
	err := e.registry.Update(func(tx *Txn) error {
		now := e.now()
		var err error
		if expired, err = e.sweepLocked(tx, now); err != nil {
			return err
		}

		c := tx.Challenge(challengeID)
		if c == nil || c.AgentID != agentID {
			return core.NotFound("challenge %s not found for agent %s", challengeID, agentID)
		}

		switch c.Status {
		case core.StatusPending:
		case core.StatusExpired:
			// the sweep above may have just expired it; the caller still learns why
			outcome = core.Expired("challenge %s expired at %s", c.ID, c.ExpiresAt.Format(time.RFC3339))
			return nil
		default:
			return core.Conflict("challenge %s already resolved as %s", c.ID, c.Status)
		}

		if c.Expired(now) {
			network := tx.Network()
			if err := e.expireLocked(tx, c, &network); err != nil {
				return err
			}
			if err := tx.PutNetwork(network); err != nil {
				return err
			}
			expired = append(expired, c)
			outcome = core.Expired("challenge %s expired at %s", c.ID, c.ExpiresAt.Format(time.RFC3339))
			return nil
		}

		valid := e.verify(ctx, c, proof)
		c.Response = &core.ChallengeResponse{SubmittedAt: now.UTC(), Proof: proof, Valid: valid}

		stats := tx.Stats(agentID)
		network := tx.Network()
		if valid {
			c.Status = core.StatusPassed
			stats.RecordPass()
			network.Passed++
		} else {
			c.Status = core.StatusFailed
			stats.RecordFail()
			network.Failed++
		}
		network.Pending--
		network.UpdatedAt = now.UTC()

		if err := tx.PutChallenge(c); err != nil {
			return err
		}
		if err := tx.PutStats(stats); err != nil {
			return err
		}
		if err := tx.PutNetwork(network); err != nil {
			return err
		}

		judged = c
		failures = stats.Failed
		result = &RespondResult{
			ChallengeID:       c.ID,
			Valid:             valid,
			Status:            c.Status,
			SuccessRate:       stats.SuccessRate,
			ConsecutivePasses: stats.ConsecutivePasses,
			ConsecutiveFails:  stats.ConsecutiveFails,
			Stats:             *stats,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	resolved := expired
	if judged != nil {
		resolved = append(resolved, judged)
	}
	e.afterCommit(ctx, resolved)

	if outcome != nil {
		return nil, outcome
	}

	e.log.InfoWithFields("challenge judged", map[string]interface{}{
		"challenge": judged.ID,
		"agent":     agentID,
		"valid":     result.Valid,
	})
	if !result.Valid {
		e.reportFailures(ctx, agentID, failures)
	}
	return result, nil
}

// verify recomputes the expected proof. A chunk the verifier cannot read
// cannot confirm possession, so the proof is judged invalid.
func (e *Engine) verify(ctx context.Context, c *core.StorageChallenge, proof string) bool {
	start := time.Now()
	defer func() { e.metrics.VerifyDuration.Observe(time.Since(start).Seconds()) }()

	data, err := e.chunks.Get(context.WithoutCancel(ctx), c.CID)
	if err != nil {
		e.log.WarnWithFields("cannot read challenged chunk, judging proof invalid", map[string]interface{}{
			"challenge": c.ID,
			"cid":       c.CID,
			"error":     err,
		})
		return false
	}
	expected := cid.Proof(data, c.Nonce)
	return subtle.ConstantTimeCompare([]byte(expected), []byte(proof)) == 1
}

// reportFailures tells the contribution ledger about the agent's updated
// failure count. It never fails the caller.
func (e *Engine) reportFailures(ctx context.Context, agentID string, count int64) {
	nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.cfg.NotifyTimeout)
	defer cancel()

	if err := e.ledger.ReportVerificationFailures(nctx, agentID, count); err != nil {
		e.metrics.LedgerNotifyErrors.Inc()
		e.log.WarnWithFields("contribution ledger notification failed", map[string]interface{}{
			"agent": agentID,
			"count": count,
			"error": err,
		})
	}
}

// afterCommit updates metrics and publishes outcomes for challenges that
// reached a terminal status in the last committed update.
func (e *Engine) afterCommit(ctx context.Context, resolved []*core.StorageChallenge) {
	for _, c := range resolved {
		e.metrics.Resolved.WithLabelValues(string(c.Status)).Inc()
		if e.feed == nil {
			continue
		}
		valid := c.Status == core.StatusPassed
		ts := e.now().UTC()
		if c.Response != nil {
			ts = c.Response.SubmittedAt
		}
		if _, err := e.feed.Publish(core.ChallengeOutcome{
			ChallengeID: c.ID,
			AgentID:     c.AgentID,
			CID:         c.CID,
			Status:      c.Status,
			Valid:       valid,
			Timestamp:   ts,
		}); err != nil {
			e.log.ErrorWithFields("failed to publish challenge outcome", map[string]interface{}{
				"challenge": c.ID,
				"error":     err,
			})
		}
	}
	e.refreshPendingGauge()
}

func (e *Engine) refreshPendingGauge() {
	e.metrics.Pending.Set(float64(e.registry.Network().Pending))
}

// SweepExpired expires overdue challenges without any other mutation.
func (e *Engine) SweepExpired(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var expired []*core.StorageChallenge
	err := e.registry.Update(func(tx *Txn) error {
		var err error
		expired, err = e.sweepLocked(tx, e.now())
		return err
	})
	if err != nil {
		return 0, err
	}
	e.afterCommit(ctx, expired)
	if len(expired) > 0 {
		e.log.InfoWithFields("expired overdue challenges", map[string]interface{}{"count": len(expired)})
	}
	return len(expired), nil
}
