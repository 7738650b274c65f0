package challenge

import (
	"context"
	mrand "math/rand"
	"sort"
	"time"

	"github.com/LICODX/chunkproof/pkg/core"
)

// BatchCreate challenges up to count randomly chosen agents that claim at
// least one chunk and still have room under the pending cap. Creating fewer
// than count challenges is not an error.
func (e *Engine) BatchCreate(ctx context.Context, count int) ([]*core.StorageChallenge, error) {
	if count < 1 {
		return nil, core.Validation("count must be at least 1")
	}
	if count > e.cfg.MaxBatch {
		return nil, core.Validation("count must not exceed %d", e.cfg.MaxBatch)
	}

	agents, err := e.ledger.AgentsWithClaims(ctx)
	if err != nil {
		return nil, err
	}
	mrand.Shuffle(len(agents), func(i, j int) { agents[i], agents[j] = agents[j], agents[i] })

	created := make([]*core.StorageChallenge, 0, count)
	for _, agentID := range agents {
		if len(created) >= count {
			break
		}
		if err := ctx.Err(); err != nil {
			return created, err
		}

		ch, err := e.CreateChallenge(ctx, agentID, "")
		switch core.KindOf(err) {
		case "":
			created = append(created, ch)
		case core.KindRateLimited, core.KindNotFound, core.KindValidation:
			continue
		case core.KindUnavailable:
			e.log.WarnWithFields("skipping agent in batch", map[string]interface{}{"agent": agentID, "error": err})
			continue
		default:
			return created, err
		}
	}

	e.log.InfoWithFields("batch challenge sweep finished", map[string]interface{}{
		"requested": count,
		"created":   len(created),
		"agents":    len(agents),
	})
	return created, nil
}

type AgentStatus struct {
	Stats  core.ProofStats           `json:"stats"`
	Recent []*core.StorageChallenge `json:"recentChallenges"`
}

// AgentStatus returns the agent's stats and its most recent challenges,
// newest first.
func (e *Engine) AgentStatus(ctx context.Context, agentID string) (*AgentStatus, error) {
	if agentID == "" {
		return nil, core.Validation("agent id is required")
	}

	var status *AgentStatus
	expired, err := e.read(ctx, func(tx *Txn) error {
		if !tx.HasStats(agentID) {
			return core.NotFound("no challenges recorded for agent %s", agentID)
		}
		all := tx.AgentChallenges(agentID)
		recent := make([]*core.StorageChallenge, 0, e.cfg.HistoryWindow)
		for i := len(all) - 1; i >= 0 && len(recent) < e.cfg.HistoryWindow; i-- {
			recent = append(recent, all[i])
		}
		status = &AgentStatus{Stats: *tx.Stats(agentID), Recent: recent}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.afterCommit(ctx, expired)
	return status, nil
}

// PendingView is a pending challenge as listed to operators. It never carries
// a submitted proof.
type PendingView struct {
	ID        string    `json:"id"`
	AgentID   string    `json:"agentId"`
	CID       string    `json:"cid"`
	Nonce     string    `json:"nonce"`
	ExpiresAt time.Time `json:"expiresAt"`
}

func (e *Engine) PendingChallenges(ctx context.Context) ([]PendingView, error) {
	var out []PendingView
	expired, err := e.read(ctx, func(tx *Txn) error {
		ids := tx.PendingIDs()
		out = make([]PendingView, 0, len(ids))
		for _, id := range ids {
			c := tx.Challenge(id)
			if c == nil {
				continue
			}
			out = append(out, PendingView{
				ID:        c.ID,
				AgentID:   c.AgentID,
				CID:       c.CID,
				Nonce:     c.Nonce,
				ExpiresAt: c.ExpiresAt,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].ExpiresAt.Equal(out[j].ExpiresAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].ExpiresAt.Before(out[j].ExpiresAt)
	})
	e.afterCommit(ctx, expired)
	return out, nil
}

type LeaderboardEntry struct {
	Rank            int     `json:"rank"`
	AgentID         string  `json:"agentId"`
	SuccessRate     float64 `json:"successRate"`
	TotalChallenges int64   `json:"totalChallenges"`
	Passed          int64   `json:"passed"`
	Failed          int64   `json:"failed"`
	Expired         int64   `json:"expired"`
}

type Overview struct {
	Network     core.NetworkStats  `json:"network"`
	Leaderboard []LeaderboardEntry `json:"leaderboard"`
}

// Overview returns the network counters and the topN agents ranked by
// success rate, then total challenges (desc), then agent id.
func (e *Engine) Overview(ctx context.Context, topN int) (*Overview, error) {
	if topN <= 0 {
		topN = e.cfg.LeaderboardSize
	}

	var ov *Overview
	expired, err := e.read(ctx, func(tx *Txn) error {
		agents := tx.Agents()
		stats := make([]*core.ProofStats, 0, len(agents))
		for _, a := range agents {
			stats = append(stats, tx.Stats(a))
		}
		rankStats(stats)
		if len(stats) > topN {
			stats = stats[:topN]
		}

		board := make([]LeaderboardEntry, 0, len(stats))
		for i, s := range stats {
			board = append(board, LeaderboardEntry{
				Rank:            i + 1,
				AgentID:         s.AgentID,
				SuccessRate:     s.SuccessRate,
				TotalChallenges: s.TotalChallenges,
				Passed:          s.Passed,
				Failed:          s.Failed,
				Expired:         s.Expired,
			})
		}
		ov = &Overview{Network: tx.Network(), Leaderboard: board}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.afterCommit(ctx, expired)
	return ov, nil
}

func rankStats(stats []*core.ProofStats) {
	sort.SliceStable(stats, func(i, j int) bool {
		a, b := stats[i], stats[j]
		if a.SuccessRate != b.SuccessRate {
			return a.SuccessRate > b.SuccessRate
		}
		if a.TotalChallenges != b.TotalChallenges {
			return a.TotalChallenges > b.TotalChallenges
		}
		return a.AgentID < b.AgentID
	})
}

// Prune deletes terminal challenges older than each agent's keepPerAgent most
// recent ones. Pending challenges and aggregate stats are never touched.
func (e *Engine) Prune(ctx context.Context, keepPerAgent int) (int, error) {
	if keepPerAgent < e.cfg.HistoryWindow {
		return 0, core.Validation("keep per agent must be at least the history window (%d)", e.cfg.HistoryWindow)
	}

	pruned := 0
	expired, err := e.read(ctx, func(tx *Txn) error {
		for _, agent := range tx.Agents() {
			all := tx.AgentChallenges(agent)
			cutoff := len(all) - keepPerAgent
			for i := 0; i < cutoff; i++ {
				if !all[i].Status.Terminal() {
					continue
				}
				tx.DeleteChallenge(all[i].ID)
				pruned++
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	e.afterCommit(ctx, expired)
	if pruned > 0 {
		e.log.InfoWithFields("pruned old challenges", map[string]interface{}{"count": pruned, "keep_per_agent": keepPerAgent})
	}
	return pruned, nil
}

// read sweeps expirations and runs fn in the same critical section.
func (e *Engine) read(ctx context.Context, fn func(tx *Txn) error) ([]*core.StorageChallenge, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var expired []*core.StorageChallenge
	err := e.registry.Update(func(tx *Txn) error {
		var err error
		if expired, err = e.sweepLocked(tx, e.now()); err != nil {
			return err
		}
		return fn(tx)
	})
	return expired, err
}
