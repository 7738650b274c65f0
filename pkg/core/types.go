package core

import "time"

// ChunkRecord is the persisted metadata entry for one stored chunk.
type ChunkRecord struct {
	CID       string    `json:"cid"`
	Size      int64     `json:"size"`
	Tier      Tier      `json:"tier"`
	CreatedAt time.Time `json:"createdAt"`
}

type TierUsage struct {
	Count int64 `json:"count"`
	Bytes int64 `json:"bytes"`
}

// StorageMetadata holds the aggregate counters maintained alongside every
// store and delete. A live scan of the chunk root supersedes it.
type StorageMetadata struct {
	TotalChunks int64              `json:"totalChunks"`
	TotalBytes  int64              `json:"totalBytes"`
	Tiers       map[Tier]TierUsage `json:"tiers"`
	UpdatedAt   time.Time          `json:"updatedAt"`
}

func NewStorageMetadata() *StorageMetadata {
	m := &StorageMetadata{Tiers: make(map[Tier]TierUsage, len(Tiers))}
	for _, t := range Tiers {
		m.Tiers[t] = TierUsage{}
	}
	return m
}

func (m *StorageMetadata) Add(tier Tier, size int64) {
	m.TotalChunks++
	m.TotalBytes += size
	u := m.Tiers[tier]
	u.Count++
	u.Bytes += size
	m.Tiers[tier] = u
}

func (m *StorageMetadata) Remove(tier Tier, size int64) {
	m.TotalChunks--
	m.TotalBytes -= size
	u := m.Tiers[tier]
	u.Count--
	u.Bytes -= size
	m.Tiers[tier] = u
}

func (m *StorageMetadata) Clone() *StorageMetadata {
	c := &StorageMetadata{
		TotalChunks: m.TotalChunks,
		TotalBytes:  m.TotalBytes,
		Tiers:       make(map[Tier]TierUsage, len(m.Tiers)),
		UpdatedAt:   m.UpdatedAt,
	}
	for k, v := range m.Tiers {
		c.Tiers[k] = v
	}
	return c
}

type ChallengeResponse struct {
	SubmittedAt time.Time `json:"submittedAt"`
	Proof       string    `json:"proof"`
	Valid       bool      `json:"valid"`
}

type StorageChallenge struct {
	ID        string             `json:"id"`
	AgentID   string             `json:"agentId"`
	CID       string             `json:"cid"`
	Nonce     string             `json:"nonce"`
	IssuedAt  time.Time          `json:"issuedAt"`
	ExpiresAt time.Time          `json:"expiresAt"`
	Status    ChallengeStatus    `json:"status"`
	Response  *ChallengeResponse `json:"response,omitempty"`
}

func (c *StorageChallenge) Expired(now time.Time) bool {
	return !now.Before(c.ExpiresAt)
}

func (c *StorageChallenge) Clone() *StorageChallenge {
	cp := *c
	if c.Response != nil {
		r := *c.Response
		cp.Response = &r
	}
	return &cp
}

// ProofStats tracks one agent's challenge history. At most one of the
// consecutive counters is non-zero.
type ProofStats struct {
	AgentID           string    `json:"agentId"`
	TotalChallenges   int64     `json:"totalChallenges"`
	Passed            int64     `json:"passed"`
	Failed            int64     `json:"failed"`
	Expired           int64     `json:"expired"`
	SuccessRate       float64   `json:"successRate"`
	LastChallenge     time.Time `json:"lastChallenge"`
	ConsecutivePasses int64     `json:"consecutivePasses"`
	ConsecutiveFails  int64     `json:"consecutiveFails"`
}

// RecomputeSuccessRate applies passed / max(1, total - expired).
func (s *ProofStats) RecomputeSuccessRate() {
	denom := s.TotalChallenges - s.Expired
	if denom < 1 {
		denom = 1
	}
	rate := float64(s.Passed) / float64(denom)
	if rate > 1 {
		rate = 1
	}
	if rate < 0 {
		rate = 0
	}
	s.SuccessRate = rate
}

func (s *ProofStats) RecordPass() {
	s.Passed++
	s.ConsecutivePasses++
	s.ConsecutiveFails = 0
	s.RecomputeSuccessRate()
}

func (s *ProofStats) RecordFail() {
	s.Failed++
	s.ConsecutiveFails++
	s.ConsecutivePasses = 0
	s.RecomputeSuccessRate()
}

func (s *ProofStats) RecordExpiry() {
	s.Expired++
	s.ConsecutiveFails++
	s.ConsecutivePasses = 0
	s.RecomputeSuccessRate()
}

type NetworkStats struct {
	TotalChallenges int64     `json:"totalChallenges"`
	Passed          int64     `json:"passed"`
	Failed          int64     `json:"failed"`
	Expired         int64     `json:"expired"`
	Pending         int64     `json:"pending"`
	Agents          int64     `json:"agents"`
	UpdatedAt       time.Time `json:"updatedAt"`
}

// ChallengeOutcome is the event the credit ledger consumes.
type ChallengeOutcome struct {
	Seq         uint64          `json:"seq"`
	EventID     string          `json:"eventId"`
	ChallengeID string          `json:"challengeId"`
	AgentID     string          `json:"agentId"`
	CID         string          `json:"cid"`
	Status      ChallengeStatus `json:"status"`
	Valid       bool            `json:"valid"`
	Timestamp   time.Time       `json:"timestamp"`
	PrevHash    string          `json:"prevHash"`
	Hash        string          `json:"hash"`
}
