package core

import "time"

const (
	CIDPrefix       = "baf"
	CIDDigestLength = 56 // hex chars of sha256 kept in a CID (224 bits)
	CIDLength       = len(CIDPrefix) + CIDDigestLength
	ShardKeyLength  = 2
)

const (
	ChallengeTTL        = 5 * time.Minute
	MaxPendingPerAgent  = 3
	NonceBytes          = 32 // 256 bits
	ChallengeIDBytes    = 16 // 128 bits
	HistoryWindow       = 20
	LeaderboardSize     = 10
	LedgerNotifyTimeout = 2 * time.Second
)

type Tier string

const (
	TierHot  Tier = "hot"
	TierWarm Tier = "warm"
	TierCold Tier = "cold"
)

// Tiers lists every storage class in promotion order.
var Tiers = []Tier{TierHot, TierWarm, TierCold}

func (t Tier) Valid() bool {
	switch t {
	case TierHot, TierWarm, TierCold:
		return true
	}
	return false
}

type ChallengeStatus string

const (
	StatusPending ChallengeStatus = "pending"
	StatusPassed  ChallengeStatus = "passed"
	StatusFailed  ChallengeStatus = "failed"
	StatusExpired ChallengeStatus = "expired"
)

func (s ChallengeStatus) Terminal() bool {
	return s == StatusPassed || s == StatusFailed || s == StatusExpired
}
