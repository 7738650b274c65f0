// Package ledger holds the collaborators the challenge engine talks to: the
// contribution ledger that knows which chunks each agent claims, and the
// outcome feed the credit ledger consumes.
package ledger

import (
	"context"
	"strings"

	"github.com/LICODX/chunkproof/pkg/core"
)

// ContributionLedger supplies claimed CIDs per agent and receives the
// verification failure count back after a failed challenge.
type ContributionLedger interface {
	ClaimedCIDs(ctx context.Context, agentID string) ([]string, error)
	AgentsWithClaims(ctx context.Context) ([]string, error)
	ReportVerificationFailures(ctx context.Context, agentID string, count int64) error
}

const maxAgentIDLength = 128

// ValidateAgentID rejects ids that cannot be used as a storage key segment.
func ValidateAgentID(agentID string) error {
	if strings.TrimSpace(agentID) == "" {
		return core.Validation("agent id is required")
	}
	if len(agentID) > maxAgentIDLength {
		return core.Validation("agent id exceeds %d characters", maxAgentIDLength)
	}
	if strings.ContainsAny(agentID, "/\x00") {
		return core.Validation("agent id %q contains reserved characters", agentID)
	}
	return nil
}
