package ledger

import (
	"context"
	"os"

	"golang.org/x/xerrors"
	"gopkg.in/yaml.v3"

	"github.com/LICODX/chunkproof/pkg/cid"
)

type AgentClaims struct {
	AgentID string   `yaml:"agent_id" json:"agent_id"`
	CIDs    []string `yaml:"cids" json:"cids"`
}

// ClaimsManifest seeds a local ledger with the chunks each agent is known to
// store. JSON manifests parse as well since they are valid YAML.
type ClaimsManifest struct {
	Network string        `yaml:"network" json:"network"`
	Agents  []AgentClaims `yaml:"agents" json:"agents"`
}

func LoadManifest(path string) (*ClaimsManifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, xerrors.Errorf("failed to read claims manifest: %w", err)
	}

	var m ClaimsManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, xerrors.Errorf("failed to parse claims manifest: %w", err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

func (m *ClaimsManifest) Save(path string) error {
	data, err := yaml.Marshal(m)
	if err != nil {
		return xerrors.Errorf("failed to marshal claims manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return xerrors.Errorf("failed to write claims manifest: %w", err)
	}
	return nil
}

func (m *ClaimsManifest) Validate() error {
	seen := make(map[string]struct{}, len(m.Agents))
	for _, a := range m.Agents {
		if err := ValidateAgentID(a.AgentID); err != nil {
			return err
		}
		if _, dup := seen[a.AgentID]; dup {
			return xerrors.Errorf("agent %s listed twice in manifest", a.AgentID)
		}
		seen[a.AgentID] = struct{}{}
		for _, c := range a.CIDs {
			if err := cid.Validate(c); err != nil {
				return xerrors.Errorf("agent %s: %w", a.AgentID, err)
			}
		}
	}
	return nil
}

// ApplyManifest adds every claim in m to l and returns how many were new.
func ApplyManifest(ctx context.Context, l *LevelLedger, m *ClaimsManifest) (int, error) {
	total := 0
	for _, a := range m.Agents {
		n, err := l.AddClaims(ctx, a.AgentID, a.CIDs)
		if err != nil {
			return total, xerrors.Errorf("failed to apply claims for %s: %w", a.AgentID, err)
		}
		total += n
	}
	return total, nil
}
