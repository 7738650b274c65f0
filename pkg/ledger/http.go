package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/xerrors"

	"github.com/LICODX/chunkproof/pkg/core"
	"github.com/LICODX/chunkproof/pkg/logging"
	"github.com/LICODX/chunkproof/pkg/utils"
)

type HTTPConfig struct {
	BaseURL         string
	Timeout         time.Duration
	Retries         int
	BreakerFailures int
	BreakerReset    time.Duration
}

// HTTPLedger talks to a contribution ledger running as a separate service.
//
//	GET  {base}/agents                              -> {"agents": [...]}
//	GET  {base}/agents/{id}/claims                  -> {"cids": [...]}
//	POST {base}/agents/{id}/verification-failures   <- {"count": n}
type HTTPLedger struct {
	base     string
	client   *http.Client
	breaker  *utils.CircuitBreaker
	recovery *utils.ErrorRecovery
	log      *logging.StructuredLogger
}

func NewHTTPLedger(cfg HTTPConfig, log *logging.StructuredLogger) (*HTTPLedger, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, core.Validation("invalid ledger url %q", cfg.BaseURL)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = core.LedgerNotifyTimeout
	}
	if log == nil {
		log = logging.Component("ledger")
	}
	h := &HTTPLedger{
		base:     strings.TrimRight(cfg.BaseURL, "/"),
		client:   &http.Client{Timeout: cfg.Timeout},
		breaker:  utils.NewCircuitBreaker("contribution-ledger", cfg.BreakerFailures, cfg.BreakerReset),
		recovery: utils.NewErrorRecovery(cfg.Retries, 100*time.Millisecond),
		log:      log,
	}
	// once the breaker opens every further attempt fails the same way
	h.recovery.RegisterHandler("contribution-ledger", func(err error) error {
		if xerrors.Is(err, utils.ErrBreakerOpen) {
			return utils.Permanent(err)
		}
		return err
	})
	return h, nil
}

type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return "ledger returned " + http.StatusText(e.code) + ": " + e.body
}

// do runs one request through the retry loop and the breaker. 4xx replies
// are final and do not count against the breaker.
func (h *HTTPLedger) do(ctx context.Context, method, path string, in, out interface{}) error {
	var clientErr *statusError
	err := h.recovery.RetryWithBackoff(ctx, "contribution-ledger", func(ctx context.Context) error {
		return h.breaker.Call(func() error {
			err := h.roundTrip(ctx, method, path, in, out)
			var se *statusError
			if xerrors.As(err, &se) && se.code < 500 {
				clientErr = se
				return nil
			}
			return err
		})
	})
	if err != nil {
		if xerrors.Is(err, utils.ErrBreakerOpen) {
			return core.Unavailable(err, "contribution ledger circuit open")
		}
		return core.Unavailable(err, "contribution ledger unreachable")
	}
	if clientErr != nil {
		if clientErr.code == http.StatusNotFound {
			return core.NotFound("contribution ledger: %s", clientErr.body)
		}
		return core.Validation("contribution ledger rejected request: %s", clientErr.body)
	}
	return nil
}

func (h *HTTPLedger) ClaimedCIDs(ctx context.Context, agentID string) ([]string, error) {
	if err := ValidateAgentID(agentID); err != nil {
		return nil, err
	}
	var resp struct {
		CIDs []string `json:"cids"`
	}
	err := h.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(agentID)+"/claims", nil, &resp)
	if xerrors.Is(err, core.ErrNotFound) {
		// an agent the ledger has never heard of claims nothing
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return resp.CIDs, nil
}

func (h *HTTPLedger) AgentsWithClaims(ctx context.Context) ([]string, error) {
	var resp struct {
		Agents []string `json:"agents"`
	}
	if err := h.do(ctx, http.MethodGet, "/agents", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Agents, nil
}

func (h *HTTPLedger) ReportVerificationFailures(ctx context.Context, agentID string, count int64) error {
	if err := ValidateAgentID(agentID); err != nil {
		return err
	}
	body := map[string]int64{"count": count}
	if err := h.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(agentID)+"/verification-failures", body, nil); err != nil {
		h.log.WarnWithFields("failed to report verification failures", map[string]interface{}{
			"agent": agentID,
			"count": count,
			"error": err,
		})
		return err
	}
	return nil
}

// BreakerState exposes the circuit state for health checks.
func (h *HTTPLedger) BreakerState() utils.BreakerState {
	return h.breaker.GetState()
}

func (h *HTTPLedger) roundTrip(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return xerrors.Errorf("failed to marshal ledger request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.base+path, body)
	if err != nil {
		return xerrors.Errorf("failed to build ledger request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &statusError{code: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return xerrors.Errorf("failed to decode ledger response: %w", err)
	}
	return nil
}
