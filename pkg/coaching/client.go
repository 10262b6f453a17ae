package coaching

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	pkgerrors "salescoach-server/pkg/errors"
	"salescoach-server/pkg/metrics"
)

// Request carries everything one inference call needs
type Request struct {
	CallUUID     string     `json:"call_uuid"`
	OrgID        string     `json:"org_id"`
	Config       *OrgConfig `json:"config"`
	LeadContext  string     `json:"lead_context,omitempty"`
	Conversation []Turn     `json:"conversation"`
}

// Client is a stateless wrapper around the inference provider. Given recent
// conversation context and organization configuration it returns a validated
// coaching result, or fails closed with no result.
type Client struct {
	logger     *logrus.Logger
	url        string
	apiKey     string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient creates a coaching inference client
func NewClient(logger *logrus.Logger, url, apiKey string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}

	transport := &http.Transport{
		MaxIdleConns:        100,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}

	return &Client{
		logger:  logger,
		url:     url,
		apiKey:  apiKey,
		timeout: timeout,
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
	}
}

// inferencePayload is the wire request sent to the provider. The instruction
// text is advisory; only the structured fields are contractual.
type inferencePayload struct {
	Instruction  string     `json:"instruction"`
	Config       *OrgConfig `json:"config"`
	LeadContext  string     `json:"lead_context,omitempty"`
	Conversation []Turn     `json:"conversation"`
}

// Analyze runs one coaching cycle. Provider errors, timeouts, and responses
// failing validation all resolve to (nil, error); the caller skips the cycle.
func (c *Client) Analyze(ctx context.Context, req Request) (*Result, error) {
	if c.url == "" {
		return nil, pkgerrors.ErrUnavailable
	}

	cfg := req.Config
	if cfg == nil {
		cfg = DefaultOrgConfig()
	}

	started := time.Now()

	payload := inferencePayload{
		Instruction:  buildInstruction(cfg),
		Config:       cfg,
		LeadContext:  req.LeadContext,
		Conversation: req.Conversation,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to marshal inference request")
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, pkgerrors.Wrap(err, "failed to create inference request")
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		metrics.RecordCoachingFailure("transport")
		return nil, pkgerrors.Wrap(pkgerrors.ErrInferenceFailed, err.Error(), map[string]interface{}{
			"call_uuid": req.CallUUID,
		})
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		metrics.RecordCoachingFailure("status")
		return nil, pkgerrors.Wrap(pkgerrors.ErrInferenceFailed, fmt.Sprintf("inference provider returned status %d", resp.StatusCode))
	}

	var result Result
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		metrics.RecordCoachingFailure("decode")
		return nil, pkgerrors.Wrap(pkgerrors.ErrInvalidCoachingResult, err.Error())
	}

	if err := validate(&result); err != nil {
		metrics.RecordCoachingFailure("validation")
		metrics.RecordInvalidCoachingResult()
		c.logger.WithError(err).WithField("call_uuid", req.CallUUID).Warn("Discarding invalid coaching result")
		return nil, err
	}

	applyDefaults(&result)
	result.Severity = DeriveSeverity(result.Score)
	result.Timestamp = time.Now()

	metrics.RecordCoachingScore(result.Score)
	c.logger.WithFields(logrus.Fields{
		"call_uuid":   req.CallUUID,
		"stage":       result.Stage,
		"score":       result.Score,
		"severity":    result.Severity,
		"duration_ms": time.Since(started).Milliseconds(),
	}).Debug("Coaching result received")

	return &result, nil
}

// validate enforces the output contract: a non-empty stage, a score within
// [0,100], and a non-empty advice message. Anything else is discarded.
func validate(r *Result) error {
	if r.Stage == "" {
		return pkgerrors.Wrap(pkgerrors.ErrInvalidCoachingResult, "missing stage")
	}
	if r.Score < 0 || r.Score > 100 {
		return pkgerrors.Wrap(pkgerrors.ErrInvalidCoachingResult, fmt.Sprintf("score %v out of range", r.Score))
	}
	if r.Advice == "" {
		return pkgerrors.Wrap(pkgerrors.ErrInvalidCoachingResult, "missing advice")
	}
	return nil
}

// applyDefaults fills optional fields absent from the provider response
func applyDefaults(r *Result) {
	if r.NextActions == nil {
		r.NextActions = []string{}
	}
	if r.Signals.Pains == nil {
		r.Signals.Pains = []PainSignal{}
	}
	if r.Signals.Objections == nil {
		r.Signals.Objections = []ObjectionSignal{}
	}
	if r.Signals.Gaps == nil {
		r.Signals.Gaps = []TextSignal{}
	}
	if r.Signals.Vision == nil {
		r.Signals.Vision = []TextSignal{}
	}
	if r.BattleCard.Tips == nil {
		r.BattleCard.Tips = []string{}
	}
	if r.BuyingSignal == "" {
		r.BuyingSignal = BuyingSignalNone
	}
	if r.EmotionalTone == "" {
		r.EmotionalTone = ToneNeutral
	}
}

// buildInstruction renders the system instruction from org configuration.
// The exact wording is not contractual.
func buildInstruction(cfg *OrgConfig) string {
	return fmt.Sprintf(
		"You are a live sales coach. Classify the current stage (one of %v), score the agent 0-100 with a breakdown, and give concrete advice. Emphasis weights: discovery=%d objections=%d closing=%d.",
		cfg.Stages, cfg.Weights.Discovery, cfg.Weights.Objections, cfg.Weights.Closing,
	)
}
