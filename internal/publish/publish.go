// Package publish hands approved proposals to the workflow runtime.
package publish

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/workflow-evolver/internal/model"
	"github.com/sells-group/workflow-evolver/internal/resilience"
)

// Publisher registers an approved proposal and returns the new workflow ID.
type Publisher interface {
	Publish(ctx context.Context, p *model.Proposal) (string, error)
}

// LocalPublisher mints workflow IDs without calling out. It is used when
// no webhook is configured.
type LocalPublisher struct{}

// Publish returns a fresh workflow ID.
func (LocalPublisher) Publish(_ context.Context, p *model.Proposal) (string, error) {
	if p == nil || p.ID == "" {
		return "", model.Validationf("publish: proposal is required")
	}
	return "wf-" + uuid.New().String(), nil
}

// webhookPayload is the body posted to the runtime.
type webhookPayload struct {
	TenantID    string              `json:"tenant_id"`
	ProposalID  string              `json:"proposal_id"`
	Code        string              `json:"code"`
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Graph       model.WorkflowGraph `json:"graph"`
	Confidence  float64             `json:"confidence"`
}

type webhookResponse struct {
	WorkflowID string `json:"workflow_id"`
}

// WebhookPublisher posts proposals to an HTTP endpoint that replies with
// {"workflow_id": "..."}. Transient failures are retried.
type WebhookPublisher struct {
	url    string
	token  string
	client  *http.Client
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
}

// Option configures a WebhookPublisher.
type Option func(*WebhookPublisher)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(w *WebhookPublisher) { w.client = c }
}

// WithRetry sets the retry policy.
func WithRetry(cfg resilience.RetryConfig) Option {
	return func(w *WebhookPublisher) { w.retry = cfg }
}

// WithBreaker guards the webhook with cb. Rejected calls are not retried.
func WithBreaker(cb *resilience.CircuitBreaker) Option {
	return func(w *WebhookPublisher) { w.breaker = cb }
}

// NewWebhookPublisher creates a WebhookPublisher. token is sent as a
// bearer credential when non-empty.
func NewWebhookPublisher(url, token string, timeout time.Duration, opts ...Option) *WebhookPublisher {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	w := &WebhookPublisher{
		url:    url,
		token:  token,
		client: &http.Client{Timeout: timeout},
		retry:  resilience.DefaultRetryConfig(),
	}
	for _, o := range opts {
		o(w)
	}
	if w.retry.OnRetry == nil {
		w.retry.OnRetry = resilience.RetryLogger("publish", "webhook")
	}
	return w
}

// Publish posts p and returns the workflow ID from the response.
func (w *WebhookPublisher) Publish(ctx context.Context, p *model.Proposal) (string, error) {
	if p == nil || p.ID == "" {
		return "", model.Validationf("publish: proposal is required")
	}
	body, err := json.Marshal(webhookPayload{
		TenantID:    p.TenantID,
		ProposalID:  p.ID,
		Code:        p.Code,
		Title:       p.Title,
		Description: p.Description,
		Graph:       p.Graph,
		Confidence:  p.Confidence,
	})
	if err != nil {
		return "", eris.Wrap(err, "publish: marshal payload")
	}

	id, err := resilience.DoVal(ctx, w.retry, func(ctx context.Context) (string, error) {
		if w.breaker == nil {
			return w.post(ctx, body)
		}
		return resilience.ExecuteVal(ctx, w.breaker, func(ctx context.Context) (string, error) {
			return w.post(ctx, body)
		})
	})
	if err != nil {
		return "", eris.Wrapf(err, "publish: proposal %s", p.Code)
	}
	zap.L().Info("publish: workflow registered",
		zap.String("tenant", p.TenantID),
		zap.String("proposal", p.Code),
		zap.String("workflow_id", id),
	)
	return id, nil
}

func (w *WebhookPublisher) post(ctx context.Context, body []byte) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return "", eris.Wrap(err, "publish: create request")
	}
	req.Header.Set("Content-Type", "application/json")
	if w.token != "" {
		req.Header.Set("Authorization", "Bearer "+w.token)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return "", resilience.NewTransientError(eris.Wrap(err, "publish: request"), 0)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode >= 300 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := eris.Errorf("publish: webhook returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return "", resilience.NewTransientError(err, resp.StatusCode)
		}
		return "", err
	}

	var out webhookResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", eris.Wrap(err, "publish: decode response")
	}
	if out.WorkflowID == "" {
		return "", eris.New("publish: response has no workflow_id")
	}
	return out.WorkflowID, nil
}

// String describes the publisher for logs.
func (w *WebhookPublisher) String() string {
	return fmt.Sprintf("webhook(%s)", w.url)
}
