// Package collabhttp adapts HTTP collaborator services (the LLM-backed
// classifier and composer, and the chat-ops notifier) to the typed contracts
// in collab. Whatever loose shape a service returns is validated and coerced
// here, before it reaches the decision engine.
package collabhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/g960059/dealgate/internal/collab"
	"github.com/g960059/dealgate/internal/model"
)

type Client struct {
	classifierURL string
	composerURL   string
	notifierURL   string
	httpClient    *http.Client
}

func NewClient(classifierURL, composerURL, notifierURL string, timeout time.Duration) *Client {
	return &Client{
		classifierURL: classifierURL,
		composerURL:   composerURL,
		notifierURL:   notifierURL,
		httpClient:    &http.Client{Timeout: timeout},
	}
}

type classifyRequest struct {
	MessageText string  `json:"message_text"`
	ThreadID    string  `json:"thread_id"`
	Counterpart string  `json:"counterpart"`
	Platform    string  `json:"platform"`
	Deliverable string  `json:"deliverable"`
	Round       int     `json:"round"`
	LastCounter *string `json:"last_counter,omitempty"`
}

type classifyResponse struct {
	Intent        string   `json:"intent"`
	Confidence    float64  `json:"confidence"`
	ProposedPrice *string  `json:"proposed_price"`
	ProposedTerms []string `json:"proposed_terms"`
	Summary       string   `json:"summary"`
}

func (c *Client) Classify(ctx context.Context, messageText string, tc collab.ThreadContext) (collab.Classification, error) {
	req := classifyRequest{
		MessageText: messageText,
		ThreadID:    tc.ThreadID,
		Counterpart: tc.Counterpart,
		Platform:    string(tc.Platform),
		Deliverable: tc.Deliverable,
		Round:       tc.Round,
	}
	if tc.LastCounter != nil {
		v := tc.LastCounter.String()
		req.LastCounter = &v
	}
	var resp classifyResponse
	if err := c.post(ctx, c.classifierURL, req, &resp); err != nil {
		return collab.Classification{}, err
	}
	return coerceClassification(resp)
}

// coerceClassification turns the service's loose response into the tagged
// variant the engine consumes. An unknown intent becomes unclear rather
// than an error so the engine escalates instead of crashing.
func coerceClassification(resp classifyResponse) (collab.Classification, error) {
	cls := collab.Classification{
		Confidence:    clamp01(resp.Confidence),
		ProposedTerms: resp.ProposedTerms,
		Summary:       resp.Summary,
	}
	switch collab.Intent(strings.ToLower(strings.TrimSpace(resp.Intent))) {
	case collab.IntentAcceptance:
		cls.Intent = collab.IntentAcceptance
	case collab.IntentRejection:
		cls.Intent = collab.IntentRejection
	case collab.IntentCounterOffer:
		cls.Intent = collab.IntentCounterOffer
	case collab.IntentQuestion:
		cls.Intent = collab.IntentQuestion
	default:
		cls.Intent = collab.IntentUnclear
	}
	if resp.ProposedPrice != nil && strings.TrimSpace(*resp.ProposedPrice) != "" {
		d, err := decimal.NewFromString(strings.TrimSpace(*resp.ProposedPrice))
		if err != nil {
			return collab.Classification{}, fmt.Errorf("malformed proposed_price %q: %w", *resp.ProposedPrice, err)
		}
		cls.ProposedPrice = &d
	}
	return cls, nil
}

type composeRequest struct {
	Price        string   `json:"price"`
	Deliverables []string `json:"deliverables"`
	Stage        string   `json:"stage"`
	Counterpart  string   `json:"counterpart"`
	Summary      string   `json:"summary"`
}

type composeResponse struct {
	DraftText string `json:"draft_text"`
}

func (c *Client) Compose(ctx context.Context, req collab.ComposeRequest) (string, error) {
	var resp composeResponse
	err := c.post(ctx, c.composerURL, composeRequest{
		Price:        req.Price.String(),
		Deliverables: req.Deliverables,
		Stage:        req.Stage,
		Counterpart:  req.Counterpart,
		Summary:      req.Summary,
	}, &resp)
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(resp.DraftText) == "" {
		return "", fmt.Errorf("composer returned an empty draft")
	}
	return resp.DraftText, nil
}

type notifyRequest struct {
	Kind       string                `json:"kind"`
	ThreadID   string                `json:"thread_id"`
	FinalPrice string                `json:"final_price,omitempty"`
	Escalation *escalationNotifyBody `json:"escalation,omitempty"`
}

type escalationNotifyBody struct {
	EscalationID string   `json:"escalation_id"`
	Counterpart  string   `json:"counterpart"`
	ReasonCode   string   `json:"reason_code"`
	Draft        string   `json:"draft,omitempty"`
	Failures     []string `json:"failures,omitempty"`
}

func (c *Client) NotifyEscalation(ctx context.Context, rec model.EscalationRecord) error {
	if c.notifierURL == "" {
		return nil
	}
	return c.post(ctx, c.notifierURL, notifyRequest{
		Kind:     "escalation",
		ThreadID: rec.ThreadID,
		Escalation: &escalationNotifyBody{
			EscalationID: rec.EscalationID,
			Counterpart:  rec.Counterpart,
			ReasonCode:   rec.ReasonCode,
			Draft:        rec.Draft,
			Failures:     rec.Failures,
		},
	}, nil)
}

func (c *Client) NotifyAgreement(ctx context.Context, thread model.NegotiationThread, finalPrice *decimal.Decimal) error {
	if c.notifierURL == "" {
		return nil
	}
	req := notifyRequest{
		Kind:     "agreement",
		ThreadID: thread.ThreadID,
	}
	if finalPrice != nil {
		req.FinalPrice = finalPrice.String()
	}
	return c.post(ctx, c.notifierURL, req, nil)
}

func (c *Client) post(ctx context.Context, url string, body, out any) error {
	if url == "" {
		return fmt.Errorf("collaborator endpoint not configured")
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("collaborator returned status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
