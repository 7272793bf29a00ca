package api

import "time"

type HealthResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
}

type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

type ErrorResponse struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Error         APIError  `json:"error"`
}

type CreateThreadRequest struct {
	CounterpartName string  `json:"counterpart_name"`
	Platform        string  `json:"platform"`
	Deliverable     string  `json:"deliverable"`
	CampaignID      *string `json:"campaign_id,omitempty"`
	EngagementRate  float64 `json:"engagement_rate"`
	ReachSamples    []int64 `json:"reach_samples"`
}

type ThreadResponse struct {
	ThreadID        string  `json:"thread_id"`
	CounterpartName string  `json:"counterpart_name"`
	Platform        string  `json:"platform"`
	Deliverable     string  `json:"deliverable"`
	CampaignID      *string `json:"campaign_id,omitempty"`
	Round           int     `json:"round"`
	State           string  `json:"state"`
	EngagementRate  float64 `json:"engagement_rate"`
	LastCounter     *string `json:"last_counter,omitempty"`
	LastReplyAt     *string `json:"last_reply_at,omitempty"`
	UpdatedAt       string  `json:"updated_at"`
}

type ThreadEnvelope struct {
	SchemaVersion string         `json:"schema_version"`
	GeneratedAt   time.Time      `json:"generated_at"`
	Thread        ThreadResponse `json:"thread"`
}

type ReplyRequest struct {
	MessageText string `json:"message_text"`
}

type DecisionResponse struct {
	Action       string              `json:"action"`
	State        string              `json:"state"`
	MessageBody  string              `json:"message_body,omitempty"`
	FinalPrice   *string             `json:"final_price,omitempty"`
	EscalationID string              `json:"escalation_id,omitempty"`
	Escalation   *EscalationResponse `json:"escalation,omitempty"`
}

type DecisionEnvelope struct {
	SchemaVersion string           `json:"schema_version"`
	GeneratedAt   time.Time        `json:"generated_at"`
	Decision      DecisionResponse `json:"decision"`
}

type EscalationResponse struct {
	EscalationID string   `json:"escalation_id"`
	ThreadID     string   `json:"thread_id"`
	CampaignID   *string  `json:"campaign_id,omitempty"`
	Counterpart  string   `json:"counterpart"`
	ReasonCode   string   `json:"reason_code"`
	Draft        string   `json:"draft,omitempty"`
	Failures     []string `json:"failures,omitempty"`
	ProposedCPM  *string  `json:"proposed_cpm,omitempty"`
	FloorCPM     *string  `json:"floor_cpm,omitempty"`
	CeilingCPM   *string  `json:"ceiling_cpm,omitempty"`
	Price        *string  `json:"price,omitempty"`
	CreatedAt    string   `json:"created_at"`
}

type EscalationsEnvelope struct {
	SchemaVersion string               `json:"schema_version"`
	GeneratedAt   time.Time            `json:"generated_at"`
	Escalations   []EscalationResponse `json:"escalations"`
}

type ResolveEscalationRequest struct {
	Approve bool `json:"approve"`
}

type CreateCampaignRequest struct {
	CampaignID    string `json:"campaign_id"`
	FloorCPM      string `json:"floor_cpm"`
	CeilingCPM    string `json:"ceiling_cpm"`
	ExpectedCount int    `json:"expected_count"`
}

type RecordDealRequest struct {
	PriceCPM   string  `json:"price_cpm"`
	Engagement float64 `json:"engagement"`
}

type StatusEnvelope struct {
	SchemaVersion string    `json:"schema_version"`
	GeneratedAt   time.Time `json:"generated_at"`
	Status        string    `json:"status"`
}
