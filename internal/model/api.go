package model

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

// ErrValidation marks caller input that is malformed or out of range.
var ErrValidation = errors.New("validation error")

// APIResponse is the envelope shared by every JSON API response. Endpoint
// responses embed it and add their payload fields alongside.
type APIResponse struct {
	Success   bool   `json:"success"`
	Message   string `json:"message,omitempty"`
	Code      string `json:"code,omitempty"`
	RequestID string `json:"request_id,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeConflict      = "CONFLICT"
	ErrCodeInternalError = "INTERNAL_ERROR"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeUpstream      = "UPSTREAM_FAILURE"
	ErrCodeBadSignature  = "SIGNATURE_INVALID"
	ErrCodeMalformed     = "MALFORMED_EVENT"
	ErrCodeDuplicate     = "DUPLICATE_USER"

	ErrCodeServiceUnavailable = "SERVICE_UNAVAILABLE"
)

// PurchaseRequest is the body of POST /api/user/purchase.
type PurchaseRequest struct {
	AgentID string `json:"agentId"`
}

// PurchaseResponse carries the hosted checkout redirect.
type PurchaseResponse struct {
	APIResponse
	SessionURL string    `json:"session_url"`
	PurchaseID uuid.UUID `json:"purchaseId"`
}

// RatingRequest is the body of POST /api/user/add-rating.
type RatingRequest struct {
	AgentID string `json:"agentId"`
	Rating  int    `json:"rating"`
}

// UserDataResponse is returned by GET /api/user/data.
type UserDataResponse struct {
	APIResponse
	User User `json:"user"`
}

// ExecutionsResponse is returned by GET /api/user/executions.
type ExecutionsResponse struct {
	APIResponse
	AgentRuns []RunWithAgent `json:"agentRuns"`
}

// AgentListResponse is returned by GET /api/agent/all and GET /api/creator/agents.
type AgentListResponse struct {
	APIResponse
	Agents []Agent `json:"agents"`
}

// AgentResponse is returned by GET /api/agent/{id}.
type AgentResponse struct {
	APIResponse
	AgentData Agent `json:"agentData"`
}

// CreateAgentResponse is returned by POST /api/creator/add-agent.
type CreateAgentResponse struct {
	APIResponse
	Agent Agent `json:"agent"`
}

// DashboardResponse is returned by GET /api/creator/dashboard.
type DashboardResponse struct {
	APIResponse
	DashboardData CreatorDashboard `json:"dashboardData"`
}

// CreatorDashboard summarizes a creator's sales.
type CreatorDashboard struct {
	TotalEarnings  Cents               `json:"totalEarnings"`
	TotalPurchases int                 `json:"totalPurchases"`
	Agents         []CreatorAgentStats `json:"agents"`
}

// StripeAck is the body acknowledging a payment webhook.
type StripeAck struct {
	Received bool `json:"received"`
}

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
	Uptime   int64  `json:"uptime_seconds"`
	Time     string `json:"time"`
}

// NewHealthResponse stamps the current time onto a health response.
func NewHealthResponse(status, version, postgres string, uptime time.Duration) HealthResponse {
	return HealthResponse{
		Status:   status,
		Version:  version,
		Postgres: postgres,
		Uptime:   int64(uptime.Seconds()),
		Time:     time.Now().UTC().Format(time.RFC3339),
	}
}
