package models

import "time"

// AccessRequestStatus tracks a zone access request through review.
type AccessRequestStatus string

// Access request status constants.
const (
	AccessRequestPending  AccessRequestStatus = "pending"
	AccessRequestApproved AccessRequestStatus = "approved"
	AccessRequestDenied   AccessRequestStatus = "denied"
	AccessRequestExpired  AccessRequestStatus = "expired"
)

// AccessRequest is an agent's request for access to a path it does not
// own under the project's zone config. Approval is a human decision;
// approved requests grant a temporary exemption recorded by the caller.
type AccessRequest struct {
	ID         string              `json:"id"`
	ProjectID  string              `json:"projectId"`
	AgentID    string              `json:"agentId"`
	Path       string              `json:"path"`
	Zone       string              `json:"zone,omitempty"`
	Reason     string              `json:"reason,omitempty"`
	Status     AccessRequestStatus `json:"status"`
	ReviewedBy string              `json:"reviewedBy,omitempty"`
	CreatedAt  time.Time           `json:"createdAt"`
	ReviewedAt *time.Time          `json:"reviewedAt,omitempty"`
}
