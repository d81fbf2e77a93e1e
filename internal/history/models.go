package history

import (
	"fmt"
	"time"
)

// EntityType is the kind of business object a row is about.
type EntityType string

const (
	EntityWorkflow   EntityType = "WORKFLOW"
	EntityCredential EntityType = "CREDENTIAL"
)

// ParseEntityType accepts the type name in any case.
func ParseEntityType(s string) (EntityType, error) {
	switch t := EntityType(upper(s)); t {
	case EntityWorkflow, EntityCredential:
		return t, nil
	}
	return "", fmt.Errorf("unknown entity type %q", s)
}

// Status is the recorded outcome of an orchestration attempt.
type Status string

const (
	StatusSuccess          Status = "SUCCESS"
	StatusFailed           Status = "FAILED"
	StatusAwaitingApproval Status = "AWAITING_APPROVAL"
	StatusRunning          Status = "RUNNING"
)

// Statuses lists every status in display order.
var Statuses = []Status{StatusSuccess, StatusFailed, StatusAwaitingApproval, StatusRunning}

func (s Status) valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// Actions recorded by the pipelines.
const (
	ActionPushToProd         = "PUSH_TO_PROD"
	ActionPushToGit          = "PUSH_TO_GIT"
	ActionDeployFromGit      = "DEPLOY_FROM_GIT"
	ActionPullFromGit        = "PULL_FROM_GIT"
	ActionPromoteCredentials = "PROMOTE_CREDENTIALS"
)

// Entry is one append-only ledger row.
type Entry struct {
	ID         int64          `json:"id"`
	EntityType EntityType     `json:"entityType"`
	EntityID   string         `json:"entityId"`
	EntityName string         `json:"entityName,omitempty"`
	Action     string         `json:"action"`
	Status     Status         `json:"status"`
	BuildURL   string         `json:"buildUrl,omitempty"`
	Details    string         `json:"details,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// Summary is the dashboard view over the latest row per
// (entity type, entity id, action) within a time window.
type Summary struct {
	Days      int            `json:"days"`
	Filter    string         `json:"filter"`
	Health    map[Status]int `json:"counts"`
	Approvals []Entry        `json:"approvals"`
	Activity  []Entry        `json:"recentActivity"`
}

// SummaryPageSize caps the approvals and activity listings.
const SummaryPageSize = 20

// MaxRecentLimit caps a Recent listing.
const MaxRecentLimit = 5 * SummaryPageSize
