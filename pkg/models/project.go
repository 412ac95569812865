// Package models defines the persisted entities shared by the store,
// the matchers, the observer pipeline, and the HTTP API.
package models

import (
	"time"

	"github.com/shopspring/decimal"
)

// ConflictStrategy controls how concurrent file modification is prevented
// for a project's tasks.
type ConflictStrategy string

// Conflict strategy constants.
const (
	ConflictStrategyLock   ConflictStrategy = "lock"
	ConflictStrategyMerge  ConflictStrategy = "merge"
	ConflictStrategyZone   ConflictStrategy = "zone"
	ConflictStrategyReview ConflictStrategy = "review"
)

// AutonomyLevel is the project-level dial controlling which actions the
// observer may take without human approval.
type AutonomyLevel string

// Autonomy level constants, from most to least permissive.
const (
	AutonomyFullAuto   AutonomyLevel = "full_auto"
	AutonomySupervised AutonomyLevel = "supervised"
	AutonomyAssisted   AutonomyLevel = "assisted"
	AutonomyManual     AutonomyLevel = "manual"
)

// Budget is an optional spend ceiling for a project.
type Budget struct {
	// Total is the budget ceiling. Serialized as a decimal string to avoid
	// binary-float drift.
	Total decimal.Decimal `json:"total"`

	// AlertThresholdPct is the percentage of Total at which a
	// budget_exceeded escalation is raised. Range 0-100.
	AlertThresholdPct int `json:"alertThresholdPct"`
}

// ZoneDefinition declares glob-pattern ownership over a region of the repo.
type ZoneDefinition struct {
	Pattern     string   `json:"pattern"`
	Owners      []string `json:"owners"`
	Shared      bool     `json:"shared"`
	Description string   `json:"description,omitempty"`
}

// ZoneDefaultPolicy is the access decision for paths not covered by any zone.
type ZoneDefaultPolicy string

// Zone default policy constants.
const (
	ZonePolicyAllow ZoneDefaultPolicy = "allow"
	ZonePolicyDeny  ZoneDefaultPolicy = "deny"
)

// ProjectZoneConfig is the full zone map for a project. Zones are evaluated
// in declared order; the first matching zone decides.
type ProjectZoneConfig struct {
	Zones         []ZoneDefinition  `json:"zones"`
	DefaultPolicy ZoneDefaultPolicy `json:"defaultPolicy"`
}

// Project is the top-level coordination unit. Created once via the admin
// API; agents, tasks, locks, and costs all hang off a project.
type Project struct {
	ID               string             `json:"id"`
	Name             string             `json:"name"`
	ConflictStrategy ConflictStrategy   `json:"conflictStrategy"`
	Budget           *Budget            `json:"budget,omitempty"`
	AutonomyLevel    AutonomyLevel      `json:"autonomyLevel"`
	ZoneConfig       *ProjectZoneConfig `json:"zoneConfig,omitempty"`

	// BudgetAlertSent records that the budget threshold crossing has already
	// produced an escalation. Reset when the budget is raised.
	BudgetAlertSent bool `json:"budgetAlertSent,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}
