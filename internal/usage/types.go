// Package usage implements the kernel's Usage Meter (C2): per-invocation
// token/cost accounting, windowed aggregates, and threshold alerting.
package usage

import "time"

// ModelClass is the closed set of billable model tiers.
type ModelClass string

const (
	ModelOpus   ModelClass = "opus"
	ModelSonnet ModelClass = "sonnet"
	ModelHaiku  ModelClass = "haiku"
)

// Window is an aggregation window.
type Window string

const (
	WindowDay   Window = "day"
	WindowWeek  Window = "week"
	WindowMonth Window = "month"
)

// Record is one completed agent invocation.
type Record struct {
	ID            string                 `json:"id"`
	AgentID       string                 `json:"agent_id"`
	AgentType     string                 `json:"agent_type"`
	ModelClass    ModelClass             `json:"model_class"`
	InputTokens   int64                  `json:"input_tokens"`
	OutputTokens  int64                  `json:"output_tokens"`
	DurationMs    int64                  `json:"duration_ms"`
	Cost          float64                `json:"cost"`
	Timestamp     time.Time              `json:"timestamp"`
	SessionID     string                 `json:"session_id"`
	UserID        string                 `json:"user_id"`
	TaskID        string                 `json:"task_id"`
	Terminated    bool                   `json:"terminated"`
	Estimated     bool                   `json:"estimated"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Hours is the record's duration expressed in hours, the unit weekly
// alert thresholds are measured against.
func (r *Record) Hours() float64 {
	return float64(r.DurationMs) / 3_600_000.0
}

// AlertLevel is the severity banding for alerts.
type AlertLevel string

const (
	AlertInfo     AlertLevel = "info"
	AlertWarning  AlertLevel = "warning"
	AlertCritical AlertLevel = "critical"
)

// AlertKind distinguishes threshold crossings from hard limits and errors.
type AlertKind string

const (
	AlertKindThreshold AlertKind = "threshold"
	AlertKindLimit     AlertKind = "limit"
	AlertKindError     AlertKind = "error"
)

// Alert is a raised threshold/limit/error record. Series names the metered
// weekly series (e.g. "weekly-opus-hours") a threshold alert belongs to;
// it is the debounce key alongside (user, threshold, week) and is empty
// for non-threshold kinds.
type Alert struct {
	ID             string     `json:"id"`
	UserID         string     `json:"user_id"`
	Kind           AlertKind  `json:"kind"`
	Series         string     `json:"series,omitempty"`
	Level          AlertLevel `json:"level"`
	Threshold      float64    `json:"threshold"`
	ObservedValue  float64    `json:"observed_value"`
	Limit          float64    `json:"limit"`
	Message        string     `json:"message"`
	Timestamp      time.Time  `json:"timestamp"`
	Acknowledged   bool       `json:"acknowledged"`
	AcknowledgedAt *time.Time `json:"acknowledged_at,omitempty"`
	AcknowledgedBy string     `json:"acknowledged_by,omitempty"`
}

// AlertFilter narrows Alerts() queries.
type AlertFilter struct {
	UserID       string
	Acknowledged *bool
	Level        AlertLevel
	Limit        int
}

// PlanLimits is the fixed set of weekly hour caps per model class.
// Haiku has no limit (infinite threshold), matching the spec's stated
// plan: only opus and sonnet hours are metered against weekly caps.
type PlanLimits struct {
	WeeklyOpusHours   float64
	WeeklySonnetHours float64
}

// DefaultPlanLimits mirrors the fixed per-plan weekly caps.
func DefaultPlanLimits() PlanLimits {
	return PlanLimits{WeeklyOpusHours: 35, WeeklySonnetHours: 80}
}

// ThresholdLevels is the fixed, ordered set of alert trigger percentages.
var ThresholdLevels = []float64{70, 90, 100}

// ModelBreakdown is one model class's contribution to a summary.
type ModelBreakdown struct {
	Tokens        int64   `json:"tokens"`
	Cost          float64 `json:"cost"`
	Hours         float64 `json:"hours"`
	PercentOfLimit float64 `json:"percent_of_limit"`
}

// AgentTypeBreakdown is one agent type's contribution to a summary.
type AgentTypeBreakdown struct {
	Calls          int64   `json:"calls"`
	Tokens         int64   `json:"tokens"`
	Cost           float64 `json:"cost"`
	AvgDurationMs  float64 `json:"avg_duration_ms"`
}

// Summary is the aggregate view returned by Summary().
type Summary struct {
	Window          Window                         `json:"window"`
	UserID          string                         `json:"user_id"`
	TotalTokens     int64                          `json:"total_tokens"`
	TotalCost       float64                        `json:"total_cost"`
	ByModel         map[ModelClass]ModelBreakdown  `json:"by_model"`
	ByAgentType     map[string]AgentTypeBreakdown  `json:"by_agent_type"`
	Alerts          []Alert                        `json:"alerts"`
}

// RealTime is the current-day/current-week rollup plus plan limits.
type RealTime struct {
	UserID      string                        `json:"user_id"`
	Today       map[ModelClass]ModelBreakdown `json:"today"`
	ThisWeek    map[ModelClass]ModelBreakdown `json:"this_week"`
	PlanLimits  PlanLimits                    `json:"plan_limits"`
}

// DayBreakdown is one day's totals within a Report.
type DayBreakdown struct {
	Date        string  `json:"date"`
	TotalTokens int64   `json:"total_tokens"`
	TotalCost   float64 `json:"total_cost"`
}

// Report is the per-day breakdown plus straight-line projections.
type Report struct {
	UserID           string         `json:"user_id"`
	Start            time.Time      `json:"start"`
	End              time.Time      `json:"end"`
	Days             []DayBreakdown `json:"days"`
	Projection7Day   float64        `json:"projection_7_day"`
	Projection30Day  float64        `json:"projection_30_day"`
}
