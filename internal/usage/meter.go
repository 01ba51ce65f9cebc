package usage

import (
	"fmt"
	"log"
	"sort"
	"time"

	"github.com/google/uuid"
)

// Publisher is the narrow slice of the event bus the meter needs. Defined
// locally to avoid a component/bus import cycle; wiring happens once at
// process start.
type Publisher interface {
	PublishUsageEvent(topic string, payload map[string]interface{})
}

const retentionDays = 90

// Meter is the Usage Meter (C2).
type Meter struct {
	store     *Store
	fast      FastStore
	bus       Publisher
	limits    PlanLimits
	retention time.Duration
}

// NewMeter builds a Meter over durable storage db and the chosen fast
// aggregate accelerator (nil selects the in-process store). Summaries are
// always computed from durable records.
func NewMeter(store *Store, fast FastStore, bus Publisher, limits PlanLimits, retentionDays int) *Meter {
	if fast == nil {
		fast = newMemFastStore()
	}
	return &Meter{
		store:     store,
		fast:      fast,
		bus:       bus,
		limits:    limits,
		retention: time.Duration(retentionDays) * 24 * time.Hour,
	}
}

// Track accepts a Usage Record, computes its cost, persists it durably,
// updates fast aggregates, and evaluates thresholds.
func (m *Meter) Track(r *Record) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now()
	}

	cost, err := Cost(r.ModelClass, r.InputTokens, r.OutputTokens)
	if err != nil {
		return err
	}
	r.Cost = cost

	if err := m.store.SaveRecord(r); err != nil {
		if err == ErrDuplicateRecord {
			return err
		}
		return fmt.Errorf("usage: track: %w", err)
	}

	if err := m.fast.Add(dailyKey(r.UserID, r.Timestamp), r); err != nil {
		log.Printf("[USAGE] WARNING: fast aggregate update failed for %s: %v", r.UserID, err)
	}
	if err := m.fast.Add(weeklyKey(r.UserID, r.Timestamp), r); err != nil {
		log.Printf("[USAGE] WARNING: fast aggregate update failed for %s: %v", r.UserID, err)
	}

	log.Printf("[USAGE] tracked agent=%s user=%s model=%s tokens=%s cost=%s",
		r.AgentID, r.UserID, r.ModelClass, humanTokens(r.InputTokens+r.OutputTokens), humanCost(r.Cost))

	m.publish("usage:tracked", map[string]interface{}{
		"record_id": r.ID, "user_id": r.UserID, "agent_id": r.AgentID, "cost": r.Cost,
	})

	m.evaluateThresholds(r.UserID, r.Timestamp)
	return nil
}

// evaluateThresholds implements the spec's 5-point band debounce: for
// each metered weekly series with a finite limit, raise at most one alert
// per (user, series, threshold, week).
func (m *Meter) evaluateThresholds(userID string, at time.Time) {
	series := map[string]struct {
		hours float64
		limit float64
	}{
		"weekly-opus-hours":   {limit: m.limits.WeeklyOpusHours},
		"weekly-sonnet-hours": {limit: m.limits.WeeklySonnetHours},
	}

	weekKey := weeklyKey(userID, at)
	c, err := m.fast.Get(weekKey)
	if err != nil || c == nil {
		return
	}

	for name, s := range series {
		if s.limit <= 0 {
			continue
		}
		model := ModelSonnet
		if name == "weekly-opus-hours" {
			model = ModelOpus
		}
		used := c.ByModel[model].Hours
		pct := used / s.limit * 100

		for _, T := range ThresholdLevels {
			if pct < T || pct >= T+5 {
				continue
			}
			weekStart := startOfISOWeek(at)
			raised, err := m.store.AlertRaisedThisWeek(userID, name, T, weekStart)
			if err != nil {
				log.Printf("[USAGE] ERROR: threshold dedup check failed: %v", err)
				continue
			}
			if raised {
				continue
			}
			m.raiseThresholdAlert(userID, name, T, used, s.limit)
		}
	}
}

func (m *Meter) raiseThresholdAlert(userID, series string, threshold, observed, limit float64) {
	level := AlertInfo
	switch {
	case threshold >= 90:
		level = AlertCritical
	case threshold >= 70:
		level = AlertWarning
	}

	alert := &Alert{
		ID:            uuid.New().String(),
		UserID:        userID,
		Kind:          AlertKindThreshold,
		Series:        series,
		Level:         level,
		Threshold:     threshold,
		ObservedValue: observed,
		Limit:         limit,
		Message:       fmt.Sprintf("%s reached %.0f%% of weekly limit (%.2f / %.2f hours)", series, threshold, observed, limit),
		Timestamp:     time.Now(),
	}

	if err := m.store.SaveAlert(alert); err != nil {
		log.Printf("[USAGE] ERROR: failed to persist alert: %v", err)
		return
	}

	m.publish("usage:alert", map[string]interface{}{
		"alert_id": alert.ID, "user_id": userID, "series": series, "level": level, "threshold": threshold,
	})
}

// Summary returns the aggregate view for window over userID.
func (m *Meter) Summary(window Window, userID string) (*Summary, error) {
	now := time.Now()
	var start, end time.Time
	switch window {
	case WindowDay:
		start = startOfDay(now)
		end = start.AddDate(0, 0, 1)
	case WindowWeek:
		start = startOfISOWeek(now)
		end = start.AddDate(0, 0, 7)
	case WindowMonth:
		start = time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
		end = start.AddDate(0, 1, 0)
	default:
		return nil, fmt.Errorf("usage: unknown window %q", window)
	}

	records, err := m.store.RecordsInRange(userID, start, end)
	if err != nil {
		return nil, err
	}

	summary := &Summary{
		Window:      window,
		UserID:      userID,
		ByModel:     make(map[ModelClass]ModelBreakdown),
		ByAgentType: make(map[string]AgentTypeBreakdown),
	}

	durationTotals := make(map[string]int64)
	for _, r := range records {
		summary.TotalTokens += r.InputTokens + r.OutputTokens
		summary.TotalCost += r.Cost

		mb := summary.ByModel[r.ModelClass]
		mb.Tokens += r.InputTokens + r.OutputTokens
		mb.Cost += r.Cost
		mb.Hours += r.Hours()
		summary.ByModel[r.ModelClass] = mb

		ab := summary.ByAgentType[r.AgentType]
		ab.Calls++
		ab.Tokens += r.InputTokens + r.OutputTokens
		ab.Cost += r.Cost
		summary.ByAgentType[r.AgentType] = ab
		durationTotals[r.AgentType] += r.DurationMs
	}
	for t, ab := range summary.ByAgentType {
		if ab.Calls > 0 {
			ab.AvgDurationMs = float64(durationTotals[t]) / float64(ab.Calls)
			summary.ByAgentType[t] = ab
		}
	}

	// Percent-of-limit is weekly-only per the spec's resolved open question.
	if window == WindowWeek {
		if mb, ok := summary.ByModel[ModelOpus]; ok && m.limits.WeeklyOpusHours > 0 {
			mb.PercentOfLimit = mb.Hours / m.limits.WeeklyOpusHours * 100
			summary.ByModel[ModelOpus] = mb
		}
		if mb, ok := summary.ByModel[ModelSonnet]; ok && m.limits.WeeklySonnetHours > 0 {
			mb.PercentOfLimit = mb.Hours / m.limits.WeeklySonnetHours * 100
			summary.ByModel[ModelSonnet] = mb
		}
	}

	alerts, err := m.store.Alerts(AlertFilter{UserID: userID})
	if err != nil {
		return nil, err
	}
	for _, a := range alerts {
		if !a.Timestamp.Before(start) && a.Timestamp.Before(end) {
			summary.Alerts = append(summary.Alerts, a)
		}
	}

	return summary, nil
}

// RealTime returns current-day and current-week rollups plus plan limits.
func (m *Meter) RealTime(userID string) (*RealTime, error) {
	daily, err := m.Summary(WindowDay, userID)
	if err != nil {
		return nil, err
	}
	weekly, err := m.Summary(WindowWeek, userID)
	if err != nil {
		return nil, err
	}
	return &RealTime{
		UserID:     userID,
		Today:      daily.ByModel,
		ThisWeek:   weekly.ByModel,
		PlanLimits: m.limits,
	}, nil
}

// AgentMetrics returns the last 100 records for agentID, newest first.
func (m *Meter) AgentMetrics(agentID string) ([]*Record, error) {
	return m.store.RecordsForAgent(agentID, 100)
}

// Alerts returns alerts matching filter.
func (m *Meter) Alerts(filter AlertFilter) ([]Alert, error) {
	return m.store.Alerts(filter)
}

// Acknowledge marks an alert acknowledged. Idempotent.
func (m *Meter) Acknowledge(alertID, actorID string) (bool, error) {
	return m.store.AcknowledgeAlert(alertID, actorID)
}

// Report returns a per-day breakdown over [start, end] plus straight-line
// 7-day and 30-day cost projections from the current daily average.
func (m *Meter) Report(userID string, start, end time.Time) (*Report, error) {
	records, err := m.store.RecordsInRange(userID, start, end.AddDate(0, 0, 1))
	if err != nil {
		return nil, err
	}

	byDay := make(map[string]*DayBreakdown)
	var order []string
	for _, r := range records {
		day := r.Timestamp.Format("2006-01-02")
		d, ok := byDay[day]
		if !ok {
			d = &DayBreakdown{Date: day}
			byDay[day] = d
			order = append(order, day)
		}
		d.TotalTokens += r.InputTokens + r.OutputTokens
		d.TotalCost += r.Cost
	}
	sort.Strings(order)

	report := &Report{UserID: userID, Start: start, End: end}
	var totalCost float64
	for _, day := range order {
		report.Days = append(report.Days, *byDay[day])
		totalCost += byDay[day].TotalCost
	}

	days := len(order)
	if days > 0 {
		avgDaily := totalCost / float64(days)
		report.Projection7Day = avgDaily * 7
		report.Projection30Day = avgDaily * 30
	}

	return report, nil
}

// PruneExpired deletes usage records older than the retention window.
func (m *Meter) PruneExpired() (int64, error) {
	return m.store.PruneOlderThan(time.Now().Add(-m.retention))
}

func (m *Meter) publish(topic string, payload map[string]interface{}) {
	if m.bus == nil {
		return
	}
	m.bus.PublishUsageEvent(topic, payload)
}

func startOfDay(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

func startOfISOWeek(t time.Time) time.Time {
	d := startOfDay(t)
	wd := int(d.Weekday())
	if wd == 0 {
		wd = 7 // ISO weeks start Monday
	}
	return d.AddDate(0, 0, -(wd - 1))
}
