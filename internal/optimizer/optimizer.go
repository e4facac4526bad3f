// Package optimizer decides, per notification, whether now is the right
// moment to send, independent of which provider will carry it.
package optimizer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"go.opentelemetry.io/otel"
	"go.uber.org/zap"

	"github.com/relaymesh/delivery-core/internal/domain"
	"github.com/relaymesh/delivery-core/internal/infra/observability"
	"github.com/relaymesh/delivery-core/internal/port"
)

var tracer = otel.Tracer("optimizer")

const (
	optimalWindowSlack   = 30 * time.Minute
	topEngagementHours   = 3
	engagementWindowDays = 30
)

// Counter TTLs outlive their calendar period so a boundary read still sees
// the closing period's count.
const (
	dayCounterTTL   = 48 * time.Hour
	weekCounterTTL  = 8 * 24 * time.Hour
	monthCounterTTL = 32 * 24 * time.Hour
)

// Per-channel minute offsets stagger optimal windows so channels do not all
// fire at the top of the hour.
var channelOffsets = map[domain.ChannelType]int{
	domain.ChannelEmail: 0,
	domain.ChannelSMS:   15,
	domain.ChannelPush:  30,
	domain.ChannelInApp: 45,
}

// Optimizer evaluates the send-time gate chain. Every unexpected error
// fails open: delivery availability beats optimization correctness.
type Optimizer struct {
	profiles port.ProfileStore
	shared   port.SharedStore
	metrics  *observability.Metrics
	logger   *zap.Logger
	enabled  bool

	now func() time.Time
}

// New creates an optimizer. When enabled is false every decision is an
// immediate send.
func New(profiles port.ProfileStore, shared port.SharedStore, metrics *observability.Metrics, logger *zap.Logger, enabled bool) *Optimizer {
	return &Optimizer{
		profiles: profiles,
		shared:   shared,
		metrics:  metrics,
		logger:   logger,
		enabled:  enabled,
		now:      time.Now,
	}
}

// ShouldSendNow runs the gate chain in order, short-circuiting on the first
// blocking gate. Gates: bypass checks, frequency caps, quiet hours, optimal
// windows.
func (o *Optimizer) ShouldSendNow(ctx context.Context, n *domain.NotificationData) *domain.SendTimeRecommendation {
	ctx, span := tracer.Start(ctx, "Optimizer.ShouldSendNow")
	defer span.End()

	if !o.enabled {
		return sendNow("optimization disabled")
	}
	if n.Priority == domain.PriorityCritical {
		o.metrics.IncrGateOutcome("bypass", true)
		return sendNow("critical priority bypass")
	}
	if n.Category.Bypass() {
		o.metrics.IncrGateOutcome("bypass", true)
		return sendNow(fmt.Sprintf("%s category bypass", n.Category))
	}

	profile, err := o.loadOrDefault(ctx, n.UserID)
	if err != nil {
		o.logger.Warn("profile load failed, failing open",
			zap.String("user", n.UserID), zap.Error(err))
		return sendNow("profile unavailable, failing open")
	}
	loc := profile.Location()
	now := o.now().In(loc)

	rec := &domain.SendTimeRecommendation{
		FrequencyGate:  domain.GateOutcome{Passed: true},
		QuietHoursGate: domain.GateOutcome{Passed: true},
		QualityGate:    domain.GateOutcome{Passed: true},
	}

	if blocked, retryAt, reason := o.checkFrequencyCaps(ctx, n, profile, now); blocked {
		o.metrics.IncrGateOutcome("frequency", false)
		rec.FrequencyGate = domain.GateOutcome{Passed: false, Reason: reason}
		return blockUntil(rec, retryAt, now, reason)
	}
	o.metrics.IncrGateOutcome("frequency", true)

	if blocked, retryAt := quietHoursBlock(profile, n.Priority, now); blocked {
		o.metrics.IncrGateOutcome("quiet_hours", false)
		rec.QuietHoursGate = domain.GateOutcome{Passed: false, Reason: "inside quiet hours"}
		return blockUntil(rec, retryAt, now, "inside quiet hours")
	}
	o.metrics.IncrGateOutcome("quiet_hours", true)

	if n.Priority != domain.PriorityHigh {
		if blocked, retryAt := optimalWindowBlock(profile, n.Channel, now); blocked {
			o.metrics.IncrGateOutcome("optimal_window", false)
			rec.QualityGate = domain.GateOutcome{Passed: false, Reason: "outside optimal windows"}
			return blockUntil(rec, retryAt, now, "outside optimal windows")
		}
	}
	o.metrics.IncrGateOutcome("optimal_window", true)

	rec.ShouldSendNow = true
	rec.Reason = "all gates passed"
	return rec
}

func sendNow(reason string) *domain.SendTimeRecommendation {
	return &domain.SendTimeRecommendation{
		ShouldSendNow:  true,
		Reason:         reason,
		FrequencyGate:  domain.GateOutcome{Passed: true},
		QuietHoursGate: domain.GateOutcome{Passed: true},
		QualityGate:    domain.GateOutcome{Passed: true},
	}
}

func blockUntil(rec *domain.SendTimeRecommendation, retryAt time.Time, now time.Time, reason string) *domain.SendTimeRecommendation {
	rec.ShouldSendNow = false
	rec.Reason = reason
	rec.OptimalSendTime = &retryAt
	rec.DelayMs = retryAt.Sub(now).Milliseconds()
	return rec
}

// checkFrequencyCaps counts recent successful deliveries per calendar period
// against the profile caps. Counting is read-then-decide: two concurrent
// sends can both observe the last remaining slot. That race is accepted in
// favor of availability.
func (o *Optimizer) checkFrequencyCaps(ctx context.Context, n *domain.NotificationData, profile *domain.UserEngagementProfile, now time.Time) (bool, time.Time, string) {
	caps, ok := profile.Caps[n.Channel]
	if !ok {
		return false, time.Time{}, ""
	}

	type period struct {
		name  string
		cap   int
		key   string
		reset time.Time
	}
	periods := []period{
		{"day", caps.MaxPerDay, o.counterKey(n, "day", now.Format("2006-01-02")), startOfNextDay(now)},
		{"week", caps.MaxPerWeek, o.counterKey(n, "week", isoWeekKey(now)), startOfNextWeek(now)},
		{"month", caps.MaxPerMonth, o.counterKey(n, "month", now.Format("2006-01")), startOfNextMonth(now)},
	}

	for _, p := range periods {
		if p.cap <= 0 {
			continue
		}
		count, err := o.shared.GetCounter(ctx, p.key)
		if err != nil {
			// Fail open on counter trouble.
			o.logger.Warn("frequency counter read failed",
				zap.String("key", p.key), zap.Error(err))
			continue
		}
		if count >= int64(p.cap) {
			return true, p.reset, fmt.Sprintf("%s cap reached (%d/%d)", p.name, count, p.cap)
		}
	}
	return false, time.Time{}, ""
}

func (o *Optimizer) counterKey(n *domain.NotificationData, granularity, bucket string) string {
	return fmt.Sprintf("freq:%s:%s:%s:%s", n.UserID, n.Channel, granularity, bucket)
}

// quietHoursBlock reports whether the current local time falls inside the
// user's quiet window. High priority pushes through.
func quietHoursBlock(profile *domain.UserEngagementProfile, priority domain.PriorityTier, now time.Time) (bool, time.Time) {
	q := profile.Quiet
	if !q.Enabled || priority == domain.PriorityHigh {
		return false, time.Time{}
	}
	start, ok1 := parseHHMM(q.Start)
	end, ok2 := parseHHMM(q.End)
	if !ok1 || !ok2 || start == end {
		return false, time.Time{}
	}

	minute := now.Hour()*60 + now.Minute()
	inWindow := false
	if start < end {
		inWindow = minute >= start && minute < end
	} else {
		// Overnight window, e.g. 22:00 to 08:00.
		inWindow = minute >= start || minute < end
	}
	if !inWindow {
		return false, time.Time{}
	}

	endToday := time.Date(now.Year(), now.Month(), now.Day(), end/60, end%60, 0, 0, now.Location())
	if !endToday.After(now) {
		endToday = endToday.AddDate(0, 0, 1)
	}
	return true, endToday
}

// optimalWindowBlock checks whether now falls within slack of one of the
// channel's learned windows. A profile with nothing learned for the channel
// does not block.
func optimalWindowBlock(profile *domain.UserEngagementProfile, channel domain.ChannelType, now time.Time) (bool, time.Time) {
	windows := profile.Windows[channel]
	if len(windows) == 0 {
		return false, time.Time{}
	}

	var candidates []time.Time
	for _, w := range windows {
		slot := time.Date(now.Year(), now.Month(), now.Day(), w.Hour, w.Minute, 0, 0, now.Location())
		if diff := now.Sub(slot); diff >= -optimalWindowSlack && diff <= optimalWindowSlack {
			return false, time.Time{}
		}
		if slot.After(now) {
			candidates = append(candidates, slot)
		}
	}

	if len(candidates) > 0 {
		sort.Slice(candidates, func(i, j int) bool { return candidates[i].Before(candidates[j]) })
		return true, candidates[0]
	}

	// No slot left today; wrap to tomorrow's earliest window.
	first := windows[0]
	for _, w := range windows[1:] {
		if w.Hour*60+w.Minute < first.Hour*60+first.Minute {
			first = w
		}
	}
	next := time.Date(now.Year(), now.Month(), now.Day(), first.Hour, first.Minute, 0, 0, now.Location()).AddDate(0, 0, 1)
	return true, next
}

// RecordNotificationSent bumps the frequency counters, the send histogram
// and the last-contact timestamp after a successful delivery.
func (o *Optimizer) RecordNotificationSent(ctx context.Context, userID string, channel domain.ChannelType) error {
	profile, err := o.loadOrDefault(ctx, userID)
	if err != nil {
		return err
	}
	now := o.now().In(profile.Location())

	n := &domain.NotificationData{UserID: userID, Channel: channel}
	counters := []struct {
		key string
		ttl time.Duration
	}{
		{o.counterKey(n, "day", now.Format("2006-01-02")), dayCounterTTL},
		{o.counterKey(n, "week", isoWeekKey(now)), weekCounterTTL},
		{o.counterKey(n, "month", now.Format("2006-01")), monthCounterTTL},
	}
	for _, c := range counters {
		if _, err := o.shared.Incr(ctx, c.key, c.ttl); err != nil {
			o.logger.Warn("frequency counter increment failed",
				zap.String("key", c.key), zap.Error(err))
		}
	}

	profile.HourlySends[now.Hour()]++
	profile.LastEngagement = o.now()
	profile.UpdatedAt = o.now()
	return o.profiles.SaveProfile(ctx, profile)
}

// RecordEngagement folds an engagement report into the profile: +2 quality
// on an open, -1 on no engagement, clamped to 0..100. Opens land in
// day-bucketed histograms and the optimal windows are relearned from the
// trailing engagementWindowDays, so an old routine eventually stops shaping
// them.
func (o *Optimizer) RecordEngagement(ctx context.Context, userID string, m *domain.EngagementMetrics) error {
	profile, err := o.loadOrDefault(ctx, userID)
	if err != nil {
		return err
	}
	loc := profile.Location()

	if m.Engaged() {
		profile.QualityScore += 2
		engagedAt := o.now()
		if m.OpenedAt != nil {
			engagedAt = *m.OpenedAt
		}
		profile.RecordOpen(engagedAt.In(loc))
		profile.LastEngagement = engagedAt
	} else {
		profile.QualityScore--
	}
	if profile.QualityScore > 100 {
		profile.QualityScore = 100
	}
	if profile.QualityScore < 0 {
		profile.QualityScore = 0
	}

	cutoff := engagementCutoff(o.now().In(loc))
	profile.PruneOpens(cutoff)
	o.recalculateWindows(profile, m.Channel, cutoff)
	profile.UpdatedAt = o.now()
	return o.profiles.SaveProfile(ctx, profile)
}

// recalculateWindows derives the channel's optimal windows from the top
// engagement hours of the trailing period, staggered by the channel's minute
// offset.
func (o *Optimizer) recalculateWindows(profile *domain.UserEngagementProfile, channel domain.ChannelType, cutoffDay string) {
	type hourCount struct {
		hour  int
		opens int
	}
	var counts []hourCount
	for h, opens := range profile.OpensByHour(cutoffDay) {
		if opens > 0 {
			counts = append(counts, hourCount{hour: h, opens: opens})
		}
	}
	if len(counts) == 0 {
		// Nothing recent enough to learn from; stale windows would pin the
		// user to an outdated routine.
		delete(profile.Windows, channel)
		return
	}
	sort.Slice(counts, func(i, j int) bool {
		if counts[i].opens != counts[j].opens {
			return counts[i].opens > counts[j].opens
		}
		return counts[i].hour < counts[j].hour
	})
	if len(counts) > topEngagementHours {
		counts = counts[:topEngagementHours]
	}

	offset := channelOffsets[channel]
	windows := make([]domain.SendWindow, 0, len(counts))
	for _, c := range counts {
		windows = append(windows, domain.SendWindow{Hour: c.hour, Minute: offset})
	}
	sort.Slice(windows, func(i, j int) bool { return windows[i].Hour < windows[j].Hour })

	if profile.Windows == nil {
		profile.Windows = make(map[domain.ChannelType][]domain.SendWindow)
	}
	profile.Windows[channel] = windows
}

// GetProfile returns the user's engagement profile, creating the default
// lazily for unknown users.
func (o *Optimizer) GetProfile(ctx context.Context, userID string) (*domain.UserEngagementProfile, error) {
	return o.loadOrDefault(ctx, userID)
}

// SaveProfile persists caller-supplied profile edits (caps, quiet hours,
// timezone).
func (o *Optimizer) SaveProfile(ctx context.Context, profile *domain.UserEngagementProfile) error {
	if profile.UserID == "" {
		return &domain.ErrValidation{Field: "userId", Message: "required"}
	}
	profile.UpdatedAt = o.now()
	return o.profiles.SaveProfile(ctx, profile)
}

func (o *Optimizer) loadOrDefault(ctx context.Context, userID string) (*domain.UserEngagementProfile, error) {
	profile, err := o.profiles.GetProfile(ctx, userID)
	if err == nil {
		return profile, nil
	}
	var notFound *domain.ErrNotFound
	if errors.As(err, &notFound) {
		return defaultProfile(userID, o.now()), nil
	}
	return nil, err
}

// defaultProfile is the safe starting point for a user with no history:
// UTC, moderate caps, overnight quiet hours, neutral quality.
func defaultProfile(userID string, now time.Time) *domain.UserEngagementProfile {
	caps := domain.FrequencyCaps{MaxPerDay: 5, MaxPerWeek: 20, MaxPerMonth: 60}
	return &domain.UserEngagementProfile{
		UserID:   userID,
		Timezone: "UTC",
		Windows:  make(map[domain.ChannelType][]domain.SendWindow),
		Caps: map[domain.ChannelType]domain.FrequencyCaps{
			domain.ChannelEmail: caps,
			domain.ChannelSMS:   caps,
			domain.ChannelPush:  caps,
			domain.ChannelInApp: caps,
		},
		Quiet:        domain.QuietHours{Enabled: true, Start: "22:00", End: "08:00"},
		QualityScore: 50,
		UpdatedAt:    now,
	}
}

func parseHHMM(s string) (int, bool) {
	var h, m int
	if _, err := fmt.Sscanf(s, "%d:%d", &h, &m); err != nil {
		return 0, false
	}
	if h < 0 || h > 23 || m < 0 || m > 59 {
		return 0, false
	}
	return h*60 + m, true
}

// engagementCutoff is the oldest local day (inclusive) still counted toward
// window learning.
func engagementCutoff(now time.Time) string {
	return now.AddDate(0, 0, -engagementWindowDays).Format("2006-01-02")
}

func isoWeekKey(now time.Time) string {
	year, week := now.ISOWeek()
	return fmt.Sprintf("%d-W%02d", year, week)
}

func startOfNextDay(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
}

func startOfNextWeek(now time.Time) time.Time {
	day := startOfNextDay(now)
	for day.Weekday() != time.Monday {
		day = day.AddDate(0, 0, 1)
	}
	return day
}

func startOfNextMonth(now time.Time) time.Time {
	return time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location()).AddDate(0, 1, 0)
}
