package domain

import "time"

// NotificationCategory classifies a notification for gating purposes.
// Verification-class categories always bypass send-time optimization.
type NotificationCategory string

const (
	CategoryMarketing         NotificationCategory = "marketing"
	CategoryTransactional     NotificationCategory = "transactional"
	CategoryPhoneVerification NotificationCategory = "phone_verification"
	CategoryEmailVerification NotificationCategory = "email_verification"
	CategoryTwoFactor         NotificationCategory = "2fa"
	CategoryPasswordReset     NotificationCategory = "password_reset"
)

// Bypass reports whether the category skips all optimization gates.
func (c NotificationCategory) Bypass() bool {
	switch c {
	case CategoryPhoneVerification, CategoryEmailVerification,
		CategoryTwoFactor, CategoryPasswordReset:
		return true
	}
	return false
}

// NotificationData is the optimizer's view of an outbound notification.
type NotificationData struct {
	UserID   string               `json:"userId"`
	Channel  ChannelType          `json:"channel"`
	Priority PriorityTier         `json:"priority"`
	Category NotificationCategory `json:"category"`
}

// FrequencyCaps limits deliveries per channel over rolling calendar periods.
// A zero cap means unlimited for that period.
type FrequencyCaps struct {
	MaxPerDay   int `json:"maxPerDay"`
	MaxPerWeek  int `json:"maxPerWeek"`
	MaxPerMonth int `json:"maxPerMonth"`
}

// QuietHours is a per-user window during which only high-priority
// notifications may be sent. Start/End are "HH:MM" in the profile timezone;
// overnight windows (start > end) are supported.
type QuietHours struct {
	Enabled bool   `json:"enabled"`
	Start   string `json:"start"`
	End     string `json:"end"`
}

// SendWindow is a learned optimal delivery window for a channel.
type SendWindow struct {
	Hour   int `json:"hour"`   // 0..23 in the profile timezone
	Minute int `json:"minute"` // 0..59
}

// UserEngagementProfile is the learned per-user data describing when and how
// the user historically responds to notifications. Created lazily with safe
// defaults on first use; persisted keyed by user id. QualityScore is 0..100.
type UserEngagementProfile struct {
	UserID   string                       `json:"userId"`
	Timezone string                       `json:"timezone"`
	Windows  map[ChannelType][]SendWindow `json:"windows"`

	// DailyOpens buckets engagement opens by local calendar day
	// ("2006-01-02" keys), so windows are learned from a bounded trailing
	// period instead of all history. Keys sort chronologically.
	DailyOpens map[string][24]int `json:"dailyOpens,omitempty"`

	HourlySends    [24]int                       `json:"hourlySends"`
	Caps           map[ChannelType]FrequencyCaps `json:"caps"`
	Quiet          QuietHours                    `json:"quiet"`
	QualityScore   int                           `json:"qualityScore"`
	LastEngagement time.Time                     `json:"lastEngagement"`
	UpdatedAt      time.Time                     `json:"updatedAt"`
}

// RecordOpen counts one open in the bucket for the given local time.
func (p *UserEngagementProfile) RecordOpen(local time.Time) {
	if p.DailyOpens == nil {
		p.DailyOpens = make(map[string][24]int)
	}
	day := local.Format("2006-01-02")
	opens := p.DailyOpens[day]
	opens[local.Hour()]++
	p.DailyOpens[day] = opens
}

// OpensByHour sums per-hour opens across buckets from the cutoff day onward.
func (p *UserEngagementProfile) OpensByHour(cutoffDay string) [24]int {
	var hours [24]int
	for day, opens := range p.DailyOpens {
		if day < cutoffDay {
			continue
		}
		for h, n := range opens {
			hours[h] += n
		}
	}
	return hours
}

// PruneOpens drops buckets older than the cutoff day.
func (p *UserEngagementProfile) PruneOpens(cutoffDay string) {
	for day := range p.DailyOpens {
		if day < cutoffDay {
			delete(p.DailyOpens, day)
		}
	}
}

// Location resolves the profile timezone, falling back to UTC on a bad or
// missing zone name rather than failing the decision.
func (p *UserEngagementProfile) Location() *time.Location {
	if p.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(p.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// GateOutcome records the result of one optimization gate.
type GateOutcome struct {
	Passed bool   `json:"passed"`
	Reason string `json:"reason,omitempty"`
}

// SendTimeRecommendation is the ephemeral go/no-go decision for one
// notification.
type SendTimeRecommendation struct {
	ShouldSendNow   bool        `json:"shouldSendNow"`
	OptimalSendTime *time.Time  `json:"optimalSendTime,omitempty"`
	DelayMs         int64       `json:"delayMs,omitempty"`
	Reason          string      `json:"reason"`
	FrequencyGate   GateOutcome `json:"frequencyGate"`
	QuietHoursGate  GateOutcome `json:"quietHoursGate"`
	QualityGate     GateOutcome `json:"qualityGate"`
}

// EngagementMetrics carries the engagement events reported back after a
// notification is delivered.
type EngagementMetrics struct {
	Channel     ChannelType `json:"channel"`
	OpenedAt    *time.Time  `json:"openedAt,omitempty"`
	ClickedAt   *time.Time  `json:"clickedAt,omitempty"`
	ConvertedAt *time.Time  `json:"convertedAt,omitempty"`
}

// Engaged reports whether any engagement signal was observed.
func (m *EngagementMetrics) Engaged() bool {
	return m.OpenedAt != nil || m.ClickedAt != nil || m.ConvertedAt != nil
}
