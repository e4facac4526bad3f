package optimizer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/delivery-core/internal/domain"
	"github.com/relaymesh/delivery-core/internal/infra/observability"
)

type fakeProfiles struct {
	mu       sync.Mutex
	profiles map[string]*domain.UserEngagementProfile
	failing  bool
}

func newFakeProfiles() *fakeProfiles {
	return &fakeProfiles{profiles: make(map[string]*domain.UserEngagementProfile)}
}

func (f *fakeProfiles) GetProfile(_ context.Context, userID string) (*domain.UserEngagementProfile, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return nil, errors.New("store down")
	}
	p, ok := f.profiles[userID]
	if !ok {
		return nil, &domain.ErrNotFound{Resource: "profile", ID: userID}
	}
	cp := *p
	return &cp, nil
}

func (f *fakeProfiles) SaveProfile(_ context.Context, p *domain.UserEngagementProfile) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failing {
		return errors.New("store down")
	}
	cp := *p
	f.profiles[p.UserID] = &cp
	return nil
}

type fakeCounters struct {
	mu       sync.Mutex
	counters map[string]int64
}

func newFakeCounters() *fakeCounters {
	return &fakeCounters{counters: make(map[string]int64)}
}

func (f *fakeCounters) Get(context.Context, string) ([]byte, bool, error)        { return nil, false, nil }
func (f *fakeCounters) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (f *fakeCounters) Delete(context.Context, string) error                     { return nil }
func (f *fakeCounters) AppendList(context.Context, string, []byte, int, time.Duration) error {
	return nil
}
func (f *fakeCounters) GetList(context.Context, string) ([][]byte, error) { return nil, nil }

func (f *fakeCounters) Incr(_ context.Context, key string, _ time.Duration) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[key]++
	return f.counters[key], nil
}

func (f *fakeCounters) GetCounter(_ context.Context, key string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.counters[key], nil
}

func testOptimizer(profiles *fakeProfiles, counters *fakeCounters, at time.Time) *Optimizer {
	o := New(profiles, counters, observability.NewMetrics(), zap.NewNop(), true)
	o.now = func() time.Time { return at }
	return o
}

// noonTuesday is a time safely outside the default quiet hours.
var noonTuesday = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func marketingNote(user string) *domain.NotificationData {
	return &domain.NotificationData{
		UserID:   user,
		Channel:  domain.ChannelEmail,
		Priority: domain.PriorityMedium,
		Category: domain.CategoryMarketing,
	}
}

func TestDisabledOptimizerAlwaysSends(t *testing.T) {
	o := New(newFakeProfiles(), newFakeCounters(), observability.NewMetrics(), zap.NewNop(), false)

	rec := o.ShouldSendNow(context.Background(), marketingNote("u1"))
	if !rec.ShouldSendNow {
		t.Error("disabled optimizer must always send")
	}
}

func TestCriticalPriorityBypasses(t *testing.T) {
	// Midnight inside quiet hours; critical still goes out.
	midnight := time.Date(2026, 3, 10, 0, 30, 0, 0, time.UTC)
	o := testOptimizer(newFakeProfiles(), newFakeCounters(), midnight)

	n := marketingNote("u1")
	n.Priority = domain.PriorityCritical
	rec := o.ShouldSendNow(context.Background(), n)
	if !rec.ShouldSendNow {
		t.Error("critical priority must bypass all gates")
	}
}

func TestVerificationCategoriesBypass(t *testing.T) {
	midnight := time.Date(2026, 3, 10, 0, 30, 0, 0, time.UTC)
	o := testOptimizer(newFakeProfiles(), newFakeCounters(), midnight)

	for _, cat := range []domain.NotificationCategory{
		domain.CategoryPhoneVerification,
		domain.CategoryEmailVerification,
		domain.CategoryTwoFactor,
		domain.CategoryPasswordReset,
	} {
		n := marketingNote("u1")
		n.Category = cat
		if rec := o.ShouldSendNow(context.Background(), n); !rec.ShouldSendNow {
			t.Errorf("%s must bypass optimization", cat)
		}
	}
}

func TestFrequencyCapBlocks(t *testing.T) {
	profiles := newFakeProfiles()
	counters := newFakeCounters()
	o := testOptimizer(profiles, counters, noonTuesday)
	ctx := context.Background()

	// Default cap is 5/day; record 5 sends.
	for i := 0; i < 5; i++ {
		if err := o.RecordNotificationSent(ctx, "u1", domain.ChannelEmail); err != nil {
			t.Fatal(err)
		}
	}

	rec := o.ShouldSendNow(ctx, marketingNote("u1"))
	if rec.ShouldSendNow {
		t.Fatal("expected daily cap to block")
	}
	if rec.FrequencyGate.Passed {
		t.Error("frequency gate should report the block")
	}
	if rec.OptimalSendTime == nil {
		t.Fatal("expected a retry time")
	}
	nextDay := time.Date(2026, 3, 11, 0, 0, 0, 0, time.UTC)
	if !rec.OptimalSendTime.Equal(nextDay) {
		t.Errorf("expected retry at start of next day, got %s", rec.OptimalSendTime)
	}
	if rec.DelayMs <= 0 {
		t.Error("expected a positive delay")
	}

	// A different channel has its own counters.
	n := marketingNote("u1")
	n.Channel = domain.ChannelPush
	if rec := o.ShouldSendNow(ctx, n); !rec.ShouldSendNow {
		t.Error("cap on one channel must not block another")
	}
}

func TestQuietHoursBlocksOvernight(t *testing.T) {
	// 23:30 falls inside the default 22:00-08:00 overnight window.
	lateNight := time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	o := testOptimizer(newFakeProfiles(), newFakeCounters(), lateNight)

	rec := o.ShouldSendNow(context.Background(), marketingNote("u1"))
	if rec.ShouldSendNow {
		t.Fatal("expected quiet hours to block")
	}
	if rec.QuietHoursGate.Passed {
		t.Error("quiet hours gate should report the block")
	}
	// Window end is 08:00 the next morning.
	wantEnd := time.Date(2026, 3, 11, 8, 0, 0, 0, time.UTC)
	if !rec.OptimalSendTime.Equal(wantEnd) {
		t.Errorf("expected retry at window end %s, got %s", wantEnd, rec.OptimalSendTime)
	}
}

func TestQuietHoursEarlyMorningEndsToday(t *testing.T) {
	earlyMorning := time.Date(2026, 3, 10, 6, 0, 0, 0, time.UTC)
	o := testOptimizer(newFakeProfiles(), newFakeCounters(), earlyMorning)

	rec := o.ShouldSendNow(context.Background(), marketingNote("u1"))
	if rec.ShouldSendNow {
		t.Fatal("expected quiet hours to block at 06:00")
	}
	wantEnd := time.Date(2026, 3, 10, 8, 0, 0, 0, time.UTC)
	if !rec.OptimalSendTime.Equal(wantEnd) {
		t.Errorf("expected retry at today's window end, got %s", rec.OptimalSendTime)
	}
}

func TestHighPriorityPushesThroughQuietHours(t *testing.T) {
	lateNight := time.Date(2026, 3, 10, 23, 30, 0, 0, time.UTC)
	o := testOptimizer(newFakeProfiles(), newFakeCounters(), lateNight)

	n := marketingNote("u1")
	n.Priority = domain.PriorityHigh
	rec := o.ShouldSendNow(context.Background(), n)
	if !rec.ShouldSendNow {
		t.Error("high priority must push through quiet hours")
	}
}

func TestQuietHoursRespectProfileTimezone(t *testing.T) {
	profiles := newFakeProfiles()
	profile := defaultProfile("u1", noonTuesday)
	profile.Timezone = "America/Sao_Paulo"
	profiles.profiles["u1"] = profile

	// 01:30 UTC is 22:30 in Sao Paulo (UTC-3): inside quiet hours there.
	utcNight := time.Date(2026, 3, 11, 1, 30, 0, 0, time.UTC)
	o := testOptimizer(profiles, newFakeCounters(), utcNight)

	rec := o.ShouldSendNow(context.Background(), marketingNote("u1"))
	if rec.ShouldSendNow {
		t.Error("expected quiet hours in the profile timezone to block")
	}
}

func TestOptimalWindowGate(t *testing.T) {
	profiles := newFakeProfiles()
	profile := defaultProfile("u1", noonTuesday)
	profile.Windows[domain.ChannelEmail] = []domain.SendWindow{
		{Hour: 9, Minute: 0},
		{Hour: 14, Minute: 0},
	}
	profiles.profiles["u1"] = profile
	ctx := context.Background()

	// 14:20 is within 30 minutes of the 14:00 window.
	o := testOptimizer(profiles, newFakeCounters(), time.Date(2026, 3, 10, 14, 20, 0, 0, time.UTC))
	if rec := o.ShouldSendNow(ctx, marketingNote("u1")); !rec.ShouldSendNow {
		t.Errorf("expected 14:20 inside the 14:00 window, got blocked: %s", rec.Reason)
	}

	// 12:00 is outside both windows; next slot is 14:00.
	o = testOptimizer(profiles, newFakeCounters(), noonTuesday)
	rec := o.ShouldSendNow(ctx, marketingNote("u1"))
	if rec.ShouldSendNow {
		t.Fatal("expected noon to be outside optimal windows")
	}
	want := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	if !rec.OptimalSendTime.Equal(want) {
		t.Errorf("expected next slot 14:00, got %s", rec.OptimalSendTime)
	}

	// 15:00 has no slot left today; wraps to tomorrow's 09:00.
	o = testOptimizer(profiles, newFakeCounters(), time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC))
	rec = o.ShouldSendNow(ctx, marketingNote("u1"))
	if rec.ShouldSendNow {
		t.Fatal("expected 15:00 to be outside optimal windows")
	}
	want = time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)
	if !rec.OptimalSendTime.Equal(want) {
		t.Errorf("expected wrap to tomorrow 09:00, got %s", rec.OptimalSendTime)
	}
}

func TestHighPrioritySkipsOptimalWindows(t *testing.T) {
	profiles := newFakeProfiles()
	profile := defaultProfile("u1", noonTuesday)
	profile.Windows[domain.ChannelEmail] = []domain.SendWindow{{Hour: 9, Minute: 0}}
	profiles.profiles["u1"] = profile

	o := testOptimizer(profiles, newFakeCounters(), noonTuesday)
	n := marketingNote("u1")
	n.Priority = domain.PriorityHigh
	if rec := o.ShouldSendNow(context.Background(), n); !rec.ShouldSendNow {
		t.Error("high priority must skip the optimal-window gate")
	}
}

func TestFailsOpenOnStoreError(t *testing.T) {
	profiles := newFakeProfiles()
	profiles.failing = true
	o := testOptimizer(profiles, newFakeCounters(), noonTuesday)

	rec := o.ShouldSendNow(context.Background(), marketingNote("u1"))
	if !rec.ShouldSendNow {
		t.Error("store errors must fail open, never drop the notification")
	}
}

func TestRecordEngagementAdjustsQuality(t *testing.T) {
	profiles := newFakeProfiles()
	o := testOptimizer(profiles, newFakeCounters(), noonTuesday)
	ctx := context.Background()

	openedAt := time.Date(2026, 3, 10, 9, 15, 0, 0, time.UTC)
	err := o.RecordEngagement(ctx, "u1", &domain.EngagementMetrics{
		Channel:  domain.ChannelEmail,
		OpenedAt: &openedAt,
	})
	if err != nil {
		t.Fatal(err)
	}

	profile, err := o.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if profile.QualityScore != 52 {
		t.Errorf("expected quality 52 after open, got %d", profile.QualityScore)
	}
	if profile.DailyOpens[openedAt.Format("2006-01-02")][9] != 1 {
		t.Error("expected the day's open histogram to be updated")
	}
	if !profile.LastEngagement.Equal(openedAt) {
		t.Error("expected last engagement timestamp update")
	}

	// No engagement nudges quality down.
	if err := o.RecordEngagement(ctx, "u1", &domain.EngagementMetrics{Channel: domain.ChannelEmail}); err != nil {
		t.Fatal(err)
	}
	profile, _ = o.GetProfile(ctx, "u1")
	if profile.QualityScore != 51 {
		t.Errorf("expected quality 51 after no engagement, got %d", profile.QualityScore)
	}
}

func TestQualityScoreClamped(t *testing.T) {
	profiles := newFakeProfiles()
	profile := defaultProfile("u1", noonTuesday)
	profile.QualityScore = 99
	profiles.profiles["u1"] = profile
	o := testOptimizer(profiles, newFakeCounters(), noonTuesday)
	ctx := context.Background()

	openedAt := noonTuesday
	if err := o.RecordEngagement(ctx, "u1", &domain.EngagementMetrics{Channel: domain.ChannelEmail, OpenedAt: &openedAt}); err != nil {
		t.Fatal(err)
	}
	got, _ := o.GetProfile(ctx, "u1")
	if got.QualityScore != 100 {
		t.Errorf("expected clamp at 100, got %d", got.QualityScore)
	}

	got.QualityScore = 0
	if err := profiles.SaveProfile(ctx, got); err != nil {
		t.Fatal(err)
	}
	if err := o.RecordEngagement(ctx, "u1", &domain.EngagementMetrics{Channel: domain.ChannelEmail}); err != nil {
		t.Fatal(err)
	}
	got, _ = o.GetProfile(ctx, "u1")
	if got.QualityScore != 0 {
		t.Errorf("expected clamp at 0, got %d", got.QualityScore)
	}
}

func TestOptimalWindowsLearnedFromTopHours(t *testing.T) {
	profiles := newFakeProfiles()
	profile := defaultProfile("u1", noonTuesday)
	var opens [24]int
	opens[9] = 10
	opens[14] = 8
	opens[20] = 6
	opens[3] = 1
	profile.DailyOpens = map[string][24]int{
		noonTuesday.AddDate(0, 0, -1).Format("2006-01-02"): opens,
	}
	profiles.profiles["u1"] = profile
	o := testOptimizer(profiles, newFakeCounters(), noonTuesday)
	ctx := context.Background()

	openedAt := noonTuesday
	err := o.RecordEngagement(ctx, "u1", &domain.EngagementMetrics{
		Channel:  domain.ChannelPush,
		OpenedAt: &openedAt,
	})
	if err != nil {
		t.Fatal(err)
	}

	got, _ := o.GetProfile(ctx, "u1")
	windows := got.Windows[domain.ChannelPush]
	if len(windows) != 3 {
		t.Fatalf("expected top-3 windows, got %d", len(windows))
	}
	hours := map[int]bool{}
	for _, w := range windows {
		hours[w.Hour] = true
		if w.Minute != 30 {
			t.Errorf("expected push channel offset 30, got %d", w.Minute)
		}
	}
	// The noon open bumps hour 12 to 1 but the top three stay 9, 14, 20.
	for _, h := range []int{9, 14, 20} {
		if !hours[h] {
			t.Errorf("expected hour %d in learned windows", h)
		}
	}
}

func TestStaleEngagementAgesOutOfWindows(t *testing.T) {
	profiles := newFakeProfiles()
	profile := defaultProfile("u1", noonTuesday)
	var old, recent [24]int
	old[3] = 50
	recent[9] = 2
	profile.DailyOpens = map[string][24]int{
		noonTuesday.AddDate(0, 0, -45).Format("2006-01-02"): old,
		noonTuesday.AddDate(0, 0, -2).Format("2006-01-02"):  recent,
	}
	profiles.profiles["u1"] = profile
	o := testOptimizer(profiles, newFakeCounters(), noonTuesday)
	ctx := context.Background()

	openedAt := noonTuesday
	if err := o.RecordEngagement(ctx, "u1", &domain.EngagementMetrics{Channel: domain.ChannelEmail, OpenedAt: &openedAt}); err != nil {
		t.Fatal(err)
	}

	got, _ := o.GetProfile(ctx, "u1")
	hours := map[int]bool{}
	for _, w := range got.Windows[domain.ChannelEmail] {
		hours[w.Hour] = true
	}
	if hours[3] {
		t.Error("expected opens older than 30 days to stop shaping windows")
	}
	if !hours[9] {
		t.Error("expected recent opens to shape windows")
	}
	if len(got.DailyOpens) != 2 {
		t.Errorf("expected the stale bucket to be pruned, got %d buckets", len(got.DailyOpens))
	}
}

func TestRecordSentTouchesProfile(t *testing.T) {
	profiles := newFakeProfiles()
	o := testOptimizer(profiles, newFakeCounters(), noonTuesday)
	ctx := context.Background()

	if err := o.RecordNotificationSent(ctx, "u1", domain.ChannelEmail); err != nil {
		t.Fatal(err)
	}

	got, err := o.GetProfile(ctx, "u1")
	if err != nil {
		t.Fatal(err)
	}
	if got.HourlySends[12] != 1 {
		t.Error("expected send histogram update")
	}
	if !got.LastEngagement.Equal(noonTuesday) {
		t.Errorf("expected last contact stamped at send time, got %s", got.LastEngagement)
	}
}

func TestLazyDefaultProfile(t *testing.T) {
	o := testOptimizer(newFakeProfiles(), newFakeCounters(), noonTuesday)

	profile, err := o.GetProfile(context.Background(), "fresh-user")
	if err != nil {
		t.Fatal(err)
	}
	if profile.Timezone != "UTC" || profile.QualityScore != 50 {
		t.Errorf("unexpected defaults: %+v", profile)
	}
	if !profile.Quiet.Enabled || profile.Quiet.Start != "22:00" {
		t.Errorf("expected default quiet hours, got %+v", profile.Quiet)
	}
	if caps := profile.Caps[domain.ChannelEmail]; caps.MaxPerDay != 5 {
		t.Errorf("expected default daily cap 5, got %d", caps.MaxPerDay)
	}
}
