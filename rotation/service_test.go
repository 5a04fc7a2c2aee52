package rotation_test

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"testing"
	"time"

	"github.com/kasuganosora/rotationd/cache"
	"github.com/kasuganosora/rotationd/model"
	"github.com/kasuganosora/rotationd/rotation"
	"github.com/kasuganosora/rotationd/rotation/bounty"
	"github.com/kasuganosora/rotationd/rotation/selector"
	"github.com/kasuganosora/rotationd/testutil"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

const week = 7 * 24 * time.Hour

var t0 = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.t = t
	c.mu.Unlock()
}

type fixture struct {
	db    *gorm.DB
	cache cache.Cache
	clock *clock
	reg   *prometheus.Registry
	svc   *rotation.Service
	users []int64
}

func newFixture(t *testing.T, bounties bool) *fixture {
	t.Helper()
	db := testutil.SetupTestDB(t)
	c, _ := testutil.SetupTestCache(t)
	f := &fixture{db: db, cache: c, clock: &clock{t: t0}, reg: prometheus.NewRegistry()}

	opts := rotation.Options{
		Now:     f.clock.Now,
		Rand:    rand.New(rand.NewPCG(7, 11)),
		Metrics: rotation.NewMetrics(f.reg),
	}
	if bounties {
		opts.Bounties = bounty.NewTablePlanner(nil, nil)
	}
	locker := cache.NewLocker(c, time.Minute, 5*time.Second, 5*time.Millisecond)
	f.svc = rotation.New(db, locker, testutil.Logger(), opts)

	require.NoError(t, f.svc.Bootstrap(context.Background(),
		rotation.Seed{Family: model.FamilyItems, Period: week, ItemCount: 5, History: 2, ActiveKeyType: "Classic"},
		rotation.Seed{Family: model.FamilyQuests, Period: week, ItemCount: 5},
	))

	f.items(t, selector.Legendary, 4)
	f.items(t, selector.Epic, 8)
	f.items(t, selector.Rare, 12)
	f.templates(t, selector.Hard, 2)
	f.templates(t, selector.Medium, 3)
	f.templates(t, selector.Easy, 4)
	for i := 0; i < 3; i++ {
		u := &model.User{Name: fmt.Sprintf("user-%d", i)}
		require.NoError(t, db.Create(u).Error)
		f.users = append(f.users, u.ID)
	}
	return f
}

func (f *fixture) items(t *testing.T, rarity string, n int) {
	for i := 0; i < n; i++ {
		require.NoError(t, f.db.Create(&model.CatalogItem{
			Name: fmt.Sprintf("%s-%d", rarity, i), ItemType: "skin", Rarity: rarity, Price: 100, Active: true,
		}).Error)
	}
}

func (f *fixture) templates(t *testing.T, difficulty string, n int) {
	for i := 0; i < n; i++ {
		require.NoError(t, f.db.Create(&model.QuestTemplate{
			Name: fmt.Sprintf("%s-%d", difficulty, i), Difficulty: difficulty,
			CoinReward: 100, XPReward: 15, Active: true,
		}).Error)
	}
}

func (f *fixture) tick(t *testing.T, family string) rotation.Result {
	t.Helper()
	res, err := f.svc.Tick(context.Background(), family)
	require.NoError(t, err)
	return res
}

func (f *fixture) schedule(t *testing.T, family string) model.RotationSchedule {
	var s model.RotationSchedule
	require.NoError(t, f.db.Where("family = ?", family).First(&s).Error)
	return s
}

func (f *fixture) contentOf(t *testing.T, batchID string) map[int64]bool {
	var ids []int64
	require.NoError(t, f.db.Model(&model.RotationEntry{}).Where("batch_id = ?", batchID).Pluck("content_id", &ids).Error)
	out := make(map[int64]bool, len(ids))
	for _, id := range ids {
		out[id] = true
	}
	return out
}

func (f *fixture) count(t *testing.T, m interface{}, query string, args ...interface{}) int64 {
	var n int64
	require.NoError(t, f.db.Model(m).Where(query, args...).Count(&n).Error)
	return n
}

// counter reads one sample from the registry; zero when absent.
func (f *fixture) counter(t *testing.T, name string, labels map[string]string) float64 {
	mfs, err := f.reg.Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() != name {
			continue
		}
	next:
		for _, m := range mf.GetMetric() {
			for _, lp := range m.GetLabel() {
				if want, ok := labels[lp.GetName()]; ok && want != lp.GetValue() {
					continue next
				}
			}
			return m.GetCounter().GetValue()
		}
	}
	return 0
}

func TestFirstTickGeneratesItemBatch(t *testing.T) {
	f := newFixture(t, false)

	res := f.tick(t, model.FamilyItems)
	assert.True(t, res.Generated)
	assert.Equal(t, 5, res.ItemsGenerated)
	assert.Equal(t, len(f.users), res.Notified)
	require.NotEmpty(t, res.BatchID)

	s := f.schedule(t, model.FamilyItems)
	require.NotNil(t, s.CurrentBatchID)
	assert.Equal(t, res.BatchID, *s.CurrentBatchID)
	assert.WithinDuration(t, t0, *s.LastRotationAt, 0)
	assert.WithinDuration(t, t0.Add(week), *s.NextRotationAt, 0)

	var entries []model.RotationEntry
	require.NoError(t, f.db.Where("batch_id = ?", res.BatchID).Find(&entries).Error)
	tiers := map[string]int{}
	for _, e := range entries {
		tiers[e.Rarity]++
		assert.Equal(t, "Classic", e.KeyType)
	}
	assert.Equal(t, 1, tiers[selector.Legendary])
	assert.Contains(t, []int{1, 2}, tiers[selector.Epic])
	assert.Equal(t, 4, tiers[selector.Epic]+tiers[selector.Rare])

	assert.EqualValues(t, len(f.users), f.count(t, &model.Notification{}, "batch_id = ? AND kind = ?", res.BatchID, model.KindStoreRotation))
}

func TestTickAnchorsWindowOnPreviousSchedule(t *testing.T) {
	f := newFixture(t, false)
	first := f.tick(t, model.FamilyItems)
	oldNext := t0.Add(week)

	f.clock.Set(oldNext.Add(time.Second))
	res := f.tick(t, model.FamilyItems)
	assert.True(t, res.Generated)
	assert.Equal(t, 5, res.ItemsGenerated)
	assert.NotEqual(t, first.BatchID, res.BatchID)

	s := f.schedule(t, model.FamilyItems)
	assert.WithinDuration(t, oldNext.Add(week), *s.NextRotationAt, 0, "grid is kept, not reset to now")
	assert.WithinDuration(t, oldNext, *s.LastRotationAt, 0)
}

func TestTickSkipsMissedPeriods(t *testing.T) {
	f := newFixture(t, false)
	f.tick(t, model.FamilyItems)

	// three and a half periods after the first rotation
	now := t0.Add(3*week + 84*time.Hour)
	f.clock.Set(now)
	res := f.tick(t, model.FamilyItems)
	require.True(t, res.Generated)
	assert.WithinDuration(t, t0.Add(3*week), *res.AvailableFrom, 0)
	assert.WithinDuration(t, t0.Add(4*week), *res.AvailableUntil, 0)
	assert.True(t, res.AvailableUntil.After(now))
}

func TestTickIsIdempotentWhenNotDue(t *testing.T) {
	f := newFixture(t, false)
	first := f.tick(t, model.FamilyItems)

	f.clock.Set(t0.Add(time.Hour))
	second := f.tick(t, model.FamilyItems)
	assert.False(t, second.Generated)
	assert.Equal(t, first.BatchID, second.BatchID)
	assert.Equal(t, 5, second.ItemsGenerated)
	assert.Zero(t, second.Notified)

	assert.EqualValues(t, 1, f.count(t, &model.RotationBatch{}, "family = ?", model.FamilyItems))
	assert.EqualValues(t, len(f.users), f.count(t, &model.Notification{}, "1 = 1"))
}

func TestParallelTicksGenerateOnce(t *testing.T) {
	f := newFixture(t, false)
	const n = 8

	var wg sync.WaitGroup
	results := make([]rotation.Result, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = f.svc.Tick(context.Background(), model.FamilyItems)
		}(i)
	}
	wg.Wait()

	generated := 0
	for i := range results {
		require.NoError(t, errs[i])
		assert.False(t, results[i].LockTimeout)
		if results[i].Generated {
			generated++
		}
	}
	assert.Equal(t, 1, generated)
	assert.EqualValues(t, 1, f.count(t, &model.RotationBatch{}, "family = ?", model.FamilyItems))
	for _, uid := range f.users {
		assert.EqualValues(t, 1, f.count(t, &model.Notification{}, "user_id = ?", uid))
	}
}

func TestItemsAreNotRepeatedWithinHistory(t *testing.T) {
	f := newFixture(t, false)

	var batches []string
	for i := 0; i < 3; i++ {
		f.clock.Set(t0.Add(time.Duration(i) * week))
		res := f.tick(t, model.FamilyItems)
		require.True(t, res.Generated)
		batches = append(batches, res.BatchID)
	}

	b1, b2, b3 := f.contentOf(t, batches[0]), f.contentOf(t, batches[1]), f.contentOf(t, batches[2])
	for id := range b2 {
		assert.False(t, b1[id], "batch 2 repeats %d from batch 1", id)
	}
	for id := range b3 {
		assert.False(t, b1[id], "batch 3 repeats %d from batch 1", id)
		assert.False(t, b2[id], "batch 3 repeats %d from batch 2", id)
	}
}

func TestOnlyOneBatchIsActiveAtATime(t *testing.T) {
	f := newFixture(t, false)

	// the second rotation comes early: no current batch forces a tick
	f.tick(t, model.FamilyItems)
	require.NoError(t, f.db.Model(&model.RotationSchedule{}).Where("family = ?", model.FamilyItems).
		Update("current_batch_id", nil).Error)
	f.clock.Set(t0.Add(48 * time.Hour))
	f.tick(t, model.FamilyItems)
	f.clock.Set(t0.Add(48*time.Hour + week))
	f.tick(t, model.FamilyItems)

	var all []model.RotationBatch
	require.NoError(t, f.db.Where("family = ?", model.FamilyItems).Order("seq").Find(&all).Error)
	require.Len(t, all, 3)
	for i := 1; i < len(all); i++ {
		assert.WithinDuration(t, all[i].AvailableFrom, all[i-1].AvailableUntil, 0, "windows are contiguous")
	}
	for _, at := range []time.Time{t0, t0.Add(47 * time.Hour), t0.Add(48 * time.Hour), t0.Add(8 * 24 * time.Hour), t0.Add(15 * 24 * time.Hour)} {
		assert.EqualValues(t, 1, f.count(t, &model.RotationBatch{},
			"family = ? AND available_from <= ? AND available_until > ?", model.FamilyItems, at, at), "at %s", at)
	}
}

func TestItemsUnderFillMissingTier(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.db.Model(&model.CatalogItem{}).Where("rarity = ?", selector.Legendary).
		Update("active", false).Error)

	res, err := f.svc.Tick(context.Background(), model.FamilyItems)
	require.NoError(t, err)
	assert.True(t, res.Generated)
	assert.Equal(t, 4, res.ItemsGenerated)
	assert.Zero(t, f.count(t, &model.RotationEntry{}, "batch_id = ? AND rarity = ?", res.BatchID, selector.Legendary))
}

func TestQuestsShortTierAbortsRotation(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.db.Model(&model.QuestTemplate{}).Where("difficulty = ?", selector.Hard).
		Update("active", false).Error)

	_, err := f.svc.Tick(context.Background(), model.FamilyQuests)
	require.Error(t, err)
	var cfgErr *selector.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, selector.Hard, cfgErr.Tier)

	s := f.schedule(t, model.FamilyQuests)
	assert.Nil(t, s.CurrentBatchID)
	assert.Nil(t, s.NextRotationAt)
	assert.Zero(t, f.count(t, &model.RotationBatch{}, "family = ?", model.FamilyQuests))
	assert.Zero(t, f.count(t, &model.Notification{}, "1 = 1"))
	assert.Equal(t, 1.0, f.counter(t, "rotation_ticks_total", map[string]string{"family": model.FamilyQuests, "outcome": rotation.OutcomeError}))
}

func TestQuestTickSettlesBeforeRotating(t *testing.T) {
	f := newFixture(t, true)
	first := f.tick(t, model.FamilyQuests)
	require.True(t, first.Generated)
	assert.Equal(t, 5+len(f.users), first.ItemsGenerated, "globals plus one bounty per user")

	var global model.QuestAssignment
	require.NoError(t, f.db.Where("batch_id = ? AND kind = ?", first.BatchID, model.AssignmentGlobal).First(&global).Error)
	done := t0.Add(time.Hour)
	uid := f.users[0]
	require.NoError(t, f.db.Create(&model.UserQuestProgress{
		UserID: uid, AssignmentID: global.ID, BatchID: first.BatchID, CompletedAt: &done,
	}).Error)
	require.NoError(t, f.db.Create(&model.UserQuestProgress{
		UserID: f.users[1], AssignmentID: global.ID, BatchID: first.BatchID,
	}).Error)

	f.clock.Set(t0.Add(week))
	res := f.tick(t, model.FamilyQuests)
	require.True(t, res.Generated)
	assert.Equal(t, 1, res.ClaimedCount)
	assert.EqualValues(t, 100, res.TotalCoinsClaimed)
	assert.EqualValues(t, 15, res.TotalXPClaimed)

	var u model.User
	require.NoError(t, f.db.First(&u, uid).Error)
	assert.EqualValues(t, 100, u.Coins)

	var p model.UserQuestProgress
	require.NoError(t, f.db.Where("user_id = ? AND assignment_id = ?", uid, global.ID).First(&p).Error)
	require.NotNil(t, p.ClaimedAt)
	assert.WithinDuration(t, t0.Add(week), *p.ClaimedAt, 0)

	// nothing left to pay on the next rotation
	f.clock.Set(t0.Add(2 * week))
	again := f.tick(t, model.FamilyQuests)
	assert.Zero(t, again.ClaimedCount)
	require.NoError(t, f.db.First(&u, uid).Error)
	assert.EqualValues(t, 100, u.Coins)

	assert.Equal(t, 1.0, f.counter(t, "rotation_claimed_rewards_total", map[string]string{"family": model.FamilyQuests, "unit": "rows"}))
	assert.Equal(t, 100.0, f.counter(t, "rotation_claimed_rewards_total", map[string]string{"family": model.FamilyQuests, "unit": "coins"}))
}

func TestFamiliesRotateIndependently(t *testing.T) {
	f := newFixture(t, false)
	items := f.tick(t, model.FamilyItems)
	quests := f.tick(t, model.FamilyQuests)
	assert.True(t, items.Generated)
	assert.True(t, quests.Generated)

	for _, uid := range f.users {
		assert.EqualValues(t, 1, f.count(t, &model.Notification{}, "user_id = ? AND kind = ?", uid, model.KindStoreRotation))
		assert.EqualValues(t, 1, f.count(t, &model.Notification{}, "user_id = ? AND kind = ?", uid, model.KindQuestRotation))
	}
}

func TestTickReportsLockTimeout(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()

	other := cache.NewLocker(f.cache, time.Minute, time.Second, 5*time.Millisecond)
	hold, err := other.Acquire(ctx, "rotation:"+model.FamilyItems)
	require.NoError(t, err)
	defer hold.Release(ctx)

	impatient := rotation.New(f.db, cache.NewLocker(f.cache, time.Minute, 30*time.Millisecond, 5*time.Millisecond),
		testutil.Logger(), rotation.Options{Now: f.clock.Now, Metrics: rotation.NewMetrics(prometheus.NewRegistry())})
	res, err := impatient.Tick(ctx, model.FamilyItems)
	require.NoError(t, err)
	assert.True(t, res.LockTimeout)
	assert.False(t, res.Generated)
	assert.Zero(t, f.count(t, &model.RotationBatch{}, "1 = 1"))

	// the quest family has its own lease
	res, err = impatient.Tick(ctx, model.FamilyQuests)
	require.NoError(t, err)
	assert.False(t, res.LockTimeout)
}

func TestTickRejectsUnknownFamily(t *testing.T) {
	f := newFixture(t, false)
	_, err := f.svc.Tick(context.Background(), "pets")
	assert.ErrorIs(t, err, rotation.ErrUnknownFamily)
}

func TestTickMetrics(t *testing.T) {
	f := newFixture(t, false)
	f.tick(t, model.FamilyItems)
	f.tick(t, model.FamilyItems)

	items := map[string]string{"family": model.FamilyItems}
	assert.Equal(t, 1.0, f.counter(t, "rotation_ticks_total", map[string]string{"family": model.FamilyItems, "outcome": rotation.OutcomeGenerated}))
	assert.Equal(t, 1.0, f.counter(t, "rotation_ticks_total", map[string]string{"family": model.FamilyItems, "outcome": rotation.OutcomeIdle}))
	assert.Equal(t, 5.0, f.counter(t, "rotation_generated_items_total", items))
	assert.Equal(t, float64(len(f.users)), f.counter(t, "rotation_notifications_enqueued_total", items))
}

func TestUpdateScheduleAppliesFromNextRotation(t *testing.T) {
	f := newFixture(t, false)
	ctx := context.Background()
	first := f.tick(t, model.FamilyItems)

	day := 24 * time.Hour
	count := 3
	key := "Premium"
	sched, err := f.svc.UpdateSchedule(ctx, model.FamilyItems, rotation.ScheduleUpdate{
		Period: &day, ItemCount: &count, ActiveKeyType: &key,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 86400, sched.PeriodSeconds)
	assert.WithinDuration(t, t0.Add(week), *sched.NextRotationAt, 0, "running batch keeps its window")

	f.clock.Set(t0.Add(week))
	res := f.tick(t, model.FamilyItems)
	require.True(t, res.Generated)
	assert.NotEqual(t, first.BatchID, res.BatchID)
	assert.Equal(t, 3, res.ItemsGenerated)
	assert.WithinDuration(t, t0.Add(week+day), *res.AvailableUntil, 0)
	assert.EqualValues(t, 3, f.count(t, &model.RotationEntry{}, "batch_id = ? AND key_type = ?", res.BatchID, key))
}

func TestUpdateScheduleValidates(t *testing.T) {
	f := newFixture(t, false)
	zero := 0
	_, err := f.svc.UpdateSchedule(context.Background(), model.FamilyItems, rotation.ScheduleUpdate{ItemCount: &zero})
	assert.ErrorIs(t, err, rotation.ErrInvalidUpdate)

	_, err = f.svc.UpdateSchedule(context.Background(), "pets", rotation.ScheduleUpdate{})
	assert.ErrorIs(t, err, rotation.ErrUnknownFamily)

	history := 2
	_, err = f.svc.UpdateSchedule(context.Background(), model.FamilyQuests, rotation.ScheduleUpdate{History: &history})
	assert.ErrorIs(t, err, rotation.ErrInvalidUpdate)
	assert.Zero(t, f.schedule(t, model.FamilyQuests).History)

	_, err = f.svc.UpdateSchedule(context.Background(), model.FamilyItems, rotation.ScheduleUpdate{History: &history})
	assert.NoError(t, err)

	err = f.svc.Bootstrap(context.Background(), rotation.Seed{Family: model.FamilyQuests, Period: week, ItemCount: 5, History: 1})
	assert.ErrorIs(t, err, rotation.ErrInvalidUpdate)
}

func TestBootstrapKeepsExistingSchedule(t *testing.T) {
	f := newFixture(t, false)
	require.NoError(t, f.svc.Bootstrap(context.Background(),
		rotation.Seed{Family: model.FamilyItems, Period: time.Hour, ItemCount: 9}))

	s := f.schedule(t, model.FamilyItems)
	assert.EqualValues(t, week/time.Second, s.PeriodSeconds)
	assert.Equal(t, 5, s.ItemCount)
}

func TestStatus(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()

	st, err := f.svc.Status(ctx, model.FamilyQuests, 5)
	require.NoError(t, err)
	assert.True(t, st.Due)
	assert.Nil(t, st.Current)
	assert.True(t, st.Plan.Strict)

	res := f.tick(t, model.FamilyQuests)
	st, err = f.svc.Status(ctx, model.FamilyQuests, 5)
	require.NoError(t, err)
	assert.False(t, st.Due)
	assert.False(t, st.Locked)
	require.NotNil(t, st.Current)
	assert.Equal(t, res.BatchID, st.Current.ID)
	assert.Len(t, st.Assignments, 5, "bounties are per user and not listed")
	assert.Len(t, st.Recent, 1)
}

func TestSmallItemCountNeverOverDelivers(t *testing.T) {
	f := newFixture(t, false)
	two := 2
	_, err := f.svc.UpdateSchedule(context.Background(), model.FamilyItems, rotation.ScheduleUpdate{ItemCount: &two})
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		f.clock.Set(t0.Add(time.Duration(i) * week))
		res := f.tick(t, model.FamilyItems)
		require.True(t, res.Generated, "tick %d", i)
		assert.Equal(t, 2, res.ItemsGenerated, "tick %d", i)
		assert.EqualValues(t, 2, f.count(t, &model.RotationEntry{}, "batch_id = ?", res.BatchID))
	}
}
