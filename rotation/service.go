// Package rotation runs the rotation state machine: on each Tick it decides
// whether a family is due and, if so, settles, selects, persists and
// announces the next batch in one transaction.
package rotation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/kasuganosora/rotationd/audit"
	"github.com/kasuganosora/rotationd/cache"
	"github.com/kasuganosora/rotationd/model"
	"github.com/kasuganosora/rotationd/rotation/batch"
	"github.com/kasuganosora/rotationd/rotation/bounty"
	"github.com/kasuganosora/rotationd/rotation/catalog"
	"github.com/kasuganosora/rotationd/rotation/notify"
	"github.com/kasuganosora/rotationd/rotation/selector"
	"github.com/kasuganosora/rotationd/rotation/settlement"
	"github.com/kasuganosora/rotationd/wallet"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	ErrUnknownFamily = errors.New("rotation: unknown family")
	ErrInvalidUpdate = errors.New("rotation: invalid schedule update")
)

// Result is what Tick reports. When Generated is false, BatchID and
// ItemsGenerated describe the batch that is still current.
type Result struct {
	Family            string     `json:"family"`
	BatchID           string     `json:"batch_id,omitempty"`
	Generated         bool       `json:"generated"`
	LockTimeout       bool       `json:"lock_timeout,omitempty"`
	ClaimedCount      int        `json:"claimed_count"`
	TotalCoinsClaimed int64      `json:"total_coins_claimed"`
	TotalXPClaimed    int64      `json:"total_xp_claimed"`
	ItemsGenerated    int        `json:"items_generated"`
	Notified          int        `json:"notified"`
	AvailableFrom     *time.Time `json:"available_from,omitempty"`
	AvailableUntil    *time.Time `json:"available_until,omitempty"`
}

// Options carries the injectable parts of the Service.
type Options struct {
	Now      func() time.Time    // defaults to time.Now
	Rand     selector.Rand       // defaults to math/rand/v2; wrapped with selector.Locked
	Balances settlement.Balances // defaults to wallet.Ledger
	Bounties bounty.Planner      // nil disables bounties
	Metrics  *Metrics
	Audit    *audit.Service
}

// Service is the rotation orchestrator.
type Service struct {
	db       *gorm.DB
	store    *batch.Store
	locker   *cache.Locker
	settle   *settlement.Service
	notifier *notify.Notifier
	bounties bounty.Planner
	rng      selector.Rand
	now      func() time.Time
	metrics  *Metrics
	audit    *audit.Service
	logger   *zap.Logger
}

type globalRand struct{}

func (globalRand) IntN(n int) int { return rand.IntN(n) }

// New creates a Service.
func New(db *gorm.DB, locker *cache.Locker, logger *zap.Logger, opts Options) *Service {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	var rng selector.Rand = globalRand{}
	if opts.Rand != nil {
		rng = selector.Locked(opts.Rand)
	}
	var balances settlement.Balances = wallet.Ledger{}
	if opts.Balances != nil {
		balances = opts.Balances
	}
	return &Service{
		db:       db,
		store:    batch.New(db),
		locker:   locker,
		settle:   settlement.New(balances, logger),
		notifier: notify.New(logger),
		bounties: opts.Bounties,
		rng:      rng,
		now:      now,
		metrics:  opts.Metrics,
		audit:    opts.Audit,
		logger:   logger,
	}
}

// ValidFamily reports whether family names a rotation this engine runs.
func ValidFamily(family string) bool {
	return family == model.FamilyItems || family == model.FamilyQuests
}

// KindFor maps a family to its notification kind.
func KindFor(family string) string {
	if family == model.FamilyQuests {
		return model.KindQuestRotation
	}
	return model.KindStoreRotation
}

func leaseName(family string) string { return "rotation:" + family }

// Due reports whether sched should rotate at now.
func Due(sched *model.RotationSchedule, now time.Time) bool {
	return sched.CurrentBatchID == nil || sched.NextRotationAt == nil || !now.Before(*sched.NextRotationAt)
}

// Window computes the next batch window. It starts at the previous
// nextRotationAt (now on the first rotation) and skips whole missed periods,
// so the grid never drifts and the new batch is never already expired.
func Window(sched *model.RotationSchedule, now time.Time) (time.Time, time.Time) {
	period := sched.Period()
	if sched.NextRotationAt == nil || period <= 0 {
		return now, now.Add(period)
	}
	start := sched.NextRotationAt.UTC()
	if start.After(now) {
		start = now
	} else if missed := now.Sub(start); missed >= period {
		start = start.Add(missed / period * period)
	}
	return start, start.Add(period)
}

// PlanFor returns the tier plan of a schedule: the stored plan, or the
// family default, with Total taken from ItemCount when set.
func PlanFor(sched *model.RotationSchedule) (selector.Plan, error) {
	var plan selector.Plan
	if len(sched.TierPlan) > 0 && string(sched.TierPlan) != "null" {
		if err := json.Unmarshal(sched.TierPlan, &plan); err != nil {
			return plan, fmt.Errorf("rotation: decode tier plan of %s: %w", sched.Family, err)
		}
	} else if sched.Family == model.FamilyQuests {
		plan = selector.QuestsPlan(sched.ItemCount)
	} else {
		plan = selector.ItemsPlan(sched.ItemCount)
	}
	if sched.ItemCount > 0 {
		plan.Total = sched.ItemCount
	}
	return plan, nil
}

// Tick rotates family if it is due. Concurrent calls serialize on the
// family lease; a caller that cannot get it within the configured wait gets
// LockTimeout=true and a nil error.
func (s *Service) Tick(ctx context.Context, family string) (Result, error) {
	if !ValidFamily(family) {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownFamily, family)
	}
	started := time.Now()
	trace := traceID(ctx)
	log := s.logger.With(zap.String("family", family), zap.String("trace_id", trace))

	res, err := s.tick(ctx, family)
	res.Family = family
	elapsed := time.Since(started)

	var outcome string
	switch {
	case err != nil:
		outcome = OutcomeError
		var cfgErr *selector.ConfigurationError
		if errors.As(err, &cfgErr) {
			log.Error("rotation aborted, catalog cannot satisfy plan", zap.Error(err))
		} else {
			log.Error("rotation failed", zap.Error(err))
		}
	case res.LockTimeout:
		outcome = OutcomeLockTimeout
		log.Warn("rotation lease busy, skipping tick", zap.Duration("waited", elapsed))
	case res.Generated:
		outcome = OutcomeGenerated
		log.Info("rotation generated",
			zap.String("batch_id", res.BatchID),
			zap.Int("items", res.ItemsGenerated),
			zap.Int("claimed", res.ClaimedCount),
			zap.Int64("coins", res.TotalCoinsClaimed),
			zap.Int64("xp", res.TotalXPClaimed),
			zap.Int("notified", res.Notified))
	default:
		outcome = OutcomeIdle
		log.Debug("rotation not due", zap.String("batch_id", res.BatchID))
	}

	s.metrics.observe(res, outcome, elapsed)
	if s.audit != nil {
		entry := audit.Entry{
			TraceID:        trace,
			Family:         family,
			BatchID:        res.BatchID,
			Generated:      res.Generated,
			LockTimeout:    res.LockTimeout,
			ClaimedCount:   res.ClaimedCount,
			Coins:          res.TotalCoinsClaimed,
			XP:             res.TotalXPClaimed,
			ItemsGenerated: res.ItemsGenerated,
			Duration:       elapsed,
		}
		if err != nil {
			entry.Error = err.Error()
		}
		s.audit.Log(entry)
	}
	return res, err
}

func (s *Service) tick(ctx context.Context, family string) (Result, error) {
	hold, err := s.locker.Acquire(ctx, leaseName(family))
	if errors.Is(err, cache.ErrLockTimeout) {
		return Result{LockTimeout: true}, nil
	}
	if err != nil {
		return Result{}, fmt.Errorf("rotation: %s: %w", family, err)
	}
	defer s.release(ctx, hold)

	var res Result
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := s.store.WithTx(tx)
		sched, err := store.LockSchedule(ctx, family)
		if err != nil {
			return err
		}
		now := s.now().UTC()
		if !Due(sched, now) {
			res, err = s.current(ctx, store, sched)
			return err
		}
		res, err = s.rotate(ctx, tx, store, sched, now)
		return err
	})
	if err != nil {
		return Result{}, fmt.Errorf("rotation: %s: %w", family, err)
	}
	return res, nil
}

func (s *Service) release(ctx context.Context, hold *cache.Hold) {
	if err := hold.Release(context.WithoutCancel(ctx)); err != nil {
		s.logger.Warn("rotation lease release failed", zap.String("key", hold.Key()), zap.Error(err))
	}
}

// current describes the batch that stays in place on an idle tick.
func (s *Service) current(ctx context.Context, store *batch.Store, sched *model.RotationSchedule) (Result, error) {
	res := Result{}
	if sched.CurrentBatchID == nil {
		return res, nil
	}
	res.BatchID = *sched.CurrentBatchID
	n, err := store.CountContent(ctx, sched.Family, res.BatchID)
	if err != nil {
		return Result{}, err
	}
	res.ItemsGenerated = n
	if b, err := store.Batch(ctx, res.BatchID); err == nil {
		res.AvailableFrom, res.AvailableUntil = &b.AvailableFrom, &b.AvailableUntil
	}
	return res, nil
}

func (s *Service) rotate(ctx context.Context, tx *gorm.DB, store *batch.Store, sched *model.RotationSchedule, now time.Time) (Result, error) {
	family := sched.Family
	if sched.PeriodSeconds <= 0 {
		return Result{}, fmt.Errorf("%w: period must be positive", ErrInvalidUpdate)
	}
	start, end := Window(sched, now)
	res := Result{Generated: true}

	// Settle the outgoing batch before any new assignment exists.
	if family == model.FamilyQuests {
		sr, err := s.settle.SettleCompleted(ctx, tx, family, start)
		if err != nil {
			return Result{}, err
		}
		res.ClaimedCount = sr.Claimed
		res.TotalCoinsClaimed = sr.Coins
		res.TotalXPClaimed = sr.XP
	}

	plan, err := PlanFor(sched)
	if err != nil {
		return Result{}, err
	}
	targets, err := plan.Resolve(s.rng)
	if err != nil {
		return Result{}, err
	}

	// Exclusions are read before the new batch exists so it does not count
	// toward the lookback.
	excluded, err := store.RecentContent(ctx, family, sched.History)
	if err != nil {
		return Result{}, err
	}
	var src catalog.Source = catalog.Items{}
	if family == model.FamilyQuests {
		src = catalog.Quests{}
	}
	pool, err := catalog.Pool(ctx, tx, src, plan.Tiers())
	if err != nil {
		return Result{}, err
	}
	chosen, err := selector.Select(s.rng, pool, excluded, targets, plan.Strict)
	if err != nil {
		return Result{}, err
	}

	b, err := store.CreateBatch(ctx, family, start, end)
	if err != nil {
		return Result{}, err
	}
	audience, err := wallet.Audience(ctx, tx)
	if err != nil {
		return Result{}, err
	}

	if family == model.FamilyQuests {
		res.ItemsGenerated, err = s.persistQuests(ctx, tx, store, b.ID, chosen, audience)
	} else {
		res.ItemsGenerated, err = s.persistItems(ctx, tx, store, sched, b.ID, chosen)
	}
	if err != nil {
		return Result{}, err
	}

	res.Notified, err = s.notifier.AnnounceNewBatch(ctx, tx, b.ID, KindFor(family), audience, map[string]interface{}{
		"family":          family,
		"available_from":  start,
		"available_until": end,
		"items":           res.ItemsGenerated,
	})
	if err != nil {
		return Result{}, err
	}

	sched.LastRotationAt = &start
	sched.NextRotationAt = &end
	sched.CurrentBatchID = &b.ID
	if err := store.SaveSchedule(ctx, sched); err != nil {
		return Result{}, err
	}

	res.BatchID = b.ID
	res.AvailableFrom, res.AvailableUntil = &b.AvailableFrom, &b.AvailableUntil
	return res, nil
}

func (s *Service) persistItems(ctx context.Context, tx *gorm.DB, store *batch.Store, sched *model.RotationSchedule, batchID string, chosen []selector.Candidate) (int, error) {
	ids := make([]int64, len(chosen))
	for i, c := range chosen {
		ids[i] = c.ID
	}
	items, err := catalog.ItemsByID(ctx, tx, ids)
	if err != nil {
		return 0, err
	}
	entries := make([]model.RotationEntry, 0, len(chosen))
	for _, c := range chosen {
		it, ok := items[c.ID]
		if !ok {
			continue
		}
		entries = append(entries, model.RotationEntry{
			BatchID:   batchID,
			ContentID: c.ID,
			Name:      it.Name,
			ItemType:  it.ItemType,
			KeyType:   sched.ActiveKeyType,
			Rarity:    c.Tier,
			Price:     it.Price,
		})
	}
	if err := store.AddEntries(ctx, entries); err != nil {
		return 0, err
	}
	return len(entries), nil
}

func (s *Service) persistQuests(ctx context.Context, tx *gorm.DB, store *batch.Store, batchID string, chosen []selector.Candidate, audience []int64) (int, error) {
	ids := make([]int64, len(chosen))
	for i, c := range chosen {
		ids[i] = c.ID
	}
	templates, err := catalog.TemplatesByID(ctx, tx, ids)
	if err != nil {
		return 0, err
	}

	n := 0
	for _, c := range chosen {
		tpl, ok := templates[c.ID]
		if !ok {
			continue
		}
		tplID := tpl.ID
		ok, err := store.AddAssignment(ctx, &model.QuestAssignment{
			BatchID:      batchID,
			Kind:         model.AssignmentGlobal,
			TemplateID:   &tplID,
			Name:         tpl.Name,
			Description:  tpl.Description,
			Difficulty:   c.Tier,
			CoinReward:   tpl.CoinReward,
			XPReward:     tpl.XPReward,
			Requirements: tpl.Requirements,
		})
		if err != nil {
			return 0, err
		}
		if ok {
			n++
		}
	}

	if s.bounties == nil {
		return n, nil
	}
	for _, userID := range audience {
		a, err := s.bounties.Draw(s.rng, userID)
		if err != nil {
			return 0, err
		}
		a.BatchID = batchID
		ok, err := store.AddAssignment(ctx, a)
		if err != nil {
			return 0, err
		}
		if ok {
			n++
		}
	}
	return n, nil
}
