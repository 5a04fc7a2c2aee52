package rotation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kasuganosora/rotationd/model"
	"github.com/kasuganosora/rotationd/rotation/batch"
	"github.com/kasuganosora/rotationd/rotation/selector"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Seed is the initial configuration of a family's schedule.
type Seed struct {
	Family        string
	Period        time.Duration
	ItemCount     int
	History       int
	ActiveKeyType string
	Plan          *selector.Plan // nil uses the family default
}

// Bootstrap inserts the schedule rows that do not exist yet. Existing rows
// are left as they are.
func (s *Service) Bootstrap(ctx context.Context, seeds ...Seed) error {
	for _, seed := range seeds {
		if !ValidFamily(seed.Family) {
			return fmt.Errorf("%w: %q", ErrUnknownFamily, seed.Family)
		}
		if seed.Period <= 0 || seed.ItemCount < 0 || seed.History < 0 ||
			(seed.Family == model.FamilyQuests && seed.History > 0) {
			return fmt.Errorf("%w: seed for %s", ErrInvalidUpdate, seed.Family)
		}
		sched := &model.RotationSchedule{
			Family:        seed.Family,
			PeriodSeconds: int64(seed.Period / time.Second),
			ItemCount:     seed.ItemCount,
			History:       seed.History,
			ActiveKeyType: seed.ActiveKeyType,
		}
		if seed.Plan != nil {
			raw, err := json.Marshal(seed.Plan)
			if err != nil {
				return fmt.Errorf("rotation: encode plan of %s: %w", seed.Family, err)
			}
			sched.TierPlan = datatypes.JSON(raw)
		}
		created, err := s.store.EnsureSchedule(ctx, sched)
		if err != nil {
			return fmt.Errorf("rotation: bootstrap %s: %w", seed.Family, err)
		}
		if created {
			s.logger.Info("rotation schedule created",
				zap.String("family", seed.Family),
				zap.Duration("period", seed.Period),
				zap.Int("item_count", seed.ItemCount))
		}
	}
	return nil
}

// ScheduleUpdate changes a schedule. Nil fields are kept.
type ScheduleUpdate struct {
	Period        *time.Duration
	ItemCount     *int
	History       *int
	ActiveKeyType *string
	Plan          *selector.Plan
}

func (u ScheduleUpdate) validate(family string) error {
	switch {
	case u.History != nil && *u.History > 0 && family == model.FamilyQuests:
		return fmt.Errorf("%w: quest templates are not excluded across rotations", ErrInvalidUpdate)
	case u.Period != nil && *u.Period < time.Second:
		return fmt.Errorf("%w: period must be at least 1s", ErrInvalidUpdate)
	case u.ItemCount != nil && *u.ItemCount < 1:
		return fmt.Errorf("%w: item_count must be positive", ErrInvalidUpdate)
	case u.History != nil && *u.History < 0:
		return fmt.Errorf("%w: history must not be negative", ErrInvalidUpdate)
	case u.Plan != nil && u.Plan.Derived == "":
		return fmt.Errorf("%w: plan needs a derived tier", ErrInvalidUpdate)
	}
	return nil
}

// UpdateSchedule applies u under the family hold. The running batch keeps
// its window; a new period takes effect from the next rotation. It returns
// cache.ErrLockTimeout when a tick holds the family for too long.
func (s *Service) UpdateSchedule(ctx context.Context, family string, u ScheduleUpdate) (*model.RotationSchedule, error) {
	if !ValidFamily(family) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFamily, family)
	}
	if err := u.validate(family); err != nil {
		return nil, err
	}
	hold, err := s.locker.Acquire(ctx, leaseName(family))
	if err != nil {
		return nil, fmt.Errorf("rotation: update %s: %w", family, err)
	}
	defer s.release(ctx, hold)

	var out *model.RotationSchedule
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := s.store.WithTx(tx)
		sched, err := store.LockSchedule(ctx, family)
		if err != nil {
			return err
		}
		if u.Period != nil {
			sched.PeriodSeconds = int64(*u.Period / time.Second)
		}
		if u.ItemCount != nil {
			sched.ItemCount = *u.ItemCount
		}
		if u.History != nil {
			sched.History = *u.History
		}
		if u.ActiveKeyType != nil {
			sched.ActiveKeyType = *u.ActiveKeyType
		}
		if u.Plan != nil {
			raw, err := json.Marshal(u.Plan)
			if err != nil {
				return err
			}
			sched.TierPlan = datatypes.JSON(raw)
		}
		if err := store.SaveSchedule(ctx, sched); err != nil {
			return err
		}
		out = sched
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("rotation: update %s: %w", family, err)
	}
	s.logger.Info("rotation schedule updated", zap.String("family", family))
	return out, nil
}

// Status is a read-only view of a family.
type Status struct {
	Schedule    *model.RotationSchedule `json:"schedule"`
	Plan        selector.Plan           `json:"plan"`
	Due         bool                    `json:"due"`
	Locked      bool                    `json:"locked"`
	Current     *model.RotationBatch    `json:"current,omitempty"`
	Entries     []model.RotationEntry   `json:"entries,omitempty"`
	Assignments []model.QuestAssignment `json:"assignments,omitempty"`
	Recent      []model.RotationBatch   `json:"recent"`
}

// Status reports the schedule, the active batch with its content (global
// assignments only for quests) and the newest batches.
func (s *Service) Status(ctx context.Context, family string, recent int) (*Status, error) {
	if !ValidFamily(family) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownFamily, family)
	}
	sched, err := s.store.Schedule(ctx, family)
	if err != nil {
		return nil, err
	}
	plan, err := PlanFor(sched)
	if err != nil {
		return nil, err
	}
	now := s.now().UTC()
	st := &Status{Schedule: sched, Plan: plan, Due: Due(sched, now)}

	if st.Locked, err = s.locker.Held(ctx, leaseName(family)); err != nil {
		return nil, err
	}

	cur, err := s.store.Active(ctx, family, now)
	switch {
	case errors.Is(err, batch.ErrNoActiveBatch):
	case err != nil:
		return nil, err
	default:
		st.Current = cur
		if family == model.FamilyQuests {
			all, err := s.store.Assignments(ctx, cur.ID, nil)
			if err != nil {
				return nil, err
			}
			for _, a := range all {
				if a.Kind == model.AssignmentGlobal {
					st.Assignments = append(st.Assignments, a)
				}
			}
		} else if st.Entries, err = s.store.Entries(ctx, cur.ID); err != nil {
			return nil, err
		}
	}

	if st.Recent, err = s.store.Recent(ctx, family, recent); err != nil {
		return nil, err
	}
	return st, nil
}
