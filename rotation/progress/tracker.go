// Package progress provisions per-user quest progress and exposes the
// completion and claim hooks. Counting toward a requirement happens
// elsewhere.
package progress

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kasuganosora/rotationd/db"
	"github.com/kasuganosora/rotationd/model"
	"github.com/kasuganosora/rotationd/rotation/batch"
	"github.com/kasuganosora/rotationd/rotation/bounty"
	"github.com/kasuganosora/rotationd/rotation/selector"
	"github.com/kasuganosora/rotationd/rotation/settlement"
	"github.com/kasuganosora/rotationd/wallet"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var ErrNotFound = errors.New("progress: not found")

// Tracker manages user_quest_progress rows.
type Tracker struct {
	db      *gorm.DB
	store   *batch.Store
	planner bounty.Planner // nil disables bounties
	settle  *settlement.Service
	rng     selector.Rand
	now     func() time.Time
	logger  *zap.Logger
}

// New creates a Tracker. rng must be safe for concurrent use.
func New(db *gorm.DB, planner bounty.Planner, settle *settlement.Service, rng selector.Rand, now func() time.Time, logger *zap.Logger) *Tracker {
	if now == nil {
		now = func() time.Time { return time.Now().UTC() }
	}
	return &Tracker{
		db:      db,
		store:   batch.New(db),
		planner: planner,
		settle:  settle,
		rng:     rng,
		now:     now,
		logger:  logger,
	}
}

// Ensure makes sure userID has a progress row for every global quest of the
// active quest batch and for their own bounty, creating the bounty
// assignment if the user joined after the rotation. Safe to call repeatedly.
func (t *Tracker) Ensure(ctx context.Context, userID int64) (string, []model.UserQuestProgress, error) {
	var batchID string
	var rows []model.UserQuestProgress

	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		store := t.store.WithTx(tx)
		active, err := store.Active(ctx, model.FamilyQuests, t.now())
		if err != nil {
			return err
		}
		batchID = active.ID

		if t.planner != nil {
			a, err := t.planner.Draw(t.rng, userID)
			if err != nil {
				return err
			}
			a.BatchID = batchID
			if _, err := store.AddAssignment(ctx, a); err != nil {
				return err
			}
		}

		assignments, err := store.Assignments(ctx, batchID, &userID)
		if err != nil {
			return err
		}
		for _, a := range assignments {
			p := &model.UserQuestProgress{UserID: userID, AssignmentID: a.ID, BatchID: batchID}
			if _, err := db.InsertIfAbsent(tx, p, map[string]interface{}{
				"user_id":       userID,
				"assignment_id": a.ID,
			}); err != nil {
				return fmt.Errorf("progress: ensure %d/%d: %w", userID, a.ID, err)
			}
		}

		return tx.Where("user_id = ? AND batch_id = ?", userID, batchID).Order("id").Find(&rows).Error
	})
	if err != nil {
		return "", nil, err
	}
	return batchID, rows, nil
}

// Complete stamps completed_at once. Completing an already completed row is
// a no-op.
func (t *Tracker) Complete(ctx context.Context, userID, progressID int64, at time.Time) error {
	res := t.db.WithContext(ctx).
		Model(&model.UserQuestProgress{}).
		Where("id = ? AND user_id = ? AND completed_at IS NULL", progressID, userID).
		Update("completed_at", at.UTC())
	if res.Error != nil {
		return fmt.Errorf("progress: complete %d: %w", progressID, res.Error)
	}
	if res.RowsAffected > 0 {
		return nil
	}
	var n int64
	if err := t.db.WithContext(ctx).Model(&model.UserQuestProgress{}).
		Where("id = ? AND user_id = ?", progressID, userID).
		Count(&n).Error; err != nil {
		return fmt.Errorf("progress: complete %d: %w", progressID, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Claim pays one completed quest now instead of waiting for the rotation.
// A quest whose user no longer exists is left unclaimed and reported as
// wallet.ErrUserNotFound.
func (t *Tracker) Claim(ctx context.Context, userID, progressID int64) (settlement.Result, error) {
	var res settlement.Result
	err := t.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		res, err = t.settle.SettleOne(ctx, tx, userID, progressID, t.now())
		if err == nil && res.SkippedUsers > 0 {
			return wallet.ErrUserNotFound
		}
		return err
	})
	if err != nil {
		return settlement.Result{}, err
	}
	t.logger.Info("quest claimed",
		zap.Int64("user_id", userID),
		zap.Int64("progress_id", progressID),
		zap.Int64("coins", res.Coins),
		zap.Int64("xp", res.XP))
	return res, nil
}
