// Package settlement pays completed, unclaimed quest progress exactly once.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/kasuganosora/rotationd/model"
	"github.com/kasuganosora/rotationd/wallet"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrNotCompleted   = errors.New("settlement: quest not completed")
	ErrAlreadyClaimed = errors.New("settlement: quest already claimed")
	ErrNotFound       = errors.New("settlement: progress not found")
)

// Balances is the slice of the balance subsystem settlement needs. Both
// calls run on the settlement transaction.
type Balances interface {
	CreditCoins(ctx context.Context, tx *gorm.DB, userID, amount int64) error
	CreditXP(ctx context.Context, tx *gorm.DB, userID, amount int64) error
}

// Result summarises one settlement run. Coins and XP are what was actually
// credited; rows of missing users are claimed but counted as skipped.
type Result struct {
	Claimed      int   `json:"claimed"`
	Coins        int64 `json:"coins"`
	XP           int64 `json:"xp"`
	Users        int   `json:"users"`
	SkippedUsers int   `json:"skipped_users"`
	SkippedCoins int64 `json:"skipped_coins"`
	SkippedXP    int64 `json:"skipped_xp"`
}

// Service settles quest progress.
type Service struct {
	balances Balances
	logger   *zap.Logger
}

// New creates a settlement Service.
func New(balances Balances, logger *zap.Logger) *Service {
	return &Service{balances: balances, logger: logger}
}

type pending struct {
	ID         int64
	UserID     int64
	CoinReward int64
	XPReward   int64
}

func pendingQuery(ctx context.Context, tx *gorm.DB) *gorm.DB {
	return tx.WithContext(ctx).
		Table("user_quest_progress AS p").
		Select("p.id, p.user_id, a.coin_reward, a.xp_reward").
		Joins("JOIN quest_assignments a ON a.id = p.assignment_id").
		Joins("JOIN rotation_batches b ON b.id = a.batch_id").
		Clauses(clause.Locking{Strength: "UPDATE", Table: clause.Table{Name: "p"}})
}

// SettleCompleted claims every completed, unclaimed progress row of the
// family at claimedAt and credits the per-user totals. It must run on the
// caller's transaction.
func (s *Service) SettleCompleted(ctx context.Context, tx *gorm.DB, family string, claimedAt time.Time) (Result, error) {
	var rows []pending
	if err := pendingQuery(ctx, tx).
		Where("b.family = ? AND p.completed_at IS NOT NULL AND p.claimed_at IS NULL", family).
		Order("p.user_id, p.id").
		Scan(&rows).Error; err != nil {
		return Result{}, fmt.Errorf("settlement: scan pending: %w", err)
	}
	return s.settle(ctx, tx, rows, claimedAt)
}

// SettleOne claims a single completed progress row owned by userID.
func (s *Service) SettleOne(ctx context.Context, tx *gorm.DB, userID, progressID int64, claimedAt time.Time) (Result, error) {
	var p model.UserQuestProgress
	err := tx.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("id = ? AND user_id = ?", progressID, userID).
		First(&p).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Result{}, ErrNotFound
	}
	if err != nil {
		return Result{}, fmt.Errorf("settlement: load progress %d: %w", progressID, err)
	}
	if p.ClaimedAt != nil {
		return Result{}, ErrAlreadyClaimed
	}
	if p.CompletedAt == nil {
		return Result{}, ErrNotCompleted
	}

	var rows []pending
	if err := pendingQuery(ctx, tx).
		Where("p.id = ?", progressID).
		Scan(&rows).Error; err != nil {
		return Result{}, fmt.Errorf("settlement: load reward %d: %w", progressID, err)
	}
	res, err := s.settle(ctx, tx, rows, claimedAt)
	if err != nil {
		return res, err
	}
	if res.Claimed == 0 {
		return res, ErrAlreadyClaimed
	}
	return res, nil
}

// settle flips rows (sorted by user) and credits one total per user.
func (s *Service) settle(ctx context.Context, tx *gorm.DB, rows []pending, claimedAt time.Time) (Result, error) {
	var res Result
	for start := 0; start < len(rows); {
		end := start
		for end < len(rows) && rows[end].UserID == rows[start].UserID {
			end++
		}
		if err := s.settleUser(ctx, tx, rows[start:end], claimedAt, &res); err != nil {
			return Result{}, err
		}
		start = end
	}
	return res, nil
}

func (s *Service) settleUser(ctx context.Context, tx *gorm.DB, rows []pending, claimedAt time.Time, res *Result) error {
	userID := rows[0].UserID
	q := tx.WithContext(ctx)

	var coins, xp int64
	var flipped []int64
	for _, r := range rows {
		upd := q.Model(&model.UserQuestProgress{}).
			Where("id = ? AND claimed_at IS NULL", r.ID).
			Updates(map[string]interface{}{
				"claimed_at":     claimedAt,
				"rewarded_coins": r.CoinReward,
				"rewarded_xp":    r.XPReward,
			})
		if upd.Error != nil {
			return fmt.Errorf("settlement: claim %d: %w", r.ID, upd.Error)
		}
		if upd.RowsAffected == 0 {
			continue
		}
		flipped = append(flipped, r.ID)
		coins += r.CoinReward
		xp += r.XPReward
	}
	if len(flipped) == 0 {
		return nil
	}
	res.Claimed += len(flipped)

	err := s.balances.CreditCoins(ctx, tx, userID, coins)
	if err == nil {
		err = s.balances.CreditXP(ctx, tx, userID, xp)
	}
	if errors.Is(err, wallet.ErrUserNotFound) {
		// Keep the rows claimed so the anomaly is not retried every tick,
		// but record that nothing was paid.
		if zerr := q.Model(&model.UserQuestProgress{}).
			Where("id IN ?", flipped).
			Updates(map[string]interface{}{"rewarded_coins": 0, "rewarded_xp": 0}).Error; zerr != nil {
			return fmt.Errorf("settlement: void rewards of user %d: %w", userID, zerr)
		}
		s.logger.Warn("settlement skipped missing user",
			zap.Int64("user_id", userID),
			zap.Int("rows", len(flipped)),
			zap.Int64("coins", coins),
			zap.Int64("xp", xp))
		res.SkippedUsers++
		res.SkippedCoins += coins
		res.SkippedXP += xp
		return nil
	}
	if err != nil {
		return fmt.Errorf("settlement: credit user %d: %w", userID, err)
	}

	res.Users++
	res.Coins += coins
	res.XP += xp
	return nil
}
