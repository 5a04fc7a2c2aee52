// Package wallet is the engine's view of the user balance subsystem. Every
// call takes the caller's transaction so credits commit or roll back with it.
package wallet

import (
	"context"
	"errors"
	"fmt"

	"github.com/kasuganosora/rotationd/db"
	"github.com/kasuganosora/rotationd/model"
	"gorm.io/gorm"
)

// ErrUserNotFound is returned when crediting a user that does not exist.
var ErrUserNotFound = errors.New("wallet: user not found")

// Ledger credits coins and experience.
type Ledger struct{}

// CreditCoins adds amount to the user's coin balance with one UPDATE.
func (Ledger) CreditCoins(ctx context.Context, tx *gorm.DB, userID, amount int64) error {
	if amount == 0 {
		return userExists(ctx, tx, userID)
	}
	res := tx.WithContext(ctx).
		Model(&model.User{}).
		Where("id = ?", userID).
		Update("coins", gorm.Expr("coins + ?", amount))
	if res.Error != nil {
		return fmt.Errorf("wallet: credit coins %d: %w", userID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrUserNotFound
	}
	return nil
}

// CreditXP adds amount to the user's experience row, creating it on first
// credit.
func (Ledger) CreditXP(ctx context.Context, tx *gorm.DB, userID, amount int64) error {
	if err := userExists(ctx, tx, userID); err != nil {
		return err
	}
	q := tx.WithContext(ctx)

	add := func() (bool, error) {
		res := q.Model(&model.UserXP{}).
			Where("user_id = ?", userID).
			Update("amount", gorm.Expr("amount + ?", amount))
		return res.RowsAffected > 0, res.Error
	}

	updated, err := add()
	if err != nil {
		return fmt.Errorf("wallet: credit xp %d: %w", userID, err)
	}
	if updated {
		return nil
	}
	inserted, err := db.InsertIfAbsent(q, &model.UserXP{UserID: userID, Amount: amount}, map[string]interface{}{"user_id": userID})
	if err != nil {
		return fmt.Errorf("wallet: create xp %d: %w", userID, err)
	}
	if inserted {
		return nil
	}
	// lost the insert race; the row exists now
	if _, err := add(); err != nil {
		return fmt.Errorf("wallet: credit xp %d: %w", userID, err)
	}
	return nil
}

func userExists(ctx context.Context, tx *gorm.DB, userID int64) error {
	var n int64
	if err := tx.WithContext(ctx).Model(&model.User{}).Where("id = ?", userID).Count(&n).Error; err != nil {
		return fmt.Errorf("wallet: lookup user %d: %w", userID, err)
	}
	if n == 0 {
		return ErrUserNotFound
	}
	return nil
}

// Audience lists every user id, ascending. Notifications fan out over it.
func Audience(ctx context.Context, tx *gorm.DB) ([]int64, error) {
	var ids []int64
	if err := tx.WithContext(ctx).Model(&model.User{}).Order("id").Pluck("id", &ids).Error; err != nil {
		return nil, fmt.Errorf("wallet: audience: %w", err)
	}
	return ids, nil
}
