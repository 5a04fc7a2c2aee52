package db

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

// InsertIfAbsent creates row unless a row matching key already exists. key
// must cover a unique index of the table so concurrent writers cannot both
// succeed; a nil value in key matches NULL.
//
// The insert runs in a nested transaction (a savepoint when tx is already a
// transaction) so a conflict does not poison the caller's transaction on
// PostgreSQL. Conflicts report inserted=false and a nil error.
func InsertIfAbsent(tx *gorm.DB, row interface{}, key map[string]interface{}) (bool, error) {
	table, err := tableOf(tx, row)
	if err != nil {
		return false, err
	}

	exists, err := rowExists(tx, table, key)
	if err != nil {
		return false, fmt.Errorf("db: lookup %s: %w", table, err)
	}
	if exists {
		return false, nil
	}

	err = tx.Transaction(func(sp *gorm.DB) error {
		return sp.Create(row).Error
	})
	if err == nil {
		return true, nil
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return false, nil
	}
	// Drivers without error translation: a concurrent insert shows up as a
	// generic error, so look again before failing.
	if exists, lookupErr := rowExists(tx, table, key); lookupErr == nil && exists {
		return false, nil
	}
	return false, fmt.Errorf("db: insert %s: %w", table, err)
}

func tableOf(tx *gorm.DB, row interface{}) (string, error) {
	stmt := &gorm.Statement{DB: tx}
	if err := stmt.Parse(row); err != nil {
		return "", fmt.Errorf("db: parse model: %w", err)
	}
	return stmt.Schema.Table, nil
}

func rowExists(tx *gorm.DB, table string, key map[string]interface{}) (bool, error) {
	var n int64
	if err := tx.Table(table).Where(key).Count(&n).Error; err != nil {
		return false, err
	}
	return n > 0, nil
}
