package model

import "time"

// User is the balance subsystem's account row as seen by settlement.
type User struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	Name      string    `gorm:"size:64" json:"name"`
	Coins     int64     `gorm:"not null;default:0" json:"coins"`
	CreatedAt time.Time `json:"created_at"`
}

// UserXP is the experience ledger, one row per user, created on first credit.
type UserXP struct {
	UserID    int64     `gorm:"primaryKey;autoIncrement:false" json:"user_id"`
	Amount    int64     `gorm:"not null;default:0" json:"amount"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (UserXP) TableName() string { return "user_xp" }
