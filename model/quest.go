package model

import (
	"time"

	"gorm.io/datatypes"
)

// Assignment kinds.
const (
	AssignmentGlobal = "global"
	AssignmentBounty = "bounty"
)

// QuestAssignment is one quest slot of a quest batch. Globals carry a
// TemplateID and are shared by every user; bounties carry a UserID. Reward
// and requirement fields are copied from the source at assignment time.
type QuestAssignment struct {
	ID           int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	BatchID      string         `gorm:"size:36;not null;uniqueIndex:uq_assign_batch_tpl,priority:1;uniqueIndex:uq_assign_batch_user,priority:1" json:"batch_id"`
	Kind         string         `gorm:"size:8;not null" json:"kind"`
	TemplateID   *int64         `gorm:"uniqueIndex:uq_assign_batch_tpl,priority:2" json:"template_id"`
	UserID       *int64         `gorm:"uniqueIndex:uq_assign_batch_user,priority:2" json:"user_id"`
	Name         string         `gorm:"size:64;not null" json:"name"`
	Description  string         `gorm:"type:text" json:"description"`
	Difficulty   string         `gorm:"size:16;not null" json:"difficulty"`
	BountyType   string         `gorm:"size:32" json:"bounty_type,omitempty"`
	CoinReward   int64          `gorm:"not null;default:0" json:"coin_reward"`
	XPReward     int64          `gorm:"not null;default:0" json:"xp_reward"`
	Requirements datatypes.JSON `json:"requirements"`
	CreatedAt    time.Time      `json:"created_at"`
}

// UserQuestProgress tracks one user against one assignment. ClaimedAt is
// write-once; every writer guards with "claimed_at IS NULL".
type UserQuestProgress struct {
	ID            int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID        int64          `gorm:"not null;uniqueIndex:uq_progress_user_assign,priority:1" json:"user_id"`
	AssignmentID  int64          `gorm:"not null;uniqueIndex:uq_progress_user_assign,priority:2" json:"assignment_id"`
	BatchID       string         `gorm:"size:36;not null;index:idx_progress_batch" json:"batch_id"`
	Progress      datatypes.JSON `json:"progress"`
	CompletedAt   *time.Time     `gorm:"index:idx_progress_pending,priority:1" json:"completed_at"`
	ClaimedAt     *time.Time     `gorm:"index:idx_progress_pending,priority:2" json:"claimed_at"`
	RewardedCoins int64          `gorm:"not null;default:0" json:"rewarded_coins"`
	RewardedXP    int64          `gorm:"not null;default:0" json:"rewarded_xp"`
	CreatedAt     time.Time      `json:"created_at"`
}

func (UserQuestProgress) TableName() string { return "user_quest_progress" }
