package model

import (
	"time"

	"gorm.io/datatypes"
)

// Rotation families. Each has its own schedule row and lease.
const (
	FamilyItems  = "items"
	FamilyQuests = "quests"
)

// RotationSchedule is the per-family schedule aggregate. It is only changed
// while the family lease and the row lock are both held.
type RotationSchedule struct {
	Family         string         `gorm:"primaryKey;size:16" json:"family"`
	PeriodSeconds  int64          `gorm:"not null" json:"period_seconds"`
	ItemCount      int            `gorm:"not null" json:"item_count"`
	History        int            `gorm:"not null;default:0" json:"history"`
	TierPlan       datatypes.JSON `json:"tier_plan"`
	ActiveKeyType  string         `gorm:"size:32" json:"active_key_type"`
	LastRotationAt *time.Time     `json:"last_rotation_at"`
	NextRotationAt *time.Time     `json:"next_rotation_at"`
	CurrentBatchID *string        `gorm:"size:36" json:"current_batch_id"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Period returns the rotation length.
func (s *RotationSchedule) Period() time.Duration {
	return time.Duration(s.PeriodSeconds) * time.Second
}

// RotationBatch is one generation of offered content. Rows are never deleted;
// older batches feed the anti-repetition lookback.
type RotationBatch struct {
	ID             string    `gorm:"primaryKey;size:36" json:"id"`
	Family         string    `gorm:"size:16;not null;uniqueIndex:uq_batch_family_seq,priority:1;index:idx_batch_window,priority:1" json:"family"`
	Seq            int64     `gorm:"not null;uniqueIndex:uq_batch_family_seq,priority:2" json:"seq"`
	AvailableFrom  time.Time `gorm:"not null;index:idx_batch_window,priority:2" json:"available_from"`
	AvailableUntil time.Time `gorm:"not null" json:"available_until"`
	CreatedAt      time.Time `json:"created_at"`
}

// RotationEntry is one offered store item inside a batch.
type RotationEntry struct {
	ID        int64  `gorm:"primaryKey;autoIncrement" json:"id"`
	BatchID   string `gorm:"size:36;not null;uniqueIndex:uq_entry_batch_content,priority:1" json:"batch_id"`
	ContentID int64  `gorm:"not null;uniqueIndex:uq_entry_batch_content,priority:2" json:"content_id"`
	Name      string `gorm:"size:64;not null" json:"name"`
	ItemType  string `gorm:"size:32" json:"item_type"`
	KeyType   string `gorm:"size:32" json:"key_type"`
	Rarity    string `gorm:"size:16;not null" json:"rarity"`
	Price     int64  `json:"price"`
}
