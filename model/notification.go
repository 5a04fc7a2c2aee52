package model

import (
	"time"

	"gorm.io/datatypes"
)

// Notification kinds.
const (
	KindStoreRotation = "store_rotation"
	KindQuestRotation = "quest_rotation"
)

// Notification is a per-user event row. (user, kind, batch) is unique so a
// batch is announced to a user at most once; DeliveredAt marks the outbox.
type Notification struct {
	ID          int64          `gorm:"primaryKey;autoIncrement" json:"id"`
	UserID      int64          `gorm:"not null;uniqueIndex:uq_notify_user_kind_batch,priority:1" json:"user_id"`
	Kind        string         `gorm:"size:32;not null;uniqueIndex:uq_notify_user_kind_batch,priority:2" json:"kind"`
	BatchID     string         `gorm:"size:36;not null;uniqueIndex:uq_notify_user_kind_batch,priority:3" json:"batch_id"`
	Payload     datatypes.JSON `json:"payload"`
	CreatedAt   time.Time      `json:"created_at"`
	DeliveredAt *time.Time     `gorm:"index:idx_notify_pending" json:"delivered_at"`
}
