package model

import "time"

// RotationAudit records one tick attempt, successful or not.
type RotationAudit struct {
	ID             int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TraceID        string    `gorm:"index:idx_audit_trace;size:36;not null" json:"trace_id"`
	Family         string    `gorm:"size:16;not null;index:idx_audit_family" json:"family"`
	BatchID        string    `gorm:"size:36" json:"batch_id"`
	Generated      bool      `json:"generated"`
	LockTimeout    bool      `json:"lock_timeout"`
	ClaimedCount   int       `json:"claimed_count"`
	Coins          int64     `json:"coins"`
	XP             int64     `json:"xp"`
	ItemsGenerated int       `json:"items_generated"`
	Error          string    `gorm:"type:text" json:"error"`
	DurationMs     int       `json:"duration_ms"`
	CreatedAt      time.Time `gorm:"index:idx_audit_created;autoCreateTime:milli" json:"created_at"`
}
