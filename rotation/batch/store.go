// Package batch persists rotation schedules, batches and their content.
package batch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kasuganosora/rotationd/db"
	"github.com/kasuganosora/rotationd/model"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	ErrScheduleNotFound = errors.New("batch: schedule not found")
	ErrBatchNotFound    = errors.New("batch: batch not found")
	ErrNoActiveBatch    = errors.New("batch: no active batch")
)

// Store reads and writes rotation state. Use WithTx to bind it to a
// transaction; writes that must be atomic with a tick go through that.
type Store struct {
	db *gorm.DB
}

// New creates a Store on the given handle.
func New(db *gorm.DB) *Store {
	return &Store{db: db}
}

// WithTx returns a Store bound to tx.
func (s *Store) WithTx(tx *gorm.DB) *Store {
	return &Store{db: tx}
}

// ---- Schedule ----

// EnsureSchedule inserts sched unless a row for its family exists.
func (s *Store) EnsureSchedule(ctx context.Context, sched *model.RotationSchedule) (bool, error) {
	return db.InsertIfAbsent(s.db.WithContext(ctx), sched, map[string]interface{}{"family": sched.Family})
}

// Schedule reads a schedule without locking it.
func (s *Store) Schedule(ctx context.Context, family string) (*model.RotationSchedule, error) {
	return s.schedule(s.db.WithContext(ctx), family)
}

// LockSchedule reads a schedule with SELECT ... FOR UPDATE. Dialects without
// row locks (SQLite) ignore the clause; there the single writer connection
// and the family lease provide the exclusion.
func (s *Store) LockSchedule(ctx context.Context, family string) (*model.RotationSchedule, error) {
	return s.schedule(s.db.WithContext(ctx).Clauses(clause.Locking{Strength: "UPDATE"}), family)
}

func (s *Store) schedule(q *gorm.DB, family string) (*model.RotationSchedule, error) {
	var sched model.RotationSchedule
	err := q.Where("family = ?", family).First(&sched).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrScheduleNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("batch: load schedule %s: %w", family, err)
	}
	return &sched, nil
}

// SaveSchedule writes every column of sched.
func (s *Store) SaveSchedule(ctx context.Context, sched *model.RotationSchedule) error {
	if err := s.db.WithContext(ctx).Save(sched).Error; err != nil {
		return fmt.Errorf("batch: save schedule %s: %w", sched.Family, err)
	}
	return nil
}

// ---- Batches ----

// CreateBatch opens a new batch valid for [from, until) and clamps any
// earlier batch of the family still open at from so windows never overlap.
func (s *Store) CreateBatch(ctx context.Context, family string, from, until time.Time) (*model.RotationBatch, error) {
	q := s.db.WithContext(ctx)

	var seq int64
	if err := q.Model(&model.RotationBatch{}).
		Where("family = ?", family).
		Select("COALESCE(MAX(seq), 0)").
		Scan(&seq).Error; err != nil {
		return nil, fmt.Errorf("batch: next seq: %w", err)
	}

	if err := q.Model(&model.RotationBatch{}).
		Where("family = ? AND available_until > ?", family, from).
		Update("available_until", from).Error; err != nil {
		return nil, fmt.Errorf("batch: retire previous: %w", err)
	}

	b := &model.RotationBatch{
		ID:             uuid.Must(uuid.NewV7()).String(),
		Family:         family,
		Seq:            seq + 1,
		AvailableFrom:  from,
		AvailableUntil: until,
	}
	if err := q.Create(b).Error; err != nil {
		return nil, fmt.Errorf("batch: create: %w", err)
	}
	return b, nil
}

// Batch fetches one batch by id.
func (s *Store) Batch(ctx context.Context, id string) (*model.RotationBatch, error) {
	var b model.RotationBatch
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("batch: load %s: %w", id, err)
	}
	return &b, nil
}

// Active returns the batch whose window contains at.
func (s *Store) Active(ctx context.Context, family string, at time.Time) (*model.RotationBatch, error) {
	var b model.RotationBatch
	err := s.db.WithContext(ctx).
		Where("family = ? AND available_from <= ? AND available_until > ?", family, at, at).
		Order("seq DESC").
		First(&b).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNoActiveBatch
	}
	if err != nil {
		return nil, fmt.Errorf("batch: active %s: %w", family, err)
	}
	return &b, nil
}

// Recent lists the newest n batches of a family, newest first.
func (s *Store) Recent(ctx context.Context, family string, n int) ([]model.RotationBatch, error) {
	var out []model.RotationBatch
	if n <= 0 {
		return out, nil
	}
	if err := s.db.WithContext(ctx).
		Where("family = ?", family).
		Order("seq DESC").
		Limit(n).
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("batch: recent %s: %w", family, err)
	}
	return out, nil
}

// RecentContent collects the content ids offered by the newest k batches of
// a family: catalog item ids for items, global template ids for quests.
func (s *Store) RecentContent(ctx context.Context, family string, k int) (map[int64]struct{}, error) {
	out := make(map[int64]struct{})
	recent, err := s.Recent(ctx, family, k)
	if err != nil || len(recent) == 0 {
		return out, err
	}
	ids := make([]string, len(recent))
	for i, b := range recent {
		ids[i] = b.ID
	}

	q := s.db.WithContext(ctx).Model(&model.RotationEntry{}).Where("batch_id IN ?", ids)
	column := "content_id"
	if family == model.FamilyQuests {
		q = s.db.WithContext(ctx).Model(&model.QuestAssignment{}).
			Where("batch_id IN ? AND template_id IS NOT NULL", ids)
		column = "template_id"
	}
	var contentIDs []int64
	if err := q.Pluck(column, &contentIDs).Error; err != nil {
		return nil, fmt.Errorf("batch: recent content: %w", err)
	}
	for _, id := range contentIDs {
		out[id] = struct{}{}
	}
	return out, nil
}

// ---- Content ----

// AddEntries stores the item entries of a new batch.
func (s *Store) AddEntries(ctx context.Context, entries []model.RotationEntry) error {
	if len(entries) == 0 {
		return nil
	}
	if err := s.db.WithContext(ctx).Create(&entries).Error; err != nil {
		return fmt.Errorf("batch: add entries: %w", err)
	}
	return nil
}

// AddAssignment inserts a quest assignment unless its slot is taken: one
// row per (batch, template) for globals, per (batch, user) for bounties.
func (s *Store) AddAssignment(ctx context.Context, a *model.QuestAssignment) (bool, error) {
	key := map[string]interface{}{"batch_id": a.BatchID}
	switch a.Kind {
	case model.AssignmentGlobal:
		if a.TemplateID == nil {
			return false, fmt.Errorf("batch: global assignment without template")
		}
		key["template_id"] = *a.TemplateID
	case model.AssignmentBounty:
		if a.UserID == nil {
			return false, fmt.Errorf("batch: bounty assignment without user")
		}
		key["user_id"] = *a.UserID
	default:
		return false, fmt.Errorf("batch: unknown assignment kind %q", a.Kind)
	}
	return db.InsertIfAbsent(s.db.WithContext(ctx), a, key)
}

// Entries lists the items of a batch.
func (s *Store) Entries(ctx context.Context, batchID string) ([]model.RotationEntry, error) {
	var out []model.RotationEntry
	if err := s.db.WithContext(ctx).
		Where("batch_id = ?", batchID).
		Order("id").
		Find(&out).Error; err != nil {
		return nil, fmt.Errorf("batch: entries: %w", err)
	}
	return out, nil
}

// Assignments lists the quest assignments of a batch. A non-nil userID
// limits bounties to that user; globals are always included.
func (s *Store) Assignments(ctx context.Context, batchID string, userID *int64) ([]model.QuestAssignment, error) {
	q := s.db.WithContext(ctx).Where("batch_id = ?", batchID)
	if userID != nil {
		q = q.Where("kind = ? OR user_id = ?", model.AssignmentGlobal, *userID)
	}
	var out []model.QuestAssignment
	if err := q.Order("id").Find(&out).Error; err != nil {
		return nil, fmt.Errorf("batch: assignments: %w", err)
	}
	return out, nil
}

// CountContent counts what a batch offers: entries for items, assignments
// for quests.
func (s *Store) CountContent(ctx context.Context, family, batchID string) (int, error) {
	var n int64
	var m interface{} = &model.RotationEntry{}
	if family == model.FamilyQuests {
		m = &model.QuestAssignment{}
	}
	if err := s.db.WithContext(ctx).Model(m).Where("batch_id = ?", batchID).Count(&n).Error; err != nil {
		return 0, fmt.Errorf("batch: count content: %w", err)
	}
	return int(n), nil
}
