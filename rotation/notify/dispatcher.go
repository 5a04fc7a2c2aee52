package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/kasuganosora/rotationd/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Sink delivers one notification. Delivery is at-least-once; consumers
// dedupe on (user, kind, payload.batch_id).
type Sink interface {
	Enqueue(ctx context.Context, userID int64, kind string, payload []byte) error
}

// Dispatcher drains undelivered notification rows into a Sink.
type Dispatcher struct {
	db        *gorm.DB
	sink      Sink
	logger    *zap.Logger
	batchSize int
	now       func() time.Time
}

// NewDispatcher creates a Dispatcher. batchSize caps rows per Flush.
func NewDispatcher(db *gorm.DB, sink Sink, batchSize int, logger *zap.Logger) *Dispatcher {
	if batchSize <= 0 {
		batchSize = 500
	}
	return &Dispatcher{
		db:        db,
		sink:      sink,
		logger:    logger,
		batchSize: batchSize,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Flush hands up to batchSize pending rows to the sink, oldest first, and
// marks each delivered. It stops at the first sink error so order is kept;
// the failed row is retried on the next Flush.
func (d *Dispatcher) Flush(ctx context.Context) (int, error) {
	var rows []model.Notification
	if err := d.db.WithContext(ctx).
		Where("delivered_at IS NULL").
		Order("id").
		Limit(d.batchSize).
		Find(&rows).Error; err != nil {
		return 0, fmt.Errorf("notify: load pending: %w", err)
	}

	sent := 0
	for _, n := range rows {
		if err := d.sink.Enqueue(ctx, n.UserID, n.Kind, n.Payload); err != nil {
			d.logger.Warn("notification delivery failed",
				zap.Int64("id", n.ID),
				zap.Int64("user_id", n.UserID),
				zap.Error(err))
			return sent, fmt.Errorf("notify: deliver %d: %w", n.ID, err)
		}
		if err := d.db.WithContext(ctx).
			Model(&model.Notification{}).
			Where("id = ? AND delivered_at IS NULL", n.ID).
			Update("delivered_at", d.now()).Error; err != nil {
			return sent, fmt.Errorf("notify: mark %d delivered: %w", n.ID, err)
		}
		sent++
	}
	if sent > 0 {
		d.logger.Info("notifications dispatched", zap.Int("count", sent))
	}
	return sent, nil
}

// Pending counts undelivered rows.
func (d *Dispatcher) Pending(ctx context.Context) (int64, error) {
	var n int64
	err := d.db.WithContext(ctx).Model(&model.Notification{}).Where("delivered_at IS NULL").Count(&n).Error
	return n, err
}
