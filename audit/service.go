package audit

import (
	"context"
	"sync"
	"time"

	"github.com/kasuganosora/rotationd/model"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Entry is one tick attempt to be recorded.
type Entry struct {
	TraceID        string
	Family         string
	BatchID        string
	Generated      bool
	LockTimeout    bool
	ClaimedCount   int
	Coins          int64
	XP             int64
	ItemsGenerated int
	Error          string
	Duration       time.Duration
}

// Service writes tick audit rows asynchronously in batches.
type Service struct {
	db       *gorm.DB
	ch       chan *model.RotationAudit
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	logger   *zap.Logger
}

// New creates a new audit Service and starts its background worker.
func New(db *gorm.DB, logger *zap.Logger) *Service {
	svc := &Service{
		db:     db,
		ch:     make(chan *model.RotationAudit, 1024),
		stopCh: make(chan struct{}),
		logger: logger,
	}
	svc.wg.Add(1)
	go svc.worker()
	return svc
}

// Log enqueues an entry for async DB write.
func (svc *Service) Log(entry Entry) {
	record := &model.RotationAudit{
		TraceID:        entry.TraceID,
		Family:         entry.Family,
		BatchID:        entry.BatchID,
		Generated:      entry.Generated,
		LockTimeout:    entry.LockTimeout,
		ClaimedCount:   entry.ClaimedCount,
		Coins:          entry.Coins,
		XP:             entry.XP,
		ItemsGenerated: entry.ItemsGenerated,
		Error:          entry.Error,
		DurationMs:     int(entry.Duration.Milliseconds()),
	}
	select {
	case svc.ch <- record:
	default:
		svc.logger.Warn("audit channel full, dropping entry",
			zap.String("family", entry.Family),
			zap.String("trace_id", entry.TraceID))
	}
}

// Recent returns the newest n audit rows of a family.
func (svc *Service) Recent(ctx context.Context, family string, n int) ([]model.RotationAudit, error) {
	var out []model.RotationAudit
	err := svc.db.WithContext(ctx).
		Where("family = ?", family).
		Order("id DESC").
		Limit(n).
		Find(&out).Error
	return out, err
}

// Stop flushes remaining entries and shuts down the worker.
// It blocks until the worker goroutine has finished.
func (svc *Service) Stop(_ context.Context) {
	svc.stopOnce.Do(func() { close(svc.stopCh) })
	svc.wg.Wait()
}

func (svc *Service) worker() {
	defer svc.wg.Done()
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	batch := make([]*model.RotationAudit, 0, 100)

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := svc.db.Create(&batch).Error; err != nil {
			svc.logger.Error("audit batch write failed", zap.Error(err), zap.Int("rows", len(batch)))
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-svc.ch:
			batch = append(batch, entry)
			if len(batch) >= 100 {
				flush()
			}
		case <-ticker.C:
			flush()
		case <-svc.stopCh:
			// Drain remaining entries.
			for {
				select {
				case entry := <-svc.ch:
					batch = append(batch, entry)
				default:
					flush()
					return
				}
			}
		}
	}
}
