// Package notify records "new batch" events per user and ships them to a
// delivery sink.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kasuganosora/rotationd/db"
	"github.com/kasuganosora/rotationd/model"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

// Notifier fans a batch announcement out to an audience.
type Notifier struct {
	logger *zap.Logger
}

// New creates a Notifier.
func New(logger *zap.Logger) *Notifier {
	return &Notifier{logger: logger}
}

// AnnounceNewBatch inserts one notification per user keyed on
// (user, kind, batch). Users already notified are skipped, so a repeated or
// resumed call only fills the gaps. It returns how many rows were inserted.
func (n *Notifier) AnnounceNewBatch(ctx context.Context, tx *gorm.DB, batchID, kind string, audience []int64, payload map[string]interface{}) (int, error) {
	body := make(map[string]interface{}, len(payload)+2)
	for k, v := range payload {
		body[k] = v
	}
	body["batch_id"] = batchID
	body["kind"] = kind
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, fmt.Errorf("notify: encode payload: %w", err)
	}

	q := tx.WithContext(ctx)
	inserted := 0
	for _, userID := range audience {
		row := &model.Notification{
			UserID:  userID,
			Kind:    kind,
			BatchID: batchID,
			Payload: datatypes.JSON(raw),
		}
		ok, err := db.InsertIfAbsent(q, row, map[string]interface{}{
			"user_id":  userID,
			"kind":     kind,
			"batch_id": batchID,
		})
		if err != nil {
			return inserted, fmt.Errorf("notify: user %d: %w", userID, err)
		}
		if ok {
			inserted++
		}
	}

	n.logger.Debug("batch announced",
		zap.String("batch_id", batchID),
		zap.String("kind", kind),
		zap.Int("audience", len(audience)),
		zap.Int("inserted", inserted))
	return inserted, nil
}
