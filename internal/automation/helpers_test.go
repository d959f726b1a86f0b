package automation

import (
	"context"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/testutil"
)

func newSQLiteStore(t *testing.T) *store.SQLiteStore {
	t.Helper()
	return testutil.NewSQLiteStore(t)
}

func drainOutbox(t *testing.T, outbox store.OutboxRepo) []store.OutboxMessage {
	t.Helper()
	return testutil.ClaimOutbox(t, outbox)
}

func outboxBody(t *testing.T, msg store.OutboxMessage) string {
	t.Helper()
	return testutil.OutboxBody(t, msg)
}

func requestFor(actionType string, params map[string]any) ActionRequest {
	return ActionRequest{
		Step: models.AutomationStep{
			ID:           "step1",
			AutomationID: "auto1",
			Action:       models.Action{Type: actionType, Params: params},
		},
		RecipientPhone: "15551234567",
		Event:          models.EventPayload{"order_id": "o-42"},
		IdempotencyKey: "action:d1:step1",
	}
}

func runFor(d time.Duration, fn func(ctx context.Context)) {
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	fn(ctx)
}
