// Package testutil provides common test helpers for FlowPipe packages.
package testutil

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/BTreeMap/FlowPipe/internal/models"
	"github.com/BTreeMap/FlowPipe/internal/store"
)

// NewSQLiteStore opens a SQLite store in a per-test temp directory and closes
// it when the test ends.
func NewSQLiteStore(t testing.TB) *store.SQLiteStore {
	t.Helper()
	st, err := store.NewSQLiteStore(store.WithSQLiteDSN(filepath.Join(t.TempDir(), "flowpipe.db")))
	if err != nil {
		t.Fatalf("failed to open SQLite store: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

// SeedFlows saves every definition or fails the test.
func SeedFlows(t testing.TB, flows store.FlowRepo, defs ...models.FlowDefinition) {
	t.Helper()
	for _, def := range defs {
		if err := flows.SaveFlow(def); err != nil {
			t.Fatalf("failed to save flow %s: %v", def.ID, err)
		}
	}
}

// ClaimOutbox claims every queued outbox message, including ones scheduled
// up to a minute ahead.
func ClaimOutbox(t testing.TB, outbox store.OutboxRepo) []store.OutboxMessage {
	t.Helper()
	msgs, err := outbox.ClaimDueOutboxMessages(time.Now().Add(time.Minute), 100)
	if err != nil {
		t.Fatalf("failed to claim outbox messages: %v", err)
	}
	return msgs
}

// OutboxBody decodes the text body of a queued message.
func OutboxBody(t testing.TB, msg store.OutboxMessage) string {
	t.Helper()
	var out models.OutboundMessage
	MustUnmarshalJSON(t, []byte(msg.PayloadJSON), &out)
	return out.Body
}

// OutboxBodies claims the queued outbox messages and returns their bodies.
func OutboxBodies(t testing.TB, outbox store.OutboxRepo) []string {
	t.Helper()
	var bodies []string
	for _, m := range ClaimOutbox(t, outbox) {
		bodies = append(bodies, OutboxBody(t, m))
	}
	return bodies
}

// MustMarshalJSON marshals v to JSON and fails the test if marshaling fails.
func MustMarshalJSON(t testing.TB, v interface{}) []byte {
	t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		t.Fatalf("failed to marshal JSON: %v", err)
	}
	return data
}

// MustUnmarshalJSON unmarshals JSON data and fails the test if unmarshaling fails.
func MustUnmarshalJSON(t testing.TB, data []byte, target interface{}) {
	t.Helper()
	if err := json.Unmarshal(data, target); err != nil {
		t.Fatalf("failed to unmarshal JSON: %v", err)
	}
}
