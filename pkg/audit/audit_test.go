package audit_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/Mindburn-Labs/regtruth/pkg/audit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_Record_WritesStructuredJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	err := logger.Record(context.Background(), audit.EventRepair, "evidence.hash_repaired", "evidence/ev-1",
		map[string]interface{}{"old_hash": "aa", "new_hash": "bb"})
	require.NoError(t, err)

	output := buf.String()
	assert.True(t, strings.HasPrefix(output, "AUDIT: "))

	var event audit.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(output, "AUDIT: "))), &event))

	assert.Equal(t, audit.EventRepair, event.Type)
	assert.Equal(t, "evidence.hash_repaired", event.Action)
	assert.Equal(t, "evidence/ev-1", event.Resource)
	assert.Equal(t, audit.SystemActor, event.ActorID)
	assert.Equal(t, "bb", event.Metadata["new_hash"])
	assert.Len(t, event.ID, 36)
}

func TestLogger_Record_UsesActorFromContext(t *testing.T) {
	var buf bytes.Buffer
	logger := audit.NewLoggerWithWriter(&buf)

	ctx := audit.WithActor(context.Background(), "reviewer@example.hr")
	require.NoError(t, logger.Record(ctx, audit.EventTransition, "rule.approved", "rule/r-1", nil))

	var event audit.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(strings.TrimPrefix(buf.String(), "AUDIT: "))), &event))
	assert.Equal(t, "reviewer@example.hr", event.ActorID)
}

func TestStoreLogger_FailClosedWithoutSink(t *testing.T) {
	logger := audit.NewStoreLogger(nil)
	err := logger.Record(context.Background(), audit.EventSystem, "noop", "x", nil)
	assert.ErrorIs(t, err, audit.ErrNoSink)
}

func TestStoreLogger_ChainsEntries(t *testing.T) {
	sink := audit.NewMemorySink()
	logger := audit.NewStoreLogger(sink)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		require.NoError(t, logger.Record(ctx, audit.EventRejection, "compose.rejected", "draft", map[string]interface{}{"i": i}))
	}

	entries := sink.Entries()
	require.Len(t, entries, 5)
	assert.Equal(t, audit.GenesisHash, entries[0].PreviousHash)
	assert.Equal(t, entries[0].EntryHash, entries[1].PreviousHash)
	require.NoError(t, audit.VerifyChain(entries))
	assert.Len(t, sink.ByType(audit.EventRejection), 5)
}

func TestVerifyChain_DetectsTampering(t *testing.T) {
	sink := audit.NewMemorySink()
	logger := audit.NewStoreLogger(sink)
	ctx := context.Background()
	require.NoError(t, logger.Record(ctx, audit.EventRepair, "a", "r1", nil))
	require.NoError(t, logger.Record(ctx, audit.EventRepair, "b", "r2", nil))

	entries := sink.Entries()
	tampered := *entries[1]
	tampered.Action = "c"
	entries[1] = &tampered

	err := audit.VerifyChain(entries)
	assert.ErrorIs(t, err, audit.ErrChainBroken)
}
