package repository

import (
	"context"
	"errors"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/stretchr/testify/require"
)

func TestUsageKeys(t *testing.T) {
	fixNow(t, t0)
	require.Equal(t, []string{"alice", "alice-2025-06", "alice-2025-06-01"}, UsageKeys("alice"))
}

func TestRecordAddsToAllBuckets(t *testing.T) {
	fixNow(t, t0)
	db := newFakeDynamo()
	s, err := NewUsageStore(db, "usage")
	require.NoError(t, err)

	require.NoError(t, s.Record(context.Background(), "alice", 10, 20))
	require.NoError(t, s.Record(context.Background(), "alice", 1, 2))

	require.Equal(t, 6, db.updates)
	require.Equal(t, "ADD input_tokens :in, output_tokens :out, message_count :one", aws.ToString(db.lastUpdate.UpdateExpression))
	for _, key := range UsageKeys("alice") {
		item := db.items[key]
		require.Equal(t, 11, nAttr(item, "input_tokens"), key)
		require.Equal(t, 22, nAttr(item, "output_tokens"), key)
		require.Equal(t, 2, nAttr(item, "message_count"), key)
	}
}

func TestRecordPartialFailure(t *testing.T) {
	fixNow(t, t0)
	db := newFakeDynamo()
	boom := errors.New("throughput exceeded")
	db.updateErr = map[string]error{"alice-2025-06": boom}
	s, err := NewUsageStore(db, "usage")
	require.NoError(t, err)

	err = s.Record(context.Background(), "alice", 5, 5)
	require.ErrorIs(t, err, boom)
	require.Contains(t, err.Error(), "alice-2025-06")
	require.Equal(t, 3, db.updates)
	require.Equal(t, 1, nAttr(db.items["alice"], "message_count"))
	require.Equal(t, 1, nAttr(db.items["alice-2025-06-01"], "message_count"))
}

func TestRecordRequiresUser(t *testing.T) {
	s, err := NewUsageStore(newFakeDynamo(), "usage")
	require.NoError(t, err)
	require.Error(t, s.Record(context.Background(), "", 1, 1))
}
