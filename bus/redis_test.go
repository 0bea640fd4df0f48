package bus

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRedisSink_Publish(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	sink := NewRedisSink(client)
	ctx := context.Background()

	id, err := sink.Publish(ctx, "mortgage.agreements", []byte(`{"hello":"world"}`), map[string]string{
		"event_type": "phase.payment_activated",
		"event_id":   "evt-1",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	entries, err := client.XRange(ctx, "mortgage.agreements", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id, entries[0].ID)
	assert.Equal(t, `{"hello":"world"}`, entries[0].Values["payload"])
	assert.Equal(t, "evt-1", entries[0].Values["event_id"])
	assert.Equal(t, "phase.payment_activated", entries[0].Values["event_type"])
}

func TestLocalSink_FailureInjection(t *testing.T) {
	sink := NewLocalSink()
	ctx := context.Background()

	_, err := sink.Publish(ctx, "t", []byte("a"), nil)
	require.NoError(t, err)

	sink.FailWith(assert.AnError)
	_, err = sink.Publish(ctx, "t", []byte("b"), nil)
	require.ErrorIs(t, err, assert.AnError)

	sink.FailWith(nil)
	_, err = sink.Publish(ctx, "t", []byte("c"), nil)
	require.NoError(t, err)

	assert.Len(t, sink.Messages(), 2)
}
