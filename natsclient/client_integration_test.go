//go:build integration

package natsclient

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIntegration_PublishSubscribeWithHeaders(t *testing.T) {
	tc := NewTestClient(t, WithFastStartup())
	require.True(t, tc.IsReady())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	got := make(chan *nats.Msg, 1)
	sub, err := tc.GetNativeConnection().ChanSubscribe("frames.>", got)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()
	require.NoError(t, tc.GetNativeConnection().Flush())

	msg := nats.NewMsg("frames.1")
	msg.Header.Set("Shmview-Stream", "cam")
	msg.Data = []byte{1, 2, 3}
	require.NoError(t, tc.Client.PublishMsg(ctx, msg))

	select {
	case m := <-got:
		assert.Equal(t, "frames.1", m.Subject)
		assert.Equal(t, "cam", m.Header.Get("Shmview-Stream"))
		assert.Equal(t, []byte{1, 2, 3}, m.Data)
	case <-ctx.Done():
		t.Fatal("message not received")
	}

	rtt, err := tc.Client.RTT()
	require.NoError(t, err)
	assert.Positive(t, rtt)
}

func TestIntegration_KeyValue(t *testing.T) {
	tc := NewTestClient(t, WithKVBuckets("SHMVIEW_TEST"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	again, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "SHMVIEW_TEST"})
	require.NoError(t, err, "existing bucket is reused")

	kv := tc.Client.NewKVStore(again, func(o *KVOptions) { o.MaxValueSize = 64 })

	type meta struct {
		Stream  string `json:"stream"`
		Counter uint64 `json:"counter"`
	}
	rev, err := kv.PutJSON(ctx, "cam", meta{Stream: "cam", Counter: 5})
	require.NoError(t, err)
	assert.Positive(t, rev)

	entry, err := again.Get(ctx, "cam")
	require.NoError(t, err)
	var back meta
	require.NoError(t, json.Unmarshal(entry.Value(), &back))
	assert.Equal(t, uint64(5), back.Counter)
	assert.Equal(t, rev, entry.Revision())

	_, err = kv.PutJSON(ctx, "big", meta{Stream: strings.Repeat("x", 100)})
	assert.ErrorIs(t, err, ErrKVValueTooBig)
}
