//go:build integration

package natsink

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/shmview/display"
	"github.com/c360/shmview/natsclient"
)

func TestIntegration_PublishesFramesAndLatest(t *testing.T) {
	tc := natsclient.NewTestClient(t, natsclient.WithJetStream())

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	got := make(chan *nats.Msg, 4)
	sub, err := tc.GetNativeConnection().ChanSubscribe("lab.frames.>", got)
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()
	require.NoError(t, tc.GetNativeConnection().Flush())

	sink, err := New(ctx, tc.Client, Config{SubjectPrefix: "lab.frames", KVBucket: "SHMVIEW_LATEST"})
	require.NoError(t, err)

	for i := uint64(1); i <= 3; i++ {
		require.NoError(t, sink.Display(ctx, frame(i)))
	}

	for i := uint64(1); i <= 3; i++ {
		select {
		case msg := <-got:
			meta, pixels, err := Decode(msg)
			require.NoError(t, err)
			assert.Equal(t, i, meta.WriteCounter)
			assert.Len(t, pixels, 4*3*2)
		case <-ctx.Done():
			t.Fatalf("frame %d not received", i)
		}
	}

	bucket, err := tc.Client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "SHMVIEW_LATEST"})
	require.NoError(t, err)
	entry, err := bucket.Get(ctx, KVKey("wfs cam/1"))
	require.NoError(t, err)

	var latest display.Meta
	require.NoError(t, json.Unmarshal(entry.Value(), &latest))
	assert.Equal(t, uint64(3), latest.WriteCounter)
}
