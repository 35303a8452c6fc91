// Package natsclient wraps a NATS connection with a circuit breaker, health
// monitoring and JetStream key-value helpers.
//
// The client fails fast once the breaker is open: after a threshold of
// consecutive failures (default 5) calls return ErrCircuitOpen until the backoff
// elapses. Each time the circuit opens the backoff doubles, up to one minute.
//
//	client, err := natsclient.NewClient("nats://localhost:4222",
//	    natsclient.WithLogger(logger),
//	    natsclient.WithName("shmview"))
//	if err != nil {
//	    return err
//	}
//	if err := client.Connect(ctx); err != nil {
//	    return err
//	}
//	defer client.Close(ctx)
//
//	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "SHMVIEW_FRAMES"})
//	kv := client.NewKVStore(bucket)
//	_, err = kv.PutJSON(ctx, "cam", meta)
//
// TestClient starts a real nats-server in a container through testcontainers-go;
// tests using it carry the integration build tag.
package natsclient
