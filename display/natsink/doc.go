// Package natsink publishes frames to NATS.
//
// Each frame goes to "<prefix>.<target slot>" (default prefix
// "shmview.frames"). The payload is the raw pixel bytes in host order; the
// frame description travels in Shmview-* headers and Decode turns a received
// message back into display.Meta plus pixels.
//
// With a KV bucket configured, the description of the newest frame of every
// stream is also kept in JetStream KV under KVKey(stream), so late subscribers
// can tell what is being shown without waiting for the next frame.
package natsink
