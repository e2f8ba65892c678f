package sink

import "github.com/stratumdb/stratum/publisher"

// Compile-time interface verification
var (
	_ publisher.Sink = (*NatsSink)(nil)
	_ publisher.Sink = (*KafkaSink)(nil)
	_ publisher.Sink = (*MockSink)(nil)
)
