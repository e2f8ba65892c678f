package publisher

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stratumdb/stratum/cfg"
	"github.com/stratumdb/stratum/db"
	"github.com/stratumdb/stratum/engine"
)

type capturedMsg struct {
	topic string
	key   string
	value []byte
}

// captureSink records publishes in memory, with an injectable failure.
type captureSink struct {
	mu   sync.Mutex
	msgs []capturedMsg
	fail error
}

func (c *captureSink) Publish(topic, key string, value []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.fail != nil {
		return c.fail
	}
	c.msgs = append(c.msgs, capturedMsg{topic: topic, key: key, value: value})
	return nil
}

func (c *captureSink) Close() error { return nil }

func (c *captureSink) recorded() []capturedMsg {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]capturedMsg, len(c.msgs))
	copy(out, c.msgs)
	return out
}

func (c *captureSink) setFail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.fail = err
}

// registerCapture wires a captureSink behind a test-unique sink type.
func registerCapture(sinkType string) *captureSink {
	sink := &captureSink{}
	RegisterSink(sinkType, func(cfg.SinkConfiguration) (Sink, error) {
		return sink, nil
	})
	return sink
}

func openPublishHandle(t *testing.T) *db.Handle {
	t.Helper()
	c := cfg.Default()
	c.Async.WorkerCount = 2
	c.Async.CommitRetryPauseMS = 0
	reg := db.NewRegistry(c)
	t.Cleanup(reg.Shutdown)

	h, err := reg.Open(filepath.Join(t.TempDir(), "db"), db.OpenOptions{
		Mode:        engine.Optimistic,
		DisableSync: true,
	})
	require.NoError(t, err)
	return h
}

func commitLogged(t *testing.T, h *db.Handle, store string, payloads ...[]byte) {
	t.Helper()
	txn, err := h.CreateTransaction(engine.TxnOptions{})
	require.NoError(t, err)
	require.NoError(t, txn.UseLog(store))
	for _, p := range payloads {
		require.NoError(t, txn.Log(p))
	}
	_, err = txn.CommitSync()
	require.NoError(t, err)
}

func testWorker(t *testing.T, h *db.Handle, config cfg.SinkConfiguration) *worker {
	t.Helper()
	w, err := newWorker(h, config, time.Hour)
	require.NoError(t, err)
	t.Cleanup(w.close)
	return w
}

func TestWorkerDrainsCommittedEntriesInOrder(t *testing.T) {
	t.Parallel()

	h := openPublishHandle(t)
	commitLogged(t, h, "orders", []byte("a"), []byte("b"))
	commitLogged(t, h, "orders", []byte("c"))

	sink := registerCapture("capture-drain")
	w := testWorker(t, h, cfg.SinkConfiguration{Type: "capture-drain"})
	w.tick()

	msgs := sink.recorded()
	require.Len(t, msgs, 3)
	assert.Equal(t, []byte("a"), msgs[0].value)
	assert.Equal(t, []byte("b"), msgs[1].value)
	assert.Equal(t, []byte("c"), msgs[2].value)
	for _, m := range msgs {
		assert.Equal(t, "orders", m.topic)
	}
	assert.NotEqual(t, msgs[0].key, msgs[1].key)

	// Already drained, another tick ships nothing new.
	w.tick()
	assert.Len(t, sink.recorded(), 3)
}

func TestWorkerRetriesFailedEntry(t *testing.T) {
	t.Parallel()

	h := openPublishHandle(t)
	commitLogged(t, h, "orders", []byte("a"), []byte("b"))

	sink := registerCapture("capture-retry")
	sink.setFail(errors.New("broker down"))
	w := testWorker(t, h, cfg.SinkConfiguration{Type: "capture-retry"})

	w.tick()
	assert.Empty(t, sink.recorded())

	sink.setFail(nil)
	w.tick()

	msgs := sink.recorded()
	require.Len(t, msgs, 2)
	assert.Equal(t, []byte("a"), msgs[0].value)
	assert.Equal(t, []byte("b"), msgs[1].value)
}

func TestWorkerFiltersStoresByGlob(t *testing.T) {
	t.Parallel()

	h := openPublishHandle(t)
	commitLogged(t, h, "orders.eu", []byte("keep"))
	commitLogged(t, h, "audit", []byte("skip"))

	sink := registerCapture("capture-glob")
	w := testWorker(t, h, cfg.SinkConfiguration{
		Type:       "capture-glob",
		StoreGlobs: []string{"orders.*"},
	})
	w.tick()

	msgs := sink.recorded()
	require.Len(t, msgs, 1)
	assert.Equal(t, "orders.eu", msgs[0].topic)
	assert.Equal(t, []byte("keep"), msgs[0].value)
}

func TestWorkerTopicOverride(t *testing.T) {
	t.Parallel()

	h := openPublishHandle(t)
	commitLogged(t, h, "orders", []byte("a"))

	sink := registerCapture("capture-topic")
	w := testWorker(t, h, cfg.SinkConfiguration{
		Type:  "capture-topic",
		Topic: "firehose",
	})
	w.tick()

	msgs := sink.recorded()
	require.Len(t, msgs, 1)
	assert.Equal(t, "firehose", msgs[0].topic)
}

func TestNewWorkerUnknownSinkType(t *testing.T) {
	t.Parallel()

	h := openPublishHandle(t)
	_, err := newWorker(h, cfg.SinkConfiguration{Type: "no-such-sink"}, time.Hour)
	require.Error(t, err)
}

func TestPublisherLifecycle(t *testing.T) {
	t.Parallel()

	h := openPublishHandle(t)
	sink := registerCapture("capture-lifecycle")

	p, err := New(h, cfg.PublisherConfiguration{
		Enabled:        true,
		PollIntervalMS: 10,
		Sinks:          []cfg.SinkConfiguration{{Type: "capture-lifecycle"}},
	})
	require.NoError(t, err)
	p.Start()
	defer p.Close()

	commitLogged(t, h, "orders", []byte("a"))

	require.Eventually(t, func() bool {
		return len(sink.recorded()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, []byte("a"), sink.recorded()[0].value)
}
