// Package publisher tails committed transaction-log entries and ships
// them to external sinks. It is a log consumer, not a replication
// protocol: each worker keeps its own cursor per store and resumes from
// the store's persisted flush position after a restart.
package publisher

import (
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/stratumdb/stratum/cfg"
	"github.com/stratumdb/stratum/db"
	"github.com/stratumdb/stratum/telemetry"
	"github.com/stratumdb/stratum/txnlog"
)

// Sink ships one entry to an external system. Implementations register
// themselves with RegisterSink.
type Sink interface {
	Publish(topic, key string, value []byte) error
	Close() error
}

// SinkFactory builds a sink from its configuration.
type SinkFactory func(cfg.SinkConfiguration) (Sink, error)

var (
	factoryMu     sync.RWMutex
	sinkFactories = make(map[string]SinkFactory)
)

// RegisterSink registers a sink factory for a type. Called from sink
// package init functions.
func RegisterSink(sinkType string, factory SinkFactory) {
	factoryMu.Lock()
	defer factoryMu.Unlock()
	sinkFactories[sinkType] = factory
}

func newSink(config cfg.SinkConfiguration) (Sink, error) {
	factoryMu.RLock()
	factory, ok := sinkFactories[config.Type]
	factoryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown sink type %q", config.Type)
	}
	return factory(config)
}

// Publisher owns one worker per configured sink, all tailing the log
// stores of a single database.
type Publisher struct {
	handle  *db.Handle
	workers []*worker
	log     zerolog.Logger
}

// New builds a publisher for the database behind handle. The handle
// must stay open for the publisher's lifetime.
func New(handle *db.Handle, config cfg.PublisherConfiguration) (*Publisher, error) {
	poll := 250 * time.Millisecond
	if config.PollIntervalMS > 0 {
		poll = time.Duration(config.PollIntervalMS) * time.Millisecond
	}

	p := &Publisher{
		handle: handle,
		log:    log.With().Str("component", "publisher").Logger(),
	}
	for _, sinkCfg := range config.Sinks {
		w, err := newWorker(handle, sinkCfg, poll)
		if err != nil {
			p.Close()
			return nil, fmt.Errorf("unable to build %s sink: %w", sinkCfg.Type, err)
		}
		p.workers = append(p.workers, w)
	}

	p.log.Info().Int("sinks", len(p.workers)).Msg("Publisher initialized")
	return p, nil
}

// Start launches every worker's tail loop.
func (p *Publisher) Start() {
	for _, w := range p.workers {
		w.start()
	}
}

// Close stops the workers and closes their sinks.
func (p *Publisher) Close() {
	for _, w := range p.workers {
		w.close()
	}
}

// worker tails matching stores and ships entries to one sink. Cursors
// advance only after a successful publish, so a sink outage replays
// from the failed entry on the next tick.
type worker struct {
	handle  *db.Handle
	sink    Sink
	kind    string
	topic   string
	filter  *StoreFilter
	poll    time.Duration
	cursors map[string]*txnlog.Reader
	stop    chan struct{}
	done    chan struct{}
	started atomic.Bool
	once    sync.Once
	log     zerolog.Logger
}

func newWorker(handle *db.Handle, config cfg.SinkConfiguration, poll time.Duration) (*worker, error) {
	filter, err := NewStoreFilter(config.StoreGlobs)
	if err != nil {
		return nil, err
	}
	sink, err := newSink(config)
	if err != nil {
		return nil, err
	}

	return &worker{
		handle:  handle,
		sink:    sink,
		kind:    config.Type,
		topic:   config.Topic,
		filter:  filter,
		poll:    poll,
		cursors: make(map[string]*txnlog.Reader),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		log:     log.With().Str("sink", config.Type).Logger(),
	}, nil
}

func (w *worker) start() {
	if w.started.CompareAndSwap(false, true) {
		go w.run()
	}
}

func (w *worker) run() {
	defer close(w.done)
	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.tick()
		}
	}
}

// tick drains every matching store up to its committed boundary.
func (w *worker) tick() {
	for _, name := range w.handle.Descriptor().LogStoreNames() {
		if !w.filter.Matches(name) {
			continue
		}
		store, err := w.handle.Descriptor().LogStore(name)
		if err != nil {
			w.log.Warn().Err(err).Str("store", name).Msg("Store open failed")
			continue
		}
		if err := w.drain(name, store); err != nil {
			telemetry.PublishErrorsTotal.With(w.kind).Inc()
			w.log.Warn().Err(err).Str("store", name).Msg("Publish failed, will retry")
		}
	}
}

func (w *worker) drain(name string, store *txnlog.Store) error {
	reader, ok := w.cursors[name]
	if !ok {
		reader = store.ReadFrom(store.FlushedPosition())
		w.cursors[name] = reader
	}

	for {
		pos := reader.Position()
		entry, err := reader.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}

		topic := w.topic
		if topic == "" {
			topic = name
		}
		key := fmt.Sprintf("%s/%d/%d", name, pos.Seq, pos.Offset)
		if err := w.sink.Publish(topic, key, entry.Payload); err != nil {
			w.cursors[name] = store.ReadFrom(pos)
			return err
		}
		telemetry.PublishedEntriesTotal.With(w.kind).Inc()
	}
}

func (w *worker) close() {
	w.once.Do(func() {
		close(w.stop)
		if w.started.Load() {
			<-w.done
		}
	})
	if err := w.sink.Close(); err != nil {
		w.log.Warn().Err(err).Msg("Sink close failed")
	}
}
