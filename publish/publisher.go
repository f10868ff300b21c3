// Package publish forwards committed blocks to Kafka.
package publish

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Artfain/uav-ledger/core"
)

// EventTypeBlock tags every published message.
const EventTypeBlock = "uav.ledger.block"

const (
	queueSize    = 256
	writeTimeout = 10 * time.Second
)

type Config struct {
	Enabled bool
	Brokers []string
	Topic   string
}

// Event is the JSON value of a published message.
type Event struct {
	Type  string     `json:"type"`
	Block core.Block `json:"block"`
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher delivers blocks in commit order from a background loop. A disabled
// publisher accepts blocks and discards them.
type Publisher struct {
	cfg       Config
	log       *slog.Logger
	writer    messageWriter
	enabled   bool
	queue     chan core.Block
	runCtx    context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
	dropped   atomic.Int64

	// gate orders OnBlock sends against the end of the delivery loop.
	gate    sync.RWMutex
	started bool
}

var errNilLogger = errors.New("publisher requires a logger")

func New(cfg Config, log *slog.Logger) (*Publisher, error) {
	if log == nil {
		return nil, errNilLogger
	}
	if !cfg.Enabled {
		log.Info("kafka publisher disabled")
		return &Publisher{cfg: cfg, log: log}, nil
	}
	if strings.TrimSpace(cfg.Topic) == "" {
		return nil, fmt.Errorf("kafka topic must not be empty")
	}
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("at least one broker is required")
	}
	w := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Topic:                  cfg.Topic,
		RequiredAcks:           kafka.RequireAll,
		AllowAutoTopicCreation: false,
		Balancer:               &kafka.Hash{},
		WriteTimeout:           writeTimeout,
	}
	return newWithWriter(cfg, log, w)
}

func newWithWriter(cfg Config, log *slog.Logger, w messageWriter) (*Publisher, error) {
	if log == nil {
		return nil, errNilLogger
	}
	return &Publisher{
		cfg:     cfg,
		log:     log.With(slog.String("component", "kafka_publisher")),
		writer:  w,
		enabled: cfg.Enabled,
		queue:   make(chan core.Block, queueSize),
	}, nil
}

// Start launches the delivery loop. It is a no-op for a disabled publisher.
func (p *Publisher) Start(ctx context.Context) {
	if !p.enabled {
		return
	}
	p.startOnce.Do(func() {
		p.runCtx, p.cancel = context.WithCancel(ctx)
		p.gate.Lock()
		p.started = true
		p.gate.Unlock()
		p.wg.Add(1)
		go p.run()
		p.log.Info("kafka publisher started", slog.String("topic", p.cfg.Topic))
	})
}

// Stop drains queued blocks and closes the writer, giving up when ctx expires.
func (p *Publisher) Stop(ctx context.Context) error {
	if !p.enabled {
		return nil
	}
	var stopErr error
	p.stopOnce.Do(func() {
		if p.cancel != nil {
			p.cancel()
		}
		done := make(chan struct{})
		go func() {
			p.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			stopErr = ctx.Err()
		}
		if err := p.writer.Close(); err != nil {
			p.log.Error("kafka writer close failed", slog.Any("error", err))
		}
		p.log.Info("kafka publisher stopped", slog.Int64("dropped", p.dropped.Load()))
	})
	return stopErr
}

// OnBlock queues b for delivery. Blocks are dropped when the queue is full or the
// publisher is not running.
func (p *Publisher) OnBlock(b core.Block) {
	if !p.enabled {
		return
	}
	p.gate.RLock()
	defer p.gate.RUnlock()
	if !p.started {
		p.dropped.Add(1)
		p.log.Warn("kafka publisher not running, block dropped", slog.Int64("index", b.Index))
		return
	}
	select {
	case p.queue <- b:
	default:
		p.dropped.Add(1)
		p.log.Error("kafka queue full, block dropped", slog.Int64("index", b.Index))
	}
}

// Dropped returns the number of blocks that were never handed to the writer.
func (p *Publisher) Dropped() int64 { return p.dropped.Load() }

func (p *Publisher) run() {
	defer p.wg.Done()
	for {
		select {
		case <-p.runCtx.Done():
			p.gate.Lock()
			p.started = false
			p.gate.Unlock()
			p.drain()
			return
		case b := <-p.queue:
			p.deliver(p.runCtx, b)
		}
	}
}

func (p *Publisher) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	for {
		select {
		case b := <-p.queue:
			p.deliver(ctx, b)
		default:
			return
		}
	}
}

func (p *Publisher) deliver(ctx context.Context, b core.Block) {
	value, err := json.Marshal(Event{Type: EventTypeBlock, Block: b})
	if err != nil {
		p.log.Error("block encode failed", slog.Int64("index", b.Index), slog.Any("error", err))
		return
	}
	msg := kafka.Message{Key: []byte(strconv.FormatInt(b.Index, 10)), Value: value}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		p.dropped.Add(1)
		p.log.Error("block publish failed", slog.Int64("index", b.Index), slog.Any("error", err))
		return
	}
	p.log.Debug("block published", slog.Int64("index", b.Index))
}
