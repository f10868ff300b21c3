// Package service exposes the ledger as request/response operations and decides when
// pending transactions are turned into blocks.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/Artfain/uav-ledger/core"
)

// Policy selects when blocks are produced.
type Policy string

const (
	// PolicyEvery produces a block after each accepted request.
	PolicyEvery Policy = "every"
	// PolicyInterval produces blocks on a timer.
	PolicyInterval Policy = "interval"
	// PolicySize produces a block once the queue holds MaxTransactions; a set Interval
	// still flushes leftovers.
	PolicySize Policy = "size"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

type Options struct {
	Policy          Policy
	Interval        time.Duration
	MaxTransactions int
}

// BlockListener is notified of every committed block, in chain order.
type BlockListener interface {
	OnBlock(b core.Block)
}

// OperationObserver counts write operations by outcome.
type OperationObserver interface {
	Operation(op string, err error)
	SetPending(n int)
}

type Service struct {
	ledger    *core.Ledger
	opts      Options
	validate  *validator.Validate
	log       *slog.Logger
	produceMu sync.Mutex
	listeners []BlockListener
	observer  OperationObserver
}

func New(ledger *core.Ledger, opts Options, log *slog.Logger) (*Service, error) {
	switch opts.Policy {
	case "":
		opts.Policy = PolicyEvery
	case PolicyEvery:
	case PolicyInterval:
		if opts.Interval <= 0 {
			return nil, fmt.Errorf("%w: interval policy needs a positive interval", core.ErrInvalidArgument)
		}
	case PolicySize:
		if opts.MaxTransactions <= 0 {
			return nil, fmt.Errorf("%w: size policy needs a positive max_transactions", core.ErrInvalidArgument)
		}
	default:
		return nil, fmt.Errorf("%w: unknown batch policy %q", core.ErrInvalidArgument, opts.Policy)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Service{
		ledger:   ledger,
		opts:     opts,
		validate: validator.New(),
		log:      log.With(slog.String("component", "service")),
	}, nil
}

// AddListener registers l for blocks produced from now on.
func (s *Service) AddListener(l BlockListener) {
	s.produceMu.Lock()
	defer s.produceMu.Unlock()
	s.listeners = append(s.listeners, l)
}

func (s *Service) SetObserver(o OperationObserver) {
	s.observer = o
}

func (s *Service) Ledger() *core.Ledger { return s.ledger }

func (s *Service) Register(req RegisterRequest) (Envelope, error) {
	if err := s.validate.Struct(req); err != nil {
		err = fmt.Errorf("%w: %v", core.ErrInvalidArgument, err)
		s.observe("register", err)
		return fail(err.Error()), err
	}
	r, err := s.ledger.RegisterDevice(req.DeviceID, req.PublicKey, req.Model, req.FirmwareVersion)
	s.observe("register", err)
	if err != nil {
		return fail(message(err)), err
	}
	res := WriteResult{DeviceID: req.DeviceID, Pending: r.QueueLength}
	s.afterWrite(&res)
	return ok(fmt.Sprintf("UAV %s successfully registered", req.DeviceID), res), nil
}

func (s *Service) Authenticate(req AuthenticateRequest) (Envelope, error) {
	if err := s.validate.Struct(req); err != nil {
		err = fmt.Errorf("%w: %v", core.ErrInvalidArgument, err)
		s.observe("authenticate", err)
		return fail(err.Error()), err
	}
	r, err := s.ledger.AuthenticateDevice(req.DeviceID, req.Nonce, req.Timestamp, req.Signature)
	s.observe("authenticate", err)
	if err != nil {
		return fail(message(err)), err
	}
	res := WriteResult{DeviceID: req.DeviceID, Pending: r.QueueLength, Timestamp: req.Timestamp}
	s.afterWrite(&res)
	return ok(fmt.Sprintf("UAV %s successfully authenticated", req.DeviceID), res), nil
}

// afterWrite produces a block when the policy asks for one. The write is already in
// the registry and the queue, so a failed production leaves it pending for the next
// block instead of failing the request.
func (s *Service) afterWrite(res *WriteResult) {
	switch {
	case s.opts.Policy == PolicyEvery:
	case s.opts.Policy == PolicySize && s.ledger.PendingCount() >= s.opts.MaxTransactions:
	default:
		s.setPending()
		return
	}
	b, err := s.Produce()
	if err != nil {
		s.log.Warn("write accepted, block left pending", slog.String("device", res.DeviceID), slog.Any("error", err))
		s.setPending()
	} else if b != nil {
		idx := b.Index
		res.BlockNumber = &idx
	}
	res.Pending = s.ledger.PendingCount()
}

// Produce turns the pending queue into a block and notifies the listeners. It returns
// nil without error when the queue is empty.
func (s *Service) Produce() (*core.Block, error) {
	s.produceMu.Lock()
	defer s.produceMu.Unlock()

	b, err := s.ledger.ProduceBlock()
	if errors.Is(err, core.ErrEmptySubmissionQueue) {
		return nil, nil
	}
	if err != nil {
		s.log.Error("block production failed", slog.Any("error", err))
		return nil, err
	}
	for _, l := range s.listeners {
		l.OnBlock(b.Clone())
	}
	s.setPending()
	return b, nil
}

// Run produces blocks on the configured interval until ctx is done, then flushes the
// queue once more. It returns immediately when no interval is configured.
func (s *Service) Run(ctx context.Context) error {
	if s.opts.Policy == PolicyEvery || s.opts.Interval <= 0 {
		return nil
	}
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()
	s.log.Info("block producer started", slog.String("policy", string(s.opts.Policy)), slog.Duration("interval", s.opts.Interval))
	for {
		select {
		case <-ctx.Done():
			if _, err := s.Produce(); err != nil {
				return err
			}
			return nil
		case <-ticker.C:
			// failures are logged by Produce and retried on the next tick
			_, _ = s.Produce()
		}
	}
}

func (s *Service) Status(deviceID string) (Envelope, error) {
	rec, found := s.ledger.DeviceStatus(deviceID)
	if !found {
		err := fmt.Errorf("%w: %s", core.ErrUnknownDevice, deviceID)
		return fail(fmt.Sprintf("UAV %s is not registered", deviceID)), err
	}
	return ok(fmt.Sprintf("UAV %s status", deviceID), DeviceStatus{
		DeviceID:          deviceID,
		PublicKey:         rec.PublicKey,
		Model:             rec.Model,
		Firmware:          rec.FirmwareVersion,
		LastAuthenticated: rec.LastAuthenticated,
	}), nil
}

func (s *Service) Stats() Envelope {
	return ok("Blockchain statistics", s.collectStats())
}

// Blocks returns a page of blocks. A limit outside (0, MaxPageSize] is replaced by the
// default page size.
func (s *Service) Blocks(from int64, limit int) (Envelope, error) {
	if from < 0 {
		err := fmt.Errorf("%w: negative block index", core.ErrInvalidArgument)
		return fail(err.Error()), err
	}
	if limit <= 0 || limit > MaxPageSize {
		limit = DefaultPageSize
	}
	blocks := s.ledger.Blocks(from, limit)
	return ok(fmt.Sprintf("%d blocks", len(blocks)), blocks), nil
}

func (s *Service) Block(index int64) (Envelope, error) {
	b, found := s.ledger.Block(index)
	if !found {
		err := fmt.Errorf("%w: block %d", ErrUnknownBlock, index)
		return fail(err.Error()), err
	}
	return ok(fmt.Sprintf("Block %d", index), b), nil
}

// Verify runs the full audit of the chain and tick sequence.
func (s *Service) Verify() (Envelope, error) {
	v := s.ledger.Verify()
	report := VerifyReport{
		ChainValid: v.ChainValid,
		TicksValid: v.TicksValid,
		Blocks:     v.Blocks,
	}
	if v.Err != nil {
		report.Error = v.Err.Error()
		return Envelope{Message: "Chain verification failed", Data: report}, v.Err
	}
	return ok("Chain verified", report), nil
}

// ErrUnknownBlock is returned for block lookups past the tip.
var ErrUnknownBlock = errors.New("block not found")

func (s *Service) observe(op string, err error) {
	if s.observer != nil {
		s.observer.Operation(op, err)
	}
}

func (s *Service) setPending() {
	if s.observer != nil {
		s.observer.SetPending(s.ledger.PendingCount())
	}
}

// message keeps the ledger's wording for rejected requests.
func message(err error) string {
	for _, sentinel := range []error{
		core.ErrDuplicateDevice, core.ErrUnknownDevice, core.ErrReplayedNonce, core.ErrUnverifiedSignature,
	} {
		if errors.Is(err, sentinel) {
			return sentinel.Error()
		}
	}
	return err.Error()
}
