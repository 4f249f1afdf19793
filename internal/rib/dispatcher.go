package rib

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/route-beacon/rib-engine/internal/event"
	"go.uber.org/zap"
)

// Releaser takes back messages that have no downstream consumer.
type Releaser interface {
	Release(m *Message)
}

// Ender is told once that no further events will be produced.
type Ender interface {
	End()
}

type DispatcherConfig struct {
	Workers       int
	LaneCapacity  int
	FamineTimeout time.Duration
}

// Dispatcher pulls messages from the upstream queue and applies them to
// the engine. Messages are spread over worker lanes by prefix, so every
// update of a prefix is applied by one worker in queue order.
type Dispatcher struct {
	engine  *Engine
	in      *Queue
	out     chan<- *Message
	release Releaser
	log     Ender
	cfg     DispatcherConfig
	logger  *zap.Logger
}

// NewDispatcher wires a dispatcher. out, release and log may be nil.
func NewDispatcher(engine *Engine, in *Queue, out chan<- *Message, release Releaser, log Ender, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.LaneCapacity < 1 {
		cfg.LaneCapacity = 1024
	}
	return &Dispatcher{
		engine:  engine,
		in:      in,
		out:     out,
		release: release,
		log:     log,
		cfg:     cfg,
		logger:  logger,
	}
}

// Run returns when the stop sentinel is seen, the queue starves for
// FamineTimeout, or ctx is cancelled. In every case the workers are
// drained, the event log is ended and a stop message is sent downstream.
// Only cancellation is reported as an error.
func (d *Dispatcher) Run(ctx context.Context) error {
	lanes := make([]chan *Message, d.cfg.Workers)
	var wg sync.WaitGroup
	for i := range lanes {
		lanes[i] = make(chan *Message, d.cfg.LaneCapacity)
		wg.Add(1)
		go func(lane <-chan *Message) {
			defer wg.Done()
			for m := range lane {
				d.engine.Apply(ctx, m)
				d.forward(ctx, m)
			}
		}(lanes[i])
	}

	err := d.read(ctx, lanes)

	for _, lane := range lanes {
		close(lane)
	}
	wg.Wait()
	if d.log != nil {
		d.log.End()
	}
	if d.out != nil {
		select {
		case d.out <- StopMessage():
		case <-ctx.Done():
		}
	}
	d.logger.Info("dispatcher stopped", zap.Error(err))
	return err
}

func (d *Dispatcher) read(ctx context.Context, lanes []chan *Message) error {
	var popped uint64
	for {
		m, err := d.in.Pop(ctx, d.cfg.FamineTimeout)
		switch {
		case errors.Is(err, ErrFamine):
			d.logger.Info("upstream queue starved, stopping",
				zap.Duration("timeout", d.cfg.FamineTimeout),
				zap.Uint64("messages", popped),
			)
			return nil
		case errors.Is(err, ErrQueueClosed):
			return nil
		case err != nil:
			return err
		}

		if m.Kind == KindStop {
			// Leave the sentinel for any other consumer of the queue.
			if err := d.in.Push(ctx, m); err != nil && !errors.Is(err, ErrQueueClosed) {
				d.logger.Warn("re-pushing stop sentinel failed", zap.Error(err))
			}
			d.logger.Info("stop sentinel received", zap.Uint64("messages", popped))
			return nil
		}
		popped++

		lane := lanes[event.ShardFor(event.RoutingHash(m.Prefix.Masked().String()), len(lanes))]
		select {
		case lane <- m:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (d *Dispatcher) forward(ctx context.Context, m *Message) {
	if d.out == nil {
		if d.release != nil {
			d.release.Release(m)
		}
		return
	}
	select {
	case d.out <- m:
	case <-ctx.Done():
	}
}
