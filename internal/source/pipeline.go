package source

import (
	"context"
	"strings"
	"time"

	"github.com/route-beacon/rib-engine/internal/metrics"
	"github.com/route-beacon/rib-engine/internal/rib"
	"github.com/twmb/franz-go/pkg/kgo"
	"go.uber.org/zap"
)

// Pipeline decodes fetched records and feeds the upstream queue.
type Pipeline struct {
	queue           *rib.Queue
	pool            *Pool
	classifier      *Classifier
	maxPayloadBytes int
	logger          *zap.Logger
	now             func() time.Time
}

func NewPipeline(queue *rib.Queue, pool *Pool, maxPayloadBytes int, logger *zap.Logger) *Pipeline {
	return &Pipeline{
		queue:           queue,
		pool:            pool,
		classifier:      NewClassifier(),
		maxPayloadBytes: maxPayloadBytes,
		logger:          logger,
		now:             time.Now,
	}
}

// Run pushes every record's message onto the queue and then hands the
// batch to flushed for offset commit. When records is closed the stop
// sentinel is queued.
func (p *Pipeline) Run(ctx context.Context, records <-chan []*kgo.Record, flushed chan<- []*kgo.Record) {
	for {
		select {
		case <-ctx.Done():
			return
		case recs, ok := <-records:
			if !ok {
				if err := p.queue.Push(ctx, rib.StopMessage()); err != nil {
					p.logger.Warn("queueing stop sentinel failed", zap.Error(err))
				}
				return
			}
			for _, rec := range recs {
				if err := p.handle(ctx, rec); err != nil {
					// Only a cancelled push ends up here.
					return
				}
			}
			if flushed == nil {
				continue
			}
			select {
			case flushed <- recs:
			case <-ctx.Done():
				return
			}
		}
	}
}

// handle routes a record by topic: goBMP raw topics carry OpenBMP framed
// BMP, peer topics carry session state, the rest carry unicast prefixes.
func (p *Pipeline) handle(ctx context.Context, rec *kgo.Record) error {
	if strings.Contains(rec.Topic, "raw") {
		return p.handleRaw(ctx, rec)
	}
	if strings.Contains(rec.Topic, "peer") {
		pe, err := DecodePeerMessage(rec.Value)
		if err != nil {
			metrics.ParseErrorsTotal.WithLabelValues("peer", "decode").Inc()
			p.logger.Debug("skipping peer message", zap.String("topic", rec.Topic), zap.Error(err))
			return nil
		}
		metrics.SourceMessagesTotal.WithLabelValues(rec.Topic, pe.Action).Inc()
		if pe.Action == "peer_down" {
			p.classifier.Reset(pe.Router)
			p.logger.Info("router session down, expecting a new table dump", zap.String("router", pe.Router))
		}
		return nil
	}

	u, err := DecodeUnicastPrefix(rec.Value, p.now())
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("unicast_prefix", "decode").Inc()
		p.logger.Debug("skipping unicast prefix message", zap.String("topic", rec.Topic), zap.Error(err))
		return nil
	}
	return p.push(ctx, rec.Topic, u)
}

func (p *Pipeline) handleRaw(ctx context.Context, rec *kgo.Record) error {
	rr, err := DecodeRaw(rec.Value, p.maxPayloadBytes, p.now())
	if err != nil {
		metrics.ParseErrorsTotal.WithLabelValues("raw", "decode").Inc()
		p.logger.Debug("skipping raw message", zap.String("topic", rec.Topic), zap.Error(err))
		return nil
	}
	if rr.Skipped > 0 {
		metrics.ParseErrorsTotal.WithLabelValues("raw", "bgp_update").Add(float64(rr.Skipped))
	}
	for _, router := range rr.Resets {
		metrics.SourceMessagesTotal.WithLabelValues(rec.Topic, "peer_down").Inc()
		p.classifier.Reset(router)
		p.logger.Info("router session down, expecting a new table dump", zap.String("router", router))
	}
	for _, u := range rr.Updates {
		if err := p.push(ctx, rec.Topic, u); err != nil {
			return err
		}
	}
	return nil
}

// push classifies u and queues it. End-of-RIB markers and Loc-RIB routes
// only update source state.
func (p *Pipeline) push(ctx context.Context, topic string, u *Update) error {
	switch {
	case u.IsEOR:
		metrics.SourceMessagesTotal.WithLabelValues(topic, "eor").Inc()
		p.classifier.EndOfRIB(u)
		return nil
	case u.IsLocRIB:
		metrics.SourceMessagesTotal.WithLabelValues(topic, "loc_rib").Inc()
		return nil
	case !u.Withdraw && len(u.ASPath) == 0:
		metrics.ParseErrorsTotal.WithLabelValues("unicast_prefix", "empty_as_path").Inc()
		return nil
	}

	m := p.pool.Get()
	p.Fill(m, u)
	metrics.SourceMessagesTotal.WithLabelValues(topic, m.Kind.String()).Inc()
	if err := p.queue.Push(ctx, m); err != nil {
		p.pool.Release(m)
		return err
	}
	return nil
}

// Fill copies u into m and classifies it.
func (p *Pipeline) Fill(m *rib.Message, u *Update) {
	m.Kind = p.classifier.Kind(u)
	m.Prefix = u.Prefix
	m.Peer = rib.PeerID(u.PeerASN)
	m.Collector = rib.CollectorID(u.Router)
	m.Time = u.Time
	m.ASPath = append(m.ASPath[:0], u.ASPath...)
}
