// Package sink writes classified RIB updates to Postgres.
package sink

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/route-beacon/rib-engine/internal/metrics"
	"github.com/route-beacon/rib-engine/internal/rib"
	"go.uber.org/zap"
)

var columns = []string{
	"seq", "event_time", "collector", "peer_asn", "prefix", "kind",
	"classification", "path_id", "path_hash", "as_path", "origin_asn",
	"new_prefix", "global_outage",
}

// Copier is the subset of pgxpool.Pool the sink needs.
type Copier interface {
	CopyFrom(ctx context.Context, table pgx.Identifier, columns []string, src pgx.CopyFromSource) (int64, error)
}

type Sink struct {
	db            Copier
	release       rib.Releaser
	batchSize     int
	flushInterval time.Duration
	logger        *zap.Logger
}

// New builds a sink. release, if set, takes back each message once its row
// is built.
func New(db Copier, release rib.Releaser, batchSize int, flushIntervalMs int, logger *zap.Logger) *Sink {
	if batchSize <= 0 {
		batchSize = 1000
	}
	if flushIntervalMs <= 0 {
		flushIntervalMs = 1000
	}
	return &Sink{
		db:            db,
		release:       release,
		batchSize:     batchSize,
		flushInterval: time.Duration(flushIntervalMs) * time.Millisecond,
		logger:        logger,
	}
}

// Run consumes classified messages until the stop message arrives, in is
// closed, or ctx is cancelled. Pending rows are flushed in every case.
func (s *Sink) Run(ctx context.Context, in <-chan *rib.Message) {
	var rows [][]any
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	final := func() {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := s.flush(fctx, rows); err != nil {
			s.logger.Error("final flush failed", zap.Int("rows", len(rows)), zap.Error(err))
		}
	}

	for {
		select {
		case <-ctx.Done():
			final()
			return

		case m, ok := <-in:
			if !ok || m.Kind == rib.KindStop {
				final()
				s.logger.Info("sink finished")
				return
			}
			if m.Classification != rib.Invalid {
				rows = append(rows, Row(m))
			}
			if s.release != nil {
				s.release.Release(m)
			}
			if len(rows) >= s.batchSize {
				if err := s.flush(ctx, rows); err != nil {
					s.logger.Error("batch flush failed", zap.Int("rows", len(rows)), zap.Error(err))
				}
				rows = rows[:0]
			}

		case <-ticker.C:
			if err := s.flush(ctx, rows); err != nil {
				s.logger.Error("periodic flush failed", zap.Int("rows", len(rows)), zap.Error(err))
			}
			rows = rows[:0]
		}
	}
}

// Row renders m in column order.
func Row(m *rib.Message) []any {
	var pathID, pathHash, asPath, origin any
	if m.Path != nil {
		pathID = int64(m.Path.ID)
		pathHash = rib.FormatHash(m.Path.Hash)
		origin = int64(m.Path.Dest)
	}
	if len(m.ASPath) > 0 {
		p := make([]int64, len(m.ASPath))
		for i, as := range m.ASPath {
			p[i] = int64(as)
		}
		asPath = p
	}
	return []any{
		int64(m.Seq), m.Time, string(m.Collector), int64(m.Peer), m.Prefix,
		m.Kind.String(), m.Classification.String(), pathID, pathHash, asPath, origin,
		m.NewPrefix, m.GlobalOutage,
	}
}

func (s *Sink) flush(ctx context.Context, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	start := time.Now()
	n, err := s.db.CopyFrom(ctx, pgx.Identifier{"rib_updates"}, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return fmt.Errorf("copy rib_updates: %w", err)
	}
	metrics.SinkWriteDuration.Observe(time.Since(start).Seconds())
	metrics.SinkRowsTotal.Add(float64(n))
	return nil
}
