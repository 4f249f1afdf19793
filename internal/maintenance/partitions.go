package maintenance

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

const parentTable = "rib_updates"

var validPartitionName = regexp.MustCompile(`^rib_updates_\d{8}$`)

// DB is the subset of pgxpool.Pool partition maintenance uses.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type PartitionManager struct {
	db            DB
	retentionDays int
	timezone      string
	logger        *zap.Logger
	now           func() time.Time
}

func NewPartitionManager(db DB, retentionDays int, timezone string, logger *zap.Logger) *PartitionManager {
	return &PartitionManager{
		db:            db,
		retentionDays: retentionDays,
		timezone:      timezone,
		logger:        logger,
		now:           time.Now,
	}
}

func (pm *PartitionManager) Run(ctx context.Context) error {
	if err := pm.CreatePartitions(ctx); err != nil {
		return fmt.Errorf("creating partitions: %w", err)
	}
	if err := pm.DropOldPartitions(ctx); err != nil {
		return fmt.Errorf("dropping old partitions: %w", err)
	}
	return nil
}

// Loop runs maintenance every interval until ctx is done. Failures are
// logged and retried on the next tick.
func (pm *PartitionManager) Loop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := pm.Run(ctx); err != nil && ctx.Err() == nil {
				pm.logger.Error("partition maintenance failed", zap.Error(err))
			}
		}
	}
}

// CreatePartitions creates daily partitions for today and tomorrow in the
// configured timezone.
func (pm *PartitionManager) CreatePartitions(ctx context.Context) error {
	loc, err := time.LoadLocation(pm.timezone)
	if err != nil {
		return fmt.Errorf("loading timezone %s: %w", pm.timezone, err)
	}

	now := pm.now().In(loc)
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)
	for d := 0; d < 2; d++ {
		from := today.AddDate(0, 0, d)
		if err := pm.createPartition(ctx, from, from.AddDate(0, 0, 1)); err != nil {
			return err
		}
	}
	return nil
}

func partitionName(day time.Time) string {
	return parentTable + "_" + day.Format("20060102")
}

func (pm *PartitionManager) createPartition(ctx context.Context, from, to time.Time) error {
	name := partitionName(from)
	safeName := pgx.Identifier{name}.Sanitize()

	createSQL := fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s PARTITION OF %s FOR VALUES FROM ('%s') TO ('%s')`,
		safeName, parentTable,
		from.UTC().Format("2006-01-02 15:04:05+00"), to.UTC().Format("2006-01-02 15:04:05+00"),
	)
	if _, err := pm.db.Exec(ctx, createSQL); err != nil {
		return fmt.Errorf("creating partition %s: %w", name, err)
	}
	pm.logger.Info("partition ensured", zap.String("partition", name))

	peerIdx := fmt.Sprintf(
		`CREATE INDEX IF NOT EXISTS %s ON %s (collector, peer_asn, ingest_time DESC)`,
		pgx.Identifier{"idx_" + name + "_peer"}.Sanitize(), safeName,
	)
	if _, err := pm.db.Exec(ctx, peerIdx); err != nil {
		return fmt.Errorf("creating peer index on %s: %w", name, err)
	}
	return nil
}

// DropOldPartitions drops partitions older than the retention period.
func (pm *PartitionManager) DropOldPartitions(ctx context.Context) error {
	loc, err := time.LoadLocation(pm.timezone)
	if err != nil {
		return fmt.Errorf("loading timezone %s: %w", pm.timezone, err)
	}

	rows, err := pm.db.Query(ctx,
		`SELECT inhrelid::regclass::text FROM pg_inherits WHERE inhparent = $1::regclass`, parentTable)
	if err != nil {
		return fmt.Errorf("listing partitions: %w", err)
	}
	partitions, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return fmt.Errorf("scanning partitions: %w", err)
	}

	cutoff := pm.now().In(loc).AddDate(0, 0, -pm.retentionDays)
	cutoffDate := time.Date(cutoff.Year(), cutoff.Month(), cutoff.Day(), 0, 0, 0, 0, loc)

	for _, name := range expired(partitions, cutoffDate, loc, pm.logger) {
		dropSQL := fmt.Sprintf("DROP TABLE IF EXISTS %s", pgx.Identifier{name}.Sanitize())
		if _, err := pm.db.Exec(ctx, dropSQL); err != nil {
			return fmt.Errorf("dropping partition %s: %w", name, err)
		}
		pm.logger.Info("dropped old partition", zap.String("partition", name), zap.Time("cutoff", cutoffDate))
	}
	return nil
}

// expired filters names down to well-formed partitions dated before cutoff.
func expired(names []string, cutoff time.Time, loc *time.Location, logger *zap.Logger) []string {
	var out []string
	for _, name := range names {
		if !validPartitionName.MatchString(name) {
			logger.Warn("skipping partition with unexpected name", zap.String("partition", name))
			continue
		}
		day, err := time.ParseInLocation("20060102", name[len(name)-8:], loc)
		if err != nil {
			logger.Warn("cannot parse partition date", zap.String("partition", name))
			continue
		}
		if day.Before(cutoff) {
			out = append(out, name)
		}
	}
	return out
}
