package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/route-beacon/rib-engine/internal/event"
	"github.com/route-beacon/rib-engine/internal/rib"
)

// History list entries are "<hash>:A:<unix>" for announcements and
// ":W:<unix>" for withdrawals, newest first.
func announceEntry(hash string, t time.Time) string {
	return hash + ":A:" + event.Unix(t)
}

func withdrawEntry(t time.Time) string {
	return ":W:" + event.Unix(t)
}

// HistoryEntry is one parsed element of a (prefix,peer) history list.
type HistoryEntry struct {
	Hash      rib.PathHash
	Announced bool
	Time      time.Time
}

func ParseHistoryEntry(s string) (HistoryEntry, error) {
	parts := strings.SplitN(s, ":", 3)
	if len(parts) != 3 {
		return HistoryEntry{}, fmt.Errorf("malformed history entry %q", s)
	}
	sec, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil {
		return HistoryEntry{}, fmt.Errorf("history entry %q: %w", s, err)
	}
	e := HistoryEntry{Time: time.Unix(sec, 0)}
	switch parts[1] {
	case "A":
		h, err := rib.ParseHash(parts[0])
		if err != nil {
			return HistoryEntry{}, fmt.Errorf("history entry %q: %w", s, err)
		}
		e.Hash, e.Announced = h, true
	case "W":
	default:
		return HistoryEntry{}, fmt.Errorf("history entry %q: unknown marker %q", s, parts[1])
	}
	return e, nil
}

func parseIndex(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// RoutingEntry reads the newest history entry of key. ok is true only when
// it is an announcement.
func (l *Log) RoutingEntry(ctx context.Context, key rib.RouteKey) (rib.PathHash, bool, error) {
	if l.shut.Load() {
		return 0, false, ErrClosed
	}
	k := key.String()
	v, err := l.shardFor(k).client.LIndex(ctx, historyPrefix+k, 0).Result()
	if errors.Is(err, redis.Nil) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("reading history of %s: %w", k, err)
	}
	e, err := ParseHistoryEntry(v)
	if err != nil {
		return 0, false, err
	}
	return e.Hash, e.Announced, nil
}

// History returns up to n entries of key, newest first.
func (l *Log) History(ctx context.Context, key rib.RouteKey, n int64) ([]HistoryEntry, error) {
	if l.shut.Load() {
		return nil, ErrClosed
	}
	k := key.String()
	vals, err := l.shardFor(k).client.LRange(ctx, historyPrefix+k, 0, n-1).Result()
	if err != nil {
		return nil, fmt.Errorf("reading history of %s: %w", k, err)
	}
	out := make([]HistoryEntry, 0, len(vals))
	for _, v := range vals {
		e, err := ParseHistoryEntry(v)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

// Path reads a path record from the shard its events were routed to. It
// returns nil, nil when the hash is unknown.
func (l *Log) Path(ctx context.Context, h rib.PathHash) (*rib.PathRecord, error) {
	if l.shut.Load() {
		return nil, ErrClosed
	}
	k := rib.FormatHash(h)
	v, err := l.shardFor(k).client.HGet(ctx, KeyPaths, k).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading path %s: %w", k, err)
	}
	return rib.DecodePathRecord(v)
}
