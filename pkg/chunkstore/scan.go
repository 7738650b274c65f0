package chunkstore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"
	"golang.org/x/xerrors"

	"github.com/LICODX/chunkproof/pkg/cid"
	"github.com/LICODX/chunkproof/pkg/core"
)

const (
	SourceScan     = "scan"
	SourceMetadata = "metadata"

	reconcileFlushSize = 500
)

type StorageStats struct {
	TotalChunks int64                        `json:"totalChunks"`
	TotalBytes  int64                        `json:"totalBytes"`
	TotalHuman  string                       `json:"totalHuman"`
	Tiers       map[core.Tier]core.TierUsage `json:"tiers"`
	Source      string                       `json:"source"`
	AsOf        time.Time                    `json:"asOf"`
}

func statsFromMeta(m *core.StorageMetadata, source string, asOf time.Time) StorageStats {
	tiers := make(map[core.Tier]core.TierUsage, len(m.Tiers))
	for k, v := range m.Tiers {
		tiers[k] = v
	}
	return StorageStats{
		TotalChunks: m.TotalChunks,
		TotalBytes:  m.TotalBytes,
		TotalHuman:  humanize.IBytes(uint64(maxInt64(m.TotalBytes, 0))),
		Tiers:       tiers,
		Source:      source,
		AsOf:        asOf,
	}
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

type foundChunk struct {
	tier    core.Tier
	size    int64
	modTime time.Time
}

type scanResult struct {
	usage  *core.StorageMetadata
	chunks map[string]foundChunk
}

// scan walks every tier/shard directory in parallel. Temp files and anything
// that is not a well-formed CID are ignored. With collect set, the location
// of every chunk found is returned as well.
func (s *Store) scan(ctx context.Context, collect bool) (*scanResult, error) {
	start := time.Now()
	res := &scanResult{usage: core.NewStorageMetadata()}
	if collect {
		res.chunks = make(map[string]foundChunk)
	}
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.workers)

	for _, tier := range core.Tiers {
		tierDir := filepath.Join(s.root, string(tier))
		shards, err := os.ReadDir(tierDir)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, xerrors.Errorf("failed to list tier %s: %w", tier, err)
		}

		for _, shard := range shards {
			if !shard.IsDir() || len(shard.Name()) != core.ShardKeyLength {
				continue
			}
			tier, shardDir := tier, filepath.Join(tierDir, shard.Name())
			g.Go(func() error {
				if err := gctx.Err(); err != nil {
					return err
				}
				entries, err := os.ReadDir(shardDir)
				if err != nil {
					return xerrors.Errorf("failed to list shard %s: %w", shardDir, err)
				}
				local := core.NewStorageMetadata()
				var found map[string]foundChunk
				if collect {
					found = make(map[string]foundChunk, len(entries))
				}
				for _, e := range entries {
					if e.IsDir() || cid.Validate(e.Name()) != nil {
						continue
					}
					fi, err := e.Info()
					if err != nil {
						// removed between ReadDir and Info
						continue
					}
					local.Add(tier, fi.Size())
					if collect {
						found[e.Name()] = foundChunk{tier: tier, size: fi.Size(), modTime: fi.ModTime().UTC()}
					}
				}

				mu.Lock()
				defer mu.Unlock()
				res.usage.TotalChunks += local.TotalChunks
				res.usage.TotalBytes += local.TotalBytes
				u := res.usage.Tiers[tier]
				u.Count += local.Tiers[tier].Count
				u.Bytes += local.Tiers[tier].Bytes
				res.usage.Tiers[tier] = u
				for k, v := range found {
					if _, dup := res.chunks[k]; !dup || tierRank(v.tier) < tierRank(res.chunks[k].tier) {
						res.chunks[k] = v
					}
				}
				return nil
			})
		}
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	res.usage.UpdatedAt = time.Now().UTC()
	if s.metrics != nil {
		s.metrics.ScanDuration.Observe(time.Since(start).Seconds())
	}
	return res, nil
}

func tierRank(t core.Tier) int {
	for i, x := range core.Tiers {
		if x == t {
			return i
		}
	}
	return len(core.Tiers)
}

// Stats reports usage from a live scan. If the scan fails the persisted
// counters are returned instead, labelled as such.
func (s *Store) Stats(ctx context.Context) (StorageStats, error) {
	res, err := s.scan(ctx, false)
	if err != nil {
		if ctx.Err() != nil {
			return StorageStats{}, ctx.Err()
		}
		s.log.WarnWithFields("live scan failed, serving metadata counters", map[string]interface{}{"error": err})
		counters := s.Counters()
		return statsFromMeta(counters, SourceMetadata, counters.UpdatedAt), nil
	}
	return statsFromMeta(res.usage, SourceScan, res.usage.UpdatedAt), nil
}

type ReconcileReport struct {
	Before         StorageStats `json:"before"`
	After          StorageStats `json:"after"`
	RecordsAdded   int          `json:"recordsAdded"`
	RecordsRemoved int          `json:"recordsRemoved"`
	RecordsUpdated int          `json:"recordsUpdated"`
}

func (r ReconcileReport) Changed() bool {
	return r.RecordsAdded+r.RecordsRemoved+r.RecordsUpdated > 0 ||
		r.Before.TotalChunks != r.After.TotalChunks ||
		r.Before.TotalBytes != r.After.TotalBytes
}

func (r ReconcileReport) fields() map[string]interface{} {
	return map[string]interface{}{
		"chunks_before":   r.Before.TotalChunks,
		"chunks_after":    r.After.TotalChunks,
		"bytes_before":    r.Before.TotalBytes,
		"bytes_after":     r.After.TotalBytes,
		"records_added":   r.RecordsAdded,
		"records_removed": r.RecordsRemoved,
		"records_updated": r.RecordsUpdated,
	}
}

// Reconcile rewrites the counters and chunk records from what is actually on
// disk and clears the dirty marker.
func (s *Store) Reconcile(ctx context.Context) (ReconcileReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reconcileLocked(ctx)
}

func (s *Store) reconcileLocked(ctx context.Context) (ReconcileReport, error) {
	report := ReconcileReport{Before: statsFromMeta(s.counters, SourceMetadata, s.counters.UpdatedAt)}

	res, err := s.scan(ctx, true)
	if err != nil {
		return report, err
	}

	b := newMetaBatch()
	flush := func() error {
		if b.batch.Len() < reconcileFlushSize {
			return nil
		}
		if err := s.meta.commit(b); err != nil {
			return err
		}
		b = newMetaBatch()
		return nil
	}

	seen := make(map[string]struct{}, len(res.chunks))
	err = s.meta.forEachRecord(func(rec *core.ChunkRecord) error {
		seen[rec.CID] = struct{}{}
		found, ok := res.chunks[rec.CID]
		switch {
		case !ok:
			b.deleteRecord(rec.CID)
			report.RecordsRemoved++
		case found.tier != rec.Tier || found.size != rec.Size:
			rec.Tier, rec.Size = found.tier, found.size
			if err := b.putRecord(rec); err != nil {
				return err
			}
			report.RecordsUpdated++
		}
		return flush()
	})
	if err != nil {
		return report, err
	}

	for c, found := range res.chunks {
		if _, ok := seen[c]; ok {
			continue
		}
		rec := &core.ChunkRecord{CID: c, Size: found.size, Tier: found.tier, CreatedAt: found.modTime}
		if err := b.putRecord(rec); err != nil {
			return report, err
		}
		report.RecordsAdded++
		if err := flush(); err != nil {
			return report, err
		}
	}

	if err := b.putMeta(res.usage); err != nil {
		return report, err
	}
	b.clearDirty()
	if err := s.meta.commit(b); err != nil {
		return report, err
	}

	s.counters = res.usage
	s.dirty = false
	s.cache.Purge()
	s.publishGauges()

	report.After = statsFromMeta(res.usage, SourceScan, res.usage.UpdatedAt)
	return report, nil
}
