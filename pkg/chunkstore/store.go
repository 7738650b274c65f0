// Package chunkstore keeps content-addressed chunks on the local filesystem,
// sharded by CID under one directory per storage tier.
package chunkstore

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"time"

	arc "github.com/hashicorp/golang-lru/arc/v2"
	"github.com/syndtr/goleveldb/leveldb"
	"golang.org/x/xerrors"

	"github.com/LICODX/chunkproof/pkg/cid"
	"github.com/LICODX/chunkproof/pkg/core"
	"github.com/LICODX/chunkproof/pkg/logging"
	"github.com/LICODX/chunkproof/pkg/metrics"
)

type Config struct {
	Root            string
	CacheEntries    int
	ScanWorkers     int
	ReconcileOnOpen bool
	Metrics         *metrics.StorageMetrics
}

type PutResult struct {
	CID     string `json:"cid"`
	Size    int64  `json:"size"`
	Existed bool   `json:"existed"`
}

type ChunkInfo struct {
	CID       string    `json:"cid"`
	Size      int64     `json:"size"`
	Tier      core.Tier `json:"tier"`
	CreatedAt time.Time `json:"createdAt"`
}

// Store is safe for concurrent use. Reads run without the write lock; all
// mutations of files, records and counters are serialized by mu.
type Store struct {
	root    string
	workers int
	meta    *metaStore
	cache   *arc.ARCCache[string, []byte]
	metrics *metrics.StorageMetrics
	log     *logging.StructuredLogger

	mu       sync.Mutex
	counters *core.StorageMetadata
	dirty    bool
}

func Open(cfg Config, db *leveldb.DB, log *logging.StructuredLogger) (*Store, error) {
	if cfg.Root == "" {
		return nil, core.Validation("chunk root is required")
	}
	if db == nil {
		return nil, xerrors.New("chunkstore: metadata database is required")
	}
	if log == nil {
		log = logging.Component("chunkstore")
	}
	if cfg.CacheEntries <= 0 {
		cfg.CacheEntries = 1024
	}
	if cfg.ScanWorkers <= 0 {
		cfg.ScanWorkers = 4
	}

	for _, t := range core.Tiers {
		if err := os.MkdirAll(filepath.Join(cfg.Root, string(t)), 0o755); err != nil {
			return nil, xerrors.Errorf("failed to create tier directory %s: %w", t, err)
		}
	}

	cache, err := arc.NewARC[string, []byte](cfg.CacheEntries)
	if err != nil {
		return nil, xerrors.Errorf("failed to create chunk cache: %w", err)
	}

	s := &Store{
		root:    cfg.Root,
		workers: cfg.ScanWorkers,
		meta:    &metaStore{db: db},
		cache:   cache,
		metrics: cfg.Metrics,
		log:     log,
	}

	counters, found, err := s.meta.loadMeta()
	if err != nil {
		return nil, err
	}
	s.counters = counters
	s.dirty = s.meta.isDirty()

	if cfg.ReconcileOnOpen || s.dirty || !found {
		report, err := s.Reconcile(context.Background())
		if err != nil {
			return nil, xerrors.Errorf("failed to reconcile storage metadata: %w", err)
		}
		if report.Changed() {
			log.InfoWithFields("storage metadata reconciled", report.fields())
		}
	}
	s.publishGauges()

	log.InfoWithFields("chunk store opened", map[string]interface{}{
		"root":   cfg.Root,
		"chunks": s.counters.TotalChunks,
		"bytes":  s.counters.TotalBytes,
	})
	return s, nil
}

func (s *Store) Root() string {
	return s.root
}

func (s *Store) chunkPath(tier core.Tier, c string) string {
	return filepath.Join(s.root, string(tier), cid.ShardKey(c), c)
}

// Put stores data under its CID in the hot tier. Storing bytes that are
// already present is a no-op reported through Existed.
func (s *Store) Put(ctx context.Context, data []byte) (PutResult, error) {
	if len(data) == 0 {
		return PutResult{}, core.Validation("chunk data is empty")
	}
	if err := ctx.Err(); err != nil {
		return PutResult{}, err
	}

	c := cid.Compute(data)
	size := int64(len(data))

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.dirty {
		if _, err := s.reconcileLocked(ctx); err != nil {
			s.log.WarnWithFields("deferred reconcile failed", map[string]interface{}{"error": err})
		}
	}

	rec, err := s.meta.getRecord(c)
	if err != nil {
		return PutResult{}, core.Unavailable(err, "chunk metadata unavailable")
	}

	if rec != nil {
		path := s.chunkPath(rec.Tier, c)
		if _, statErr := os.Stat(path); statErr == nil {
			s.observePut(true)
			return PutResult{CID: c, Size: rec.Size, Existed: true}, nil
		}
		// record survived but the file did not; content addressing makes a rewrite safe
		if err := writeAtomic(path, data); err != nil {
			return PutResult{}, core.Unavailable(err, "failed to restore chunk %s", c)
		}
		s.observePut(true)
		return PutResult{CID: c, Size: rec.Size, Existed: true}, nil
	}

	path := s.chunkPath(core.TierHot, c)
	if err := writeAtomic(path, data); err != nil {
		return PutResult{}, core.Unavailable(err, "failed to write chunk %s", c)
	}

	rec = &core.ChunkRecord{CID: c, Size: size, Tier: core.TierHot, CreatedAt: time.Now().UTC()}
	next := s.counters.Clone()
	next.Add(core.TierHot, size)
	next.UpdatedAt = rec.CreatedAt

	if err := s.commitLocked(next, func(b *metaBatch) error { return b.putRecord(rec) }); err != nil {
		// the chunk itself is durable; counters catch up on the next reconcile
		s.markDirtyLocked(err)
	}

	s.observePut(false)
	s.log.DebugWithFields("chunk stored", map[string]interface{}{"cid": c, "size": size})
	return PutResult{CID: c, Size: size}, nil
}

// Get returns the chunk bytes after checking they still hash to c.
func (s *Store) Get(ctx context.Context, c string) ([]byte, error) {
	if err := cid.Validate(c); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if data, ok := s.cache.Get(c); ok {
		if s.metrics != nil {
			s.metrics.CacheHits.Inc()
			s.metrics.Gets.Inc()
		}
		return data, nil
	}

	path, err := s.locate(c)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		// the record may be stale after a concurrent tier move
		path, data, err = s.probeRead(c)
	}
	if os.IsNotExist(err) {
		return nil, core.NotFound("chunk %s not found", c)
	}
	if err != nil {
		return nil, core.Unavailable(err, "failed to read chunk %s", c)
	}

	if !cid.Verify(c, data) {
		s.cache.Remove(c)
		if s.metrics != nil {
			s.metrics.IntegrityFailures.Inc()
		}
		s.log.ErrorWithFields("chunk failed integrity check", map[string]interface{}{"cid": c, "path": path})
		return nil, core.IntegrityFailure("chunk %s does not match its content hash", c)
	}

	s.cacheIfPresent(c, path, data)
	if s.metrics != nil {
		s.metrics.Gets.Inc()
	}
	return data, nil
}

// cacheIfPresent caches data only while the file read from path still exists.
// Delete removes files and cache entries under mu, so a read that lost the
// race to Delete can never repopulate the cache.
func (s *Store) cacheIfPresent(c, path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := os.Stat(path); err != nil {
		return
	}
	s.cache.Add(c, data)
}

// locate finds the file for c from its record, falling back to probing tiers.
func (s *Store) locate(c string) (string, error) {
	rec, err := s.meta.getRecord(c)
	if err != nil {
		s.log.WarnWithFields("chunk record lookup failed, probing tiers", map[string]interface{}{"cid": c, "error": err})
	}
	if rec != nil {
		return s.chunkPath(rec.Tier, c), nil
	}
	for _, t := range core.Tiers {
		p := s.chunkPath(t, c)
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", core.NotFound("chunk %s not found", c)
}

func (s *Store) probeRead(c string) (string, []byte, error) {
	for _, t := range core.Tiers {
		p := s.chunkPath(t, c)
		data, err := os.ReadFile(p)
		if err == nil || !os.IsNotExist(err) {
			return p, data, err
		}
	}
	return "", nil, os.ErrNotExist
}

func (s *Store) Has(ctx context.Context, c string) (bool, error) {
	if err := cid.Validate(c); err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path, err := s.locate(c)
	if xerrors.Is(err, core.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	_, err = os.Stat(path)
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, core.Unavailable(err, "failed to stat chunk %s", c)
	}
	return true, nil
}

func (s *Store) Info(ctx context.Context, c string) (ChunkInfo, error) {
	if err := cid.Validate(c); err != nil {
		return ChunkInfo{}, err
	}
	if err := ctx.Err(); err != nil {
		return ChunkInfo{}, err
	}
	rec, err := s.meta.getRecord(c)
	if err != nil {
		return ChunkInfo{}, core.Unavailable(err, "chunk metadata unavailable")
	}
	if rec != nil {
		return ChunkInfo{CID: rec.CID, Size: rec.Size, Tier: rec.Tier, CreatedAt: rec.CreatedAt}, nil
	}
	for _, t := range core.Tiers {
		fi, err := os.Stat(s.chunkPath(t, c))
		if err == nil {
			return ChunkInfo{CID: c, Size: fi.Size(), Tier: t, CreatedAt: fi.ModTime().UTC()}, nil
		}
	}
	return ChunkInfo{}, core.NotFound("chunk %s not found", c)
}

// Delete removes the chunk and decrements counters by its recorded size.
func (s *Store) Delete(ctx context.Context, c string) error {
	if err := cid.Validate(c); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// a failed commit can leave a stored file without a record
	if s.dirty {
		if _, err := s.reconcileLocked(ctx); err != nil {
			s.log.WarnWithFields("deferred reconcile failed", map[string]interface{}{"error": err})
		}
	}

	rec, err := s.meta.getRecord(c)
	if err != nil {
		return core.Unavailable(err, "chunk metadata unavailable")
	}
	if rec == nil {
		return core.NotFound("chunk %s not found", c)
	}

	if err := os.Remove(s.chunkPath(rec.Tier, c)); err != nil && !os.IsNotExist(err) {
		return core.Unavailable(err, "failed to remove chunk %s", c)
	}
	s.cache.Remove(c)

	next := s.counters.Clone()
	next.Remove(rec.Tier, rec.Size)
	next.UpdatedAt = time.Now().UTC()

	if err := s.commitLocked(next, func(b *metaBatch) error {
		b.deleteRecord(c)
		return nil
	}); err != nil {
		s.markDirtyLocked(err)
	}

	if s.metrics != nil {
		s.metrics.Deletes.Inc()
	}
	s.log.DebugWithFields("chunk deleted", map[string]interface{}{"cid": c, "size": rec.Size})
	return nil
}

// Counters returns the persisted aggregate counters.
func (s *Store) Counters() *core.StorageMetadata {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters.Clone()
}

// Close drops the read cache. The metadata database belongs to the caller.
func (s *Store) Close() error {
	s.cache.Purge()
	return nil
}

// commitLocked writes the staged record change and next counters in one batch
// and only then swaps the in-memory counters.
func (s *Store) commitLocked(next *core.StorageMetadata, stage func(b *metaBatch) error) error {
	b := newMetaBatch()
	if err := stage(b); err != nil {
		return err
	}
	if err := b.putMeta(next); err != nil {
		return err
	}
	if err := s.meta.commit(b); err != nil {
		return err
	}
	s.counters = next
	s.publishGauges()
	return nil
}

func (s *Store) markDirtyLocked(cause error) {
	s.dirty = true
	if err := s.meta.markDirty(); err != nil {
		s.log.ErrorWithFields("failed to persist dirty marker", map[string]interface{}{"error": err})
	}
	s.log.WarnWithFields("storage metadata write failed, scheduled reconcile", map[string]interface{}{"error": cause})
}

func (s *Store) observePut(existed bool) {
	if s.metrics == nil {
		return
	}
	label := "false"
	if existed {
		label = "true"
	}
	s.metrics.Puts.WithLabelValues(label).Inc()
}

func (s *Store) publishGauges() {
	if s.metrics == nil {
		return
	}
	for t, u := range s.counters.Tiers {
		s.metrics.StoredChunks.WithLabelValues(string(t)).Set(float64(u.Count))
		s.metrics.StoredBytes.WithLabelValues(string(t)).Set(float64(u.Bytes))
	}
}

// writeAtomic writes data to a temp file in the target directory and renames
// it into place, so readers never observe a partial chunk.
func writeAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return err
	}
	return nil
}
