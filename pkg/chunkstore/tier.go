package chunkstore

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/LICODX/chunkproof/pkg/cid"
	"github.com/LICODX/chunkproof/pkg/core"
)

// MigrateTier moves a stored chunk to another tier and shifts the per-tier
// counters. New chunks always land in the hot tier; nothing in the write path
// calls this.
func (s *Store) MigrateTier(ctx context.Context, c string, to core.Tier) (ChunkInfo, error) {
	if err := cid.Validate(c); err != nil {
		return ChunkInfo{}, err
	}
	if !to.Valid() {
		return ChunkInfo{}, core.Validation("unknown tier %q", to)
	}
	if err := ctx.Err(); err != nil {
		return ChunkInfo{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, err := s.meta.getRecord(c)
	if err != nil {
		return ChunkInfo{}, core.Unavailable(err, "chunk metadata unavailable")
	}
	if rec == nil {
		return ChunkInfo{}, core.NotFound("chunk %s not found", c)
	}
	if rec.Tier == to {
		return ChunkInfo{CID: c, Size: rec.Size, Tier: rec.Tier, CreatedAt: rec.CreatedAt}, nil
	}

	from := s.chunkPath(rec.Tier, c)
	dest := s.chunkPath(to, c)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return ChunkInfo{}, core.Unavailable(err, "failed to prepare tier %s", to)
	}
	if err := os.Rename(from, dest); err != nil {
		if os.IsNotExist(err) {
			return ChunkInfo{}, core.NotFound("chunk %s not found", c)
		}
		return ChunkInfo{}, core.Unavailable(err, "failed to move chunk %s", c)
	}

	prev := rec.Tier
	next := s.counters.Clone()
	next.Remove(prev, rec.Size)
	next.Add(to, rec.Size)
	next.UpdatedAt = time.Now().UTC()

	moved := *rec
	moved.Tier = to
	if err := s.commitLocked(next, func(b *metaBatch) error { return b.putRecord(&moved) }); err != nil {
		s.markDirtyLocked(err)
	}

	s.log.InfoWithFields("chunk migrated", map[string]interface{}{"cid": c, "from": prev, "to": to})
	return ChunkInfo{CID: c, Size: moved.Size, Tier: to, CreatedAt: moved.CreatedAt}, nil
}
