package chunkstore

import (
	"encoding/json"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"golang.org/x/xerrors"

	"github.com/LICODX/chunkproof/pkg/core"
)

const (
	recordPrefix = "chunk_"
	metaKey      = "storage_meta"
	dirtyKey     = "storage_dirty"
)

func recordKey(c string) []byte {
	return []byte(recordPrefix + c)
}

// metaStore persists chunk records and the aggregate counters. Every mutation
// goes through a single leveldb.Batch so a record and the counters it affects
// land together.
type metaStore struct {
	db *leveldb.DB
}

func (m *metaStore) getRecord(c string) (*core.ChunkRecord, error) {
	data, err := m.db.Get(recordKey(c), nil)
	if err == leveldb.ErrNotFound {
		return nil, nil
	}
	if err != nil {
		return nil, xerrors.Errorf("failed to read chunk record %s: %w", c, err)
	}
	var rec core.ChunkRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, xerrors.Errorf("failed to decode chunk record %s: %w", c, err)
	}
	return &rec, nil
}

func (m *metaStore) loadMeta() (*core.StorageMetadata, bool, error) {
	data, err := m.db.Get([]byte(metaKey), nil)
	if err == leveldb.ErrNotFound {
		return core.NewStorageMetadata(), false, nil
	}
	if err != nil {
		return nil, false, xerrors.Errorf("failed to read storage metadata: %w", err)
	}
	meta := core.NewStorageMetadata()
	if err := json.Unmarshal(data, meta); err != nil {
		return nil, false, xerrors.Errorf("failed to decode storage metadata: %w", err)
	}
	for _, t := range core.Tiers {
		if _, ok := meta.Tiers[t]; !ok {
			meta.Tiers[t] = core.TierUsage{}
		}
	}
	return meta, true, nil
}

func (m *metaStore) isDirty() bool {
	ok, err := m.db.Has([]byte(dirtyKey), nil)
	return err == nil && ok
}

func (m *metaStore) markDirty() error {
	return m.db.Put([]byte(dirtyKey), []byte(time.Now().UTC().Format(time.RFC3339)), nil)
}

type metaBatch struct {
	batch *leveldb.Batch
}

func newMetaBatch() *metaBatch {
	return &metaBatch{batch: new(leveldb.Batch)}
}

func (b *metaBatch) putRecord(rec *core.ChunkRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return xerrors.Errorf("failed to marshal chunk record: %w", err)
	}
	b.batch.Put(recordKey(rec.CID), data)
	return nil
}

func (b *metaBatch) deleteRecord(c string) {
	b.batch.Delete(recordKey(c))
}

func (b *metaBatch) putMeta(meta *core.StorageMetadata) error {
	data, err := json.Marshal(meta)
	if err != nil {
		return xerrors.Errorf("failed to marshal storage metadata: %w", err)
	}
	b.batch.Put([]byte(metaKey), data)
	return nil
}

func (b *metaBatch) clearDirty() {
	b.batch.Delete([]byte(dirtyKey))
}

func (m *metaStore) commit(b *metaBatch) error {
	if err := m.db.Write(b.batch, nil); err != nil {
		return xerrors.Errorf("failed to commit storage metadata: %w", err)
	}
	return nil
}

// forEachRecord iterates every persisted chunk record.
func (m *metaStore) forEachRecord(fn func(rec *core.ChunkRecord) error) error {
	iter := m.db.NewIterator(util.BytesPrefix([]byte(recordPrefix)), nil)
	defer iter.Release()

	for iter.Next() {
		var rec core.ChunkRecord
		if err := json.Unmarshal(iter.Value(), &rec); err != nil {
			continue
		}
		if err := fn(&rec); err != nil {
			return err
		}
	}
	if err := iter.Error(); err != nil {
		return xerrors.Errorf("error iterating chunk records: %w", err)
	}
	return nil
}
