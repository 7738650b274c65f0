package ledger

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"sync"

	sha256 "github.com/minio/sha256-simd"
	"github.com/rs/xid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"golang.org/x/xerrors"

	"github.com/LICODX/chunkproof/pkg/core"
)

const (
	outcomePrefix = "outcome/"
	outcomeHead   = "outcome_head"
)

func outcomeKey(seq uint64) []byte {
	key := make([]byte, len(outcomePrefix)+8)
	copy(key, outcomePrefix)
	binary.BigEndian.PutUint64(key[len(outcomePrefix):], seq)
	return key
}

type journalHead struct {
	Seq  uint64 `json:"seq"`
	Hash string `json:"hash"`
}

// OutcomeJournal is an append-only, hash-chained log of challenge outcomes.
// Sequence numbers start at 1 and never repeat; each entry commits to the
// hash of the one before it.
type OutcomeJournal struct {
	db   *leveldb.DB
	mu   sync.Mutex
	head journalHead
}

func OpenJournal(db *leveldb.DB) (*OutcomeJournal, error) {
	j := &OutcomeJournal{db: db}
	data, err := db.Get([]byte(outcomeHead), nil)
	switch {
	case err == leveldb.ErrNotFound:
	case err != nil:
		return nil, xerrors.Errorf("failed to read journal head: %w", err)
	default:
		if err := json.Unmarshal(data, &j.head); err != nil {
			return nil, xerrors.Errorf("failed to decode journal head: %w", err)
		}
	}
	return j, nil
}

func entryHash(o *core.ChallengeOutcome) string {
	h := sha256.New()
	h.Write([]byte(o.PrevHash))
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], o.Seq)
	h.Write(buf[:])
	binary.LittleEndian.PutUint64(buf[:], uint64(o.Timestamp.UnixNano()))
	h.Write(buf[:])
	h.Write([]byte(o.EventID))
	h.Write([]byte(o.ChallengeID))
	h.Write([]byte(o.AgentID))
	h.Write([]byte(o.CID))
	h.Write([]byte(o.Status))
	if o.Valid {
		h.Write([]byte{1})
	} else {
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// Append assigns the next sequence number, event id and chain hashes to o and
// persists it together with the new head.
func (j *OutcomeJournal) Append(o core.ChallengeOutcome) (core.ChallengeOutcome, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	o.Seq = j.head.Seq + 1
	o.EventID = xid.New().String()
	o.PrevHash = j.head.Hash
	o.Timestamp = o.Timestamp.UTC()
	o.Hash = entryHash(&o)

	entry, err := json.Marshal(&o)
	if err != nil {
		return o, xerrors.Errorf("failed to marshal outcome: %w", err)
	}
	next := journalHead{Seq: o.Seq, Hash: o.Hash}
	head, err := json.Marshal(&next)
	if err != nil {
		return o, xerrors.Errorf("failed to marshal journal head: %w", err)
	}

	batch := new(leveldb.Batch)
	batch.Put(outcomeKey(o.Seq), entry)
	batch.Put([]byte(outcomeHead), head)
	if err := j.db.Write(batch, nil); err != nil {
		return o, xerrors.Errorf("failed to append outcome: %w", err)
	}
	j.head = next
	return o, nil
}

// Head returns the last assigned sequence number.
func (j *OutcomeJournal) Head() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.head.Seq
}

// Since returns up to limit entries with a sequence number greater than seq.
func (j *OutcomeJournal) Since(seq uint64, limit int) ([]core.ChallengeOutcome, error) {
	if limit <= 0 {
		limit = 100
	}
	r := util.BytesPrefix([]byte(outcomePrefix))
	r.Start = outcomeKey(seq + 1)
	iter := j.db.NewIterator(r, nil)
	defer iter.Release()

	out := make([]core.ChallengeOutcome, 0, limit)
	for iter.Next() && len(out) < limit {
		var o core.ChallengeOutcome
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			return nil, xerrors.Errorf("corrupt journal entry: %w", err)
		}
		out = append(out, o)
	}
	if err := iter.Error(); err != nil {
		return nil, xerrors.Errorf("error reading journal: %w", err)
	}
	return out, nil
}

// Verify walks the whole journal checking sequence continuity and the hash
// chain. It returns the number of entries checked.
func (j *OutcomeJournal) Verify() (int, error) {
	iter := j.db.NewIterator(util.BytesPrefix([]byte(outcomePrefix)), nil)
	defer iter.Release()

	var prev *core.ChallengeOutcome
	n := 0
	for iter.Next() {
		var o core.ChallengeOutcome
		if err := json.Unmarshal(iter.Value(), &o); err != nil {
			return n, xerrors.Errorf("corrupt journal entry after seq %d: %w", n, err)
		}
		if prev != nil {
			if o.Seq != prev.Seq+1 {
				return n, xerrors.Errorf("journal gap: seq %d follows %d", o.Seq, prev.Seq)
			}
			if o.PrevHash != prev.Hash {
				return n, xerrors.Errorf("journal chain broken at seq %d", o.Seq)
			}
		}
		if entryHash(&o) != o.Hash {
			return n, xerrors.Errorf("journal entry %d hash mismatch", o.Seq)
		}
		cp := o
		prev = &cp
		n++
	}
	if err := iter.Error(); err != nil {
		return n, xerrors.Errorf("error reading journal: %w", err)
	}
	return n, nil
}
