package feed

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"lukechampine.com/blake3"

	"boothnet/chain"
)

const journalKeyPrefix = "log:"

// Journal remembers delivered logs so byte-identical redeliveries can be dropped.
type Journal struct {
	db *leveldb.DB
}

// OpenJournal opens (or creates) a LevelDB journal at path.
func OpenJournal(path string) (*Journal, error) {
	trimmed := strings.TrimSpace(path)
	if trimmed == "" {
		return nil, fmt.Errorf("feed: journal path required")
	}
	abs, err := filepath.Abs(trimmed)
	if err != nil {
		return nil, fmt.Errorf("resolve journal path: %w", err)
	}
	db, err := leveldb.OpenFile(abs, nil)
	if err != nil {
		return nil, fmt.Errorf("open leveldb journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close releases the underlying LevelDB resources.
func (j *Journal) Close() error {
	if j == nil || j.db == nil {
		return nil
	}
	return j.db.Close()
}

// LogKey fingerprints a raw log by transaction hash, log index, topics and data.
func LogKey(raw chain.RawLog) string {
	h := blake3.New(32, nil)
	_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(raw.TransactionHash))))
	var idx [8]byte
	binary.BigEndian.PutUint64(idx[:], uint64(raw.LogIndex))
	_, _ = h.Write(idx[:])
	for _, topic := range raw.Topics {
		_, _ = h.Write([]byte{0})
		_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(topic))))
	}
	_, _ = h.Write([]byte{1})
	_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(raw.Data))))
	return hex.EncodeToString(h.Sum(nil))
}

// Seen reports whether key has been recorded.
func (j *Journal) Seen(key string) (bool, error) {
	if j == nil || j.db == nil {
		return false, nil
	}
	ok, err := j.db.Has([]byte(journalKeyPrefix+key), nil)
	if err != nil {
		return false, fmt.Errorf("journal lookup: %w", err)
	}
	return ok, nil
}

// Record stores key with the observation time.
func (j *Journal) Record(key string, at time.Time) error {
	if j == nil || j.db == nil {
		return nil
	}
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(at.UTC().UnixNano()))
	if err := j.db.Put([]byte(journalKeyPrefix+key), buf[:], nil); err != nil {
		return fmt.Errorf("journal record: %w", err)
	}
	return nil
}

// Prune deletes entries observed before cutoff and returns how many were removed.
func (j *Journal) Prune(cutoff time.Time) (int, error) {
	if j == nil || j.db == nil {
		return 0, nil
	}
	iter := j.db.NewIterator(util.BytesPrefix([]byte(journalKeyPrefix)), nil)
	defer iter.Release()
	batch := new(leveldb.Batch)
	limit := cutoff.UTC().UnixNano()
	for iter.Next() {
		value := iter.Value()
		if len(value) != 8 {
			batch.Delete(append([]byte(nil), iter.Key()...))
			continue
		}
		if int64(binary.BigEndian.Uint64(value)) < limit {
			batch.Delete(append([]byte(nil), iter.Key()...))
		}
	}
	if err := iter.Error(); err != nil {
		return 0, fmt.Errorf("journal scan: %w", err)
	}
	if batch.Len() == 0 {
		return 0, nil
	}
	if err := j.db.Write(batch, nil); err != nil {
		return 0, fmt.Errorf("journal prune: %w", err)
	}
	return batch.Len(), nil
}
