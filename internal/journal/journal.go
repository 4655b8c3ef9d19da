// Package journal is the append-only commit log for rule files. Every
// create, crystallization and amendment of a rule becomes one numbered
// commit carrying the full rule snapshot, its BLAKE3 content hash and a
// message, stored in BadgerDB.
package journal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"

	"psa/internal/logging"
)

var (
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("journal is closed")
	// ErrNotFound is returned for an unknown commit sequence.
	ErrNotFound = errors.New("commit not found")
	// ErrCorrupted is returned when a snapshot does not match its hash.
	ErrCorrupted = errors.New("commit snapshot corrupted (hash mismatch)")
)

const (
	commitPrefix = "commit/"
	rulePrefix   = "rule/"
)

// Commit is one journal entry.
type Commit struct {
	Seq       uint64
	RuleID    string
	Version   string
	Author    string
	Message   string
	Hash      [32]byte
	Snapshot  []byte
	Timestamp time.Time
}

// record is the stored form of a commit; the snapshot is zstd-compressed.
type record struct {
	Seq       uint64   `cbor:"1,keyasint"`
	RuleID    string   `cbor:"2,keyasint"`
	Version   string   `cbor:"3,keyasint"`
	Author    string   `cbor:"4,keyasint"`
	Message   string   `cbor:"5,keyasint"`
	Hash      [32]byte `cbor:"6,keyasint"`
	Snapshot  []byte   `cbor:"7,keyasint"`
	Size      int      `cbor:"8,keyasint"`
	Timestamp int64    `cbor:"9,keyasint"`
}

var (
	encMode     cbor.EncMode
	decMode     cbor.DecMode
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("journal: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("journal: CBOR decoder initialization failed: " + err.Error())
	}
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("journal: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("journal: zstd decoder initialization failed: " + err.Error())
	}
}

// Config configures a Journal.
type Config struct {
	// Path is the BadgerDB directory. Ignored when InMemory is set.
	Path string
	// InMemory keeps everything in memory (tests).
	InMemory bool
	// SyncWrites makes every commit durable before returning.
	SyncWrites bool
}

// Journal is safe for concurrent use; commits are serialized so sequence
// numbers are gap-free.
type Journal struct {
	db *badger.DB

	mu     sync.Mutex
	seq    uint64
	closed bool
	now    func() time.Time
}

// Open opens (or creates) a journal.
func Open(cfg Config) (*Journal, error) {
	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if cfg.Path == "" {
			return nil, errors.New("journal path is required")
		}
		if err := os.MkdirAll(cfg.Path, 0750); err != nil {
			return nil, fmt.Errorf("create journal directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path)
	}
	opts = opts.WithSyncWrites(cfg.SyncWrites).WithLogger(badgerLogger{logging.Get(logging.CategoryJournal)})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	j := &Journal{db: db, now: func() time.Time { return time.Now().UTC() }}
	if err := j.initSeq(); err != nil {
		_ = db.Close()
		return nil, err
	}
	logging.Journal("journal opened at seq %d", j.seq)
	return j, nil
}

func commitKey(seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016d", commitPrefix, seq))
}

func ruleKey(ruleID string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%016d", rulePrefix, ruleID, seq))
}

func (j *Journal) initSeq() error {
	return j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		prefix := []byte(commitPrefix)
		it.Seek(append([]byte(commitPrefix), 0xFF))
		if it.ValidForPrefix(prefix) {
			var seq uint64
			key := it.Item().Key()
			if _, err := fmt.Sscanf(string(key[len(prefix):]), "%016d", &seq); err != nil {
				return fmt.Errorf("bad journal key %q: %w", key, err)
			}
			j.seq = seq
		}
		return nil
	})
}

// Commit appends a snapshot and returns its sequence number. The signature
// matches rules.Committer.
func (j *Journal) Commit(ctx context.Context, ruleID, version, author, message string, snapshot []byte) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return 0, ErrClosed
	}

	seq := j.seq + 1
	rec := record{
		Seq:       seq,
		RuleID:    ruleID,
		Version:   version,
		Author:    author,
		Message:   message,
		Hash:      blake3.Sum256(snapshot),
		Snapshot:  zstdEncoder.EncodeAll(snapshot, nil),
		Size:      len(snapshot),
		Timestamp: j.now().UnixNano(),
	}
	data, err := encMode.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("encode commit: %w", err)
	}

	err = j.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(commitKey(seq), data); err != nil {
			return err
		}
		return txn.Set(ruleKey(ruleID, seq), nil)
	})
	if err != nil {
		return 0, fmt.Errorf("write commit: %w", err)
	}
	j.seq = seq
	logging.Journal("#%d %s v%s by %s: %s", seq, ruleID, version, author, message)
	return seq, nil
}

// Head returns the latest sequence number (0 when empty).
func (j *Journal) Head() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.seq
}

// Get returns one commit with its decompressed snapshot.
func (j *Journal) Get(ctx context.Context, seq uint64) (Commit, error) {
	var c Commit
	err := j.db.View(func(txn *badger.Txn) error {
		var err error
		c, err = getCommit(txn, seq)
		return err
	})
	return c, err
}

func getCommit(txn *badger.Txn, seq uint64) (Commit, error) {
	item, err := txn.Get(commitKey(seq))
	if errors.Is(err, badger.ErrKeyNotFound) {
		return Commit{}, fmt.Errorf("%w: #%d", ErrNotFound, seq)
	}
	if err != nil {
		return Commit{}, err
	}
	data, err := item.ValueCopy(nil)
	if err != nil {
		return Commit{}, err
	}
	return decode(data)
}

func decode(data []byte) (Commit, error) {
	var rec record
	if err := decMode.Unmarshal(data, &rec); err != nil {
		return Commit{}, fmt.Errorf("decode commit: %w", err)
	}
	snapshot, err := zstdDecoder.DecodeAll(rec.Snapshot, make([]byte, 0, rec.Size))
	if err != nil {
		return Commit{}, fmt.Errorf("decompress commit #%d: %w", rec.Seq, err)
	}
	return Commit{
		Seq:       rec.Seq,
		RuleID:    rec.RuleID,
		Version:   rec.Version,
		Author:    rec.Author,
		Message:   rec.Message,
		Hash:      rec.Hash,
		Snapshot:  snapshot,
		Timestamp: time.Unix(0, rec.Timestamp).UTC(),
	}, nil
}

// History returns every commit of a rule, oldest first.
func (j *Journal) History(ctx context.Context, ruleID string) ([]Commit, error) {
	var out []Commit
	prefix := []byte(rulePrefix + ruleID + "/")
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			var seq uint64
			key := it.Item().Key()
			if _, err := fmt.Sscanf(string(key[len(prefix):]), "%016d", &seq); err != nil {
				return fmt.Errorf("bad index key %q: %w", key, err)
			}
			c, err := getCommit(txn, seq)
			if err != nil {
				return err
			}
			out = append(out, c)
		}
		return nil
	})
	return out, err
}

// Log returns up to limit commits, newest first. limit <= 0 means all.
func (j *Journal) Log(ctx context.Context, limit int) ([]Commit, error) {
	var out []Commit
	prefix := []byte(commitPrefix)
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(append([]byte(commitPrefix), 0xFF)); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			if limit > 0 && len(out) >= limit {
				return nil
			}
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			c, err := decode(data)
			if err != nil {
				return err
			}
			out = append(out, c)
		}
		return nil
	})
	return out, err
}

// Verify recomputes every snapshot hash.
func (j *Journal) Verify(ctx context.Context) error {
	commits, err := j.Log(ctx, 0)
	if err != nil {
		return err
	}
	for _, c := range commits {
		sum := blake3.Sum256(c.Snapshot)
		if !bytes.Equal(sum[:], c.Hash[:]) {
			return fmt.Errorf("%w: #%d (%s)", ErrCorrupted, c.Seq, c.RuleID)
		}
	}
	return nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil
	}
	j.closed = true
	return j.db.Close()
}

// badgerLogger routes badger's internal logging to the journal category.
type badgerLogger struct {
	l *logging.Logger
}

func (b badgerLogger) Errorf(f string, args ...interface{})   { b.l.Error(f, args...) }
func (b badgerLogger) Warningf(f string, args ...interface{}) { b.l.Warn(f, args...) }
func (b badgerLogger) Infof(f string, args ...interface{})    { b.l.Debug(f, args...) }
func (b badgerLogger) Debugf(f string, args ...interface{})   { b.l.Debug(f, args...) }
