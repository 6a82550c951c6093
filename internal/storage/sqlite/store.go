package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"upremu/internal/domain"
	"upremu/internal/storage"

	_ "modernc.org/sqlite"
)

const partitionSchema = `
CREATE TABLE IF NOT EXISTS documents (
	doc_key BLOB PRIMARY KEY,
	seq INTEGER NOT NULL UNIQUE,
	rev_seq INTEGER NOT NULL,
	cas INTEGER NOT NULL,
	flags INTEGER NOT NULL DEFAULT 0,
	expiration INTEGER NOT NULL DEFAULT 0,
	lock_time INTEGER NOT NULL DEFAULT 0,
	deleted INTEGER NOT NULL DEFAULT 0,
	value BLOB,
	updated_at_utc_ns INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_documents_seq ON documents(seq);
`

// Store keeps one SQLite file per (set, partition) under baseDir/<set>/.
type Store struct {
	baseDir string

	mu    sync.Mutex
	parts map[string]*sql.DB

	// writeMu serializes Put so sequence assignment never races.
	writeMu sync.Mutex
}

var _ storage.Store = (*Store)(nil)

func NewStore(baseDir string) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir base dir: %w", err)
	}
	return &Store{baseDir: baseDir, parts: make(map[string]*sql.DB)}, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for k, db := range s.parts {
		if err := db.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(s.parts, k)
	}
	return errors.Join(errs...)
}

func (s *Store) OpenPartition(_ context.Context, set string, id domain.PartitionID) (storage.Partition, error) {
	if err := storage.ValidateSetName(set); err != nil {
		return nil, err
	}
	db, err := s.partitionDB(set, id, false)
	if err != nil {
		return nil, err
	}
	return &partition{id: id, db: db}, nil
}

func (s *Store) CreatePartition(_ context.Context, set string, id domain.PartitionID) error {
	if err := storage.ValidateSetName(set); err != nil {
		return err
	}
	_, err := s.partitionDB(set, id, true)
	return err
}

func (s *Store) Put(ctx context.Context, set string, id domain.PartitionID, doc domain.Document) (domain.SeqNo, error) {
	if err := storage.ValidateSetName(set); err != nil {
		return 0, err
	}
	if len(doc.Key) == 0 {
		return 0, errors.New("document key is required")
	}
	db, err := s.partitionDB(set, id, true)
	if err != nil {
		return 0, err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	var high int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM documents`).Scan(&high); err != nil {
		return 0, err
	}
	var rev int64
	err = tx.QueryRowContext(ctx, `SELECT rev_seq FROM documents WHERE doc_key=?`, doc.Key).Scan(&rev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, err
	}

	now := time.Now().UTC().UnixNano()
	cas := doc.Cas
	if cas == 0 {
		cas = uint64(now)
	}
	value := doc.Value
	if doc.Deleted {
		value = nil
	}
	seq := high + 1
	_, err = tx.ExecContext(ctx, `
INSERT INTO documents(doc_key, seq, rev_seq, cas, flags, expiration, lock_time, deleted, value, updated_at_utc_ns)
VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(doc_key) DO UPDATE SET
	seq=excluded.seq, rev_seq=excluded.rev_seq, cas=excluded.cas, flags=excluded.flags,
	expiration=excluded.expiration, lock_time=excluded.lock_time, deleted=excluded.deleted,
	value=excluded.value, updated_at_utc_ns=excluded.updated_at_utc_ns`,
		doc.Key, seq, rev+1, int64(cas), int64(doc.Flags), int64(doc.Expiration), int64(doc.LockTime), boolToInt(doc.Deleted), value, now)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return domain.SeqNo(seq), nil
}

type partition struct {
	id domain.PartitionID
	db *sql.DB
}

func (p *partition) ID() domain.PartitionID { return p.id }

func (p *partition) HighSeq(ctx context.Context) (domain.SeqNo, error) {
	var high int64
	if err := p.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM documents`).Scan(&high); err != nil {
		return 0, err
	}
	return domain.SeqNo(high), nil
}

func (p *partition) Mutations(ctx context.Context, start, end domain.SeqNo) ([]domain.MutationRecord, error) {
	// Stored sequences are SQLite integers, so nothing lies above MaxInt64.
	// Open-ended streams commonly ask for end = MaxUint64.
	if start >= end || start >= math.MaxInt64 {
		return nil, nil
	}
	rows, err := p.db.QueryContext(ctx, `
SELECT doc_key, seq, rev_seq, cas, flags, expiration, lock_time, deleted, value
FROM documents
WHERE seq > ? AND seq <= ?
ORDER BY seq ASC`, int64(start), clampSeq(end))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.MutationRecord
	for rows.Next() {
		var (
			rec                         domain.MutationRecord
			seq, rev, cas               int64
			flags, expiration, lockTime int64
			deleted                     int
		)
		if err := rows.Scan(&rec.Key, &seq, &rev, &cas, &flags, &expiration, &lockTime, &deleted, &rec.Value); err != nil {
			return nil, err
		}
		rec.Seq = domain.SeqNo(seq)
		rec.RevSeq = uint64(rev)
		rec.Cas = uint64(cas)
		rec.Flags = uint32(flags)
		rec.Expiration = uint32(expiration)
		rec.LockTime = uint32(lockTime)
		rec.Deleted = deleted != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) partitionPath(set string, id domain.PartitionID) string {
	return filepath.Join(s.baseDir, set, fmt.Sprintf("p%04d.db", id))
}

func (s *Store) partitionDB(set string, id domain.PartitionID, create bool) (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := fmt.Sprintf("%s/%d", set, id)
	if db, ok := s.parts[k]; ok {
		return db, nil
	}
	path := s.partitionPath(set, id)
	if _, err := os.Stat(path); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			return nil, err
		}
		if !create {
			return nil, fmt.Errorf("%w: set=%s partition=%d", storage.ErrPartitionNotFound, set, id)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("mkdir set dir: %w", err)
		}
	}
	db, err := openSQLite(path)
	if err != nil {
		return nil, err
	}
	if _, err := db.Exec(partitionSchema); err != nil {
		_ = db.Close()
		return nil, err
	}
	s.parts[k] = db
	return db, nil
}

func openSQLite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
		"PRAGMA busy_timeout=5000;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			_ = db.Close()
			return nil, err
		}
	}
	return db, nil
}

func clampSeq(seq domain.SeqNo) int64 {
	if seq > math.MaxInt64 {
		return math.MaxInt64
	}
	return int64(seq)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
