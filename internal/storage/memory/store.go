package memory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"upremu/internal/domain"
	"upremu/internal/storage"
)

// Store is an in-process storage.Store for tests and the memory driver.
type Store struct {
	mu    sync.RWMutex
	parts map[partKey]*partitionData
}

var _ storage.Store = (*Store)(nil)

type partKey struct {
	set string
	id  domain.PartitionID
}

type partitionData struct {
	high domain.SeqNo
	docs map[string]domain.MutationRecord
}

func NewStore() *Store {
	return &Store{parts: map[partKey]*partitionData{}}
}

func (s *Store) Close() error { return nil }

func (s *Store) OpenPartition(_ context.Context, set string, id domain.PartitionID) (storage.Partition, error) {
	if err := storage.ValidateSetName(set); err != nil {
		return nil, err
	}
	s.mu.RLock()
	_, ok := s.parts[partKey{set, id}]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: set=%s partition=%d", storage.ErrPartitionNotFound, set, id)
	}
	return &partition{store: s, key: partKey{set, id}}, nil
}

func (s *Store) CreatePartition(_ context.Context, set string, id domain.PartitionID) error {
	if err := storage.ValidateSetName(set); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensure(partKey{set, id})
	return nil
}

func (s *Store) Put(ctx context.Context, set string, id domain.PartitionID, doc domain.Document) (domain.SeqNo, error) {
	if err := storage.ValidateSetName(set); err != nil {
		return 0, err
	}
	if len(doc.Key) == 0 {
		return 0, errors.New("document key is required")
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.ensure(partKey{set, id})
	p.high++
	prev := p.docs[string(doc.Key)]
	cas := doc.Cas
	if cas == 0 {
		cas = uint64(time.Now().UTC().UnixNano())
	}
	rec := domain.MutationRecord{
		Cas:        cas,
		Seq:        p.high,
		RevSeq:     prev.RevSeq + 1,
		Flags:      doc.Flags,
		Expiration: doc.Expiration,
		LockTime:   doc.LockTime,
		Key:        append([]byte(nil), doc.Key...),
		Deleted:    doc.Deleted,
	}
	if !doc.Deleted {
		rec.Value = append([]byte(nil), doc.Value...)
	}
	p.docs[string(doc.Key)] = rec
	return rec.Seq, nil
}

func (s *Store) ensure(k partKey) *partitionData {
	p, ok := s.parts[k]
	if !ok {
		p = &partitionData{docs: map[string]domain.MutationRecord{}}
		s.parts[k] = p
	}
	return p
}

type partition struct {
	store *Store
	key   partKey
}

func (p *partition) ID() domain.PartitionID { return p.key.id }

func (p *partition) HighSeq(context.Context) (domain.SeqNo, error) {
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()
	return p.store.parts[p.key].high, nil
}

func (p *partition) Mutations(_ context.Context, start, end domain.SeqNo) ([]domain.MutationRecord, error) {
	p.store.mu.RLock()
	defer p.store.mu.RUnlock()
	var out []domain.MutationRecord
	for _, rec := range p.store.parts[p.key].docs {
		if rec.Seq > start && rec.Seq <= end {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}
