package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"upremu/internal/domain"
)

// ErrPartitionNotFound is returned when the backing store for a partition does not exist.
var ErrPartitionNotFound = errors.New("partition not found")

// Partition is a read handle on one partition's by-sequence index.
type Partition interface {
	ID() domain.PartitionID
	HighSeq(ctx context.Context) (domain.SeqNo, error)
	// Mutations returns the current revision of every document whose
	// sequence lies in (start, end], in ascending sequence order.
	Mutations(ctx context.Context, start, end domain.SeqNo) ([]domain.MutationRecord, error)
}

// PartitionStore resolves partitions of a named set.
type PartitionStore interface {
	OpenPartition(ctx context.Context, set string, id domain.PartitionID) (Partition, error)
}

// Writer is the write side of the store, used by feeds and test fixtures.
type Writer interface {
	CreatePartition(ctx context.Context, set string, id domain.PartitionID) error
	// Put stores a new revision of doc and returns the sequence assigned to it.
	// The partition is created when missing.
	Put(ctx context.Context, set string, id domain.PartitionID, doc domain.Document) (domain.SeqNo, error)
}

type Store interface {
	PartitionStore
	Writer
	Close() error
}

// ValidateSetName rejects names that cannot be used as a storage directory.
func ValidateSetName(set string) error {
	if strings.TrimSpace(set) == "" {
		return errors.New("set name is required")
	}
	if strings.ContainsAny(set, `/\`) || set == "." || set == ".." {
		return fmt.Errorf("invalid set name %q", set)
	}
	return nil
}
