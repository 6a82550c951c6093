package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"upremu/internal/domain"
	"upremu/internal/hashroute"
	"upremu/internal/metrics"
	"upremu/internal/storage"

	"github.com/golang/protobuf/proto"
	"go.uber.org/zap"
)

// ErrInvalidChange marks a message that can never be applied. Feeds drop it
// instead of retrying.
var ErrInvalidChange = errors.New("invalid document change")

// Change is one document write received from a feed.
type Change struct {
	Set          string
	Partition    domain.PartitionID
	HasPartition bool
	Doc          domain.Document
}

type jsonChange struct {
	Set        string          `json:"set"`
	Partition  *uint16         `json:"partition"`
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value"`
	Deleted    bool            `json:"deleted"`
	Flags      uint32          `json:"flags"`
	Expiration uint32          `json:"expiration"`
	Cas        uint64          `json:"cas"`
}

// ParseJSON decodes the JSON envelope. The value is stored verbatim, so a
// JSON document body stays a JSON document.
func ParseJSON(payload []byte) (Change, error) {
	var in jsonChange
	if err := json.Unmarshal(payload, &in); err != nil {
		return Change{}, fmt.Errorf("%w: parse json envelope: %v", ErrInvalidChange, err)
	}
	c := Change{
		Set: in.Set,
		Doc: domain.Document{
			Key:        []byte(in.Key),
			Value:      append([]byte(nil), in.Value...),
			Cas:        in.Cas,
			Flags:      in.Flags,
			Expiration: in.Expiration,
			Deleted:    in.Deleted,
		},
	}
	if in.Partition != nil {
		c.Partition, c.HasPartition = domain.PartitionID(*in.Partition), true
	}
	return c, nil
}

// DocumentChange is the protobuf envelope of a feed message.
type DocumentChange struct {
	Set          string `protobuf:"bytes,1,opt,name=set,proto3"`
	Partition    uint32 `protobuf:"varint,2,opt,name=partition,proto3"`
	HasPartition bool   `protobuf:"varint,3,opt,name=has_partition,json=hasPartition,proto3"`
	Key          []byte `protobuf:"bytes,4,opt,name=key,proto3"`
	Value        []byte `protobuf:"bytes,5,opt,name=value,proto3"`
	Deleted      bool   `protobuf:"varint,6,opt,name=deleted,proto3"`
	Flags        uint32 `protobuf:"varint,7,opt,name=flags,proto3"`
	Expiration   uint32 `protobuf:"varint,8,opt,name=expiration,proto3"`
	Cas          uint64 `protobuf:"varint,9,opt,name=cas,proto3"`
}

func (m *DocumentChange) Reset()       { *m = DocumentChange{} }
func (*DocumentChange) String() string { return "DocumentChange" }
func (*DocumentChange) ProtoMessage()  {}

func ParseProtobuf(payload []byte) (Change, error) {
	var in DocumentChange
	if err := proto.Unmarshal(payload, &in); err != nil {
		return Change{}, fmt.Errorf("%w: parse protobuf envelope: %v", ErrInvalidChange, err)
	}
	if in.Partition > 0xffff {
		return Change{}, fmt.Errorf("%w: partition %d out of range", ErrInvalidChange, in.Partition)
	}
	return Change{
		Set:          in.Set,
		Partition:    domain.PartitionID(in.Partition),
		HasPartition: in.HasPartition,
		Doc: domain.Document{
			Key:        in.Key,
			Value:      in.Value,
			Cas:        in.Cas,
			Flags:      in.Flags,
			Expiration: in.Expiration,
			Deleted:    in.Deleted,
		},
	}, nil
}

// MarshalProtobuf encodes c as a DocumentChange. Producers and tests use it.
func MarshalProtobuf(c Change) ([]byte, error) {
	return proto.Marshal(&DocumentChange{
		Set:          c.Set,
		Partition:    uint32(c.Partition),
		HasPartition: c.HasPartition,
		Key:          c.Doc.Key,
		Value:        c.Doc.Value,
		Deleted:      c.Doc.Deleted,
		Flags:        c.Doc.Flags,
		Expiration:   c.Doc.Expiration,
		Cas:          c.Doc.Cas,
	})
}

type ApplierConfig struct {
	// DefaultSet is used for changes that name no set.
	DefaultSet string
	// Partitions is the partition count keys are hashed onto.
	Partitions int
	Feed       string
	Logger     *zap.Logger
	Metrics    *metrics.Metrics
}

// Applier writes feed changes into the partition store.
type Applier struct {
	w   storage.Writer
	cfg ApplierConfig
}

func NewApplier(w storage.Writer, cfg ApplierConfig) *Applier {
	if cfg.Partitions <= 0 {
		cfg.Partitions = hashroute.DefaultPartitionCount
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Applier{w: w, cfg: cfg}
}

// Apply stores c and returns the sequence it was assigned. A change without a
// partition is routed by its key.
func (a *Applier) Apply(ctx context.Context, c Change) (domain.SeqNo, error) {
	if len(c.Doc.Key) == 0 {
		a.cfg.Metrics.FeedDocument(a.cfg.Feed, "rejected")
		return 0, fmt.Errorf("%w: key is required", ErrInvalidChange)
	}
	set := c.Set
	if set == "" {
		set = a.cfg.DefaultSet
	}
	if err := storage.ValidateSetName(set); err != nil {
		a.cfg.Metrics.FeedDocument(a.cfg.Feed, "rejected")
		return 0, fmt.Errorf("%w: %v", ErrInvalidChange, err)
	}
	id := c.Partition
	if !c.HasPartition {
		id = domain.PartitionID(hashroute.PartitionForKey(c.Doc.Key, a.cfg.Partitions))
	}
	seq, err := a.w.Put(ctx, set, id, c.Doc)
	if err != nil {
		a.cfg.Metrics.FeedDocument(a.cfg.Feed, "retried")
		return 0, fmt.Errorf("apply %q to %s/%d: %w", c.Doc.Key, set, id, err)
	}
	a.cfg.Metrics.FeedDocument(a.cfg.Feed, "applied")
	a.cfg.Logger.Debug("document applied",
		zap.String("set", set),
		zap.Uint16("partition", uint16(id)),
		zap.ByteString("key", c.Doc.Key),
		zap.Uint64("seq", uint64(seq)))
	return seq, nil
}
