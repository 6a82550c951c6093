package upr

import (
	"fmt"

	"upremu/internal/domain"
)

const HeaderLen = 24

const (
	MagicRequest  byte = 0x80
	MagicResponse byte = 0x81
)

type Opcode uint8

const (
	OpStats          Opcode = 0x10
	OpSASLAuth       Opcode = 0x21
	OpOpenConnection Opcode = 0x50
	OpStreamRequest  Opcode = 0x53
	OpFailoverLog    Opcode = 0x54
	OpStreamEnd      Opcode = 0x55
	OpSnapshotMarker Opcode = 0x56
	OpMutation       Opcode = 0x57
	OpDeletion       Opcode = 0x58
)

func (o Opcode) String() string {
	switch o {
	case OpStats:
		return "STATS"
	case OpSASLAuth:
		return "SASL_AUTH"
	case OpOpenConnection:
		return "OPEN_CONNECTION"
	case OpStreamRequest:
		return "STREAM_REQUEST"
	case OpFailoverLog:
		return "FAILOVER_LOG_REQUEST"
	case OpStreamEnd:
		return "STREAM_END"
	case OpSnapshotMarker:
		return "SNAPSHOT_MARKER"
	case OpMutation:
		return "MUTATION"
	case OpDeletion:
		return "DELETION"
	default:
		return fmt.Sprintf("OPCODE(0x%02x)", uint8(o))
	}
}

type Status uint16

const (
	StatusOK           Status = 0x00
	StatusKeyNotFound  Status = 0x01
	StatusNotMyVBucket Status = 0x07
	StatusERange       Status = 0x22
	StatusRollback     Status = 0x23
)

const (
	openConnectionExtrasLen = 8
	streamRequestExtrasLen  = 40
	mutationExtrasLen       = 28
	deletionExtrasLen       = 16
	streamEndExtrasLen      = 4
	rollbackBodyLen         = 8
	failoverEntryLen        = 16
)

// StreamEndFlagOK is the only stream end reason this server emits.
const StreamEndFlagOK uint32 = 0

const saslAuthenticated = "Authenticated"

// Header is the fixed 24-byte frame header. VBucket carries the partition on
// requests and the status on responses.
type Header struct {
	Magic     byte
	Opcode    Opcode
	KeyLen    uint16
	ExtrasLen uint8
	DataType  uint8
	VBucket   uint16
	BodyLen   uint32
	Opaque    uint32
	Cas       uint64
}

func (h Header) Status() Status                { return Status(h.VBucket) }
func (h Header) Partition() domain.PartitionID { return domain.PartitionID(h.VBucket) }

// Packet is one decoded frame: header plus body split into its sections.
type Packet struct {
	Header
	Extras []byte
	Key    []byte
	Value  []byte
}

// Request is a decoded client request. The concrete types are listed below.
type Request interface {
	RequestID() uint32
	Op() Opcode
}

type OpenConnectionRequest struct {
	ID    uint32
	SeqNo uint32
	Flags uint32
	Name  string
}

type StreamRequest struct {
	ID               uint32
	PartitionID      domain.PartitionID
	Flags            uint32
	Reserved         uint32
	StartSeq         domain.SeqNo
	EndSeq           domain.SeqNo
	PartitionUUID    uint64
	PartitionHighSeq domain.SeqNo
}

type FailoverLogRequest struct {
	ID          uint32
	PartitionID domain.PartitionID
}

type StatsRequest struct {
	ID  uint32
	Key string
}

type SASLAuthRequest struct {
	ID          uint32
	Mechanism   string
	Credentials []byte
}

func (r *OpenConnectionRequest) RequestID() uint32 { return r.ID }
func (r *StreamRequest) RequestID() uint32         { return r.ID }
func (r *FailoverLogRequest) RequestID() uint32    { return r.ID }
func (r *StatsRequest) RequestID() uint32          { return r.ID }
func (r *SASLAuthRequest) RequestID() uint32       { return r.ID }

func (*OpenConnectionRequest) Op() Opcode { return OpOpenConnection }
func (*StreamRequest) Op() Opcode         { return OpStreamRequest }
func (*FailoverLogRequest) Op() Opcode    { return OpFailoverLog }
func (*StatsRequest) Op() Opcode          { return OpStats }
func (*SASLAuthRequest) Op() Opcode       { return OpSASLAuth }

// Domain converts the wire request into the negotiation input.
func (r *StreamRequest) Domain() domain.StreamRequest {
	return domain.StreamRequest{
		PartitionID:      r.PartitionID,
		RequestID:        r.ID,
		Flags:            r.Flags,
		StartSeq:         r.StartSeq,
		EndSeq:           r.EndSeq,
		ClaimedHistoryID: r.PartitionUUID,
		ClaimedHighSeq:   r.PartitionHighSeq,
	}
}
