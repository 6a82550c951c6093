package upr

import (
	"encoding/binary"
	"fmt"

	"upremu/internal/domain"
)

func seqAt(b []byte, off int) domain.SeqNo {
	return domain.SeqNo(binary.BigEndian.Uint64(b[off : off+8]))
}

func response(op Opcode, opaque uint32, status Status) Packet {
	return Packet{Header: Header{Magic: MagicResponse, Opcode: op, VBucket: uint16(status), Opaque: opaque}}
}

func message(op Opcode, partition domain.PartitionID, opaque uint32) Packet {
	return Packet{Header: Header{Magic: MagicRequest, Opcode: op, VBucket: uint16(partition), Opaque: opaque}}
}

func OpenConnectionAck(opaque uint32) Packet {
	return response(OpOpenConnection, opaque, StatusOK)
}

func StreamRequestOK(opaque uint32) Packet {
	return response(OpStreamRequest, opaque, StatusOK)
}

func StreamRequestError(opaque uint32, status Status) Packet {
	return response(OpStreamRequest, opaque, status)
}

func StreamRequestRollback(opaque uint32, seq domain.SeqNo) Packet {
	p := response(OpStreamRequest, opaque, StatusRollback)
	p.Value = binary.BigEndian.AppendUint64(nil, uint64(seq))
	return p
}

// StreamEnd closes a snapshot. Its extras carry the end flags, always
// StreamEndFlagOK, rather than the number of mutations sent; clients count
// the messages themselves.
func StreamEnd(partition domain.PartitionID, opaque uint32) Packet {
	p := message(OpStreamEnd, partition, opaque)
	p.Extras = binary.BigEndian.AppendUint32(nil, StreamEndFlagOK)
	return p
}

func SnapshotMarker(partition domain.PartitionID, opaque uint32) Packet {
	return message(OpSnapshotMarker, partition, opaque)
}

func Mutation(partition domain.PartitionID, opaque uint32, rec domain.MutationRecord) Packet {
	p := message(OpMutation, partition, opaque)
	p.Cas = rec.Cas
	ext := make([]byte, 0, mutationExtrasLen)
	ext = binary.BigEndian.AppendUint64(ext, uint64(rec.Seq))
	ext = binary.BigEndian.AppendUint64(ext, rec.RevSeq)
	ext = binary.BigEndian.AppendUint32(ext, rec.Flags)
	ext = binary.BigEndian.AppendUint32(ext, rec.Expiration)
	ext = binary.BigEndian.AppendUint32(ext, rec.LockTime)
	p.Extras = ext
	p.Key = rec.Key
	p.Value = rec.Value
	return p
}

func Deletion(partition domain.PartitionID, opaque uint32, rec domain.MutationRecord) Packet {
	p := message(OpDeletion, partition, opaque)
	p.Cas = rec.Cas
	ext := make([]byte, 0, deletionExtrasLen)
	ext = binary.BigEndian.AppendUint64(ext, uint64(rec.Seq))
	ext = binary.BigEndian.AppendUint64(ext, rec.RevSeq)
	p.Extras = ext
	p.Key = rec.Key
	return p
}

// FailoverLogResponse lists the log newest entry first, as clients expect.
func FailoverLogResponse(opaque uint32, log domain.FailoverLog) Packet {
	p := response(OpFailoverLog, opaque, StatusOK)
	body := make([]byte, 0, len(log)*failoverEntryLen)
	for i := len(log) - 1; i >= 0; i-- {
		body = binary.BigEndian.AppendUint64(body, log[i].HistoryID)
		body = binary.BigEndian.AppendUint64(body, uint64(log[i].HighSeq))
	}
	p.Value = body
	return p
}

func FailoverLogError(opaque uint32, status Status) Packet {
	return response(OpFailoverLog, opaque, status)
}

func Stat(opaque uint32, key, value string) Packet {
	p := response(OpStats, opaque, StatusOK)
	p.Key = []byte(key)
	p.Value = []byte(value)
	return p
}

// StatTerminator closes a stats response.
func StatTerminator(opaque uint32) Packet {
	return response(OpStats, opaque, StatusOK)
}

func StatError(opaque uint32, status Status) Packet {
	return response(OpStats, opaque, status)
}

func SASLAuthOK(opaque uint32) Packet {
	p := response(OpSASLAuth, opaque, StatusOK)
	p.Value = []byte(saslAuthenticated)
	return p
}

// Client side requests.

func OpenConnectionPacket(opaque, seqNo, flags uint32, name string) Packet {
	p := Packet{Header: Header{Magic: MagicRequest, Opcode: OpOpenConnection, Opaque: opaque}}
	ext := binary.BigEndian.AppendUint32(nil, seqNo)
	p.Extras = binary.BigEndian.AppendUint32(ext, flags)
	p.Key = []byte(name)
	return p
}

func StreamRequestPacket(r StreamRequest) Packet {
	p := message(OpStreamRequest, r.PartitionID, r.ID)
	ext := make([]byte, 0, streamRequestExtrasLen)
	ext = binary.BigEndian.AppendUint32(ext, r.Flags)
	ext = binary.BigEndian.AppendUint32(ext, r.Reserved)
	ext = binary.BigEndian.AppendUint64(ext, uint64(r.StartSeq))
	ext = binary.BigEndian.AppendUint64(ext, uint64(r.EndSeq))
	ext = binary.BigEndian.AppendUint64(ext, r.PartitionUUID)
	ext = binary.BigEndian.AppendUint64(ext, uint64(r.PartitionHighSeq))
	p.Extras = ext
	return p
}

func FailoverLogPacket(opaque uint32, partition domain.PartitionID) Packet {
	return message(OpFailoverLog, partition, opaque)
}

func StatsPacket(opaque uint32, key string) Packet {
	p := message(OpStats, 0, opaque)
	p.Key = []byte(key)
	return p
}

func SASLAuthPacket(opaque uint32, mechanism string, credentials []byte) Packet {
	p := message(OpSASLAuth, 0, opaque)
	p.Key = []byte(mechanism)
	p.Value = credentials
	return p
}

// Parsers for server messages.

func ParseMutation(p Packet) (domain.MutationRecord, error) {
	switch p.Opcode {
	case OpMutation:
		if len(p.Extras) != mutationExtrasLen {
			return domain.MutationRecord{}, protocolErrorf("mutation extras length %d", len(p.Extras))
		}
		e := p.Extras
		return domain.MutationRecord{
			Cas:        p.Cas,
			Seq:        seqAt(e, 0),
			RevSeq:     binary.BigEndian.Uint64(e[8:16]),
			Flags:      binary.BigEndian.Uint32(e[16:20]),
			Expiration: binary.BigEndian.Uint32(e[20:24]),
			LockTime:   binary.BigEndian.Uint32(e[24:28]),
			Key:        p.Key,
			Value:      p.Value,
		}, nil
	case OpDeletion:
		if len(p.Extras) != deletionExtrasLen {
			return domain.MutationRecord{}, protocolErrorf("deletion extras length %d", len(p.Extras))
		}
		return domain.MutationRecord{
			Cas:     p.Cas,
			Seq:     seqAt(p.Extras, 0),
			RevSeq:  binary.BigEndian.Uint64(p.Extras[8:16]),
			Key:     p.Key,
			Deleted: true,
		}, nil
	default:
		return domain.MutationRecord{}, fmt.Errorf("not a mutation: %s", p.Opcode)
	}
}

// ParseFailoverLog returns the log oldest entry first.
func ParseFailoverLog(p Packet) (domain.FailoverLog, error) {
	if len(p.Value)%failoverEntryLen != 0 {
		return nil, protocolErrorf("failover log body length %d", len(p.Value))
	}
	n := len(p.Value) / failoverEntryLen
	log := make(domain.FailoverLog, n)
	for i := 0; i < n; i++ {
		off := i * failoverEntryLen
		log[n-1-i] = domain.FailoverEntry{
			HistoryID: binary.BigEndian.Uint64(p.Value[off : off+8]),
			HighSeq:   seqAt(p.Value, off+8),
		}
	}
	return log, nil
}

func ParseRollback(p Packet) (domain.SeqNo, error) {
	if p.Status() != StatusRollback || len(p.Value) != rollbackBodyLen {
		return 0, protocolErrorf("not a rollback response: status=0x%02x body=%d", uint16(p.Status()), len(p.Value))
	}
	return seqAt(p.Value, 0), nil
}
