package domain

// PartitionID identifies one partition (vbucket) of a set's mutation log.
type PartitionID uint16

// SeqNo is a per-partition mutation sequence number.
type SeqNo uint64

// FailoverEntry marks the sequence at which one history epoch ended.
type FailoverEntry struct {
	HistoryID uint64
	HighSeq   SeqNo
}

// FailoverLog is ordered oldest to newest.
type FailoverLog []FailoverEntry

// DefaultFailoverLog is the log of a partition nothing has been recorded for.
func DefaultFailoverLog() FailoverLog {
	return FailoverLog{{HistoryID: 0, HighSeq: 0}}
}

// Latest returns the newest entry. The zero entry is returned for an empty log.
func (l FailoverLog) Latest() FailoverEntry {
	if len(l) == 0 {
		return FailoverEntry{}
	}
	return l[len(l)-1]
}

func (l FailoverLog) Clone() FailoverLog {
	if l == nil {
		return nil
	}
	return append(FailoverLog(nil), l...)
}

type StreamRequest struct {
	PartitionID      PartitionID
	RequestID        uint32
	Flags            uint32
	StartSeq         SeqNo
	EndSeq           SeqNo
	ClaimedHistoryID uint64
	ClaimedHighSeq   SeqNo
}

// ActiveStream is the cursor of the stream currently tracked for a partition.
type ActiveStream struct {
	RequestID uint32
	CursorSeq SeqNo
	EndSeq    SeqNo
}

// MutationRecord is one document revision as read from a partition.
type MutationRecord struct {
	Cas        uint64
	Seq        SeqNo
	RevSeq     uint64
	Flags      uint32
	Expiration uint32
	LockTime   uint32
	Key        []byte
	Value      []byte
	Deleted    bool
}

// Document is the write-side form of a mutation; the store assigns Seq and RevSeq.
type Document struct {
	Key        []byte
	Value      []byte
	Cas        uint64
	Flags      uint32
	Expiration uint32
	LockTime   uint32
	Deleted    bool
}
