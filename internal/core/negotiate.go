package core

import (
	"fmt"

	"upremu/internal/domain"
)

type Verdict int

const (
	VerdictOK Verdict = iota
	VerdictRollback
	VerdictError
)

func (v Verdict) String() string {
	switch v {
	case VerdictOK:
		return "ok"
	case VerdictRollback:
		return "rollback"
	case VerdictError:
		return "error"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

type ErrorCode int

const (
	ErrorNone ErrorCode = iota
	ErrorRange
	ErrorKeyNotFound
	ErrorNotMyPartition
)

func (c ErrorCode) String() string {
	switch c {
	case ErrorNone:
		return "none"
	case ErrorRange:
		return "erange"
	case ErrorKeyNotFound:
		return "key_not_found"
	case ErrorNotMyPartition:
		return "not_my_partition"
	default:
		return fmt.Sprintf("error_code(%d)", int(c))
	}
}

// Outcome is the decision taken for one stream request.
type Outcome struct {
	Verdict     Verdict
	RollbackSeq domain.SeqNo
	Code        ErrorCode
}

func OK() Outcome                       { return Outcome{Verdict: VerdictOK} }
func Rollback(seq domain.SeqNo) Outcome { return Outcome{Verdict: VerdictRollback, RollbackSeq: seq} }
func Error(code ErrorCode) Outcome      { return Outcome{Verdict: VerdictError, Code: code} }
func (o Outcome) Accepted() bool        { return o.Verdict == VerdictOK }

func (o Outcome) String() string {
	switch o.Verdict {
	case VerdictRollback:
		return fmt.Sprintf("rollback(%d)", o.RollbackSeq)
	case VerdictError:
		return fmt.Sprintf("error(%s)", o.Code)
	default:
		return o.Verdict.String()
	}
}

// Negotiate decides whether a stream request can be served from the
// partition's history, must be rolled back, or is rejected.
//
// The claimed (history id, high seq) pair must appear verbatim in the log
// unless the client starts from zero. When epochs newer than the claimed one
// exist, the client may only resume below the point where its epoch ended.
func Negotiate(req domain.StreamRequest, log domain.FailoverLog, highSeq domain.SeqNo) Outcome {
	if req.StartSeq > req.EndSeq {
		return Error(ErrorRange)
	}
	if req.StartSeq == 0 {
		return OK()
	}
	if !contains(log, req.ClaimedHistoryID, req.ClaimedHighSeq) {
		return Error(ErrorKeyNotFound)
	}

	newer, divergence := diffLog(log, req.ClaimedHistoryID, req.ClaimedHighSeq)
	if len(newer) == 0 {
		if req.StartSeq <= highSeq {
			return OK()
		}
		return Error(ErrorRange)
	}
	if req.StartSeq < divergence.HighSeq {
		return OK()
	}
	return Rollback(req.ClaimedHighSeq)
}

func contains(log domain.FailoverLog, historyID uint64, highSeq domain.SeqNo) bool {
	for _, e := range log {
		if e.HistoryID == historyID && e.HighSeq == highSeq {
			return true
		}
	}
	return false
}

// diffLog walks the log from the newest entry and returns the entries recorded
// after the claimed (historyID, highSeq) pair, newest first, together with the
// entry that ended the walk. A history id may repeat, so only the exact pair
// stops it.
func diffLog(log domain.FailoverLog, historyID uint64, highSeq domain.SeqNo) (domain.FailoverLog, domain.FailoverEntry) {
	var newer domain.FailoverLog
	for i := len(log) - 1; i >= 0; i-- {
		if log[i].HistoryID == historyID && log[i].HighSeq == highSeq {
			return newer, log[i]
		}
		newer = append(newer, log[i])
	}
	return newer, domain.FailoverEntry{}
}
