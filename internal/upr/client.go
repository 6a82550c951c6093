package upr

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	"upremu/internal/domain"
)

// StatusError is a non-OK response status returned to a Client call.
type StatusError struct {
	Op     Opcode
	Status Status
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s failed with status 0x%02x", e.Op, uint16(e.Status))
}

// Client speaks the request side of the protocol over one connection.
// It is not safe for concurrent use.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
	w    *bufio.Writer
}

func Dial(ctx context.Context, network, address string) (*Client, error) {
	conn, err := (&net.Dialer{}).DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	return &Client{conn: conn, r: bufio.NewReader(conn), w: bufio.NewWriter(conn)}, nil
}

func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) SetDeadline(t time.Time) error { return c.conn.SetDeadline(t) }

// Send writes one packet and flushes it.
func (c *Client) Send(p Packet) error {
	if err := WritePacket(c.w, p); err != nil {
		return err
	}
	return c.w.Flush()
}

// SendRaw writes b as-is. Tests use it to inject malformed frames.
func (c *Client) SendRaw(b []byte) error {
	if _, err := c.w.Write(b); err != nil {
		return err
	}
	return c.w.Flush()
}

func (c *Client) Read() (Packet, error) {
	return ReadPacket(c.r, MaxBodySize)
}

func (c *Client) roundTrip(p Packet) (Packet, error) {
	if err := c.Send(p); err != nil {
		return Packet{}, err
	}
	res, err := c.Read()
	if err != nil {
		return Packet{}, err
	}
	if res.Magic != MagicResponse || res.Opcode != p.Opcode || res.Opaque != p.Opaque {
		return Packet{}, protocolErrorf("unexpected reply %s opaque=%d to %s opaque=%d", res.Opcode, res.Opaque, p.Opcode, p.Opaque)
	}
	return res, nil
}

func (c *Client) OpenConnection(opaque uint32, name string) error {
	res, err := c.roundTrip(OpenConnectionPacket(opaque, 0, 0, name))
	if err != nil {
		return err
	}
	if res.Status() != StatusOK {
		return &StatusError{Op: OpOpenConnection, Status: res.Status()}
	}
	return nil
}

func (c *Client) Authenticate(opaque uint32, mechanism string, credentials []byte) error {
	res, err := c.roundTrip(SASLAuthPacket(opaque, mechanism, credentials))
	if err != nil {
		return err
	}
	if res.Status() != StatusOK {
		return &StatusError{Op: OpSASLAuth, Status: res.Status()}
	}
	return nil
}

// StreamResult is what the server sent back for one stream request.
type StreamResult struct {
	Status      Status
	RollbackSeq domain.SeqNo
	Mutations   []domain.MutationRecord
	// Opcodes lists every server message that followed the OK response, in
	// arrival order.
	Opcodes []Opcode
}

// RequestStream sends a stream request and, when it is accepted, reads the
// snapshot through its stream end message.
func (c *Client) RequestStream(r StreamRequest) (StreamResult, error) {
	res, err := c.roundTrip(StreamRequestPacket(r))
	if err != nil {
		return StreamResult{}, err
	}
	out := StreamResult{Status: res.Status()}
	switch out.Status {
	case StatusOK:
	case StatusRollback:
		out.RollbackSeq, err = ParseRollback(res)
		return out, err
	default:
		return out, nil
	}
	for {
		p, err := c.Read()
		if err != nil {
			return out, err
		}
		if p.Opaque != r.ID {
			return out, protocolErrorf("stream message opaque %d, want %d", p.Opaque, r.ID)
		}
		out.Opcodes = append(out.Opcodes, p.Opcode)
		switch p.Opcode {
		case OpMutation, OpDeletion:
			rec, err := ParseMutation(p)
			if err != nil {
				return out, err
			}
			out.Mutations = append(out.Mutations, rec)
		case OpSnapshotMarker:
		case OpStreamEnd:
			return out, nil
		default:
			return out, protocolErrorf("unexpected stream message %s", p.Opcode)
		}
	}
}

func (c *Client) FailoverLog(opaque uint32, id domain.PartitionID) (domain.FailoverLog, error) {
	res, err := c.roundTrip(FailoverLogPacket(opaque, id))
	if err != nil {
		return nil, err
	}
	if res.Status() != StatusOK {
		return nil, &StatusError{Op: OpFailoverLog, Status: res.Status()}
	}
	return ParseFailoverLog(res)
}

// Stats collects the stats of one group until the terminator arrives.
func (c *Client) Stats(opaque uint32, group string) (map[string]string, error) {
	if err := c.Send(StatsPacket(opaque, group)); err != nil {
		return nil, err
	}
	out := map[string]string{}
	for {
		p, err := c.Read()
		if err != nil {
			return nil, err
		}
		if p.Opcode != OpStats || p.Opaque != opaque {
			return nil, protocolErrorf("unexpected reply %s to stats", p.Opcode)
		}
		if p.Status() != StatusOK {
			return nil, &StatusError{Op: OpStats, Status: p.Status()}
		}
		if len(p.Key) == 0 {
			return out, nil
		}
		out[string(p.Key)] = string(p.Value)
	}
}
