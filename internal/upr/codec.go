package upr

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// MaxBodySize bounds the declared body length of a single frame.
const MaxBodySize = 20 << 20

// ErrProtocol marks a frame that cannot be parsed. It is fatal to the connection.
var ErrProtocol = errors.New("upr protocol error")

func protocolErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrProtocol, fmt.Sprintf(format, args...))
}

func putHeader(b []byte, h Header) {
	b[0] = h.Magic
	b[1] = byte(h.Opcode)
	binary.BigEndian.PutUint16(b[2:4], h.KeyLen)
	b[4] = h.ExtrasLen
	b[5] = h.DataType
	binary.BigEndian.PutUint16(b[6:8], h.VBucket)
	binary.BigEndian.PutUint32(b[8:12], h.BodyLen)
	binary.BigEndian.PutUint32(b[12:16], h.Opaque)
	binary.BigEndian.PutUint64(b[16:24], h.Cas)
}

func parseHeader(b []byte) Header {
	return Header{
		Magic:     b[0],
		Opcode:    Opcode(b[1]),
		KeyLen:    binary.BigEndian.Uint16(b[2:4]),
		ExtrasLen: b[4],
		DataType:  b[5],
		VBucket:   binary.BigEndian.Uint16(b[6:8]),
		BodyLen:   binary.BigEndian.Uint32(b[8:12]),
		Opaque:    binary.BigEndian.Uint32(b[12:16]),
		Cas:       binary.BigEndian.Uint64(b[16:24]),
	}
}

// Bytes encodes the packet. Section lengths in the header are derived from
// Extras, Key and Value; callers never set them by hand.
func (p Packet) Bytes() []byte {
	h := p.Header
	h.ExtrasLen = uint8(len(p.Extras))
	h.KeyLen = uint16(len(p.Key))
	h.BodyLen = uint32(len(p.Extras) + len(p.Key) + len(p.Value))
	out := make([]byte, HeaderLen+int(h.BodyLen))
	putHeader(out, h)
	n := copy(out[HeaderLen:], p.Extras)
	n += copy(out[HeaderLen+n:], p.Key)
	copy(out[HeaderLen+n:], p.Value)
	return out
}

func WritePacket(w io.Writer, p Packet) error {
	if len(p.Extras) > 0xff || len(p.Key) > 0xffff {
		return fmt.Errorf("packet section too large: extras=%d key=%d", len(p.Extras), len(p.Key))
	}
	_, err := w.Write(p.Bytes())
	return err
}

// ReadPacket reads one frame. I/O errors are returned as-is; malformed
// headers are reported as ErrProtocol.
func ReadPacket(r *bufio.Reader, maxBody int) (Packet, error) {
	if maxBody <= 0 {
		maxBody = MaxBodySize
	}
	header := make([]byte, HeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return Packet{}, err
	}
	h := parseHeader(header)
	if h.Magic != MagicRequest && h.Magic != MagicResponse {
		return Packet{}, protocolErrorf("bad magic 0x%02x", h.Magic)
	}
	if h.BodyLen > uint32(maxBody) {
		return Packet{}, protocolErrorf("body too large: %d", h.BodyLen)
	}
	if uint32(h.ExtrasLen)+uint32(h.KeyLen) > h.BodyLen {
		return Packet{}, protocolErrorf("extras %d + key %d exceed body %d", h.ExtrasLen, h.KeyLen, h.BodyLen)
	}
	body := make([]byte, int(h.BodyLen))
	if _, err := io.ReadFull(r, body); err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return Packet{}, err
	}
	p := Packet{Header: h}
	ext := int(h.ExtrasLen)
	key := ext + int(h.KeyLen)
	if ext > 0 {
		p.Extras = body[:ext]
	}
	if key > ext {
		p.Key = body[ext:key]
	}
	if len(body) > key {
		p.Value = body[key:]
	}
	return p, nil
}

// DecodeRequest interprets a packet read from a client.
func DecodeRequest(p Packet) (Request, error) {
	if p.Magic != MagicRequest {
		return nil, protocolErrorf("expected request magic, got 0x%02x", p.Magic)
	}
	switch p.Opcode {
	case OpOpenConnection:
		if len(p.Extras) != openConnectionExtrasLen {
			return nil, protocolErrorf("open connection extras length %d", len(p.Extras))
		}
		return &OpenConnectionRequest{
			ID:    p.Opaque,
			SeqNo: binary.BigEndian.Uint32(p.Extras[0:4]),
			Flags: binary.BigEndian.Uint32(p.Extras[4:8]),
			Name:  string(p.Key),
		}, nil
	case OpStreamRequest:
		if len(p.Extras) != streamRequestExtrasLen {
			return nil, protocolErrorf("stream request extras length %d", len(p.Extras))
		}
		e := p.Extras
		return &StreamRequest{
			ID:               p.Opaque,
			PartitionID:      p.Partition(),
			Flags:            binary.BigEndian.Uint32(e[0:4]),
			Reserved:         binary.BigEndian.Uint32(e[4:8]),
			StartSeq:         seqAt(e, 8),
			EndSeq:           seqAt(e, 16),
			PartitionUUID:    binary.BigEndian.Uint64(e[24:32]),
			PartitionHighSeq: seqAt(e, 32),
		}, nil
	case OpFailoverLog:
		return &FailoverLogRequest{ID: p.Opaque, PartitionID: p.Partition()}, nil
	case OpStats:
		return &StatsRequest{ID: p.Opaque, Key: string(p.Key)}, nil
	case OpSASLAuth:
		return &SASLAuthRequest{ID: p.Opaque, Mechanism: string(p.Key), Credentials: append([]byte(nil), p.Value...)}, nil
	default:
		return nil, protocolErrorf("unknown opcode %s", p.Opcode)
	}
}
