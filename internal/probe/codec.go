package probe

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// Record is the probe payload exchanged on both transports. Seq counts
// probes per channel; SendTime is the sender's monotonic clock in
// milliseconds at emit time. The receiver echoes the bytes unchanged,
// so both fields come back exactly as sent.
type Record struct {
	Seq      uint32
	SendTime int64
}

// Wire layout: a stream of tagged fields, tag = fieldID<<3 | wireType.
// Both record fields use wire type 0 (uvarint). Unknown fields are
// skipped by wire type so either side can extend the record.
const (
	wireVarint  = 0
	wireFixed64 = 1
	wireBytes   = 2
	wireFixed32 = 5

	fieldSeq      = 1
	fieldSendTime = 2
)

const (
	// FrameHeaderSize is the length prefix width on the TCP stream.
	FrameHeaderSize = 4

	// MaxFrameSize bounds a length-prefixed frame. Well-formed records
	// are a handful of bytes; anything near this is garbage.
	MaxFrameSize = 64 * 1024
)

// ErrMalformed reports undecodable probe bytes. Callers log and drop;
// a corrupt record never takes the channel down.
var ErrMalformed = errors.New("malformed probe record")

// AppendRecord appends the encoded record to dst and returns the
// extended slice.
func AppendRecord(dst []byte, rec Record) []byte {
	dst = append(dst, fieldSeq<<3|wireVarint)
	dst = binary.AppendUvarint(dst, uint64(rec.Seq))
	dst = append(dst, fieldSendTime<<3|wireVarint)
	dst = binary.AppendUvarint(dst, uint64(rec.SendTime))
	return dst
}

// AppendFrame appends the record with its length prefix for the TCP
// stream.
func AppendFrame(dst []byte, rec Record) []byte {
	start := len(dst)
	dst = append(dst, 0, 0, 0, 0)
	dst = AppendRecord(dst, rec)
	binary.BigEndian.PutUint32(dst[start:start+FrameHeaderSize], uint32(len(dst)-start-FrameHeaderSize))
	return dst
}

// DecodeRecord parses one record occupying the whole buffer. TCP frames
// and UDP datagrams both carry exactly one record.
func DecodeRecord(buf []byte) (Record, error) {
	var rec Record
	var haveSeq, haveTime bool
	for len(buf) > 0 {
		tag := buf[0]
		buf = buf[1:]
		fieldID := tag >> 3
		wireType := tag & 7
		switch fieldID {
		case fieldSeq, fieldSendTime:
			if wireType != wireVarint {
				return Record{}, fmt.Errorf("%w: field %d has wire type %d, want varint", ErrMalformed, fieldID, wireType)
			}
			v, n := binary.Uvarint(buf)
			if n <= 0 {
				return Record{}, fmt.Errorf("%w: truncated varint in field %d", ErrMalformed, fieldID)
			}
			buf = buf[n:]
			if fieldID == fieldSeq {
				if v > math.MaxUint32 {
					return Record{}, fmt.Errorf("%w: seq %d overflows uint32", ErrMalformed, v)
				}
				rec.Seq = uint32(v)
				haveSeq = true
			} else {
				rec.SendTime = int64(v)
				haveTime = true
			}
		default:
			rest, err := skipField(buf, wireType)
			if err != nil {
				return Record{}, err
			}
			buf = rest
		}
	}
	if !haveSeq || !haveTime {
		return Record{}, fmt.Errorf("%w: missing required fields", ErrMalformed)
	}
	return rec, nil
}

func skipField(buf []byte, wireType byte) ([]byte, error) {
	switch wireType {
	case wireVarint:
		_, n := binary.Uvarint(buf)
		if n <= 0 {
			return nil, fmt.Errorf("%w: truncated varint in skipped field", ErrMalformed)
		}
		return buf[n:], nil
	case wireFixed64:
		if len(buf) < 8 {
			return nil, fmt.Errorf("%w: truncated fixed64 in skipped field", ErrMalformed)
		}
		return buf[8:], nil
	case wireBytes:
		l, n := binary.Uvarint(buf)
		if n <= 0 || l > uint64(len(buf)-n) {
			return nil, fmt.Errorf("%w: truncated length-delimited skipped field", ErrMalformed)
		}
		return buf[n+int(l):], nil
	case wireFixed32:
		if len(buf) < 4 {
			return nil, fmt.Errorf("%w: truncated fixed32 in skipped field", ErrMalformed)
		}
		return buf[4:], nil
	}
	return nil, fmt.Errorf("%w: unknown wire type %d", ErrMalformed, wireType)
}

// FrameReader decodes length-prefixed records from a TCP stream,
// reusing its buffers across frames.
type FrameReader struct {
	r      io.Reader
	header [FrameHeaderSize]byte
	buf    []byte
}

func NewFrameReader(r io.Reader) *FrameReader {
	return &FrameReader{r: r, buf: make([]byte, 0, 64)}
}

// Next reads one frame and returns its payload. io.EOF is returned
// as-is when the stream ends between frames; a partial or oversized
// frame yields an error wrapping ErrMalformed, after which the stream
// position is undefined and the connection should be dropped. The
// returned slice is reused by the following call.
func (fr *FrameReader) Next() ([]byte, error) {
	if _, err := io.ReadFull(fr.r, fr.header[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated frame header", ErrMalformed)
		}
		return nil, err
	}
	size := binary.BigEndian.Uint32(fr.header[:])
	if size == 0 || size > MaxFrameSize {
		return nil, fmt.Errorf("%w: frame size %d", ErrMalformed, size)
	}
	if cap(fr.buf) < int(size) {
		fr.buf = make([]byte, size)
	}
	buf := fr.buf[:size]
	if _, err := io.ReadFull(fr.r, buf); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: truncated frame payload", ErrMalformed)
		}
		return nil, err
	}
	return buf, nil
}
