package netlink

import (
	"encoding/binary"
	"fmt"
	"io"
	"math"

	"github.com/baaaht/netlinkd/pkg/types"
)

// HeaderLen is the encoded size of a Header
const HeaderLen = 16

// Control message types. Types below TypeMinUser are reserved.
const (
	TypeNoop    uint16 = 0x1
	TypeError   uint16 = 0x2
	TypeDone    uint16 = 0x3
	TypeOverrun uint16 = 0x4

	TypeMinUser uint16 = 0x10
)

// Header flags
const (
	FlagRequest  uint16 = 0x01
	FlagMulti    uint16 = 0x02
	FlagAck      uint16 = 0x04
	FlagEcho     uint16 = 0x08
	FlagDumpIntr uint16 = 0x10

	FlagRoot  uint16 = 0x100
	FlagMatch uint16 = 0x200
	FlagDump         = FlagRoot | FlagMatch
)

// byteOrder is the host order used on the wire, as netlink does
var byteOrder = binary.NativeEndian

// Header is the fixed message header. Len covers the header and the payload.
type Header struct {
	Len   uint32
	Type  uint16
	Flags uint16
	Seq   uint32
	PID   uint32
}

// put encodes h into b, which must hold at least HeaderLen bytes
func (h Header) put(b []byte) {
	byteOrder.PutUint32(b[0:4], h.Len)
	byteOrder.PutUint16(b[4:6], h.Type)
	byteOrder.PutUint16(b[6:8], h.Flags)
	byteOrder.PutUint32(b[8:12], h.Seq)
	byteOrder.PutUint32(b[12:16], h.PID)
}

// parseHeader decodes a header from the first HeaderLen bytes of b
func parseHeader(b []byte) Header {
	return Header{
		Len:   byteOrder.Uint32(b[0:4]),
		Type:  byteOrder.Uint16(b[4:6]),
		Flags: byteOrder.Uint16(b[6:8]),
		Seq:   byteOrder.Uint32(b[8:12]),
		PID:   byteOrder.Uint32(b[12:16]),
	}
}

// String returns a string representation of the header
func (h Header) String() string {
	return fmt.Sprintf("Header{Len: %d, Type: %#x, Flags: %#x, Seq: %d, PID: %d}",
		h.Len, h.Type, h.Flags, h.Seq, h.PID)
}

// Response is one queued message record. Once handed to AddResponse or
// AddBroadcast the record belongs to the receiving queue and must not be
// modified by the producer.
type Response struct {
	Header  Header
	Payload []byte
}

// NewResponse builds a record and sets Header.Len from the payload size
func NewResponse(msgType, flags uint16, seq, pid uint32, payload []byte) *Response {
	return &Response{
		Header: Header{
			Len:   uint32(HeaderLen + len(payload)),
			Type:  msgType,
			Flags: flags,
			Seq:   seq,
			PID:   pid,
		},
		Payload: payload,
	}
}

// NewTerminator builds the TypeDone record that ends a multi-part reply.
// Flags, sequence and sender are copied from req, or zero when req is nil.
func NewTerminator(req *Header) *Response {
	resp := &Response{Header: Header{Len: HeaderLen, Type: TypeDone}}
	if req != nil {
		resp.Header.Flags = req.Flags
		resp.Header.Seq = req.Seq
		resp.Header.PID = req.PID
	}
	return resp
}

// NewErrorResponse builds a TypeError record carrying errno followed by the
// request header. An errno of zero is an acknowledgement.
func NewErrorResponse(req *Header, errno int32) *Response {
	var orig Header
	if req != nil {
		orig = *req
	}

	payload := make([]byte, 4+HeaderLen)
	byteOrder.PutUint32(payload[0:4], uint32(errno))
	orig.put(payload[4:])

	return NewResponse(TypeError, 0, orig.Seq, orig.PID, payload)
}

// Len returns the encoded size of the record
func (r *Response) Len() int {
	return HeaderLen + len(r.Payload)
}

// IsTerminator reports whether the record ends a multi-part reply
func (r *Response) IsTerminator() bool {
	return r.Header.Type == TypeDone
}

// Errno returns the error code of a TypeError record
func (r *Response) Errno() (int32, bool) {
	if r.Header.Type != TypeError || len(r.Payload) < 4 {
		return 0, false
	}
	return int32(byteOrder.Uint32(r.Payload[0:4])), true
}

// Validate checks that the length field matches the record
func (r *Response) Validate() error {
	if r == nil {
		return types.NewError(types.ErrCodeInvalidArgument, "response cannot be nil")
	}
	if uint64(len(r.Payload)) > math.MaxUint32-HeaderLen {
		return types.NewError(types.ErrCodeInvalidArgument, "response payload too large")
	}
	if int(r.Header.Len) != r.Len() {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("response length %d does not match record size %d", r.Header.Len, r.Len()))
	}
	return nil
}

// Clone returns an independent copy of the record
func (r *Response) Clone() *Response {
	clone := &Response{Header: r.Header}
	if r.Payload != nil {
		clone.Payload = make([]byte, len(r.Payload))
		copy(clone.Payload, r.Payload)
	}
	return clone
}

// MarshalBinary encodes the header followed by the payload
func (r *Response) MarshalBinary() ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	b := make([]byte, r.Len())
	r.Header.put(b)
	copy(b[HeaderLen:], r.Payload)
	return b, nil
}

// UnmarshalBinary decodes exactly one record from b
func (r *Response) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderLen {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("message too short: %d bytes", len(b)))
	}
	h := parseHeader(b)
	if int(h.Len) != len(b) {
		return types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("message length %d does not match buffer size %d", h.Len, len(b)))
	}
	r.Header = h
	r.Payload = nil
	if len(b) > HeaderLen {
		r.Payload = make([]byte, len(b)-HeaderLen)
		copy(r.Payload, b[HeaderLen:])
	}
	return nil
}

// ParseResponse decodes one record from b
func ParseResponse(b []byte) (*Response, error) {
	var r Response
	if err := r.UnmarshalBinary(b); err != nil {
		return nil, err
	}
	return &r, nil
}

// WriteTo writes the encoded record to w
func (r *Response) WriteTo(w io.Writer) (int64, error) {
	b, err := r.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(b)
	return int64(n), err
}

// ReadResponse reads one record from a stream. Records longer than maxLen are
// rejected before their payload is read; a maxLen of zero disables the check.
func ReadResponse(rd io.Reader, maxLen uint32) (*Response, error) {
	var hdr [HeaderLen]byte
	if _, err := io.ReadFull(rd, hdr[:]); err != nil {
		return nil, err
	}

	h := parseHeader(hdr[:])
	if h.Len < HeaderLen {
		return nil, types.NewError(types.ErrCodeInvalidArgument,
			fmt.Sprintf("message length %d shorter than header", h.Len))
	}
	if maxLen > 0 && h.Len > maxLen {
		return nil, types.NewError(types.ErrCodeResourceExhausted,
			fmt.Sprintf("message length %d exceeds limit %d", h.Len, maxLen))
	}

	resp := &Response{Header: h}
	if h.Len > HeaderLen {
		resp.Payload = make([]byte, h.Len-HeaderLen)
		if _, err := io.ReadFull(rd, resp.Payload); err != nil {
			if err == io.EOF {
				err = io.ErrUnexpectedEOF
			}
			return nil, err
		}
	}
	return resp, nil
}
