// Package pdu implements the fixed-header frame used on every control channel
// between the control process, the spawn manager and the workers.
package pdu

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic marks the start of every frame header.
const Magic uint32 = 0x20071206

// HeaderSize is the encoded header length: magic, srcPid, dstPid, 4 bytes of
// padding and a 64-bit payload length, laid out like the native struct on LP64.
const HeaderSize = 24

// MaxPayload bounds a single frame so a corrupted length cannot force a huge allocation.
const MaxPayload = 64 << 20

var (
	ErrShortHeader   = errors.New("pdu: short header")
	ErrShortPayload  = errors.New("pdu: short payload")
	ErrBadMagic      = errors.New("pdu: bad magic")
	ErrFrameTooLarge = errors.New("pdu: frame too large")
)

// Header precedes every payload on a control channel.
type Header struct {
	Magic  uint32
	SrcPid int32
	DstPid int32
	Size   uint64
}

// NewHeader returns a header with the magic set and no payload.
func NewHeader(src, dst int) Header {
	return Header{Magic: Magic, SrcPid: int32(src), DstPid: int32(dst)}
}

func (h Header) encode(b []byte) {
	ne := binary.NativeEndian
	ne.PutUint32(b[0:4], h.Magic)
	ne.PutUint32(b[4:8], uint32(h.SrcPid))
	ne.PutUint32(b[8:12], uint32(h.DstPid))
	ne.PutUint32(b[12:16], 0)
	ne.PutUint64(b[16:24], h.Size)
}

func decodeHeader(b []byte) Header {
	ne := binary.NativeEndian
	return Header{
		Magic:  ne.Uint32(b[0:4]),
		SrcPid: int32(ne.Uint32(b[4:8])),
		DstPid: int32(ne.Uint32(b[8:12])),
		Size:   ne.Uint64(b[16:24]),
	}
}

// SendFrame writes the header followed by payload. The header's Size field is
// always overwritten with len(payload). It returns the total number of bytes
// of the frame, or -1 with the write error.
func SendFrame(w io.Writer, h Header, payload []byte) (int, error) {
	if len(payload) > MaxPayload {
		return -1, ErrFrameTooLarge
	}
	if h.Magic == 0 {
		h.Magic = Magic
	}
	h.Size = uint64(len(payload))
	buf := make([]byte, HeaderSize+len(payload))
	h.encode(buf)
	copy(buf[HeaderSize:], payload)
	if err := writeFull(w, buf); err != nil {
		return -1, err
	}
	return len(buf), nil
}

// ReadFrame reads one frame. On success it returns the total frame size.
// A peer that closed before sending any byte yields (0, io.EOF); every other
// failure yields -1 and the channel must be considered broken.
func ReadFrame(r io.Reader) (Header, []byte, int, error) {
	var hb [HeaderSize]byte
	n, err := io.ReadFull(r, hb[:])
	if err != nil {
		if n == 0 && errors.Is(err, io.EOF) {
			return Header{}, nil, 0, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return Header{}, nil, -1, fmt.Errorf("%w: %d of %d bytes", ErrShortHeader, n, HeaderSize)
		}
		return Header{}, nil, -1, err
	}
	h := decodeHeader(hb[:])
	if h.Magic != Magic {
		return h, nil, -1, fmt.Errorf("%w: %#x", ErrBadMagic, h.Magic)
	}
	if h.Size > MaxPayload {
		return h, nil, -1, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, h.Size)
	}
	payload := make([]byte, h.Size)
	if h.Size > 0 {
		n, err = io.ReadFull(r, payload)
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return h, nil, -1, fmt.Errorf("%w: %d of %d bytes", ErrShortPayload, n, h.Size)
			}
			return h, nil, -1, err
		}
	}
	return h, payload, HeaderSize + len(payload), nil
}

func writeFull(w io.Writer, b []byte) error {
	for len(b) > 0 {
		n, err := w.Write(b)
		if err != nil {
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
		b = b[n:]
	}
	return nil
}
