package nativemsg

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// MaxOutbound is the largest message a browser accepts from a host.
	MaxOutbound = 1 << 20
	// MaxInbound caps messages read from the browser.
	MaxInbound = 64 << 20
)

// ErrFrameTooLarge is returned for frames over the size limit.
var ErrFrameTooLarge = errors.New("nativemsg: frame too large")

// ReadFrame reads one length-prefixed message. io.EOF is returned only when
// the stream ends cleanly between frames.
func ReadFrame(r io.Reader) ([]byte, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("nativemsg: truncated header: %w", err)
		}
		return nil, err
	}
	n := binary.LittleEndian.Uint32(hdr[:])
	if n > MaxInbound {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("nativemsg: truncated body: %w", err)
	}
	return buf, nil
}

// WriteFrame writes one length-prefixed message.
func WriteFrame(w io.Writer, msg []byte) error {
	if len(msg) > MaxOutbound {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(msg))
	}
	buf := make([]byte, 4+len(msg))
	binary.LittleEndian.PutUint32(buf, uint32(len(msg)))
	copy(buf[4:], msg)
	_, err := w.Write(buf)
	return err
}
