package ipc

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"
)

// MaxFrameSize bounds one length-prefixed frame. Oversized frames are a
// protocol error, not a retryable condition.
const MaxFrameSize = 1 << 20

// ErrProtocol marks malformed frames and version mismatches. Callers must
// not retry on it.
var ErrProtocol = errors.New("ipc: protocol error")

// Hello opens every connection; the server answers with HelloAck before any
// command frame is read.
type Hello struct {
	ProtocolVersion string     `json:"protocol_version"`
	ClientInfo      ClientInfo `json:"client_info"`
}

type HelloAck struct {
	ProtocolVersion string `json:"protocol_version"`
	OK              bool   `json:"ok"`
	Error           string `json:"error,omitempty"`
}

// Conn wraps a net.Conn with length-prefixed JSON framing. Frames are a
// 4-byte big-endian length followed by the JSON payload.
type Conn struct {
	nc net.Conn
	r  *bufio.Reader
}

func NewConn(nc net.Conn) *Conn {
	return &Conn{nc: nc, r: bufio.NewReader(nc)}
}

func (c *Conn) Close() error { return c.nc.Close() }

// SetDeadline bounds the next read or write.
func (c *Conn) SetDeadline(t time.Time) error { return c.nc.SetDeadline(t) }

// WriteFrame encodes v as JSON and writes one frame.
func (c *Conn) WriteFrame(v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: frame of %d bytes exceeds limit", ErrProtocol, len(payload))
	}
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(payload)))
	if _, err := c.nc.Write(hdr[:]); err != nil {
		return err
	}
	_, err = c.nc.Write(payload)
	return err
}

// ReadFrame reads one frame and decodes it into v.
func (c *Conn) ReadFrame(v any) error {
	var hdr [4]byte
	if _, err := io.ReadFull(c.r, hdr[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(hdr[:])
	if n == 0 || n > MaxFrameSize {
		return fmt.Errorf("%w: invalid frame length %d", ErrProtocol, n)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return err
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
	return nil
}

// ServerHandshake reads the client Hello and answers. It returns the client
// info, or an error after writing a rejecting ack.
func ServerHandshake(c *Conn) (ClientInfo, error) {
	var h Hello
	if err := c.ReadFrame(&h); err != nil {
		return ClientInfo{}, err
	}
	if !CompatibleVersion(h.ProtocolVersion) {
		_ = c.WriteFrame(HelloAck{
			ProtocolVersion: ProtocolVersion,
			OK:              false,
			Error:           fmt.Sprintf("incompatible protocol version %q (server %s)", h.ProtocolVersion, ProtocolVersion),
		})
		return ClientInfo{}, fmt.Errorf("%w: version mismatch %q", ErrProtocol, h.ProtocolVersion)
	}
	if err := c.WriteFrame(HelloAck{ProtocolVersion: ProtocolVersion, OK: true}); err != nil {
		return ClientInfo{}, err
	}
	return h.ClientInfo, nil
}

// ClientHandshake sends Hello and verifies the ack.
func ClientHandshake(c *Conn, info ClientInfo) error {
	if err := c.WriteFrame(Hello{ProtocolVersion: ProtocolVersion, ClientInfo: info}); err != nil {
		return err
	}
	var ack HelloAck
	if err := c.ReadFrame(&ack); err != nil {
		return err
	}
	if !ack.OK {
		return fmt.Errorf("%w: %s", ErrProtocol, ack.Error)
	}
	if !CompatibleVersion(ack.ProtocolVersion) {
		return fmt.Errorf("%w: server version %q", ErrProtocol, ack.ProtocolVersion)
	}
	return nil
}
