// Package netproto frames the client/server coordination protocol:
// length-prefixed little-endian messages over TCP. Layouts are part of
// the on-wire contract and are packed by hand.
package netproto

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math/big"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/PatatasFritas/FriedKangaroo/internal/curve"
	"github.com/PatatasFritas/FriedKangaroo/internal/dptable"
)

// ProtocolVersion is carried in HELLO; the server rejects clients that
// do not match.
const ProtocolVersion uint32 = 1

// Kind identifies a frame.
type Kind uint8

const (
	KindHello  Kind = 1 // client -> server
	KindConfig Kind = 2 // server -> client
	KindDPs    Kind = 3 // client -> server
	KindStatus Kind = 4 // server -> client
	KindError  Kind = 5 // server -> client, terminal
	KindBye    Kind = 6 // either direction
)

// Error codes carried by KindError frames.
const (
	ErrCodeVersion uint16 = 1
	ErrCodeConfig  uint16 = 2
)

// ErrProtocol marks version or config mismatches; the client maps it to
// exit code 3.
var ErrProtocol = errors.New("protocol mismatch")

// maxFrame bounds a single payload; a full DP batch stays far below.
const maxFrame = 16 << 20

// WriteFrame sends one framed message, bounded by timeout when nonzero.
func WriteFrame(conn net.Conn, kind Kind, payload []byte, timeout time.Duration) error {
	if timeout > 0 {
		conn.SetWriteDeadline(time.Now().Add(timeout))
		defer conn.SetWriteDeadline(time.Time{})
	}
	hdr := make([]byte, 5)
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	hdr[4] = byte(kind)
	if _, err := conn.Write(hdr); err != nil {
		return err
	}
	if len(payload) > 0 {
		if _, err := conn.Write(payload); err != nil {
			return err
		}
	}
	return nil
}

// ReadFrame receives one framed message, bounded by timeout when
// nonzero.
func ReadFrame(conn net.Conn, timeout time.Duration) (Kind, []byte, error) {
	if timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
		defer conn.SetReadDeadline(time.Time{})
	}
	hdr := make([]byte, 5)
	if _, err := io.ReadFull(conn, hdr); err != nil {
		return 0, nil, err
	}
	size := binary.LittleEndian.Uint32(hdr[0:4])
	if size > maxFrame {
		return 0, nil, fmt.Errorf("frame of %d bytes exceeds limit: %w", size, ErrProtocol)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(conn, payload); err != nil {
		return 0, nil, err
	}
	return Kind(hdr[4]), payload, nil
}

// Hello announces a client session.
type Hello struct {
	Version    uint32
	Session    uuid.UUID
	NbKangaroo uint64
}

// EncodeHello packs a HELLO payload.
func EncodeHello(h Hello) []byte {
	buf := make([]byte, 4+16+8)
	binary.LittleEndian.PutUint32(buf[0:4], h.Version)
	copy(buf[4:20], h.Session[:])
	binary.LittleEndian.PutUint64(buf[20:28], h.NbKangaroo)
	return buf
}

// DecodeHello unpacks a HELLO payload.
func DecodeHello(b []byte) (Hello, error) {
	if len(b) != 28 {
		return Hello{}, fmt.Errorf("hello payload of %d bytes: %w", len(b), ErrProtocol)
	}
	var h Hello
	h.Version = binary.LittleEndian.Uint32(b[0:4])
	copy(h.Session[:], b[4:20])
	h.NbKangaroo = binary.LittleEndian.Uint64(b[20:28])
	return h, nil
}

// Config is the search configuration the server distributes.
type Config struct {
	DPSize     uint32
	RangeStart *big.Int
	RangeEnd   *big.Int
	Key        curve.Point
}

// EncodeConfig packs a CONFIG payload (big-endian scalars).
func EncodeConfig(c Config) []byte {
	buf := make([]byte, 4+4*32)
	binary.LittleEndian.PutUint32(buf[0:4], c.DPSize)
	c.RangeStart.FillBytes(buf[4:36])
	c.RangeEnd.FillBytes(buf[36:68])
	kx := c.Key.XBytes()
	ky := c.Key.YBytes()
	copy(buf[68:100], kx[:])
	copy(buf[100:132], ky[:])
	return buf
}

// DecodeConfig unpacks and validates a CONFIG payload.
func DecodeConfig(b []byte) (Config, error) {
	if len(b) != 132 {
		return Config{}, fmt.Errorf("config payload of %d bytes: %w", len(b), ErrProtocol)
	}
	var c Config
	c.DPSize = binary.LittleEndian.Uint32(b[0:4])
	c.RangeStart = new(big.Int).SetBytes(b[4:36])
	c.RangeEnd = new(big.Int).SetBytes(b[36:68])
	var kx, ky [32]byte
	copy(kx[:], b[68:100])
	copy(ky[:], b[100:132])
	key, err := curve.NewPoint(kx, ky)
	if err != nil {
		return Config{}, fmt.Errorf("config key: %v", err)
	}
	if !key.OnCurve() {
		return Config{}, fmt.Errorf("config key does not lie on elliptic curve: %w", ErrProtocol)
	}
	c.Key = key
	return c, nil
}

// DP is one distinguished point on the wire.
type DP struct {
	KIdx uint32
	H    uint32
	X    dptable.X128
	D    dptable.D128
}

const dpWireSize = 4 + 4 + 16 + 16

// EncodeDPs packs a DPS payload: u32 count then packed records.
func EncodeDPs(dps []DP) []byte {
	buf := make([]byte, 4+len(dps)*dpWireSize)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(len(dps)))
	off := 4
	for _, dp := range dps {
		binary.LittleEndian.PutUint32(buf[off:], dp.KIdx)
		binary.LittleEndian.PutUint32(buf[off+4:], dp.H)
		binary.LittleEndian.PutUint64(buf[off+8:], dp.X[0])
		binary.LittleEndian.PutUint64(buf[off+16:], dp.X[1])
		binary.LittleEndian.PutUint64(buf[off+24:], dp.D[0])
		binary.LittleEndian.PutUint64(buf[off+32:], dp.D[1])
		off += dpWireSize
	}
	return buf
}

// DecodeDPs unpacks a DPS payload.
func DecodeDPs(b []byte) ([]DP, error) {
	if len(b) < 4 {
		return nil, fmt.Errorf("dps payload of %d bytes: %w", len(b), ErrProtocol)
	}
	n := binary.LittleEndian.Uint32(b[0:4])
	if len(b) != 4+int(n)*dpWireSize {
		return nil, fmt.Errorf("dps payload length mismatch: %w", ErrProtocol)
	}
	dps := make([]DP, n)
	off := 4
	for i := range dps {
		dps[i].KIdx = binary.LittleEndian.Uint32(b[off:])
		dps[i].H = binary.LittleEndian.Uint32(b[off+4:])
		dps[i].X[0] = binary.LittleEndian.Uint64(b[off+8:])
		dps[i].X[1] = binary.LittleEndian.Uint64(b[off+16:])
		dps[i].D[0] = binary.LittleEndian.Uint64(b[off+24:])
		dps[i].D[1] = binary.LittleEndian.Uint64(b[off+32:])
		off += dpWireSize
	}
	return dps, nil
}

// Status reports search state back to clients.
type Status struct {
	Found      bool
	TotalCount uint64
	PrivKey    [32]byte // meaningful when Found
}

// EncodeStatus packs a STATUS payload.
func EncodeStatus(s Status) []byte {
	buf := make([]byte, 1+8+32)
	if s.Found {
		buf[0] = 1
	}
	binary.LittleEndian.PutUint64(buf[1:9], s.TotalCount)
	copy(buf[9:41], s.PrivKey[:])
	return buf
}

// DecodeStatus unpacks a STATUS payload.
func DecodeStatus(b []byte) (Status, error) {
	if len(b) != 41 {
		return Status{}, fmt.Errorf("status payload of %d bytes: %w", len(b), ErrProtocol)
	}
	var s Status
	s.Found = b[0] == 1
	s.TotalCount = binary.LittleEndian.Uint64(b[1:9])
	copy(s.PrivKey[:], b[9:41])
	return s, nil
}

// ErrorMsg is a terminal server-side rejection.
type ErrorMsg struct {
	Code uint16
	Text string
}

// EncodeError packs an ERROR payload.
func EncodeError(e ErrorMsg) []byte {
	buf := make([]byte, 2+len(e.Text))
	binary.LittleEndian.PutUint16(buf[0:2], e.Code)
	copy(buf[2:], e.Text)
	return buf
}

// DecodeError unpacks an ERROR payload.
func DecodeError(b []byte) (ErrorMsg, error) {
	if len(b) < 2 {
		return ErrorMsg{}, fmt.Errorf("error payload of %d bytes: %w", len(b), ErrProtocol)
	}
	return ErrorMsg{
		Code: binary.LittleEndian.Uint16(b[0:2]),
		Text: string(b[2:]),
	}, nil
}
