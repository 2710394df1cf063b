package netproto

import (
	"errors"
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/PatatasFritas/FriedKangaroo/internal/curve"
	"github.com/PatatasFritas/FriedKangaroo/internal/dptable"
)

func TestHelloRoundTrip(t *testing.T) {
	in := Hello{Version: ProtocolVersion, Session: uuid.New(), NbKangaroo: 1 << 20}
	out, err := DecodeHello(EncodeHello(in))
	if err != nil {
		t.Fatalf("DecodeHello: %v", err)
	}
	if out != in {
		t.Errorf("round trip = %+v, want %+v", out, in)
	}

	if _, err := DecodeHello([]byte{1, 2, 3}); !errors.Is(err, ErrProtocol) {
		t.Errorf("short hello: err = %v, want ErrProtocol", err)
	}
}

func TestConfigRoundTrip(t *testing.T) {
	key, err := curve.ParsePubKey("0279be667ef9dcbbac55a06295ce870b07029bfcdb2dce28d959f2815b16f81798")
	if err != nil {
		t.Fatal(err)
	}
	in := Config{
		DPSize:     18,
		RangeStart: big.NewInt(0x1000),
		RangeEnd:   big.NewInt(0x1fff),
		Key:        key,
	}
	out, err := DecodeConfig(EncodeConfig(in))
	if err != nil {
		t.Fatalf("DecodeConfig: %v", err)
	}
	if out.DPSize != in.DPSize ||
		out.RangeStart.Cmp(in.RangeStart) != 0 ||
		out.RangeEnd.Cmp(in.RangeEnd) != 0 ||
		!out.Key.Equals(&in.Key) {
		t.Errorf("config round trip mismatch")
	}
}

func TestDPsRoundTrip(t *testing.T) {
	in := []DP{
		{KIdx: 1, H: 42, X: dptable.X128{7, 8}, D: dptable.D128{9, 10}},
		{KIdx: 2, H: 99, X: dptable.X128{11, 12}, D: dptable.D128{13, 1 << 62}},
	}
	out, err := DecodeDPs(EncodeDPs(in))
	if err != nil {
		t.Fatalf("DecodeDPs: %v", err)
	}
	if len(out) != len(in) {
		t.Fatalf("got %d records, want %d", len(out), len(in))
	}
	for i := range in {
		if out[i] != in[i] {
			t.Errorf("record %d = %+v, want %+v", i, out[i], in[i])
		}
	}

	// A truncated payload must be rejected, not mis-parsed.
	if _, err := DecodeDPs(EncodeDPs(in)[:20]); !errors.Is(err, ErrProtocol) {
		t.Errorf("truncated dps: err = %v, want ErrProtocol", err)
	}
}

func TestStatusRoundTrip(t *testing.T) {
	var in Status
	in.Found = true
	in.TotalCount = 1234567
	in.PrivKey[31] = 0x37
	out, err := DecodeStatus(EncodeStatus(in))
	if err != nil {
		t.Fatalf("DecodeStatus: %v", err)
	}
	if out != in {
		t.Errorf("status round trip mismatch")
	}
}

func TestFrameOverPipe(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	payload := EncodeError(ErrorMsg{Code: ErrCodeVersion, Text: "protocol version 1 required"})
	go func() {
		WriteFrame(c1, KindError, payload, time.Second)
	}()

	kind, got, err := ReadFrame(c2, time.Second)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if kind != KindError {
		t.Errorf("kind = %d, want KindError", kind)
	}
	msg, err := DecodeError(got)
	if err != nil {
		t.Fatalf("DecodeError: %v", err)
	}
	if msg.Code != ErrCodeVersion || msg.Text != "protocol version 1 required" {
		t.Errorf("error round trip mismatch: %+v", msg)
	}
}

func TestFrameEmptyPayload(t *testing.T) {
	c1, c2 := net.Pipe()
	defer c1.Close()
	defer c2.Close()

	go func() {
		WriteFrame(c1, KindBye, nil, time.Second)
	}()
	kind, payload, err := ReadFrame(c2, time.Second)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if kind != KindBye || len(payload) != 0 {
		t.Errorf("bye frame mangled: kind=%d len=%d", kind, len(payload))
	}
}
