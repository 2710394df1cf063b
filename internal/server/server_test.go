package server

import (
	"math/big"
	"net"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/PatatasFritas/FriedKangaroo/internal/client"
	"github.com/PatatasFritas/FriedKangaroo/internal/curve"
	"github.com/PatatasFritas/FriedKangaroo/internal/dptable"
	"github.com/PatatasFritas/FriedKangaroo/internal/kangaroo"
	"github.com/PatatasFritas/FriedKangaroo/internal/netproto"
)

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	k := big.NewInt(0x1337)
	ks := curve.BigToScalar(k)
	key := curve.ScalarBaseMult(&ks)

	solver, err := kangaroo.NewSolver(kangaroo.Params{
		RangeStart: big.NewInt(0x1000),
		RangeEnd:   big.NewInt(0x1fff),
		Key:        key,
		DPSize:     4,
		WTimeout:   time.Second,
	})
	if err != nil {
		t.Fatalf("NewSolver: %v", err)
	}
	solver.SetDP(4, 128)

	srv := New(solver, Params{Port: 0, NTimeout: 2 * time.Second})
	go srv.Run(0)
	t.Cleanup(srv.Stop)

	deadline := time.Now().Add(5 * time.Second)
	for srv.Addr() == "" {
		if time.Now().After(deadline) {
			t.Fatalf("server did not start listening")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return srv, srv.Addr()
}

func TestServerRejectsVersionSkew(t *testing.T) {
	_, addr := startTestServer(t)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := netproto.Hello{Version: netproto.ProtocolVersion - 1, Session: uuid.New()}
	if err := netproto.WriteFrame(conn, netproto.KindHello, netproto.EncodeHello(hello), time.Second); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	kind, payload, err := netproto.ReadFrame(conn, 2*time.Second)
	if err != nil {
		t.Fatalf("read reply: %v", err)
	}
	if kind != netproto.KindError {
		t.Fatalf("reply kind = %d, want KindError", kind)
	}
	msg, err := netproto.DecodeError(payload)
	if err != nil {
		t.Fatalf("decode error frame: %v", err)
	}
	if msg.Code != netproto.ErrCodeVersion {
		t.Errorf("error code = %d, want ErrCodeVersion", msg.Code)
	}
}

func TestServerConfigAndDPIngestion(t *testing.T) {
	srv, addr := startTestServer(t)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	hello := netproto.Hello{Version: netproto.ProtocolVersion, Session: uuid.New(), NbKangaroo: 64}
	if err := netproto.WriteFrame(conn, netproto.KindHello, netproto.EncodeHello(hello), time.Second); err != nil {
		t.Fatalf("write hello: %v", err)
	}

	kind, payload, err := netproto.ReadFrame(conn, 2*time.Second)
	if err != nil || kind != netproto.KindConfig {
		t.Fatalf("expected CONFIG, got kind=%d err=%v", kind, err)
	}
	cfg, err := netproto.DecodeConfig(payload)
	if err != nil {
		t.Fatalf("decode config: %v", err)
	}
	if cfg.DPSize != 4 || cfg.RangeStart.Int64() != 0x1000 || cfg.RangeEnd.Int64() != 0x1fff {
		t.Errorf("config = %+v", cfg)
	}

	dps := []netproto.DP{
		{KIdx: 0, H: 3, X: dptable.X128{10, 20}, D: dptable.D128{30, 0}},
		{KIdx: 1, H: 9, X: dptable.X128{11, 21}, D: dptable.D128{31, 1 << 62}},
	}
	sendBatch := func() netproto.Status {
		t.Helper()
		if err := netproto.WriteFrame(conn, netproto.KindDPs, netproto.EncodeDPs(dps), time.Second); err != nil {
			t.Fatalf("write dps: %v", err)
		}
		kind, payload, err := netproto.ReadFrame(conn, 2*time.Second)
		if err != nil || kind != netproto.KindStatus {
			t.Fatalf("expected STATUS, got kind=%d err=%v", kind, err)
		}
		status, err := netproto.DecodeStatus(payload)
		if err != nil {
			t.Fatalf("decode status: %v", err)
		}
		return status
	}

	status := sendBatch()
	if status.Found {
		t.Errorf("found flag set for random records")
	}

	deadline := time.Now().Add(5 * time.Second)
	for srv.solver.Table().NbItem() != 2 {
		if time.Now().After(deadline) {
			t.Fatalf("ingested %d records, want 2", srv.solver.Table().NbItem())
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Retransmitting the same batch must be idempotent.
	sendBatch()
	time.Sleep(100 * time.Millisecond)
	if got := srv.solver.Table().NbItem(); got != 2 {
		t.Errorf("duplicate batch changed table: %d records", got)
	}
}

// TestClientSolvesThroughServer runs the full coordination loop on the
// toy interval: real walkers on the client, canonical table and
// collision resolution on the server.
func TestClientSolvesThroughServer(t *testing.T) {
	srv, addr := startTestServer(t)

	done := make(chan *big.Int, 1)
	go func() {
		cl := client.New(client.Params{
			ServerAddr:  addr,
			NbCPUThread: 2,
			GrpSize:     64,
			NTimeout:    2 * time.Second,
			BatchSize:   256,
		})
		pk, err := cl.Run()
		if err != nil {
			t.Errorf("client run: %v", err)
		}
		done <- pk
	}()

	select {
	case <-done:
	case <-time.After(90 * time.Second):
		srv.Stop()
		t.Fatalf("toy search did not converge through the wire")
	}

	pk := srv.solver.PrivKey()
	if pk == nil || pk.Int64() != 0x1337 {
		t.Fatalf("server recovered %v, want 0x1337", pk)
	}
}
