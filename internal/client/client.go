// Package client runs a walker fleet against a remote coordination
// server: it pulls the search configuration, streams distinguished
// points in batches and stops when the server reports the key.
package client

import (
	"errors"
	"fmt"
	"log"
	"math/big"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/PatatasFritas/FriedKangaroo/internal/dptable"
	"github.com/PatatasFritas/FriedKangaroo/internal/kangaroo"
	"github.com/PatatasFritas/FriedKangaroo/internal/netproto"
)

// Params configures the client.
type Params struct {
	ServerAddr  string
	NbCPUThread int
	GrpSize     int
	UseSymmetry bool
	NTimeout    time.Duration
	BatchSize   int // DPs per DPS frame

	WorkFile     string // HEADK checkpoints
	InputFile    string
	SavePeriod   time.Duration
	SaveKangaroo bool
}

// Client owns the connection, the outbound DP buffer and the local
// solver running in pure-emitter mode.
type Client struct {
	p       Params
	session uuid.UUID
	solver  *kangaroo.Solver

	mu       sync.Mutex
	pending  []netproto.DP
	foundKey *big.Int

	conn net.Conn
}

// New prepares a client session.
func New(p Params) *Client {
	if p.NTimeout == 0 {
		p.NTimeout = 30 * time.Second
	}
	if p.BatchSize == 0 {
		p.BatchSize = 256
	}
	return &Client{p: p, session: uuid.New()}
}

// connect dials the server and performs the HELLO/CONFIG exchange.
// A version rejection is terminal (ErrProtocol); other failures are
// transient and retried by the caller.
func (c *Client) connect(nbKangaroo uint64) (netproto.Config, error) {
	conn, err := net.DialTimeout("tcp", c.p.ServerAddr, c.p.NTimeout)
	if err != nil {
		return netproto.Config{}, err
	}

	hello := netproto.Hello{
		Version:    netproto.ProtocolVersion,
		Session:    c.session,
		NbKangaroo: nbKangaroo,
	}
	if err := netproto.WriteFrame(conn, netproto.KindHello, netproto.EncodeHello(hello), c.p.NTimeout); err != nil {
		conn.Close()
		return netproto.Config{}, err
	}

	kind, payload, err := netproto.ReadFrame(conn, c.p.NTimeout)
	if err != nil {
		conn.Close()
		return netproto.Config{}, err
	}
	switch kind {
	case netproto.KindConfig:
		cfg, err := netproto.DecodeConfig(payload)
		if err != nil {
			conn.Close()
			return netproto.Config{}, err
		}
		c.conn = conn
		return cfg, nil
	case netproto.KindError:
		msg, _ := netproto.DecodeError(payload)
		conn.Close()
		return netproto.Config{}, fmt.Errorf("server rejected session: %s: %w", msg.Text, netproto.ErrProtocol)
	default:
		conn.Close()
		return netproto.Config{}, fmt.Errorf("unexpected frame kind %d: %w", kind, netproto.ErrProtocol)
	}
}

// Run connects (retrying transient failures), builds the local solver
// from the server's configuration and walks until the server reports
// the key. Returns netproto.ErrProtocol on version mismatch, which the
// CLI maps to exit code 3.
func (c *Client) Run() (*big.Int, error) {
	nbKangaroo := uint64(c.p.NbCPUThread) * uint64(c.p.GrpSize)

	var cfg netproto.Config
	var err error
	backoff := time.Second
	for {
		cfg, err = c.connect(nbKangaroo)
		if err == nil {
			break
		}
		if errors.Is(err, netproto.ErrProtocol) {
			return nil, err
		}
		log.Printf("[Client] Cannot reach server %s: %v, retrying in %s", c.p.ServerAddr, err, backoff)
		time.Sleep(backoff)
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
	log.Printf("[Client] Connected to %s [session %s, DP%d]", c.p.ServerAddr, c.session, cfg.DPSize)

	solver, err := kangaroo.NewSolver(kangaroo.Params{
		RangeStart:   cfg.RangeStart,
		RangeEnd:     cfg.RangeEnd,
		Key:          cfg.Key,
		DPSize:       int32(cfg.DPSize),
		NbCPUThread:  c.p.NbCPUThread,
		GrpSize:      c.p.GrpSize,
		UseSymmetry:  c.p.UseSymmetry,
		WorkFile:     c.p.WorkFile,
		InputFile:    c.p.InputFile,
		SavePeriod:   c.p.SavePeriod,
		SaveKangaroo: c.p.SaveKangaroo,
	})
	if err != nil {
		return nil, err
	}
	c.solver = solver
	solver.DPHandler = c.queueDP

	stopSender := make(chan struct{})
	var senderWG sync.WaitGroup
	senderWG.Add(1)
	go func() {
		defer senderWG.Done()
		c.senderLoop(stopSender)
	}()

	if _, err := solver.Run(); err != nil {
		close(stopSender)
		senderWG.Wait()
		return nil, err
	}
	close(stopSender)
	senderWG.Wait()

	if c.conn != nil {
		netproto.WriteFrame(c.conn, netproto.KindBye, nil, c.p.NTimeout)
		c.conn.Close()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.foundKey, nil
}

// queueDP is the solver's DP handler; it runs on walker threads.
func (c *Client) queueDP(kIdx uint32, h uint32, x dptable.X128, d dptable.D128) {
	c.mu.Lock()
	c.pending = append(c.pending, netproto.DP{KIdx: kIdx, H: h, X: x, D: d})
	c.mu.Unlock()
}

// takeBatch removes up to BatchSize pending DPs.
func (c *Client) takeBatch() []netproto.DP {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.pending)
	if n == 0 {
		return nil
	}
	if n > c.p.BatchSize {
		n = c.p.BatchSize
	}
	batch := make([]netproto.DP, n)
	copy(batch, c.pending[:n])
	c.pending = c.pending[n:]
	return batch
}

// senderLoop flushes DP batches and applies the server's status reply.
// On a transient socket failure the same batch is retried after a
// reconnect; the server absorbs duplicates as ADD_DUPLICATE.
func (c *Client) senderLoop(stop chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	var retry []netproto.DP
	for {
		select {
		case <-stop:
			// Final flush, starting with any batch awaiting retry, so a
			// graceful shutdown loses nothing while the connection holds;
			// the first failed send ends the flush.
			batch := retry
			if batch == nil {
				batch = c.takeBatch()
			}
			for ; batch != nil; batch = c.takeBatch() {
				if !c.sendBatch(batch) {
					break
				}
			}
			return
		case <-ticker.C:
			// Drain everything pending each tick; walkers can outpace a
			// single batch per flush by orders of magnitude.
			for {
				batch := retry
				retry = nil
				if batch == nil {
					batch = c.takeBatch()
				}
				if batch == nil {
					break
				}
				if !c.sendBatch(batch) {
					retry = batch
					c.reconnect()
					break
				}
			}
		}
	}
}

// sendBatch transmits one DPS frame and handles the STATUS reply.
// Returns false on transport failure.
func (c *Client) sendBatch(batch []netproto.DP) bool {
	if c.conn == nil {
		return false
	}
	if err := netproto.WriteFrame(c.conn, netproto.KindDPs, netproto.EncodeDPs(batch), c.p.NTimeout); err != nil {
		log.Printf("[Client] Send failed (%d DPs): %v", len(batch), err)
		return false
	}
	kind, payload, err := netproto.ReadFrame(c.conn, c.p.NTimeout)
	if err != nil {
		log.Printf("[Client] Status read failed: %v", err)
		return false
	}
	if kind != netproto.KindStatus {
		log.Printf("[Client] Unexpected frame kind %d, reconnecting", kind)
		return false
	}
	status, err := netproto.DecodeStatus(payload)
	if err != nil {
		return false
	}
	if status.Found {
		pk := new(big.Int).SetBytes(status.PrivKey[:])
		log.Printf("[Client] Server reports key found: 0x%064X", pk)
		c.mu.Lock()
		c.foundKey = pk
		c.mu.Unlock()
		c.solver.Stop()
	}
	return true
}

func (c *Client) reconnect() {
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	nbKangaroo := uint64(c.p.NbCPUThread) * uint64(c.p.GrpSize)
	if _, err := c.connect(nbKangaroo); err != nil {
		if errors.Is(err, netproto.ErrProtocol) {
			log.Printf("[Client] Server rejected reconnect: %v", err)
			c.solver.Stop()
			return
		}
		log.Printf("[Client] Reconnect failed: %v", err)
	}
}
