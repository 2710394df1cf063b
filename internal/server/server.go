// Package server implements the coordination server: it owns the single
// canonical DP table, distributes the search configuration to clients,
// drains their DP batches under a single writer and checkpoints the
// table periodically.
package server

import (
	"fmt"
	"log"
	"math"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/PatatasFritas/FriedKangaroo/internal/dptable"
	"github.com/PatatasFritas/FriedKangaroo/internal/kangaroo"
	"github.com/PatatasFritas/FriedKangaroo/internal/netproto"
	"github.com/PatatasFritas/FriedKangaroo/pkg/models"
)

// Params configures the server.
type Params struct {
	Port     int
	NTimeout time.Duration // per-frame socket deadline
}

type dpBatch struct {
	from uuid.UUID
	dps  []netproto.DP
}

// Server accepts client connections and feeds their DPs into the
// canonical table. Insertion runs under a single writer goroutine, so
// table access needs no additional locking beyond the save gate.
type Server struct {
	solver *kangaroo.Solver
	p      Params

	listener net.Listener
	queue    chan dpBatch
	ingestMu sync.Mutex

	clientsMu sync.Mutex
	clients   map[uuid.UUID]net.Conn

	connectedKangaroos atomic.Uint64
	estimatedOps       atomic.Uint64
	dead               atomic.Int64

	stopOnce sync.Once
	done     chan struct{}
}

// New wraps a prepared solver (range, key and DP size already set, work
// file optionally loaded).
func New(solver *kangaroo.Solver, p Params) *Server {
	if p.NTimeout == 0 {
		p.NTimeout = 30 * time.Second
	}
	return &Server{
		solver:  solver,
		p:       p,
		queue:   make(chan dpBatch, 64),
		clients: make(map[uuid.UUID]net.Conn),
		done:    make(chan struct{}),
	}
}

// Progress extends the solver snapshot with client accounting.
func (s *Server) Progress() models.Progress {
	prog := s.solver.Progress()
	prog.IsRunning = !s.solver.EndOfSearch()
	prog.TotalCount += s.estimatedOps.Load()
	prog.Kangaroos = s.connectedKangaroos.Load()
	prog.DeadKangaroos += s.dead.Load()
	s.clientsMu.Lock()
	prog.ConnectedClients = len(s.clients)
	s.clientsMu.Unlock()
	return prog
}

// Addr returns the bound listen address once Run is active, which lets
// tests and callers use an ephemeral port.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// SaveServerWork quiesces ingestion and checkpoints the canonical
// table. Exposed for the status API's save trigger.
func (s *Server) SaveServerWork() {
	s.ingestMu.Lock()
	defer s.ingestMu.Unlock()
	s.solver.SaveWork()
}

// Run listens until the key is found or Stop is called.
func (s *Server) Run(savePeriod time.Duration) error {
	addr := fmt.Sprintf(":%d", s.p.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: cannot listen on %s: %v", addr, err)
	}
	s.listener = ln
	log.Printf("[Server] Listening on %s", addr)

	go s.ingestLoop()

	if savePeriod > 0 {
		go func() {
			ticker := time.NewTicker(savePeriod)
			defer ticker.Stop()
			for {
				select {
				case <-s.done:
					return
				case <-ticker.C:
					s.SaveServerWork()
				}
			}
		}()
	}

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.done:
				return nil
			default:
			}
			log.Printf("[Server] Accept error: %v", err)
			continue
		}
		go s.handleConn(conn)
	}
}

// Stop shuts the server down and then writes a final checkpoint. The
// found/status broadcast goes out before connection handlers are
// released so every client observes the terminal state.
func (s *Server) Stop() {
	s.stopOnce.Do(func() {
		s.solver.Stop()
		s.broadcastStatus()
		close(s.done)
		if s.listener != nil {
			s.listener.Close()
		}
		s.SaveServerWork()
	})
}

// ingestLoop is the single table writer. Batches arriving while a save
// is in flight wait on the ingest mutex, which the save path holds.
func (s *Server) ingestLoop() {
	for {
		select {
		case <-s.done:
			return
		case batch := <-s.queue:
			s.ingestMu.Lock()
			for _, dp := range batch.dps {
				status, existing := s.solver.Table().Add(dp.H, dptable.Entry{X: dp.X, D: dp.D})
				switch status {
				case dptable.AddDuplicate:
					// Retransmitted batches land here; absorbed silently.
					s.dead.Add(1)
				case dptable.AddCollision:
					if s.solver.ResolveCollision(existing, dptable.Entry{X: dp.X, D: dp.D}) {
						s.ingestMu.Unlock()
						s.onFound()
						return
					}
					s.dead.Add(1)
				}
			}
			// Each DP stands for ~2^dpSize walk steps on its client.
			s.estimatedOps.Add(uint64(len(batch.dps)) << s.solver.DPSize())
			s.ingestMu.Unlock()
		}
	}
}

func (s *Server) onFound() {
	log.Printf("[Server] Key found, signalling %d clients", s.clientCount())
	s.Stop()
}

func (s *Server) clientCount() int {
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	return len(s.clients)
}

func (s *Server) status() netproto.Status {
	st := netproto.Status{
		TotalCount: s.solver.TotalCount() + s.estimatedOps.Load(),
	}
	if pk := s.solver.PrivKey(); pk != nil {
		st.Found = true
		pk.FillBytes(st.PrivKey[:])
	}
	return st
}

func (s *Server) broadcastStatus() {
	st := s.status()
	payload := netproto.EncodeStatus(st)
	s.clientsMu.Lock()
	defer s.clientsMu.Unlock()
	for id, conn := range s.clients {
		if err := netproto.WriteFrame(conn, netproto.KindStatus, payload, s.p.NTimeout); err != nil {
			log.Printf("[Server] Dropping client %s: %v", id, err)
			conn.Close()
			delete(s.clients, id)
		}
	}
}

func (s *Server) handleConn(conn net.Conn) {
	kind, payload, err := netproto.ReadFrame(conn, s.p.NTimeout)
	if err != nil || kind != netproto.KindHello {
		log.Printf("[Server] %s: expected HELLO: %v", conn.RemoteAddr(), err)
		conn.Close()
		return
	}
	hello, err := netproto.DecodeHello(payload)
	if err != nil {
		conn.Close()
		return
	}
	if hello.Version != netproto.ProtocolVersion {
		log.Printf("[Server] %s: protocol version %d, want %d, rejecting",
			conn.RemoteAddr(), hello.Version, netproto.ProtocolVersion)
		msg := netproto.EncodeError(netproto.ErrorMsg{
			Code: netproto.ErrCodeVersion,
			Text: fmt.Sprintf("protocol version %d required", netproto.ProtocolVersion),
		})
		netproto.WriteFrame(conn, netproto.KindError, msg, s.p.NTimeout)
		conn.Close()
		return
	}

	rs, re := s.solver.Range()
	cfg := netproto.Config{
		DPSize:     s.solver.DPSize(),
		RangeStart: rs,
		RangeEnd:   re,
		Key:        s.solver.Key(),
	}
	if err := netproto.WriteFrame(conn, netproto.KindConfig, netproto.EncodeConfig(cfg), s.p.NTimeout); err != nil {
		conn.Close()
		return
	}

	s.clientsMu.Lock()
	s.clients[hello.Session] = conn
	nbClients := len(s.clients)
	s.clientsMu.Unlock()
	s.connectedKangaroos.Add(hello.NbKangaroo)
	log.Printf("[Server] Client %s connected [%d clients, 2^%.2f kangaroos]",
		hello.Session, nbClients, log2(s.connectedKangaroos.Load()))

	defer func() {
		s.clientsMu.Lock()
		if c, ok := s.clients[hello.Session]; ok && c == conn {
			delete(s.clients, hello.Session)
		}
		nbClients := len(s.clients)
		s.clientsMu.Unlock()
		s.connectedKangaroos.Add(^(hello.NbKangaroo - 1)) // subtract
		conn.Close()
		log.Printf("[Server] Client %s disconnected [%d clients]", hello.Session, nbClients)
	}()

	for {
		// Generous read deadline: clients with large DP sizes can be
		// quiet for a while between batches.
		kind, payload, err := netproto.ReadFrame(conn, 10*s.p.NTimeout)
		if err != nil {
			return
		}
		switch kind {
		case netproto.KindDPs:
			dps, err := netproto.DecodeDPs(payload)
			if err != nil {
				log.Printf("[Server] Client %s: bad DP batch: %v", hello.Session, err)
				return
			}
			select {
			case s.queue <- dpBatch{from: hello.Session, dps: dps}:
			case <-s.done:
				return
			}
			if err := netproto.WriteFrame(conn, netproto.KindStatus,
				netproto.EncodeStatus(s.status()), s.p.NTimeout); err != nil {
				return
			}
		case netproto.KindBye:
			return
		default:
			log.Printf("[Server] Client %s: unexpected frame kind %d", hello.Session, kind)
			return
		}
	}
}

func log2(v uint64) float64 {
	if v == 0 {
		return 0
	}
	return math.Log2(float64(v))
}
