package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/marmos91/roost/internal/logger"
	"github.com/marmos91/roost/internal/ratelimiter"
	"github.com/marmos91/roost/pkg/metrics"
)

// Config holds the connection factory's tunables.
type Config struct {
	// ListenAddress is the TCP address clients connect to, e.g. ":2181".
	ListenAddress string

	// MaxClientCnxns caps simultaneous connections per remote IP.
	// 0 disables the cap.
	MaxClientCnxns int

	// MaxFrameBytes bounds a single frame's payload.
	MaxFrameBytes int

	// StagingBufferBytes sizes the sender's shared write-coalescing buffer.
	StagingBufferBytes int

	// AcceptRate/AcceptBurst throttle accepts per second. 0 disables.
	AcceptRate  uint
	AcceptBurst uint

	// WriteTimeout bounds a single socket write so one stuck client cannot
	// stall the sender.
	WriteTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.ListenAddress == "" {
		c.ListenAddress = ":2181"
	}
	if c.MaxFrameBytes <= 0 {
		c.MaxFrameBytes = 1024 * 1024
	}
	if c.StagingBufferBytes <= 0 {
		c.StagingBufferBytes = 64 * 1024
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 30 * time.Second
	}
}

// Factory owns the listening socket, the set of live connections, the
// per-remote-IP connection map, and the single sender goroutine with its
// shared write-coalescing buffer.
//
// Locking: mu covers both the connection set and the IP map; membership in
// either changes only under it. sendMu covers the sender's ready list. The
// staging buffer is touched only by the sender goroutine.
type Factory struct {
	cfg     Config
	backend Backend
	metrics metrics.ConnMetrics

	listener net.Listener
	limiter  *ratelimiter.RateLimiter

	mu    sync.Mutex
	cnxns map[*Cnxn]struct{}
	ipMap map[string]map[*Cnxn]struct{}

	sendMu     sync.Mutex
	sendCond   *sync.Cond
	writeReady []*Cnxn
	staging    []byte

	ctx          context.Context
	cancel       context.CancelFunc
	wg           sync.WaitGroup
	shutdownOnce sync.Once
}

// NewFactory binds the listening socket. Call Start to begin accepting.
// A nil metrics sink selects the no-op implementation.
func NewFactory(cfg Config, backend Backend, m metrics.ConnMetrics) (*Factory, error) {
	cfg.applyDefaults()
	if m == nil {
		m = metrics.NewNoopConnMetrics()
	}

	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return nil, fmt.Errorf("failed to start listener: %w", err)
	}
	logger.Info("binding to address %s", listener.Addr())

	ctx, cancel := context.WithCancel(context.Background())
	f := &Factory{
		cfg:      cfg,
		backend:  backend,
		metrics:  m,
		listener: listener,
		limiter:  ratelimiter.New(cfg.AcceptRate, cfg.AcceptBurst),
		cnxns:    make(map[*Cnxn]struct{}),
		ipMap:    make(map[string]map[*Cnxn]struct{}),
		staging:  make([]byte, cfg.StagingBufferBytes),
		ctx:      ctx,
		cancel:   cancel,
	}
	f.sendCond = sync.NewCond(&f.sendMu)
	return f, nil
}

// LocalAddr returns the bound listen address.
func (f *Factory) LocalAddr() net.Addr {
	return f.listener.Addr()
}

// Start launches the accept loop and the sender.
func (f *Factory) Start() {
	f.wg.Add(2)
	go f.acceptLoop()
	go f.senderLoop()
}

// ============================================================================
// Accept path
// ============================================================================

func (f *Factory) acceptLoop() {
	defer f.wg.Done()

	for {
		if err := f.limiter.Wait(f.ctx); err != nil {
			return
		}

		sock, err := f.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || f.ctx.Err() != nil {
				return
			}
			logger.Warn("Ignoring accept error: %v", err)
			continue
		}

		ip := remoteIP(sock)
		if max := f.cfg.MaxClientCnxns; max > 0 && f.clientCnxnCount(ip) >= max {
			logger.Warn("Too many connections from %s - max is %d", ip, max)
			f.metrics.ConnectionRejected()
			_ = sock.Close()
			continue
		}

		logger.Info("Accepted socket connection from %s", sock.RemoteAddr())
		if tcp, ok := sock.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
			_ = tcp.SetLinger(-1)
		}

		c := newCnxn(f, f.backend, sock, ip)
		f.addCnxn(c)
		f.metrics.ConnectionAccepted()
		f.metrics.SetActiveConnections(f.ConnectionCount())

		f.wg.Add(1)
		go func() {
			defer f.wg.Done()
			c.serve()
		}()
	}
}

func remoteIP(sock net.Conn) string {
	host, _, err := net.SplitHostPort(sock.RemoteAddr().String())
	if err != nil {
		return sock.RemoteAddr().String()
	}
	return host
}

func (f *Factory) addCnxn(c *Cnxn) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.cnxns[c] = struct{}{}
	set, ok := f.ipMap[c.ip]
	if !ok {
		// in general we will see 1 connection from each host, so a small
		// initial capacity keeps the common case cheap
		set = make(map[*Cnxn]struct{}, 2)
		f.ipMap[c.ip] = set
	}
	set[c] = struct{}{}
}

// removeCnxn takes c out of the connection set and the IP map. Returns
// false if c was not a member, which is how Close stays idempotent.
func (f *Factory) removeCnxn(c *Cnxn) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, ok := f.cnxns[c]; !ok {
		return false
	}
	delete(f.cnxns, c)
	if set, ok := f.ipMap[c.ip]; ok {
		delete(set, c)
		if len(set) == 0 {
			delete(f.ipMap, c.ip)
		}
	}
	return true
}

func (f *Factory) clientCnxnCount(ip string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.ipMap[ip])
}

// ConnectionCount returns the number of live connections.
func (f *Factory) ConnectionCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.cnxns)
}

// Connections returns a snapshot of the live connections, so callers can
// iterate without holding the factory lock.
func (f *Factory) Connections() []*Cnxn {
	f.mu.Lock()
	defer f.mu.Unlock()

	snapshot := make([]*Cnxn, 0, len(f.cnxns))
	for c := range f.cnxns {
		snapshot = append(snapshot, c)
	}
	return snapshot
}

// CloseSession closes every connection bound to sessionID.
func (f *Factory) CloseSession(sessionID int64) {
	f.closeSessionConnections(sessionID)
}

// closeSessionConnections closes connections matching sessionID from a
// snapshot, without holding the factory lock across the closes.
func (f *Factory) closeSessionConnections(sessionID int64) {
	for _, c := range f.Connections() {
		if c.SessionID() == sessionID {
			c.Close()
		}
	}
}

// ============================================================================
// Sender
// ============================================================================

// scheduleWrite marks c write-interested and hands it to the sender. A
// connection appears in the ready list at most once.
func (f *Factory) scheduleWrite(c *Cnxn) {
	c.outMu.Lock()
	if c.writeScheduled || len(c.outgoing) == 0 {
		c.outMu.Unlock()
		return
	}
	c.writeScheduled = true
	c.outMu.Unlock()

	f.sendMu.Lock()
	f.writeReady = append(f.writeReady, c)
	f.sendCond.Signal()
	f.sendMu.Unlock()
}

func (f *Factory) senderLoop() {
	defer f.wg.Done()

	f.sendMu.Lock()
	for {
		for len(f.writeReady) == 0 && f.ctx.Err() == nil {
			f.sendCond.Wait()
		}
		if f.ctx.Err() != nil {
			f.sendMu.Unlock()
			return
		}
		c := f.writeReady[0]
		f.writeReady = f.writeReady[1:]
		f.sendMu.Unlock()

		f.doWrite(c)

		f.sendMu.Lock()
	}
}

// doWrite drains c's outbound queue through the shared staging buffer.
//
// Queued frames are copied into the staging buffer in order, a single
// socket write pushes the staged bytes, and the queue heads are consumed by
// the amount actually written; a partially written head is re-sliced in
// place. Hitting the close marker raises the close request; nothing staged
// ever comes from beyond it.
func (f *Factory) doWrite(c *Cnxn) {
	closeRequested := false
	var writeErr error

	for {
		c.outMu.Lock()
		if len(c.outgoing) == 0 {
			c.writeScheduled = false
			c.outMu.Unlock()
			break
		}
		if len(c.outgoing[0]) == 0 {
			// close marker at the head: everything before it has flushed
			c.outgoing = nil
			c.writeScheduled = false
			c.outMu.Unlock()
			closeRequested = true
			break
		}
		n := 0
		for _, b := range c.outgoing {
			if len(b) == 0 {
				break
			}
			if n == len(f.staging) {
				break
			}
			n += copy(f.staging[n:], b)
		}
		c.outMu.Unlock()

		if timeout := f.cfg.WriteTimeout; timeout > 0 {
			_ = c.sock.SetWriteDeadline(time.Now().Add(timeout))
		}
		sent, err := c.sock.Write(f.staging[:n])

		c.outMu.Lock()
		rem := sent
		for len(c.outgoing) > 0 {
			head := c.outgoing[0]
			if len(head) == 0 {
				c.outgoing = nil
				closeRequested = true
				break
			}
			if rem < len(head) {
				// partial send: keep the unsent tail as the new head
				c.outgoing[0] = head[rem:]
				break
			}
			rem -= len(head)
			c.outgoing = c.outgoing[1:]
			c.packetSent()
		}
		if len(c.outgoing) == 0 {
			c.writeScheduled = false
		}
		c.outMu.Unlock()

		if err != nil {
			writeErr = err
			break
		}
		if closeRequested {
			break
		}
	}

	if writeErr != nil {
		if !c.isClosed() {
			logger.Warn("Write failed on session 0x%x: %v", c.SessionID(), writeErr)
		}
		c.Close()
		return
	}
	if closeRequested {
		logger.Debug("Close requested for session 0x%x", c.SessionID())
		c.Close()
		return
	}

	// A drained, pre-handshake connection with reads disabled has nothing
	// left to send or receive, so it is closed. Diagnostic probes do not
	// reach this path: runCommand writes them synchronously and closes.
	if !c.isInitialized() && !c.recvIsEnabled() {
		c.outMu.Lock()
		empty := len(c.outgoing) == 0
		c.outMu.Unlock()
		if empty {
			logger.Debug("Responded to info probe from %s", c.sock.RemoteAddr())
			c.Close()
		}
	}
}

// ============================================================================
// Shutdown
// ============================================================================

// Shutdown closes the listener, tears down every connection, stops the
// sender and waits for all goroutines to exit. Safe to call more than once.
func (f *Factory) Shutdown() {
	f.shutdownOnce.Do(func() {
		f.cancel()
		if err := f.listener.Close(); err != nil {
			logger.Debug("ignoring error during listener close: %v", err)
		}

		// Close from a snapshot; holding the factory lock across closes
		// could deadlock against per-connection locks.
		for _, c := range f.Connections() {
			c.Close()
		}

		f.sendMu.Lock()
		f.sendCond.Broadcast()
		f.sendMu.Unlock()

		f.wg.Wait()
		logger.Info("Connection factory exited")
	})
}
