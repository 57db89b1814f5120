package server

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/marmos91/roost/internal/logger"
	"github.com/marmos91/roost/internal/protocol/codec"
	"github.com/marmos91/roost/internal/protocol/proto"
	"github.com/marmos91/roost/pkg/auth"
)

// closeMarker is the sentinel queued by SendCloseSession. The sender
// recognises it by its zero length (real frames always carry at least the
// 4-byte length prefix) and tears the connection down once everything
// queued before it has flushed. Nothing queued after it is ever written.
var closeMarker = []byte{}

// closeRequestError signals an orderly close decided by this layer. It is
// an internal control signal, not an error condition.
type closeRequestError struct {
	reason string
}

func (e *closeRequestError) Error() string { return "close requested: " + e.reason }

// Cnxn is the per-socket connection state: framing buffers, the outbound
// queue, the receive gate, the session handshake state and statistics.
//
// One reader goroutine drives the framed read loop; the factory's sender
// goroutine drains the outbound queue. Upstream threads touch a Cnxn only
// through the Handle methods.
type Cnxn struct {
	factory *Factory
	backend Backend
	sock    net.Conn
	ip      string

	lenBuf [4]byte

	mu                  sync.Mutex
	sessionID           int64
	sessionTimeout      int32
	initialized         bool
	outstandingRequests int
	authInfo            []proto.ID

	// recvMu guards the receive gate. The reader blocks between frames
	// while recvEnabled is false; closing the connection releases it.
	recvMu      sync.Mutex
	recvCond    *sync.Cond
	recvEnabled bool
	closed      bool

	// outMu guards the outbound FIFO and its scheduling flag. Entries are
	// whole frames except for a partially-sent head, which is re-sliced in
	// place as bytes drain.
	outMu          sync.Mutex
	outgoing       [][]byte
	writeScheduled bool

	stats *CnxnStats
}

func newCnxn(f *Factory, backend Backend, sock net.Conn, ip string) *Cnxn {
	c := &Cnxn{
		factory:     f,
		backend:     backend,
		sock:        sock,
		ip:          ip,
		recvEnabled: true,
		stats:       newCnxnStats(),
	}
	c.recvCond = sync.NewCond(&c.recvMu)
	c.authInfo = append(c.authInfo, proto.ID{Scheme: "ip", ID: ip})
	return c
}

func (c *Cnxn) String() string {
	return fmt.Sprintf("Cnxn{remote=%s, sid=0x%x}", c.sock.RemoteAddr(), c.SessionID())
}

// ============================================================================
// Read path
// ============================================================================

// serve runs the framed read loop until the connection closes. Each frame
// is read in two phases: the 4-byte length, then a payload of exactly that
// size. A short read simply blocks here; the retained buffers pick up where
// the previous read left off.
func (c *Cnxn) serve() {
	defer func() {
		if r := recover(); r != nil {
			logger.Warn("Ignoring unexpected runtime error on %s: %v", c, r)
			c.Close()
		}
	}()

	for {
		if !c.waitRecvEnabled() {
			return
		}

		if _, err := io.ReadFull(c.sock, c.lenBuf[:]); err != nil {
			c.readFailed(err)
			return
		}
		length := int32(binary.BigEndian.Uint32(c.lenBuf[:]))

		// Pre-handshake, the length field may be a diagnostic probe.
		// After initialization the value is always a length.
		if !c.isInitialized() {
			if name, ok := lookupCommand(length); ok {
				c.packetReceived()
				c.runCommand(name)
				return
			}
		}

		if length < 0 || int(length) > c.factory.cfg.MaxFrameBytes {
			logger.Warn("Frame length error %d from %s, closing", length, c.sock.RemoteAddr())
			c.Close()
			return
		}

		payload := make([]byte, length)
		if _, err := io.ReadFull(c.sock, payload); err != nil {
			c.readFailed(err)
			return
		}
		c.packetReceived()

		var err error
		if !c.isInitialized() {
			err = c.readConnectRequest(payload)
		} else {
			err = c.readRequest(payload)
		}
		if err != nil {
			switch err.(type) {
			case *closeRequestError:
				// expected close, already logged at decision point
			default:
				logger.Warn("Exception causing close of session 0x%x: %v", c.SessionID(), err)
			}
			c.Close()
			return
		}
	}
}

func (c *Cnxn) readFailed(err error) {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		logger.Warn("Unable to read additional data from client sessionid 0x%x, likely client has closed socket", c.SessionID())
	} else if !c.isClosed() {
		logger.Warn("Read error on session 0x%x: %v", c.SessionID(), err)
	}
	c.Close()
}

// readConnectRequest performs the handshake on the first framed payload.
func (c *Cnxn) readConnectRequest(payload []byte) error {
	dec := codec.NewDecoder(bytes.NewReader(payload))
	req := &proto.ConnectRequest{}
	if err := dec.ReadRecord(req); err != nil {
		return fmt.Errorf("decode connect request: %w", err)
	}
	logger.Debug("Session establishment request from client %s client's lastZxid is 0x%x",
		c.sock.RemoteAddr(), req.LastZxidSeen)

	if !c.backend.IsServing() {
		return fmt.Errorf("server not running")
	}
	if req.LastZxidSeen > c.backend.LastProcessedZxid() {
		msg := fmt.Sprintf("Refusing session request for client %s as it has seen zxid 0x%x our last zxid is 0x%x client must try another server",
			c.sock.RemoteAddr(), req.LastZxidSeen, c.backend.LastProcessedZxid())
		logger.Info("%s", msg)
		return &closeRequestError{reason: msg}
	}

	timeout := req.Timeout
	if min := c.backend.MinSessionTimeout(); timeout < min {
		timeout = min
	}
	if max := c.backend.MaxSessionTimeout(); timeout > max {
		timeout = max
	}
	c.mu.Lock()
	c.sessionTimeout = timeout
	c.mu.Unlock()

	// We don't want to receive any packets until we are sure the session
	// is set up; FinishSessionInit re-enables the gate.
	c.DisableRecv()

	// Initialized before the backend is called: a backend may answer the
	// handshake at once, and the sender closes a drained connection that
	// still looks pre-handshake with reads disabled.
	c.mu.Lock()
	c.initialized = true
	c.mu.Unlock()

	if req.SessionID != 0 {
		logger.Info("Client attempting to renew session 0x%x at %s", req.SessionID, c.sock.RemoteAddr())
		c.factory.closeSessionConnections(req.SessionID)
		c.SetSessionID(req.SessionID)
		c.backend.ReopenSession(c, req.SessionID, req.Passwd, timeout)
	} else {
		logger.Info("Client attempting to establish new session at %s", c.sock.RemoteAddr())
		c.backend.CreateSession(c, req.Passwd, timeout)
	}
	return nil
}

// readRequest decodes the request header of a post-handshake frame. Auth
// packets are resolved here against the provider registry; everything else
// is handed upward with the remaining payload as an opaque slice.
func (c *Cnxn) readRequest(payload []byte) error {
	br := bytes.NewReader(payload)
	dec := codec.NewDecoder(br)
	h := &proto.RequestHeader{}
	if err := dec.ReadRecord(h); err != nil {
		return fmt.Errorf("decode request header: %w", err)
	}
	body := payload[len(payload)-br.Len():]

	if h.Type == proto.OpAuth {
		ap := &proto.AuthPacket{}
		if err := dec.ReadRecord(ap); err != nil {
			return fmt.Errorf("decode auth packet: %w", err)
		}
		p := auth.Get(ap.Scheme)
		var authErr error
		if p == nil {
			logger.Warn("No authentication provider for scheme: %s has %v", ap.Scheme, auth.List())
		} else if authErr = p.Handle(c, ap.Auth); authErr != nil {
			logger.Warn("Authentication failed for scheme: %s: %v", ap.Scheme, authErr)
		}
		if p == nil || authErr != nil {
			c.SendResponse(&proto.ReplyHeader{Xid: h.Xid, Zxid: 0, Err: proto.ErrAuthFailed}, nil)
			c.SendCloseSession()
			c.DisableRecv()
		} else {
			logger.Debug("Authentication succeeded for scheme: %s", ap.Scheme)
			c.SendResponse(&proto.ReplyHeader{Xid: h.Xid, Zxid: 0, Err: proto.ErrOk}, nil)
		}
		return nil
	}

	req := &Request{
		Cnxn:       c,
		SessionID:  c.SessionID(),
		Xid:        h.Xid,
		Type:       h.Type,
		Body:       body,
		AuthInfo:   c.AuthInfo(),
		CreateTime: time.Now(),
	}
	c.backend.SubmitRequest(req)

	if h.Xid >= 0 {
		c.mu.Lock()
		c.outstandingRequests++
		c.mu.Unlock()

		// check throttling
		if c.backend.InProcess() > c.backend.GlobalOutstandingLimit() {
			logger.Debug("Throttling recv %d", c.backend.InProcess())
			c.DisableRecv()
		}
	}
	return nil
}

// ============================================================================
// Receive gate
// ============================================================================

// waitRecvEnabled blocks until reads are enabled, returning false once the
// connection has closed.
func (c *Cnxn) waitRecvEnabled() bool {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	for !c.recvEnabled && !c.closed {
		c.recvCond.Wait()
	}
	return !c.closed
}

// DisableRecv stops the reader before its next frame.
func (c *Cnxn) DisableRecv() {
	c.recvMu.Lock()
	c.recvEnabled = false
	c.recvMu.Unlock()
}

// EnableRecv lets the reader resume.
func (c *Cnxn) EnableRecv() {
	c.recvMu.Lock()
	if !c.closed && !c.recvEnabled {
		c.recvEnabled = true
		c.recvCond.Broadcast()
	}
	c.recvMu.Unlock()
}

func (c *Cnxn) recvIsEnabled() bool {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	return c.recvEnabled
}

func (c *Cnxn) isClosed() bool {
	c.recvMu.Lock()
	defer c.recvMu.Unlock()
	return c.closed
}

// interestString compresses the gate state into the short form used by the
// connection dumps: r while reads are enabled, w while output is queued.
func (c *Cnxn) interestString() string {
	s := ""
	if c.recvIsEnabled() {
		s += "r"
	}
	c.outMu.Lock()
	if len(c.outgoing) > 0 {
		s += "w"
	}
	c.outMu.Unlock()
	if s == "" {
		s = "0"
	}
	return s
}

// ============================================================================
// Write path
// ============================================================================

// sendBuffer appends one frame to the outbound FIFO and schedules the
// connection with the factory's sender.
func (c *Cnxn) sendBuffer(b []byte) {
	c.outMu.Lock()
	c.outgoing = append(c.outgoing, b)
	c.outMu.Unlock()
	c.factory.scheduleWrite(c)
}

// sendBufferSync writes b directly to the socket, bypassing the queue. Only
// the diagnostic responders use it; their connection is done with framed
// traffic and closes right after the last write.
func (c *Cnxn) sendBufferSync(b []byte) {
	if timeout := c.factory.cfg.WriteTimeout; timeout > 0 {
		_ = c.sock.SetWriteDeadline(time.Now().Add(timeout))
	}
	if _, err := c.sock.Write(b); err != nil {
		logger.Error("Error sending data synchronously to %s: %v", c.sock.RemoteAddr(), err)
		return
	}
	c.packetSent()
}

// SendResponse serialises header and an optional record into one frame and
// queues it. The frame starts with a 4-byte placeholder that is overwritten
// with the measured body length, so no size pre-pass is needed.
func (c *Cnxn) SendResponse(h *proto.ReplyHeader, rec codec.Record) {
	b, err := codec.EncodeFramed(h, rec)
	if err != nil {
		logger.Error("Error serializing response: %v", err)
		return
	}
	c.sendBuffer(b)

	if h.Xid > 0 {
		c.mu.Lock()
		c.outstandingRequests--
		outstanding := c.outstandingRequests
		c.mu.Unlock()

		// check throttling
		if c.backend.InProcess() < c.backend.GlobalOutstandingLimit() || outstanding < 1 {
			c.EnableRecv()
		}
	}
}

// SendCloseSession queues the close marker; doWrite turns it into a close
// once earlier buffers have flushed.
func (c *Cnxn) SendCloseSession() {
	c.sendBuffer(closeMarker)
}

// Process delivers a watch notification. Safe to call from any goroutine.
func (c *Cnxn) Process(ev *proto.WatcherEvent) {
	h := &proto.ReplyHeader{Xid: proto.NotificationXid, Zxid: -1, Err: proto.ErrOk}
	logger.Debug("Deliver event %+v to 0x%x", ev, c.SessionID())
	c.SendResponse(h, ev)
	c.factory.metrics.WatchDelivered()
}

// ============================================================================
// Handshake completion
// ============================================================================

// FinishSessionInit is called back by the pipeline once session creation or
// reopening has resolved. It answers the handshake - zeroed when the
// session is invalid - and re-opens the receive gate.
func (c *Cnxn) FinishSessionInit(valid bool) {
	if valid {
		c.factory.metrics.SessionEstablished()
	} else {
		c.factory.metrics.SessionRejected()
	}

	c.mu.Lock()
	timeout := c.sessionTimeout
	sid := c.sessionID
	c.mu.Unlock()

	resp := &proto.ConnectResponse{ProtocolVersion: 0}
	if valid {
		resp.Timeout = timeout
		resp.SessionID = sid
		resp.Passwd = c.backend.GeneratePasswd(sid)
	} else {
		resp.Passwd = make([]byte, proto.SessionPasswordLen)
	}

	b, err := codec.EncodeFramed(resp, nil)
	if err != nil {
		logger.Warn("Exception while establishing session, closing: %v", err)
		c.Close()
		return
	}
	c.sendBuffer(b)

	if !valid {
		logger.Info("Invalid session 0x%x for client %s, probably expired", sid, c.sock.RemoteAddr())
		c.SendCloseSession()
	} else {
		logger.Info("Established session 0x%x with negotiated timeout %d for client %s",
			sid, timeout, c.sock.RemoteAddr())
	}

	// Now that the session is ready we can start receiving packets
	c.EnableRecv()
}

// ============================================================================
// Accessors
// ============================================================================

func (c *Cnxn) SessionID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *Cnxn) SetSessionID(id int64) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

func (c *Cnxn) SessionTimeout() int32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionTimeout
}

func (c *Cnxn) isInitialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

func (c *Cnxn) OutstandingRequests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outstandingRequests
}

// AddAuthInfo appends an authenticated identity.
func (c *Cnxn) AddAuthInfo(id proto.ID) {
	c.mu.Lock()
	c.authInfo = append(c.authInfo, id)
	c.mu.Unlock()
}

// AuthInfo returns a copy of the connection's identities.
func (c *Cnxn) AuthInfo() []proto.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	ids := make([]proto.ID, len(c.authInfo))
	copy(ids, c.authInfo)
	return ids
}

func (c *Cnxn) RemoteAddr() net.Addr { return c.sock.RemoteAddr() }

func (c *Cnxn) Stats() *CnxnStats { return c.stats }

func (c *Cnxn) packetReceived() {
	c.stats.IncrPacketsReceived()
	c.factory.metrics.PacketReceived()
	if stats := c.backend.ServerStats(); stats != nil {
		stats.IncrementPacketsReceived()
	}
}

func (c *Cnxn) packetSent() {
	c.stats.IncrPacketsSent()
	c.factory.metrics.PacketSent()
	if stats := c.backend.ServerStats(); stats != nil {
		stats.IncrementPacketsSent()
	}
}

// ============================================================================
// Close
// ============================================================================

// Close tears the connection down. Idempotent: the factory's membership
// check makes the second and later calls no-ops.
func (c *Cnxn) Close() {
	if !c.factory.removeCnxn(c) {
		return
	}

	c.backend.RemoveConn(c)
	c.factory.metrics.ConnectionClosed()
	c.factory.metrics.SetActiveConnections(c.factory.ConnectionCount())

	c.closeSock()

	// Release a reader blocked on the receive gate.
	c.recvMu.Lock()
	c.closed = true
	c.recvCond.Broadcast()
	c.recvMu.Unlock()
}

// closeSock shuts the socket down output-first so queued data gets a chance
// to flush, then hard-closes. Every step tolerates errors; half-closed and
// reset sockets are routine here.
func (c *Cnxn) closeSock() {
	if sid := c.SessionID(); sid != 0 {
		logger.Info("Closed socket connection for client %s which had sessionid 0x%x", c.sock.RemoteAddr(), sid)
	} else {
		logger.Info("Closed socket connection for client %s (no session established for client)", c.sock.RemoteAddr())
	}

	if tcp, ok := c.sock.(*net.TCPConn); ok {
		if err := tcp.CloseWrite(); err != nil {
			logger.Debug("ignoring error during output shutdown: %v", err)
		}
		if err := tcp.CloseRead(); err != nil {
			logger.Debug("ignoring error during input shutdown: %v", err)
		}
	}
	if err := c.sock.Close(); err != nil {
		logger.Debug("ignoring error during socket close: %v", err)
	}
}
