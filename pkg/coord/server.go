// Package coord implements the in-process coordination core behind the
// client front-end: the znode namespace, one-shot watches, session
// tracking, and the single-goroutine request pipeline the front-end submits
// into. It satisfies the front-end's Backend contract.
package coord

import (
	"bytes"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha1"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/marmos91/roost/internal/logger"
	"github.com/marmos91/roost/internal/protocol/codec"
	"github.com/marmos91/roost/internal/protocol/proto"
	"github.com/marmos91/roost/internal/server"
	"github.com/marmos91/roost/pkg/coord/store"
	"github.com/marmos91/roost/pkg/session"
)

// connCloser closes every connection bound to a session; the connection
// factory satisfies it.
type connCloser interface {
	CloseSession(sessionID int64)
}

// Config holds the core's tunables plus the front-end figures echoed by the
// conf diagnostic command.
type Config struct {
	// ServerID seeds session id generation.
	ServerID int64

	// TickTime is the session tracker's bucket granularity.
	TickTime time.Duration

	// MinSessionTimeout/MaxSessionTimeout clamp negotiated timeouts (ms).
	MinSessionTimeout int32
	MaxSessionTimeout int32

	// GlobalOutstandingLimit throttles reads once this many requests are
	// in flight.
	GlobalOutstandingLimit int

	// ClientAddress and MaxClientCnxns are reported by the conf dump.
	ClientAddress  string
	MaxClientCnxns int
}

func (c *Config) applyDefaults() {
	if c.TickTime == 0 {
		c.TickTime = 3 * time.Second
	}
	if c.MinSessionTimeout == 0 {
		c.MinSessionTimeout = int32(2 * c.TickTime.Milliseconds())
	}
	if c.MaxSessionTimeout == 0 {
		c.MaxSessionTimeout = int32(20 * c.TickTime.Milliseconds())
	}
	if c.GlobalOutstandingLimit == 0 {
		c.GlobalOutstandingLimit = 1000
	}
}

// Server is the coordination core. One processor goroutine drains the
// request channel; the in-flight counter feeds the front-end's backpressure
// decisions.
type Server struct {
	cfg Config

	store   store.Store
	tracker *session.Tracker

	dataWatches  *WatchManager
	childWatches *WatchManager

	stats *server.ServerStats

	requests  chan *server.Request
	inProcess atomic.Int32
	zxid      atomic.Int64
	serving   atomic.Bool

	secret []byte

	mu             sync.Mutex
	connsBySession map[int64]server.Handle

	connFactory connCloser

	wg       sync.WaitGroup
	stopOnce sync.Once
	done     chan struct{}
}

// New creates a core over st. Call Start before exposing it to clients.
func New(cfg Config, st store.Store) *Server {
	cfg.applyDefaults()

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		// crypto/rand failing means the process is in real trouble
		panic(fmt.Sprintf("cannot seed session secret: %v", err))
	}

	s := &Server{
		cfg:            cfg,
		store:          st,
		dataWatches:    NewWatchManager("data"),
		childWatches:   NewWatchManager("child"),
		requests:       make(chan *server.Request, 4096),
		secret:         secret,
		connsBySession: make(map[int64]server.Handle),
		done:           make(chan struct{}),
	}
	s.stats = server.NewServerStats(s)
	return s
}

// SetConnFactory wires the connection factory used to tear down the
// connections of expired sessions.
func (s *Server) SetConnFactory(f connCloser) {
	s.connFactory = f
}

// Start launches the session tracker and the request processor, after
// which IsServing reports true.
func (s *Server) Start() {
	s.tracker = session.NewTracker(s.cfg.ServerID, s.cfg.TickTime, s.expireSession)
	s.wg.Add(1)
	go s.processLoop()
	s.serving.Store(true)
	logger.Info("Coordination core started (serverId=%d)", s.cfg.ServerID)
}

// Shutdown stops serving, drains the processor and stops the tracker. The
// store is left open; its owner closes it.
func (s *Server) Shutdown() {
	s.stopOnce.Do(func() {
		s.serving.Store(false)
		close(s.done)
		s.wg.Wait()
		if s.tracker != nil {
			s.tracker.Shutdown()
		}
		logger.Info("Coordination core stopped")
	})
}

// ============================================================================
// Backend contract
// ============================================================================

func (s *Server) IsServing() bool          { return s.serving.Load() }
func (s *Server) LastProcessedZxid() int64 { return s.zxid.Load() }
func (s *Server) MinSessionTimeout() int32 { return s.cfg.MinSessionTimeout }
func (s *Server) MaxSessionTimeout() int32 { return s.cfg.MaxSessionTimeout }
func (s *Server) GlobalOutstandingLimit() int {
	return s.cfg.GlobalOutstandingLimit
}
func (s *Server) InProcess() int { return int(s.inProcess.Load()) }

// SubmitRequest enqueues one request onto the pipeline. The in-flight
// counter rises here and falls when the processor finishes the request.
func (s *Server) SubmitRequest(r *server.Request) {
	s.inProcess.Add(1)
	select {
	case s.requests <- r:
	case <-s.done:
		s.inProcess.Add(-1)
	}
}

// CreateSession mints a session for c and runs the handshake completion
// through the pipeline so it serialises with other requests.
func (s *Server) CreateSession(c server.Handle, passwd []byte, timeoutMs int32) {
	sid := s.tracker.CreateSession(time.Duration(timeoutMs) * time.Millisecond)
	c.SetSessionID(sid)
	s.registerConn(sid, c)
	s.SubmitRequest(&server.Request{
		Cnxn:       c,
		SessionID:  0, // marks a fresh session for the processor
		Type:       proto.OpCreateSession,
		Body:       passwd,
		CreateTime: time.Now(),
	})
}

// ReopenSession revalidates sid for c. Validation happens on the processor;
// an unknown or expired session answers the handshake with valid=false.
func (s *Server) ReopenSession(c server.Handle, sid int64, passwd []byte, timeoutMs int32) {
	s.registerConn(sid, c)
	s.SubmitRequest(&server.Request{
		Cnxn:       c,
		SessionID:  sid,
		Type:       proto.OpCreateSession,
		Body:       passwd,
		CreateTime: time.Now(),
	})
}

// GeneratePasswd derives a session's fixed-length password from the
// process secret, so reopen validation needs no stored state.
func (s *Server) GeneratePasswd(sid int64) []byte {
	mac := hmac.New(sha1.New, s.secret)
	var raw [8]byte
	binary.BigEndian.PutUint64(raw[:], uint64(sid))
	mac.Write(raw[:])
	return mac.Sum(nil)[:proto.SessionPasswordLen]
}

func (s *Server) checkPasswd(sid int64, passwd []byte) bool {
	return sid != 0 && hmac.Equal(passwd, s.GeneratePasswd(sid))
}

// RemoveConn forgets c: its session binding and all of its watches. The
// session itself lives on until it expires or a client closes it.
func (s *Server) RemoveConn(c server.Handle) {
	s.mu.Lock()
	if sid := c.SessionID(); sid != 0 && s.connsBySession[sid] == c {
		delete(s.connsBySession, sid)
	}
	s.mu.Unlock()

	s.dataWatches.RemoveWatcher(c)
	s.childWatches.RemoveWatcher(c)
}

func (s *Server) registerConn(sid int64, c server.Handle) {
	s.mu.Lock()
	s.connsBySession[sid] = c
	s.mu.Unlock()
}

// ============================================================================
// Diagnostic surface
// ============================================================================

func (s *Server) ServerStats() *server.ServerStats { return s.stats }

// StatsProvider for ServerStats.
func (s *Server) OutstandingRequests() int { return s.InProcess() }
func (s *Server) ServerState() string      { return "standalone" }

func (s *Server) NodeCount() int { return s.store.NodeCount() }

func (s *Server) DumpConf(w io.Writer) {
	fmt.Fprintf(w, "clientPort=%s\n", s.cfg.ClientAddress)
	fmt.Fprintf(w, "maxClientCnxns=%d\n", s.cfg.MaxClientCnxns)
	fmt.Fprintf(w, "minSessionTimeout=%d\n", s.cfg.MinSessionTimeout)
	fmt.Fprintf(w, "maxSessionTimeout=%d\n", s.cfg.MaxSessionTimeout)
	fmt.Fprintf(w, "tickTime=%d\n", s.cfg.TickTime.Milliseconds())
	fmt.Fprintf(w, "serverId=%d\n", s.cfg.ServerID)
	fmt.Fprintf(w, "globalOutstandingLimit=%d\n", s.cfg.GlobalOutstandingLimit)
}

func (s *Server) DumpSessions(w io.Writer) {
	if s.tracker != nil {
		s.tracker.DumpSessions(w)
	}
}

func (s *Server) DumpEphemerals(w io.Writer) {
	ephemerals := s.store.Ephemerals()
	owners := make([]int64, 0, len(ephemerals))
	for owner := range ephemerals {
		owners = append(owners, owner)
	}
	sort.Slice(owners, func(i, j int) bool { return owners[i] < owners[j] })
	for _, owner := range owners {
		fmt.Fprintf(w, "0x%x:\n", owner)
		for _, path := range ephemerals[owner] {
			fmt.Fprintf(w, "\t%s\n", path)
		}
	}
}

func (s *Server) DumpWatchesSummary(w io.Writer) {
	s.dataWatches.DumpSummary(w)
	s.childWatches.DumpSummary(w)
}

func (s *Server) DumpWatches(w io.Writer, byPath bool) {
	s.dataWatches.Dump(w, byPath)
	s.childWatches.Dump(w, byPath)
}

// ============================================================================
// Request processor
// ============================================================================

func (s *Server) processLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.done:
			// drop what is already queued so the in-flight count drains
			for {
				select {
				case <-s.requests:
					s.inProcess.Add(-1)
				default:
					return
				}
			}
		case r := <-s.requests:
			s.processRequest(r)
			s.inProcess.Add(-1)
		}
	}
}

func (s *Server) processRequest(r *server.Request) {
	defer func() {
		if rec := recover(); rec != nil {
			logger.Error("Panic processing request type %d: %v", r.Type, rec)
		}
	}()

	if r.SessionID != 0 && s.tracker != nil {
		s.tracker.Touch(r.SessionID)
	}

	switch r.Type {
	case proto.OpCreateSession:
		s.processConnect(r)
		return
	case proto.OpCloseSession:
		s.processCloseSession(r)
		return
	case proto.OpPing:
		if r.Cnxn != nil {
			r.Cnxn.SendResponse(&proto.ReplyHeader{
				Xid:  proto.PingXid,
				Zxid: s.zxid.Load(),
				Err:  proto.ErrOk,
			}, nil)
		}
		return
	}

	rec, errCode := s.applyOperation(r)
	if r.Cnxn == nil {
		return
	}

	h := &proto.ReplyHeader{Xid: r.Xid, Zxid: s.zxid.Load(), Err: errCode}
	if errCode != proto.ErrOk {
		rec = nil
	}
	r.Cnxn.SendResponse(h, rec)

	end := time.Now()
	s.stats.UpdateLatency(r.CreateTime, end)
	r.Cnxn.Stats().UpdateForResponse(int64(r.Xid), h.Zxid, proto.OpName(r.Type), r.CreateTime, end)
}

// processConnect finishes a handshake. A zero request session id marks a
// freshly created session; anything else is a reopen to validate.
func (s *Server) processConnect(r *server.Request) {
	if r.SessionID == 0 {
		r.Cnxn.FinishSessionInit(true)
		return
	}

	valid := s.checkPasswd(r.SessionID, r.Body) && s.tracker.Touch(r.SessionID)
	r.Cnxn.FinishSessionInit(valid)
}

func (s *Server) processCloseSession(r *server.Request) {
	sid := r.SessionID
	s.removeEphemerals(sid)
	if s.tracker != nil {
		s.tracker.Remove(sid)
	}

	s.mu.Lock()
	delete(s.connsBySession, sid)
	s.mu.Unlock()

	if r.Cnxn != nil {
		r.Cnxn.SendResponse(&proto.ReplyHeader{Xid: r.Xid, Zxid: s.zxid.Load(), Err: proto.ErrOk}, nil)
		r.Cnxn.SendCloseSession()
	} else if s.connFactory != nil {
		// expiry path: no request connection, kill whatever is bound
		s.connFactory.CloseSession(sid)
	}
}

// applyOperation decodes and executes one namespace operation, returning
// the response record and error code.
func (s *Server) applyOperation(r *server.Request) (codec.Record, int32) {
	dec := codec.NewDecoder(bytes.NewReader(r.Body))

	switch r.Type {
	case proto.OpCreate:
		req := &proto.CreateRequest{}
		if err := dec.ReadRecord(req); err != nil {
			return nil, proto.ErrMarshalling
		}
		owner := int64(0)
		if req.Flags&proto.FlagEphemeral != 0 {
			owner = r.SessionID
		}
		zxid := s.zxid.Add(1)
		if _, err := s.store.Create(req.Path, req.Data, owner, zxid); err != nil {
			return nil, mapStoreErr(err)
		}
		s.dataWatches.TriggerWatch(req.Path, proto.EventNodeCreated)
		s.childWatches.TriggerWatch(store.ParentPath(req.Path), proto.EventNodeChildrenChanged)
		return &proto.CreateResponse{Path: req.Path}, proto.ErrOk

	case proto.OpDelete:
		req := &proto.DeleteRequest{}
		if err := dec.ReadRecord(req); err != nil {
			return nil, proto.ErrMarshalling
		}
		s.zxid.Add(1)
		if err := s.store.Delete(req.Path, req.Version); err != nil {
			return nil, mapStoreErr(err)
		}
		s.dataWatches.TriggerWatch(req.Path, proto.EventNodeDeleted)
		s.childWatches.TriggerWatch(req.Path, proto.EventNodeDeleted)
		s.childWatches.TriggerWatch(store.ParentPath(req.Path), proto.EventNodeChildrenChanged)
		return nil, proto.ErrOk

	case proto.OpExists:
		req := &proto.ExistsRequest{}
		if err := dec.ReadRecord(req); err != nil {
			return nil, proto.ErrMarshalling
		}
		node, err := s.store.Get(req.Path)
		if req.Watch && r.Cnxn != nil {
			// an exists watch is legal on a missing node; it fires on create
			s.dataWatches.AddWatch(req.Path, r.Cnxn)
		}
		if err != nil {
			return nil, mapStoreErr(err)
		}
		return &proto.ExistsResponse{Stat: node.Stat}, proto.ErrOk

	case proto.OpGetData:
		req := &proto.GetDataRequest{}
		if err := dec.ReadRecord(req); err != nil {
			return nil, proto.ErrMarshalling
		}
		node, err := s.store.Get(req.Path)
		if err != nil {
			return nil, mapStoreErr(err)
		}
		if req.Watch && r.Cnxn != nil {
			s.dataWatches.AddWatch(req.Path, r.Cnxn)
		}
		return &proto.GetDataResponse{Data: node.Data, Stat: node.Stat}, proto.ErrOk

	case proto.OpSetData:
		req := &proto.SetDataRequest{}
		if err := dec.ReadRecord(req); err != nil {
			return nil, proto.ErrMarshalling
		}
		zxid := s.zxid.Add(1)
		node, err := s.store.Set(req.Path, req.Data, req.Version, zxid)
		if err != nil {
			return nil, mapStoreErr(err)
		}
		s.dataWatches.TriggerWatch(req.Path, proto.EventNodeDataChanged)
		return &proto.SetDataResponse{Stat: node.Stat}, proto.ErrOk

	case proto.OpGetChildren:
		req := &proto.GetChildrenRequest{}
		if err := dec.ReadRecord(req); err != nil {
			return nil, proto.ErrMarshalling
		}
		children, err := s.store.Children(req.Path)
		if err != nil {
			return nil, mapStoreErr(err)
		}
		if req.Watch && r.Cnxn != nil {
			s.childWatches.AddWatch(req.Path, r.Cnxn)
		}
		return &proto.GetChildrenResponse{Children: children}, proto.ErrOk

	default:
		logger.Warn("Unknown operation type %d from session 0x%x", r.Type, r.SessionID)
		return nil, proto.ErrSystemError
	}
}

// removeEphemerals deletes every node owned by sid, firing the same
// watches a client delete would.
func (s *Server) removeEphemerals(sid int64) {
	paths := s.store.Ephemerals()[sid]
	for _, path := range paths {
		s.zxid.Add(1)
		if err := s.store.Delete(path, -1); err != nil {
			logger.Warn("Failed to delete ephemeral %s of session 0x%x: %v", path, sid, err)
			continue
		}
		s.dataWatches.TriggerWatch(path, proto.EventNodeDeleted)
		s.childWatches.TriggerWatch(path, proto.EventNodeDeleted)
		s.childWatches.TriggerWatch(store.ParentPath(path), proto.EventNodeChildrenChanged)
	}
	if len(paths) > 0 {
		logger.Debug("Removed %d ephemeral node(s) of session 0x%x", len(paths), sid)
	}
}

// expireSession is the tracker's callback; it routes the close through the
// pipeline like a client-initiated close.
func (s *Server) expireSession(sid int64) {
	s.SubmitRequest(&server.Request{
		SessionID:  sid,
		Type:       proto.OpCloseSession,
		CreateTime: time.Now(),
	})
}

func mapStoreErr(err error) int32 {
	switch {
	case errors.Is(err, store.ErrNoNode):
		return proto.ErrNoNode
	case errors.Is(err, store.ErrNodeExists):
		return proto.ErrNodeExists
	case errors.Is(err, store.ErrBadVersion):
		return proto.ErrBadVersion
	case errors.Is(err, store.ErrNotEmpty):
		return proto.ErrNotEmpty
	case errors.Is(err, store.ErrBadPath):
		return proto.ErrSystemError
	default:
		return proto.ErrSystemError
	}
}
