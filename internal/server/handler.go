package server

import (
	"io"
	"net"
	"time"

	"github.com/marmos91/roost/internal/protocol/codec"
	"github.com/marmos91/roost/internal/protocol/proto"
)

// Handle is the narrow view of a connection held by upstream components.
// The request pipeline and the watch manager hold Handles, never concrete
// connections, which keeps the dependency between the front-end and the
// pipeline one-directional.
//
// SendResponse, SendCloseSession and Process are safe to call from any
// goroutine.
type Handle interface {
	// SendResponse serialises header and an optional body record into one
	// length-prefixed frame and enqueues it for transmission.
	SendResponse(h *proto.ReplyHeader, rec codec.Record)

	// SendCloseSession enqueues the close marker; the connection is torn
	// down once everything queued before it has flushed.
	SendCloseSession()

	// Process delivers an asynchronous watch notification.
	Process(ev *proto.WatcherEvent)

	SessionID() int64
	SetSessionID(id int64)

	// FinishSessionInit completes the handshake started by CreateSession
	// or ReopenSession. valid=false answers with a zeroed response and
	// closes the connection.
	FinishSessionInit(valid bool)

	// SessionTimeout returns the negotiated timeout in milliseconds.
	SessionTimeout() int32

	AuthInfo() []proto.ID
	RemoteAddr() net.Addr
	Stats() *CnxnStats
	Close()
}

// Backend is everything the front-end requires from the request pipeline
// and its surrounding server. A backend that is not currently serving
// reports IsServing() == false; the front-end then refuses handshakes, and
// diagnostic commands answer with a fixed notice. Requests on an already
// established connection are still submitted.
type Backend interface {
	IsServing() bool
	LastProcessedZxid() int64

	MinSessionTimeout() int32
	MaxSessionTimeout() int32
	GlobalOutstandingLimit() int

	// InProcess is the pipeline's current in-flight request count, read in
	// backpressure decisions.
	InProcess() int

	// SubmitRequest enqueues a decoded request onto the pipeline.
	SubmitRequest(r *Request)

	// CreateSession asks the pipeline to mint a new session for c;
	// ReopenSession revalidates an existing one. Both eventually call back
	// c.FinishSessionInit.
	CreateSession(c Handle, passwd []byte, timeoutMs int32)
	ReopenSession(c Handle, sessionID int64, passwd []byte, timeoutMs int32)

	// GeneratePasswd derives the password for a session id.
	GeneratePasswd(sessionID int64) []byte

	// RemoveConn drops all pipeline state referencing c.
	RemoveConn(c Handle)

	// Diagnostic surface, consumed by the four-letter commands.
	ServerStats() *ServerStats
	NodeCount() int
	DumpConf(w io.Writer)
	DumpSessions(w io.Writer)
	DumpEphemerals(w io.Writer)
	DumpWatchesSummary(w io.Writer)
	DumpWatches(w io.Writer, byPath bool)
}

// Request is one decoded client request handed upward. Body is the payload
// slice after the request header; the front-end never interprets it.
type Request struct {
	Cnxn       Handle
	SessionID  int64
	Xid        int32
	Type       int32
	Body       []byte
	AuthInfo   []proto.ID
	CreateTime time.Time
}
