package server

import "sync/atomic"

// Trace mask bits. The mask gates optional trace logging and is exposed to
// operators through the gtmk/stmk diagnostic commands.
const (
	TraceClientRequest int64 = 1 << 1
	TraceClientData    int64 = 1 << 2
	TraceClientPing    int64 = 1 << 3
	TraceServerPacket  int64 = 1 << 4
	TraceSessionTrace  int64 = 1 << 5
	TraceEventDelivery int64 = 1 << 6
	TraceServerPing    int64 = 1 << 7
	TraceWarning       int64 = 1 << 8
)

var traceMask atomic.Int64

func init() {
	traceMask.Store(TraceClientRequest | TraceServerPacket | TraceSessionTrace | TraceWarning)
}

// TraceMask returns the current trace mask.
func TraceMask() int64 {
	return traceMask.Load()
}

// SetTraceMask replaces the trace mask.
func SetTraceMask(mask int64) {
	traceMask.Store(mask)
}
