package server

import (
	"fmt"
	"io"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// CnxnStats accumulates per-connection traffic statistics. Packet counters
// are updated from the reader and sender goroutines; latency fields are
// updated by the pipeline on every response.
type CnxnStats struct {
	established time.Time

	packetsReceived atomic.Int64
	packetsSent     atomic.Int64

	mu               sync.Mutex
	minLatency       int64
	maxLatency       int64
	lastLatency      int64
	lastOp           string
	lastCxid         int64
	lastZxid         int64
	lastResponseTime int64
	count            int64
	totalLatency     int64
}

func newCnxnStats() *CnxnStats {
	s := &CnxnStats{established: time.Now()}
	s.Reset()
	return s
}

// Reset clears all counters; the established timestamp is kept.
func (s *CnxnStats) Reset() {
	s.packetsReceived.Store(0)
	s.packetsSent.Store(0)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.minLatency = math.MaxInt64
	s.maxLatency = 0
	s.lastLatency = 0
	s.lastOp = "NA"
	s.lastCxid = -1
	s.lastZxid = -1
	s.lastResponseTime = 0
	s.count = 0
	s.totalLatency = 0
}

func (s *CnxnStats) IncrPacketsReceived() { s.packetsReceived.Add(1) }
func (s *CnxnStats) IncrPacketsSent()     { s.packetsSent.Add(1) }

// UpdateForResponse records one completed operation. Special negative cxids
// do not overwrite lastCxid, so it keeps the client's last real request id;
// the other fields are updated for every response.
func (s *CnxnStats) UpdateForResponse(cxid, zxid int64, op string, start, end time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cxid >= 0 {
		s.lastCxid = cxid
	}
	s.lastZxid = zxid
	s.lastOp = op
	s.lastResponseTime = end.UnixMilli()
	elapsed := end.Sub(start).Milliseconds()
	s.lastLatency = elapsed
	if elapsed < s.minLatency {
		s.minLatency = elapsed
	}
	if elapsed > s.maxLatency {
		s.maxLatency = elapsed
	}
	s.count++
	s.totalLatency += elapsed
}

func (s *CnxnStats) Established() time.Time { return s.established }
func (s *CnxnStats) PacketsReceived() int64 { return s.packetsReceived.Load() }
func (s *CnxnStats) PacketsSent() int64     { return s.packetsSent.Load() }

func (s *CnxnStats) MinLatency() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.minLatency == math.MaxInt64 {
		return 0
	}
	return s.minLatency
}

func (s *CnxnStats) AvgLatency() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return 0
	}
	return s.totalLatency / s.count
}

func (s *CnxnStats) MaxLatency() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxLatency
}

func (s *CnxnStats) LastOperation() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastOp
}

func (s *CnxnStats) LastCxid() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCxid
}

func (s *CnxnStats) LastZxid() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastZxid
}

func (s *CnxnStats) LastResponseTime() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastResponseTime
}

func (s *CnxnStats) LastLatency() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastLatency
}

// StatsProvider supplies the server-wide figures ServerStats cannot compute
// itself.
type StatsProvider interface {
	OutstandingRequests() int
	LastProcessedZxid() int64
	ServerState() string
}

// ServerStats aggregates server-wide traffic statistics, rendered by the
// srvr/stat diagnostic commands and reset by srst.
type ServerStats struct {
	provider StatsProvider

	packetsReceived atomic.Int64
	packetsSent     atomic.Int64

	mu           sync.Mutex
	minLatency   int64
	maxLatency   int64
	totalLatency int64
	count        int64
}

// NewServerStats creates server stats backed by provider.
func NewServerStats(provider StatsProvider) *ServerStats {
	s := &ServerStats{provider: provider, minLatency: math.MaxInt64}
	return s
}

func (s *ServerStats) IncrementPacketsReceived() { s.packetsReceived.Add(1) }
func (s *ServerStats) IncrementPacketsSent()     { s.packetsSent.Add(1) }

// UpdateLatency folds one request round-trip into the latency aggregates.
func (s *ServerStats) UpdateLatency(start, end time.Time) {
	elapsed := end.Sub(start).Milliseconds()

	s.mu.Lock()
	defer s.mu.Unlock()
	if elapsed < s.minLatency {
		s.minLatency = elapsed
	}
	if elapsed > s.maxLatency {
		s.maxLatency = elapsed
	}
	s.totalLatency += elapsed
	s.count++
}

func (s *ServerStats) PacketsReceived() int64 { return s.packetsReceived.Load() }
func (s *ServerStats) PacketsSent() int64     { return s.packetsSent.Load() }

func (s *ServerStats) MinLatency() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.minLatency == math.MaxInt64 {
		return 0
	}
	return s.minLatency
}

func (s *ServerStats) AvgLatency() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.count == 0 {
		return 0
	}
	return s.totalLatency / s.count
}

func (s *ServerStats) MaxLatency() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxLatency
}

// Reset clears the traffic and latency counters.
func (s *ServerStats) Reset() {
	s.packetsReceived.Store(0)
	s.packetsSent.Store(0)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.minLatency = math.MaxInt64
	s.maxLatency = 0
	s.totalLatency = 0
	s.count = 0
}

func (s *ServerStats) String() string {
	var b []byte
	b = fmt.Appendf(b, "Latency min/avg/max: %d/%d/%d\n", s.MinLatency(), s.AvgLatency(), s.MaxLatency())
	b = fmt.Appendf(b, "Received: %d\n", s.PacketsReceived())
	b = fmt.Appendf(b, "Sent: %d\n", s.PacketsSent())
	if s.provider != nil {
		b = fmt.Appendf(b, "Outstanding: %d\n", s.provider.OutstandingRequests())
		b = fmt.Appendf(b, "Zxid: 0x%x\n", s.provider.LastProcessedZxid())
		b = fmt.Appendf(b, "Mode: %s\n", s.provider.ServerState())
	}
	return string(b)
}

// dumpConnectionInfo prints one line describing the connection for the
// cons/stat commands. brief omits the session-level detail.
func (c *Cnxn) dumpConnectionInfo(w io.Writer, brief bool) {
	s := c.stats
	fmt.Fprintf(w, " %s[%s](queued=%d,recved=%d,sent=%d",
		c.sock.RemoteAddr(), c.interestString(), c.OutstandingRequests(),
		s.PacketsReceived(), s.PacketsSent())

	if !brief {
		if sid := c.SessionID(); sid != 0 {
			fmt.Fprintf(w, ",sid=0x%x", sid)
			fmt.Fprintf(w, ",lop=%s", s.LastOperation())
			fmt.Fprintf(w, ",est=%d", s.Established().UnixMilli())
			fmt.Fprintf(w, ",to=%d", c.SessionTimeout())
			if lcxid := s.LastCxid(); lcxid >= 0 {
				fmt.Fprintf(w, ",lcxid=0x%x", lcxid)
			}
			fmt.Fprintf(w, ",lzxid=0x%x", s.LastZxid())
			fmt.Fprintf(w, ",lresp=%d", s.LastResponseTime())
			fmt.Fprintf(w, ",llat=%d", s.LastLatency())
			fmt.Fprintf(w, ",minlat=%d", s.MinLatency())
			fmt.Fprintf(w, ",avglat=%d", s.AvgLatency())
			fmt.Fprintf(w, ",maxlat=%d", s.MaxLatency())
		}
	}
	fmt.Fprintln(w, ")")
}
