package server

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marmos91/roost/internal/protocol/codec"
	"github.com/marmos91/roost/internal/protocol/proto"
)

// ============================================================================
// Test Helpers
// ============================================================================

// fakeBackend is a controllable Backend for exercising the front-end
// without the real pipeline.
type fakeBackend struct {
	lastZxid  int64
	limit     int
	reopenOK  bool
	inProcess atomic.Int32

	mu      sync.Mutex
	nextSID int64

	requests chan *Request
	stats    *ServerStats
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{
		lastZxid: 0x10,
		limit:    1000,
		reopenOK: true,
		nextSID:  0x1000,
		requests: make(chan *Request, 128),
		stats:    NewServerStats(nil),
	}
}

func (f *fakeBackend) IsServing() bool             { return true }
func (f *fakeBackend) LastProcessedZxid() int64    { return f.lastZxid }
func (f *fakeBackend) MinSessionTimeout() int32    { return 4000 }
func (f *fakeBackend) MaxSessionTimeout() int32    { return 60000 }
func (f *fakeBackend) GlobalOutstandingLimit() int { return f.limit }
func (f *fakeBackend) InProcess() int              { return int(f.inProcess.Load()) }

func (f *fakeBackend) SubmitRequest(r *Request) {
	f.inProcess.Add(1)
	f.requests <- r
}

// respond completes the oldest submitted request.
func (f *fakeBackend) respond(t *testing.T) {
	t.Helper()
	select {
	case r := <-f.requests:
		f.inProcess.Add(-1)
		r.Cnxn.SendResponse(&proto.ReplyHeader{Xid: r.Xid, Zxid: f.lastZxid, Err: proto.ErrOk}, nil)
	case <-time.After(2 * time.Second):
		t.Fatal("no request to respond to")
	}
}

func (f *fakeBackend) CreateSession(c Handle, passwd []byte, timeoutMs int32) {
	f.mu.Lock()
	f.nextSID++
	sid := f.nextSID
	f.mu.Unlock()
	c.SetSessionID(sid)
	c.FinishSessionInit(true)
}

func (f *fakeBackend) ReopenSession(c Handle, sid int64, passwd []byte, timeoutMs int32) {
	c.SetSessionID(sid)
	c.FinishSessionInit(f.reopenOK)
}

func (f *fakeBackend) GeneratePasswd(sid int64) []byte {
	passwd := make([]byte, proto.SessionPasswordLen)
	binary.BigEndian.PutUint64(passwd, uint64(sid))
	return passwd
}

func (f *fakeBackend) RemoveConn(c Handle) {}

func (f *fakeBackend) ServerStats() *ServerStats { return f.stats }
func (f *fakeBackend) NodeCount() int            { return 7 }

func (f *fakeBackend) DumpConf(w io.Writer)           { fmt.Fprintln(w, "clientPort=0") }
func (f *fakeBackend) DumpSessions(w io.Writer)       { fmt.Fprintln(w, "Session Sets (0):") }
func (f *fakeBackend) DumpEphemerals(w io.Writer)     { fmt.Fprintln(w, "0x0:") }
func (f *fakeBackend) DumpWatchesSummary(w io.Writer) { fmt.Fprintln(w, "0 connections watching 0 paths") }
func (f *fakeBackend) DumpWatches(w io.Writer, byPath bool) {}

func newTestFactory(t *testing.T, backend Backend, mutate func(*Config)) *Factory {
	t.Helper()

	cfg := Config{
		ListenAddress: "127.0.0.1:0",
		WriteTimeout:  2 * time.Second,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	f, err := NewFactory(cfg, backend, nil)
	require.NoError(t, err)
	f.Start()
	t.Cleanup(f.Shutdown)
	return f
}

func dialFactory(t *testing.T, f *Factory) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", f.LocalAddr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	_ = conn.(*net.TCPConn).SetNoDelay(true)
	return conn
}

func writeFrame(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	_, err := conn.Write(lenBuf[:])
	require.NoError(t, err)
	_, err = conn.Write(payload)
	require.NoError(t, err)
}

func readFrame(t *testing.T, conn net.Conn) []byte {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var lenBuf [4]byte
	_, err := io.ReadFull(conn, lenBuf[:])
	require.NoError(t, err)
	payload := make([]byte, binary.BigEndian.Uint32(lenBuf[:]))
	_, err = io.ReadFull(conn, payload)
	require.NoError(t, err)
	return payload
}

func encodeRecord(t *testing.T, records ...codec.Record) []byte {
	t.Helper()
	buf := new(bytes.Buffer)
	enc := codec.NewEncoder(buf)
	for _, r := range records {
		require.NoError(t, enc.WriteRecord(r))
	}
	return buf.Bytes()
}

func connectRequest(sid int64, lastZxid int64) *proto.ConnectRequest {
	return &proto.ConnectRequest{
		ProtocolVersion: 0,
		LastZxidSeen:    lastZxid,
		Timeout:         30000,
		SessionID:       sid,
		Passwd:          make([]byte, proto.SessionPasswordLen),
	}
}

// handshake runs the connect exchange and returns the server's response.
func handshake(t *testing.T, conn net.Conn, req *proto.ConnectRequest) *proto.ConnectResponse {
	t.Helper()
	writeFrame(t, conn, encodeRecord(t, req))

	payload := readFrame(t, conn)
	resp := &proto.ConnectResponse{}
	require.NoError(t, codec.NewDecoder(bytes.NewReader(payload)).ReadRecord(resp))
	return resp
}

// waitForConns blocks until the factory tracks exactly n connections and
// returns them.
func waitForConns(t *testing.T, f *Factory, n int) []*Cnxn {
	t.Helper()
	require.Eventually(t, func() bool {
		return f.ConnectionCount() == n
	}, 2*time.Second, 5*time.Millisecond)
	return f.Connections()
}

// ============================================================================
// Handshake
// ============================================================================

func TestHandshake(t *testing.T) {
	t.Run("EstablishesNewSession", func(t *testing.T) {
		backend := newFakeBackend()
		f := newTestFactory(t, backend, nil)
		conn := dialFactory(t, f)

		req := connectRequest(0, 0)
		frame := encodeRecord(t, req)
		assert.Len(t, frame, 44)

		resp := handshake(t, conn, req)
		assert.NotZero(t, resp.SessionID)
		assert.Len(t, resp.Passwd, proto.SessionPasswordLen)
		assert.Equal(t, int32(30000), resp.Timeout)

		// connection stays open and readable
		cnxns := waitForConns(t, f, 1)
		require.Eventually(t, cnxns[0].recvIsEnabled, 2*time.Second, 5*time.Millisecond)
	})

	t.Run("ClampsTimeoutToBounds", func(t *testing.T) {
		backend := newFakeBackend()
		f := newTestFactory(t, backend, nil)
		conn := dialFactory(t, f)

		req := connectRequest(0, 0)
		req.Timeout = 500 // below the backend's 4000 minimum
		resp := handshake(t, conn, req)
		assert.Equal(t, int32(4000), resp.Timeout)
	})

	t.Run("RefusesClientAheadOfServer", func(t *testing.T) {
		backend := newFakeBackend()
		backend.lastZxid = 0x10
		f := newTestFactory(t, backend, nil)
		conn := dialFactory(t, f)

		writeFrame(t, conn, encodeRecord(t, connectRequest(0, 0x100)))

		// closed without any response body
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		buf := make([]byte, 1)
		_, err := conn.Read(buf)
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("RejectedReopenGetsZeroedResponse", func(t *testing.T) {
		backend := newFakeBackend()
		backend.reopenOK = false
		f := newTestFactory(t, backend, nil)
		conn := dialFactory(t, f)

		resp := handshake(t, conn, connectRequest(0xdead, 0))
		assert.Zero(t, resp.SessionID)
		assert.Zero(t, resp.Timeout)
		assert.Equal(t, make([]byte, proto.SessionPasswordLen), resp.Passwd)

		// the zeroed response is followed by a close
		buf := make([]byte, 1)
		_, err := conn.Read(buf)
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("StreamedOneBytePerWrite", func(t *testing.T) {
		backend := newFakeBackend()
		f := newTestFactory(t, backend, nil)
		conn := dialFactory(t, f)

		payload := encodeRecord(t, connectRequest(0, 0))
		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
		for _, b := range append(lenBuf[:], payload...) {
			_, err := conn.Write([]byte{b})
			require.NoError(t, err)
		}

		frame := readFrame(t, conn)
		resp := &proto.ConnectResponse{}
		require.NoError(t, codec.NewDecoder(bytes.NewReader(frame)).ReadRecord(resp))
		assert.NotZero(t, resp.SessionID)
	})
}

// ============================================================================
// Framing errors
// ============================================================================

func TestFraming(t *testing.T) {
	t.Run("OversizedLengthClosesConnection", func(t *testing.T) {
		backend := newFakeBackend()
		f := newTestFactory(t, backend, func(cfg *Config) {
			cfg.MaxFrameBytes = 1024
		})
		conn := dialFactory(t, f)

		var lenBuf [4]byte
		binary.BigEndian.PutUint32(lenBuf[:], 2048)
		_, err := conn.Write(lenBuf[:])
		require.NoError(t, err)

		buf := make([]byte, 1)
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		_, err = conn.Read(buf)
		assert.ErrorIs(t, err, io.EOF)
	})

	t.Run("ProbeTokenAfterHandshakeIsALength", func(t *testing.T) {
		backend := newFakeBackend()
		f := newTestFactory(t, backend, nil)
		conn := dialFactory(t, f)
		handshake(t, conn, connectRequest(0, 0))

		// "ruok" packs far above the frame cap, so post-handshake it is a
		// framing error and the connection closes without probe output
		_, err := conn.Write([]byte("ruok"))
		require.NoError(t, err)

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		buf := make([]byte, 4)
		_, err = io.ReadFull(conn, buf)
		assert.Error(t, err)
		assert.NotEqual(t, "imok", string(buf))
	})
}

// ============================================================================
// Diagnostic probes
// ============================================================================

func TestFourLetterCommands(t *testing.T) {
	readAll := func(t *testing.T, conn net.Conn) string {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		out, err := io.ReadAll(conn)
		require.NoError(t, err)
		return string(out)
	}

	t.Run("Ruok", func(t *testing.T) {
		backend := newFakeBackend()
		f := newTestFactory(t, backend, nil)
		conn := dialFactory(t, f)

		_, err := conn.Write([]byte("ruok"))
		require.NoError(t, err)
		assert.Equal(t, "imok", readAll(t, conn))

		// no handshake happened and the connection is gone
		waitForConns(t, f, 0)
	})

	t.Run("RuokAfterClientHalfClose", func(t *testing.T) {
		backend := newFakeBackend()
		f := newTestFactory(t, backend, nil)
		conn := dialFactory(t, f)

		_, err := conn.Write([]byte("ruok"))
		require.NoError(t, err)
		// netcat-style: half-close right after the probe
		require.NoError(t, conn.(*net.TCPConn).CloseWrite())
		assert.Equal(t, "imok", readAll(t, conn))
	})

	t.Run("SetTraceMask", func(t *testing.T) {
		orig := TraceMask()
		t.Cleanup(func() { SetTraceMask(orig) })

		backend := newFakeBackend()
		f := newTestFactory(t, backend, nil)
		conn := dialFactory(t, f)

		_, err := conn.Write([]byte("stmk"))
		require.NoError(t, err)
		var mask [8]byte
		binary.BigEndian.PutUint64(mask[:], 4)
		_, err = conn.Write(mask[:])
		require.NoError(t, err)

		assert.Equal(t, "4", readAll(t, conn))
		assert.Equal(t, int64(4), TraceMask())
	})

	t.Run("GetTraceMask", func(t *testing.T) {
		orig := TraceMask()
		t.Cleanup(func() { SetTraceMask(orig) })
		SetTraceMask(306)

		backend := newFakeBackend()
		f := newTestFactory(t, backend, nil)
		conn := dialFactory(t, f)

		_, err := conn.Write([]byte("gtmk"))
		require.NoError(t, err)
		assert.Equal(t, "306", readAll(t, conn))
	})

	t.Run("StatListsClients", func(t *testing.T) {
		backend := newFakeBackend()
		f := newTestFactory(t, backend, nil)

		other := dialFactory(t, f)
		handshake(t, other, connectRequest(0, 0))

		conn := dialFactory(t, f)
		_, err := conn.Write([]byte("stat"))
		require.NoError(t, err)

		out := readAll(t, conn)
		assert.Contains(t, out, "Roost version: ")
		assert.Contains(t, out, "Clients:")
		assert.Contains(t, out, "Node count: 7")
	})

	t.Run("Envi", func(t *testing.T) {
		backend := newFakeBackend()
		f := newTestFactory(t, backend, nil)
		conn := dialFactory(t, f)

		_, err := conn.Write([]byte("envi"))
		require.NoError(t, err)
		out := readAll(t, conn)
		assert.Contains(t, out, "Environment:")
		assert.Contains(t, out, "roost.version=")
	})
}

// ============================================================================
// Per-IP cap
// ============================================================================

func TestPerIPCap(t *testing.T) {
	backend := newFakeBackend()
	f := newTestFactory(t, backend, func(cfg *Config) {
		cfg.MaxClientCnxns = 2
	})

	first := dialFactory(t, f)
	second := dialFactory(t, f)
	waitForConns(t, f, 2)

	third := dialFactory(t, f)
	require.NoError(t, third.SetReadDeadline(time.Now().Add(3*time.Second)))
	buf := make([]byte, 1)
	_, err := third.Read(buf)
	assert.ErrorIs(t, err, io.EOF, "third connection from the same IP should be dropped")

	assert.Equal(t, 2, f.ConnectionCount())

	// the surviving connections still work
	handshake(t, first, connectRequest(0, 0))
	handshake(t, second, connectRequest(0, 0))
}

// ============================================================================
// Backpressure
// ============================================================================

func TestBackpressure(t *testing.T) {
	backend := newFakeBackend()
	backend.limit = 2
	f := newTestFactory(t, backend, nil)
	conn := dialFactory(t, f)
	handshake(t, conn, connectRequest(0, 0))

	cnxn := waitForConns(t, f, 1)[0]

	// three submitted requests push the pipeline over its limit of 2
	for xid := int32(1); xid <= 3; xid++ {
		writeFrame(t, conn, encodeRecord(t,
			&proto.RequestHeader{Xid: xid, Type: proto.OpExists},
			&proto.ExistsRequest{Path: "/x"}))
	}

	require.Eventually(t, func() bool {
		return !cnxn.recvIsEnabled()
	}, 2*time.Second, time.Millisecond, "read-interest should clear while over the limit")
	assert.Equal(t, 3, cnxn.OutstandingRequests())

	// drain the pipeline; responses restore read-interest
	backend.respond(t)
	backend.respond(t)
	backend.respond(t)

	require.Eventually(t, cnxn.recvIsEnabled, 2*time.Second, time.Millisecond)
	assert.Zero(t, cnxn.OutstandingRequests())

	for xid := int32(1); xid <= 3; xid++ {
		payload := readFrame(t, conn)
		h := &proto.ReplyHeader{}
		require.NoError(t, codec.NewDecoder(bytes.NewReader(payload)).ReadRecord(h))
		assert.Equal(t, xid, h.Xid)
	}
}

func TestPingExemptFromBackpressure(t *testing.T) {
	backend := newFakeBackend()
	backend.limit = 1000
	f := newTestFactory(t, backend, nil)
	conn := dialFactory(t, f)
	handshake(t, conn, connectRequest(0, 0))

	cnxn := waitForConns(t, f, 1)[0]

	writeFrame(t, conn, encodeRecord(t, &proto.RequestHeader{Xid: proto.PingXid, Type: proto.OpPing}))

	require.Eventually(t, func() bool {
		return len(backend.requests) == 1
	}, 2*time.Second, time.Millisecond)
	assert.Zero(t, cnxn.OutstandingRequests(), "negative xids are exempt from accounting")
}

// ============================================================================
// Responses, notifications, ordering
// ============================================================================

func TestResponseOrderIsFIFO(t *testing.T) {
	backend := newFakeBackend()
	f := newTestFactory(t, backend, nil)
	conn := dialFactory(t, f)
	handshake(t, conn, connectRequest(0, 0))

	cnxn := waitForConns(t, f, 1)[0]

	for i := int32(1); i <= 20; i++ {
		cnxn.SendResponse(&proto.ReplyHeader{Xid: i, Zxid: int64(i), Err: proto.ErrOk}, nil)
	}

	for i := int32(1); i <= 20; i++ {
		payload := readFrame(t, conn)
		h := &proto.ReplyHeader{}
		require.NoError(t, codec.NewDecoder(bytes.NewReader(payload)).ReadRecord(h))
		assert.Equal(t, i, h.Xid)
	}
}

func TestNotificationDuringIdle(t *testing.T) {
	backend := newFakeBackend()
	f := newTestFactory(t, backend, nil)
	conn := dialFactory(t, f)
	handshake(t, conn, connectRequest(0, 0))

	cnxn := waitForConns(t, f, 1)[0]

	done := make(chan struct{})
	go func() {
		defer close(done)
		cnxn.Process(&proto.WatcherEvent{
			Type:  proto.EventNodeDataChanged,
			State: proto.StateSyncConnected,
			Path:  "/watched",
		})
	}()
	<-done

	payload := readFrame(t, conn)
	dec := codec.NewDecoder(bytes.NewReader(payload))
	h := &proto.ReplyHeader{}
	require.NoError(t, dec.ReadRecord(h))
	assert.Equal(t, proto.NotificationXid, h.Xid)
	assert.Equal(t, int64(-1), h.Zxid)
	assert.Equal(t, proto.ErrOk, h.Err)

	ev := &proto.WatcherEvent{}
	require.NoError(t, dec.ReadRecord(ev))
	assert.Equal(t, "/watched", ev.Path)
	assert.Equal(t, proto.EventNodeDataChanged, ev.Type)
}

func TestCloseMarkerIsTerminal(t *testing.T) {
	backend := newFakeBackend()
	f := newTestFactory(t, backend, nil)
	conn := dialFactory(t, f)
	handshake(t, conn, connectRequest(0, 0))

	cnxn := waitForConns(t, f, 1)[0]

	cnxn.SendResponse(&proto.ReplyHeader{Xid: 1, Zxid: 1, Err: proto.ErrOk}, nil)
	cnxn.SendCloseSession()
	// enqueued after the marker: must never hit the socket
	cnxn.SendResponse(&proto.ReplyHeader{Xid: 2, Zxid: 2, Err: proto.ErrOk}, nil)

	payload := readFrame(t, conn)
	h := &proto.ReplyHeader{}
	require.NoError(t, codec.NewDecoder(bytes.NewReader(payload)).ReadRecord(h))
	assert.Equal(t, int32(1), h.Xid)

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	buf := make([]byte, 1)
	_, err := conn.Read(buf)
	assert.ErrorIs(t, err, io.EOF, "nothing after the close marker may be written")
}

func TestCloseIsIdempotent(t *testing.T) {
	backend := newFakeBackend()
	f := newTestFactory(t, backend, nil)
	conn := dialFactory(t, f)
	handshake(t, conn, connectRequest(0, 0))

	cnxn := waitForConns(t, f, 1)[0]

	cnxn.Close()
	assert.Zero(t, f.ConnectionCount())
	assert.NotPanics(t, func() { cnxn.Close() })
	assert.Zero(t, f.ConnectionCount())
}

// ============================================================================
// Auth
// ============================================================================

func TestAuthPacket(t *testing.T) {
	t.Run("DigestSuccess", func(t *testing.T) {
		backend := newFakeBackend()
		f := newTestFactory(t, backend, nil)
		conn := dialFactory(t, f)
		handshake(t, conn, connectRequest(0, 0))

		writeFrame(t, conn, encodeRecord(t,
			&proto.RequestHeader{Xid: proto.AuthXid, Type: proto.OpAuth},
			&proto.AuthPacket{Type: 0, Scheme: "digest", Auth: []byte("alice:secret")}))

		payload := readFrame(t, conn)
		h := &proto.ReplyHeader{}
		require.NoError(t, codec.NewDecoder(bytes.NewReader(payload)).ReadRecord(h))
		assert.Equal(t, proto.ErrOk, h.Err)

		cnxn := waitForConns(t, f, 1)[0]
		ids := cnxn.AuthInfo()
		require.Len(t, ids, 2)
		assert.Equal(t, "ip", ids[0].Scheme)
		assert.Equal(t, "digest", ids[1].Scheme)
		assert.Contains(t, ids[1].ID, "alice:")
	})

	t.Run("UnknownSchemeFailsAndCloses", func(t *testing.T) {
		backend := newFakeBackend()
		f := newTestFactory(t, backend, nil)
		conn := dialFactory(t, f)
		handshake(t, conn, connectRequest(0, 0))

		writeFrame(t, conn, encodeRecord(t,
			&proto.RequestHeader{Xid: proto.AuthXid, Type: proto.OpAuth},
			&proto.AuthPacket{Type: 0, Scheme: "nope", Auth: []byte("x")}))

		payload := readFrame(t, conn)
		h := &proto.ReplyHeader{}
		require.NoError(t, codec.NewDecoder(bytes.NewReader(payload)).ReadRecord(h))
		assert.Equal(t, proto.ErrAuthFailed, h.Err)

		require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
		buf := make([]byte, 1)
		_, err := conn.Read(buf)
		assert.ErrorIs(t, err, io.EOF)
	})
}

// ============================================================================
// Coalesced writes
// ============================================================================

func TestCoalescedWriteLargerThanStagingBuffer(t *testing.T) {
	backend := newFakeBackend()
	f := newTestFactory(t, backend, func(cfg *Config) {
		cfg.StagingBufferBytes = 512
	})
	conn := dialFactory(t, f)
	handshake(t, conn, connectRequest(0, 0))

	cnxn := waitForConns(t, f, 1)[0]

	// each response frame is 348 bytes, so a 512-byte staging pass holds one
	// frame and part of the next
	big := &proto.GetDataResponse{Data: bytes.Repeat([]byte{0xab}, 280)}
	for i := int32(1); i <= 16; i++ {
		cnxn.SendResponse(&proto.ReplyHeader{Xid: i, Zxid: int64(i), Err: proto.ErrOk}, big)
	}

	for i := int32(1); i <= 16; i++ {
		payload := readFrame(t, conn)
		dec := codec.NewDecoder(bytes.NewReader(payload))
		h := &proto.ReplyHeader{}
		require.NoError(t, dec.ReadRecord(h))
		require.Equal(t, i, h.Xid)
		body := &proto.GetDataResponse{}
		require.NoError(t, dec.ReadRecord(body))
		assert.Equal(t, big.Data, body.Data)
	}
}
