package server

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/marmos91/roost/internal/logger"
)

// notServing is the fixed notice emitted by commands that need a serving
// backend when there is none.
const notServing = "This ZooKeeper instance is not currently serving requests"

// commandNames is the closed set of diagnostic probes. Each token is four
// ASCII bytes; packed big-endian they occupy the same wire position as a
// frame length, which is how the reader tells a probe from a frame.
var commandNames = []string{
	"conf", "cons", "crst", "dump", "envi", "gtmk", "ruok",
	"stmk", "srst", "srvr", "stat", "wchc", "wchp", "wchs",
}

var commandTable = make(map[int32]string, len(commandNames))

func init() {
	for _, name := range commandNames {
		commandTable[packCommand(name)] = name
	}
}

func packCommand(name string) int32 {
	return int32(binary.BigEndian.Uint32([]byte(name)))
}

// lookupCommand resolves a length-field value to a probe name.
func lookupCommand(len int32) (string, bool) {
	name, ok := commandTable[len]
	return name, ok
}

// chunkedWriter accumulates responder text and pushes it to the socket in
// chunks, so large reports never materialise fully in memory. Writes go out
// once more than 2 KiB has accumulated or on Flush.
type chunkedWriter struct {
	c   *Cnxn
	buf bytes.Buffer
}

const chunkThreshold = 2048

func (w *chunkedWriter) Write(p []byte) (int, error) {
	n, _ := w.buf.Write(p)
	if w.buf.Len() > chunkThreshold {
		w.flush()
	}
	return n, nil
}

func (w *chunkedWriter) Flush() {
	if w.buf.Len() > 0 {
		w.flush()
	}
}

func (w *chunkedWriter) flush() {
	out := make([]byte, w.buf.Len())
	copy(out, w.buf.Bytes())
	w.c.sendBufferSync(out)
	w.buf.Reset()
}

// runCommand executes one diagnostic probe and closes the connection.
//
// The connection stops consuming input before the response is written:
// probes are commonly sent by tools that half-close right after the token,
// and reacting to that read-side close would abort the write. The reader
// goroutine calls this as its final act, so nothing reads the socket while
// the response goes out.
func (c *Cnxn) runCommand(name string) {
	logger.Info("Processing %s command from %s", name, c.sock.RemoteAddr())
	c.DisableRecv()

	w := &chunkedWriter{c: c}
	if err := c.dispatchCommand(w, name); err != nil {
		logger.Error("Error in running command %s: %v", name, err)
	}
	w.Flush()
	c.Close()
}

func (c *Cnxn) dispatchCommand(w io.Writer, name string) error {
	backend := c.backend
	serving := backend.IsServing()

	switch name {
	case "ruok":
		fmt.Fprint(w, "imok")

	case "gtmk":
		fmt.Fprint(w, TraceMask())

	case "stmk":
		// the token is followed by 8 more bytes carrying the new mask
		var raw [8]byte
		if _, err := io.ReadFull(c.sock, raw[:]); err != nil {
			return fmt.Errorf("read trace mask: %w", err)
		}
		mask := int64(binary.BigEndian.Uint64(raw[:]))
		SetTraceMask(mask)
		fmt.Fprint(w, mask)

	case "envi":
		fmt.Fprintln(w, "Environment:")
		for _, e := range environment() {
			fmt.Fprintf(w, "%s=%s\n", e.key, e.value)
		}

	case "conf":
		if !serving {
			fmt.Fprintln(w, notServing)
			break
		}
		backend.DumpConf(w)

	case "srst":
		if !serving {
			fmt.Fprintln(w, notServing)
			break
		}
		backend.ServerStats().Reset()
		fmt.Fprintln(w, "Server stats reset.")

	case "crst":
		if !serving {
			fmt.Fprintln(w, notServing)
			break
		}
		for _, conn := range c.factory.Connections() {
			conn.Stats().Reset()
		}
		fmt.Fprintln(w, "Connection stats reset.")

	case "dump":
		if !serving {
			fmt.Fprintln(w, notServing)
			break
		}
		fmt.Fprintln(w, "SessionTracker dump:")
		backend.DumpSessions(w)
		fmt.Fprintln(w, "ephemeral nodes dump:")
		backend.DumpEphemerals(w)

	case "stat", "srvr":
		if !serving {
			fmt.Fprintln(w, notServing)
			break
		}
		fmt.Fprintf(w, "Roost version: %s\n", Version)
		if name == "stat" {
			fmt.Fprintln(w, "Clients:")
			// snapshot rather than iterate under the factory lock
			for _, conn := range c.factory.Connections() {
				conn.dumpConnectionInfo(w, true)
			}
			fmt.Fprintln(w)
		}
		fmt.Fprint(w, backend.ServerStats().String())
		fmt.Fprintf(w, "Node count: %d\n", backend.NodeCount())

	case "cons":
		if !serving {
			fmt.Fprintln(w, notServing)
			break
		}
		for _, conn := range c.factory.Connections() {
			conn.dumpConnectionInfo(w, false)
		}
		fmt.Fprintln(w)

	case "wchs":
		if !serving {
			fmt.Fprintln(w, notServing)
			break
		}
		backend.DumpWatchesSummary(w)
		fmt.Fprintln(w)

	case "wchc":
		if !serving {
			fmt.Fprintln(w, notServing)
			break
		}
		backend.DumpWatches(w, false)
		fmt.Fprintln(w)

	case "wchp":
		if !serving {
			fmt.Fprintln(w, notServing)
			break
		}
		backend.DumpWatches(w, true)
		fmt.Fprintln(w)
	}
	return nil
}
