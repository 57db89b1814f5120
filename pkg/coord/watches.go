package coord

import (
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/marmos91/roost/internal/protocol/proto"
	"github.com/marmos91/roost/internal/server"
)

// WatchManager holds one-shot watches: path -> watching connections, plus
// the reverse index used to detach a closing connection. Triggering a path
// removes its watches before delivery, so each watch fires at most once.
type WatchManager struct {
	name string

	mu          sync.Mutex
	watchTable  map[string]map[server.Handle]struct{}
	watch2Paths map[server.Handle]map[string]struct{}
}

// NewWatchManager creates an empty manager; name labels dump output.
func NewWatchManager(name string) *WatchManager {
	return &WatchManager{
		name:        name,
		watchTable:  make(map[string]map[server.Handle]struct{}),
		watch2Paths: make(map[server.Handle]map[string]struct{}),
	}
}

// AddWatch registers h on path.
func (m *WatchManager) AddWatch(path string, h server.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	set, ok := m.watchTable[path]
	if !ok {
		set = make(map[server.Handle]struct{}, 2)
		m.watchTable[path] = set
	}
	set[h] = struct{}{}

	paths, ok := m.watch2Paths[h]
	if !ok {
		paths = make(map[string]struct{}, 2)
		m.watch2Paths[h] = paths
	}
	paths[path] = struct{}{}
}

// RemoveWatcher detaches every watch held by h.
func (m *WatchManager) RemoveWatcher(h server.Handle) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for path := range m.watch2Paths[h] {
		if set, ok := m.watchTable[path]; ok {
			delete(set, h)
			if len(set) == 0 {
				delete(m.watchTable, path)
			}
		}
	}
	delete(m.watch2Paths, h)
}

// TriggerWatch fires and removes the watches on path. Delivery happens
// outside the manager lock; a watcher that closes mid-delivery just drops
// the event.
func (m *WatchManager) TriggerWatch(path string, eventType int32) {
	m.mu.Lock()
	set := m.watchTable[path]
	delete(m.watchTable, path)
	watchers := make([]server.Handle, 0, len(set))
	for h := range set {
		watchers = append(watchers, h)
		if paths, ok := m.watch2Paths[h]; ok {
			delete(paths, path)
			if len(paths) == 0 {
				delete(m.watch2Paths, h)
			}
		}
	}
	m.mu.Unlock()

	for _, h := range watchers {
		h.Process(&proto.WatcherEvent{
			Type:  eventType,
			State: proto.StateSyncConnected,
			Path:  path,
		})
	}
}

// Counts returns (watching connections, watched paths, total watches).
func (m *WatchManager) Counts() (conns, paths, watches int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, set := range m.watch2Paths {
		watches += len(set)
	}
	return len(m.watch2Paths), len(m.watchTable), watches
}

// DumpSummary prints the manager's size line.
func (m *WatchManager) DumpSummary(w io.Writer) {
	conns, paths, watches := m.Counts()
	fmt.Fprintf(w, "%s: %d connections watching %d paths\nTotal watches:%d\n",
		m.name, conns, paths, watches)
}

// Dump prints the full watch table, keyed by path when byPath is set and by
// session otherwise.
func (m *WatchManager) Dump(w io.Writer, byPath bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if byPath {
		paths := make([]string, 0, len(m.watchTable))
		for path := range m.watchTable {
			paths = append(paths, path)
		}
		sort.Strings(paths)
		for _, path := range paths {
			fmt.Fprintf(w, "%s\n", path)
			for h := range m.watchTable[path] {
				fmt.Fprintf(w, "\t0x%x\n", h.SessionID())
			}
		}
		return
	}

	for h, pathSet := range m.watch2Paths {
		fmt.Fprintf(w, "0x%x\n", h.SessionID())
		paths := make([]string, 0, len(pathSet))
		for path := range pathSet {
			paths = append(paths, path)
		}
		sort.Strings(paths)
		for _, path := range paths {
			fmt.Fprintf(w, "\t%s\n", path)
		}
	}
}
