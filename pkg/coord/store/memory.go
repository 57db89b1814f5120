package store

import (
	"sort"
	"sync"

	"github.com/marmos91/roost/internal/protocol/proto"
)

// MemoryStore keeps the namespace in process memory. Contents are lost on
// restart; it is the default for tests and single-run deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	nodes    map[string]*ZNode
	children map[string]map[string]struct{}
}

// NewMemoryStore creates a store holding only the root node.
func NewMemoryStore() *MemoryStore {
	s := &MemoryStore{
		nodes:    make(map[string]*ZNode),
		children: make(map[string]map[string]struct{}),
	}
	s.nodes["/"] = &ZNode{Path: "/"}
	s.children["/"] = make(map[string]struct{})
	return s
}

func (s *MemoryStore) Create(path string, data []byte, ephemeralOwner int64, zxid int64) (*ZNode, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	if path == "/" {
		return nil, ErrNodeExists
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[path]; ok {
		return nil, ErrNodeExists
	}
	parent := ParentPath(path)
	parentNode, ok := s.nodes[parent]
	if !ok {
		return nil, ErrNoNode
	}

	node := &ZNode{
		Path: path,
		Data: data,
		Stat: proto.Stat{
			Czxid:          zxid,
			Mzxid:          zxid,
			EphemeralOwner: ephemeralOwner,
			DataLength:     int32(len(data)),
		},
	}
	s.nodes[path] = node
	s.children[path] = make(map[string]struct{})
	s.children[parent][BaseName(path)] = struct{}{}
	parentNode.Stat.NumChildren++
	parentNode.Stat.Pzxid = zxid

	return copyNode(node), nil
}

func (s *MemoryStore) Delete(path string, version int32) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if path == "/" {
		return ErrBadPath
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[path]
	if !ok {
		return ErrNoNode
	}
	if version != -1 && version != node.Stat.Version {
		return ErrBadVersion
	}
	if len(s.children[path]) > 0 {
		return ErrNotEmpty
	}

	delete(s.nodes, path)
	delete(s.children, path)
	parent := ParentPath(path)
	delete(s.children[parent], BaseName(path))
	if parentNode, ok := s.nodes[parent]; ok {
		parentNode.Stat.NumChildren--
	}
	return nil
}

func (s *MemoryStore) Get(path string) (*ZNode, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	node, ok := s.nodes[path]
	if !ok {
		return nil, ErrNoNode
	}
	return copyNode(node), nil
}

func (s *MemoryStore) Set(path string, data []byte, version int32, zxid int64) (*ZNode, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	node, ok := s.nodes[path]
	if !ok {
		return nil, ErrNoNode
	}
	if version != -1 && version != node.Stat.Version {
		return nil, ErrBadVersion
	}

	node.Data = data
	node.Stat.Version++
	node.Stat.Mzxid = zxid
	node.Stat.DataLength = int32(len(data))
	return copyNode(node), nil
}

func (s *MemoryStore) Children(path string) ([]string, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	set, ok := s.children[path]
	if !ok {
		return nil, ErrNoNode
	}
	names := make([]string, 0, len(set))
	for name := range set {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStore) NodeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

func (s *MemoryStore) Ephemerals() map[int64][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[int64][]string)
	for path, node := range s.nodes {
		if owner := node.Stat.EphemeralOwner; owner != 0 {
			out[owner] = append(out[owner], path)
		}
	}
	for _, paths := range out {
		sort.Strings(paths)
	}
	return out
}

func (s *MemoryStore) Close() error { return nil }

func copyNode(n *ZNode) *ZNode {
	dup := *n
	dup.Data = append([]byte(nil), n.Data...)
	return &dup
}
