package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/marmos91/roost/internal/logger"
	"github.com/marmos91/roost/internal/protocol/proto"
)

// Database Key Namespace
// ======================
//
// BadgerDB is a key-value store, so znodes live under a prefixed key space:
//
//	Data Type    Prefix   Key Format       Value Type
//	=====================================================
//	ZNode        "n:"     n:<path>         ZNode (JSON)
//
// Children are not stored separately: a direct-children scan walks the
// "n:<parent>/" prefix and filters out deeper descendants. JSON values keep
// the database debuggable; znode payloads are small enough that encoding
// cost is irrelevant next to the fsync.
const nodePrefix = "n:"

// BadgerStore persists the namespace in a BadgerDB database, surviving
// restarts. Ephemeral nodes are dropped during open: their owning sessions
// did not survive the restart either.
//
// Thread safety: a single mutex serialises mutations; reads run on Badger
// snapshots.
type BadgerStore struct {
	mu sync.Mutex
	db *badger.DB
}

// BadgerConfig configures the on-disk store.
type BadgerConfig struct {
	// Dir is the database directory.
	Dir string `mapstructure:"dir"`

	// SyncWrites makes every commit durable before returning.
	SyncWrites bool `mapstructure:"sync_writes"`
}

// NewBadgerStore opens (or creates) the database in cfg.Dir, seeds the root
// node, and clears leftover ephemerals.
func NewBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	opts := badger.DefaultOptions(cfg.Dir)
	opts.SyncWrites = cfg.SyncWrites
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}

	s := &BadgerStore{db: db}
	if err := s.initialize(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *BadgerStore) initialize() error {
	return s.db.Update(func(txn *badger.Txn) error {
		// seed the root if the database is fresh
		if _, err := txn.Get(nodeKey("/")); err == badger.ErrKeyNotFound {
			root := &ZNode{Path: "/"}
			if err := putNode(txn, root); err != nil {
				return err
			}
		} else if err != nil {
			return err
		}

		// recovery: ephemeral owners are gone, so are their nodes
		dropped := 0
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		var stale [][]byte
		for it.Seek([]byte(nodePrefix)); it.ValidForPrefix([]byte(nodePrefix)); it.Next() {
			item := it.Item()
			var node ZNode
			if err := item.Value(func(v []byte) error { return json.Unmarshal(v, &node) }); err != nil {
				return err
			}
			if node.Stat.EphemeralOwner != 0 {
				stale = append(stale, item.KeyCopy(nil))
			}
		}
		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
			dropped++
		}
		if dropped > 0 {
			logger.Info("Dropped %d ephemeral node(s) from previous run", dropped)
		}
		return nil
	})
}

func nodeKey(path string) []byte {
	return []byte(nodePrefix + path)
}

func putNode(txn *badger.Txn, node *ZNode) error {
	value, err := json.Marshal(node)
	if err != nil {
		return fmt.Errorf("marshal node %s: %w", node.Path, err)
	}
	return txn.Set(nodeKey(node.Path), value)
}

func getNode(txn *badger.Txn, path string) (*ZNode, error) {
	item, err := txn.Get(nodeKey(path))
	if err == badger.ErrKeyNotFound {
		return nil, ErrNoNode
	}
	if err != nil {
		return nil, err
	}
	node := &ZNode{}
	if err := item.Value(func(v []byte) error { return json.Unmarshal(v, node) }); err != nil {
		return nil, err
	}
	return node, nil
}

func (s *BadgerStore) Create(path string, data []byte, ephemeralOwner int64, zxid int64) (*ZNode, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}
	if path == "/" {
		return nil, ErrNodeExists
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var created *ZNode
	err := s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(nodeKey(path)); err == nil {
			return ErrNodeExists
		} else if err != badger.ErrKeyNotFound {
			return err
		}

		parent, err := getNode(txn, ParentPath(path))
		if err != nil {
			return err
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
		if err := putNode(txn, node); err != nil {
			return err
		}

		parent.Stat.NumChildren++
		parent.Stat.Pzxid = zxid
		if err := putNode(txn, parent); err != nil {
			return err
		}

		created = node
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *BadgerStore) Delete(path string, version int32) error {
	if err := ValidatePath(path); err != nil {
		return err
	}
	if path == "/" {
		return ErrBadPath
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		node, err := getNode(txn, path)
		if err != nil {
			return err
		}
		if version != -1 && version != node.Stat.Version {
			return ErrBadVersion
		}
		children, err := directChildren(txn, path)
		if err != nil {
			return err
		}
		if len(children) > 0 {
			return ErrNotEmpty
		}

		if err := txn.Delete(nodeKey(path)); err != nil {
			return err
		}

		parent, err := getNode(txn, ParentPath(path))
		if err != nil {
			return err
		}
		parent.Stat.NumChildren--
		return putNode(txn, parent)
	})
}

func (s *BadgerStore) Get(path string) (*ZNode, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}

	var node *ZNode
	err := s.db.View(func(txn *badger.Txn) error {
		var err error
		node, err = getNode(txn, path)
		return err
	})
	if err != nil {
		return nil, err
	}
	return node, nil
}

func (s *BadgerStore) Set(path string, data []byte, version int32, zxid int64) (*ZNode, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var updated *ZNode
	err := s.db.Update(func(txn *badger.Txn) error {
		node, err := getNode(txn, path)
		if err != nil {
			return err
		}
		if version != -1 && version != node.Stat.Version {
			return ErrBadVersion
		}

		node.Data = data
		node.Stat.Version++
		node.Stat.Mzxid = zxid
		node.Stat.DataLength = int32(len(data))
		if err := putNode(txn, node); err != nil {
			return err
		}
		updated = node
		return nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *BadgerStore) Children(path string) ([]string, error) {
	if err := ValidatePath(path); err != nil {
		return nil, err
	}

	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		if _, err := getNode(txn, path); err != nil {
			return err
		}
		var err error
		names, err = directChildren(txn, path)
		return err
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	return names, nil
}

// directChildren scans the node prefix below parent and keeps only paths
// one level down.
func directChildren(txn *badger.Txn, parent string) ([]string, error) {
	prefix := nodePrefix + parent
	if parent != "/" {
		prefix += "/"
	} else {
		prefix = nodePrefix + "/"
	}

	opts := badger.DefaultIteratorOptions
	opts.PrefetchValues = false
	it := txn.NewIterator(opts)
	defer it.Close()

	var names []string
	for it.Seek([]byte(prefix)); it.ValidForPrefix([]byte(prefix)); it.Next() {
		rest := string(it.Item().Key())[len(prefix):]
		if rest == "" || strings.ContainsRune(rest, '/') {
			continue
		}
		names = append(names, rest)
	}
	return names, nil
}

func (s *BadgerStore) NodeCount() int {
	count := 0
	_ = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek([]byte(nodePrefix)); it.ValidForPrefix([]byte(nodePrefix)); it.Next() {
			count++
		}
		return nil
	})
	return count
}

func (s *BadgerStore) Ephemerals() map[int64][]string {
	out := make(map[int64][]string)
	_ = s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek([]byte(nodePrefix)); it.ValidForPrefix([]byte(nodePrefix)); it.Next() {
			var node ZNode
			if err := it.Item().Value(func(v []byte) error { return json.Unmarshal(v, &node) }); err != nil {
				return err
			}
			if owner := node.Stat.EphemeralOwner; owner != 0 {
				out[owner] = append(out[owner], node.Path)
			}
		}
		return nil
	})
	for _, paths := range out {
		sort.Strings(paths)
	}
	return out
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
