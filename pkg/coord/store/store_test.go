package store

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// storeFactories lets every semantic test run against both implementations.
var storeFactories = map[string]func(t *testing.T) Store{
	"memory": func(t *testing.T) Store {
		return NewMemoryStore()
	},
	"badger": func(t *testing.T) Store {
		s, err := NewBadgerStore(BadgerConfig{Dir: t.TempDir()})
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	},
}

func TestStoreSemantics(t *testing.T) {
	for name, newStore := range storeFactories {
		t.Run(name, func(t *testing.T) {
			t.Run("RootExists", func(t *testing.T) {
				s := newStore(t)
				root, err := s.Get("/")
				require.NoError(t, err)
				assert.Equal(t, "/", root.Path)
				assert.Equal(t, 1, s.NodeCount())
			})

			t.Run("CreateAndGet", func(t *testing.T) {
				s := newStore(t)
				created, err := s.Create("/a", []byte("data"), 0, 5)
				require.NoError(t, err)
				assert.Equal(t, int64(5), created.Stat.Czxid)

				got, err := s.Get("/a")
				require.NoError(t, err)
				assert.Equal(t, []byte("data"), got.Data)
				assert.Zero(t, got.Stat.Version)

				parent, err := s.Get("/")
				require.NoError(t, err)
				assert.EqualValues(t, 1, parent.Stat.NumChildren)
				assert.Equal(t, int64(5), parent.Stat.Pzxid)
			})

			t.Run("CreateRequiresParent", func(t *testing.T) {
				s := newStore(t)
				_, err := s.Create("/missing/child", nil, 0, 1)
				assert.ErrorIs(t, err, ErrNoNode)
			})

			t.Run("CreateRejectsDuplicate", func(t *testing.T) {
				s := newStore(t)
				_, err := s.Create("/a", nil, 0, 1)
				require.NoError(t, err)
				_, err = s.Create("/a", nil, 0, 2)
				assert.ErrorIs(t, err, ErrNodeExists)
			})

			t.Run("SetBumpsVersion", func(t *testing.T) {
				s := newStore(t)
				_, err := s.Create("/a", []byte("v0"), 0, 1)
				require.NoError(t, err)

				updated, err := s.Set("/a", []byte("v1"), 0, 2)
				require.NoError(t, err)
				assert.EqualValues(t, 1, updated.Stat.Version)
				assert.Equal(t, int64(2), updated.Stat.Mzxid)

				_, err = s.Set("/a", []byte("v2"), 0, 3)
				assert.ErrorIs(t, err, ErrBadVersion)

				_, err = s.Set("/a", []byte("v2"), -1, 3)
				assert.NoError(t, err, "-1 matches any version")
			})

			t.Run("DeleteChecksVersionAndChildren", func(t *testing.T) {
				s := newStore(t)
				_, err := s.Create("/a", nil, 0, 1)
				require.NoError(t, err)
				_, err = s.Create("/a/b", nil, 0, 2)
				require.NoError(t, err)

				assert.ErrorIs(t, s.Delete("/a", -1), ErrNotEmpty)
				assert.ErrorIs(t, s.Delete("/a/b", 5), ErrBadVersion)
				require.NoError(t, s.Delete("/a/b", -1))
				require.NoError(t, s.Delete("/a", -1))

				_, err = s.Get("/a")
				assert.ErrorIs(t, err, ErrNoNode)
			})

			t.Run("ChildrenAreSorted", func(t *testing.T) {
				s := newStore(t)
				for i, name := range []string{"/c", "/a", "/b"} {
					_, err := s.Create(name, nil, 0, int64(i+1))
					require.NoError(t, err)
				}
				_, err := s.Create("/a/nested", nil, 0, 4)
				require.NoError(t, err)

				children, err := s.Children("/")
				require.NoError(t, err)
				assert.Equal(t, []string{"a", "b", "c"}, children, "direct children only, sorted")
			})

			t.Run("EphemeralsGroupByOwner", func(t *testing.T) {
				s := newStore(t)
				_, err := s.Create("/e1", nil, 100, 1)
				require.NoError(t, err)
				_, err = s.Create("/e2", nil, 100, 2)
				require.NoError(t, err)
				_, err = s.Create("/plain", nil, 0, 3)
				require.NoError(t, err)

				eph := s.Ephemerals()
				assert.Equal(t, map[int64][]string{100: {"/e1", "/e2"}}, eph)
			})

			t.Run("RejectsBadPaths", func(t *testing.T) {
				s := newStore(t)
				for _, path := range []string{"", "a", "/a/", "//a", "/a//b"} {
					_, err := s.Get(path)
					assert.ErrorIs(t, err, ErrBadPath, "path %q", path)
				}
			})
		})
	}
}

func TestBadgerStorePersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := NewBadgerStore(BadgerConfig{Dir: dir})
	require.NoError(t, err)
	_, err = s.Create("/durable", []byte("kept"), 0, 1)
	require.NoError(t, err)
	_, err = s.Create("/ephemeral", []byte("gone"), 77, 2)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	s, err = NewBadgerStore(BadgerConfig{Dir: dir})
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get("/durable")
	require.NoError(t, err)
	assert.Equal(t, []byte("kept"), got.Data)

	_, err = s.Get("/ephemeral")
	assert.ErrorIs(t, err, ErrNoNode, "ephemerals do not survive a restart")
}
