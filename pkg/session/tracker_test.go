package session

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateSessionAssignsDistinctIDs(t *testing.T) {
	tr := NewTracker(1, 50*time.Millisecond, nil)
	defer tr.Shutdown()

	a := tr.CreateSession(time.Minute)
	b := tr.CreateSession(time.Minute)
	assert.NotEqual(t, a, b)
	assert.True(t, tr.IsTracked(a))
	assert.True(t, tr.IsTracked(b))
	assert.Equal(t, 2, tr.SessionCount())

	// the server id occupies the top byte
	assert.EqualValues(t, 1, a>>56)
}

func TestTouchKeepsSessionAlive(t *testing.T) {
	var mu sync.Mutex
	var expired []int64
	tr := NewTracker(0, 20*time.Millisecond, func(id int64) {
		mu.Lock()
		expired = append(expired, id)
		mu.Unlock()
	})
	defer tr.Shutdown()

	id := tr.CreateSession(60 * time.Millisecond)

	for range 10 {
		time.Sleep(20 * time.Millisecond)
		require.True(t, tr.Touch(id))
	}
	assert.True(t, tr.IsTracked(id))

	mu.Lock()
	assert.Empty(t, expired)
	mu.Unlock()
}

func TestIdleSessionExpires(t *testing.T) {
	expired := make(chan int64, 1)
	tr := NewTracker(0, 20*time.Millisecond, func(id int64) { expired <- id })
	defer tr.Shutdown()

	id := tr.CreateSession(40 * time.Millisecond)

	select {
	case got := <-expired:
		assert.Equal(t, id, got)
	case <-time.After(2 * time.Second):
		t.Fatal("session never expired")
	}
	assert.False(t, tr.IsTracked(id))
	assert.False(t, tr.Touch(id))
}

func TestRemoveDoesNotFireExpiry(t *testing.T) {
	expired := make(chan int64, 1)
	tr := NewTracker(0, 20*time.Millisecond, func(id int64) { expired <- id })
	defer tr.Shutdown()

	id := tr.CreateSession(40 * time.Millisecond)
	tr.Remove(id)

	select {
	case <-expired:
		t.Fatal("removed session must not expire")
	case <-time.After(150 * time.Millisecond):
	}
	assert.False(t, tr.IsTracked(id))
}

func TestDumpSessionsListsBuckets(t *testing.T) {
	tr := NewTracker(0, 50*time.Millisecond, nil)
	defer tr.Shutdown()

	id := tr.CreateSession(time.Minute)

	var buf bytes.Buffer
	tr.DumpSessions(&buf)
	out := buf.String()
	assert.Contains(t, out, "Session Sets (")
	assert.Contains(t, out, "expire at")
	assert.Regexp(t, `0x[0-9a-f]+`, out)
	_ = id
}
