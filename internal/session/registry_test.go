package session

import (
	"io"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietwire/relay/internal/clock"
)

func newTestRegistry(t *testing.T) (*Registry, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	return NewRegistry(time.Second, fake, zerolog.Nop()), fake
}

// openPipeSession opens a session over an in-memory pipe. The client
// end is drained in the background so server-side writes never block.
func openPipeSession(t *testing.T, r *Registry) *Session {
	t.Helper()
	server, client := net.Pipe()
	go io.Copy(io.Discard, client)
	t.Cleanup(func() { client.Close() })
	return r.Open(server)
}

func TestOpenAssignsUniqueIDs(t *testing.T) {
	r, _ := newTestRegistry(t)

	s1 := openPipeSession(t, r)
	s2 := openPipeSession(t, r)

	assert.NotEmpty(t, s1.ID())
	assert.NotEqual(t, s1.ID(), s2.ID())
	assert.Equal(t, 2, r.Count())
	assert.Empty(t, s1.Recipient(), "sessions open unbound")
}

func TestBindAndLookup(t *testing.T) {
	r, _ := newTestRegistry(t)

	s1 := openPipeSession(t, r)
	s2 := openPipeSession(t, r)
	require.NoError(t, r.Bind(s1.ID(), "alice"))
	require.NoError(t, r.Bind(s2.ID(), "alice"))

	bound := r.Lookup("alice")
	assert.Len(t, bound, 2, "both devices receive pushes for one mailbox")
	assert.Empty(t, r.Lookup("bob"))
}

func TestBindUnknownSession(t *testing.T) {
	r, _ := newTestRegistry(t)

	s := openPipeSession(t, r)
	r.Close(s.ID(), "test")

	err := r.Bind(s.ID(), "alice")
	assert.ErrorIs(t, err, ErrUnknownSession)
}

func TestRebindReplacesPreviousClaim(t *testing.T) {
	r, _ := newTestRegistry(t)

	s := openPipeSession(t, r)
	require.NoError(t, r.Bind(s.ID(), "alice"))
	require.NoError(t, r.Bind(s.ID(), "bob"))

	assert.Empty(t, r.Lookup("alice"))
	require.Len(t, r.Lookup("bob"), 1)
	assert.Equal(t, "bob", s.Recipient())
}

func TestCloseRemovesFromIndex(t *testing.T) {
	r, _ := newTestRegistry(t)

	s := openPipeSession(t, r)
	require.NoError(t, r.Bind(s.ID(), "alice"))

	r.Close(s.ID(), "test")
	r.Close(s.ID(), "test") // second close is a no-op

	assert.Equal(t, 0, r.Count())
	assert.Empty(t, r.Lookup("alice"))
}

func TestTouchAndIdle(t *testing.T) {
	r, fake := newTestRegistry(t)

	stale := openPipeSession(t, r)
	fresh := openPipeSession(t, r)

	fake.Advance(4 * time.Minute)
	r.Touch(fresh.ID())
	fake.Advance(2 * time.Minute)

	cutoff := fake.Now().Add(-5 * time.Minute)
	idle := r.Idle(cutoff)
	require.Len(t, idle, 1)
	assert.Equal(t, stale.ID(), idle[0].ID())
}

func TestCloseAll(t *testing.T) {
	r, _ := newTestRegistry(t)

	openPipeSession(t, r)
	openPipeSession(t, r)
	openPipeSession(t, r)

	r.CloseAll("server_shutdown")
	assert.Equal(t, 0, r.Count())
}

func TestWriteAfterPeerClosed(t *testing.T) {
	r, _ := newTestRegistry(t)

	server, client := net.Pipe()
	sess := r.Open(server)
	client.Close()

	err := sess.WriteRaw([]byte(`{"type":"new_message"}`))
	assert.Error(t, err, "writes to a dead peer must surface a transport error")
}

// Frames written by concurrent goroutines arrive whole: the per-session
// write mutex keeps them from interleaving.
func TestConcurrentWritesStayFramed(t *testing.T) {
	r, _ := newTestRegistry(t)

	server, client := net.Pipe()
	sess := r.Open(server)
	t.Cleanup(func() { client.Close() })

	const n = 20
	received := make(chan []byte, n)
	go func() {
		for i := 0; i < n; i++ {
			data, err := wsutil.ReadServerText(client)
			if err != nil {
				close(received)
				return
			}
			received <- data
		}
		close(received)
	}()

	done := make(chan struct{})
	for i := 0; i < n; i++ {
		go func() {
			defer func() { done <- struct{}{} }()
			require.NoError(t, sess.WriteRaw([]byte(`{"type":"status_update","status":"online"}`)))
		}()
		_ = i
	}
	for i := 0; i < n; i++ {
		<-done
	}

	count := 0
	for data := range received {
		assert.JSONEq(t, `{"type":"status_update","status":"online"}`, string(data))
		count++
	}
	assert.Equal(t, n, count)
}
