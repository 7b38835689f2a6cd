package broker

import (
	"encoding/json"
	"io"
	"net"
	"testing"
	"time"

	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quietwire/relay/internal/clock"
	"github.com/quietwire/relay/internal/pool"
	"github.com/quietwire/relay/internal/session"
	"github.com/quietwire/relay/internal/wire"
)

func testOptions() Options {
	return Options{
		DefaultTTL:            24 * time.Hour,
		MaxTTL:                7 * 24 * time.Hour,
		EnvelopeSweepInterval: 5 * time.Minute,
		SessionSweepInterval:  time.Minute,
		SessionIdleTimeout:    5 * time.Minute,
		WriteTimeout:          time.Second,
		ReplicationTimeout:    5 * time.Second,
	}
}

func newTestBroker(t *testing.T) (*Broker, *clock.Fake) {
	t.Helper()
	fake := clock.NewFake(time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC))
	return New(testOptions(), fake, zerolog.Nop()), fake
}

// subscriber is the client end of a pipe-backed session, with a
// background reader collecting every pushed frame.
type subscriber struct {
	sess   *session.Session
	frames chan []byte
}

// connect opens a session over an in-memory pipe and starts draining
// the client end.
func connect(t *testing.T, b *Broker) *subscriber {
	t.Helper()
	server, client := net.Pipe()
	t.Cleanup(func() { client.Close() })

	sub := &subscriber{
		sess:   b.Sessions().Open(server),
		frames: make(chan []byte, 16),
	}
	go func() {
		defer close(sub.frames)
		for {
			data, err := wsutil.ReadServerText(client)
			if err != nil {
				return
			}
			sub.frames <- data
		}
	}()
	return sub
}

func bind(t *testing.T, b *Broker, sub *subscriber, code string) {
	t.Helper()
	require.NoError(t, b.Sessions().Bind(sub.sess.ID(), code))
}

// nextFrame waits for one pushed frame and decodes it.
func (s *subscriber) nextFrame(t *testing.T) wire.NewMessage {
	t.Helper()
	select {
	case data, ok := <-s.frames:
		require.True(t, ok, "session closed before a frame arrived")
		var frame wire.NewMessage
		require.NoError(t, json.Unmarshal(data, &frame))
		return frame
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for a pushed frame")
		return wire.NewMessage{}
	}
}

func (s *subscriber) assertNoFrame(t *testing.T) {
	t.Helper()
	select {
	case data, ok := <-s.frames:
		if ok {
			t.Fatalf("unexpected frame: %s", data)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func publishReq(id, recipient string, ttlMillis int64) wire.PublishRequest {
	return wire.PublishRequest{
		RecipientContactCode: recipient,
		EncryptedMessage:     json.RawMessage(`"` + id + `-payload"`),
		MessageID:            id,
		TTL:                  ttlMillis,
	}
}

func TestPublishWithoutSubscriberPoolsUntilPulled(t *testing.T) {
	b, _ := newTestBroker(t)

	delivered, err := b.Publish(b.NewEnvelope(publishReq("m1", "R", 60000)))
	require.NoError(t, err)
	assert.False(t, delivered)
	assert.Equal(t, 1, b.PoolSize())

	drained := b.Pull("R")
	require.Len(t, drained, 1)
	assert.Equal(t, "m1", drained[0].ID)
	assert.JSONEq(t, `"m1-payload"`, string(drained[0].Payload))

	assert.Empty(t, b.Pull("R"), "second pull with no interleaved publish is empty")
	assert.Equal(t, 0, b.PoolSize())
}

func TestPublishWithSubscriberPushes(t *testing.T) {
	b, _ := newTestBroker(t)

	sub := connect(t, b)
	bind(t, b, sub, "R")

	delivered, err := b.Publish(b.NewEnvelope(publishReq("m2", "R", 0)))
	require.NoError(t, err)
	assert.True(t, delivered)

	frame := sub.nextFrame(t)
	assert.Equal(t, wire.TypeNewMessage, frame.Type)
	assert.Equal(t, "m2", frame.MessageID)
	assert.JSONEq(t, `"m2-payload"`, string(frame.Message))
	assert.NotZero(t, frame.Timestamp)

	assert.Empty(t, b.Pull("R"), "pushed envelopes never show up on pull")
	assert.Equal(t, 0, b.PoolSize())
}

func TestTwoSubscribersSameMailboxBothReceive(t *testing.T) {
	b, _ := newTestBroker(t)

	s1 := connect(t, b)
	s2 := connect(t, b)
	bind(t, b, s1, "R")
	bind(t, b, s2, "R")

	delivered, err := b.Publish(b.NewEnvelope(publishReq("m4", "R", 0)))
	require.NoError(t, err)
	assert.True(t, delivered)

	assert.Equal(t, "m4", s1.nextFrame(t).MessageID)
	assert.Equal(t, "m4", s2.nextFrame(t).MessageID)
	assert.Equal(t, 0, b.PoolSize())
}

func TestTTLExpirySweep(t *testing.T) {
	b, fake := newTestBroker(t)

	_, err := b.Publish(b.NewEnvelope(publishReq("m3", "R", 1000)))
	require.NoError(t, err)

	fake.Advance(1500 * time.Millisecond)
	assert.Equal(t, 1, b.SweepEnvelopes())
	assert.Empty(t, b.Pull("R"))
}

func TestDefaultAndClampedTTL(t *testing.T) {
	b, _ := newTestBroker(t)

	assert.Equal(t, 24*time.Hour, b.NewEnvelope(publishReq("m1", "R", 0)).TTL)
	assert.Equal(t, time.Minute, b.NewEnvelope(publishReq("m2", "R", 60000)).TTL)

	year := (365 * 24 * time.Hour).Milliseconds()
	assert.Equal(t, 7*24*time.Hour, b.NewEnvelope(publishReq("m3", "R", year)).TTL,
		"caller TTL above the ceiling is clamped")
}

func TestDuplicatePublishRetainsExisting(t *testing.T) {
	b, _ := newTestBroker(t)

	_, err := b.Publish(b.NewEnvelope(publishReq("m1", "R", 0)))
	require.NoError(t, err)

	_, err = b.Publish(b.NewEnvelope(publishReq("m1", "other", 0)))
	require.ErrorIs(t, err, pool.ErrDuplicate)

	assert.Equal(t, 1, b.PoolSize())
	assert.Len(t, b.Pull("R"), 1)
	assert.Empty(t, b.Pull("other"))
}

func TestDeleteIdempotent(t *testing.T) {
	b, _ := newTestBroker(t)

	_, err := b.Publish(b.NewEnvelope(publishReq("m1", "R", 0)))
	require.NoError(t, err)

	assert.True(t, b.Delete("m1"))
	assert.False(t, b.Delete("m1"))
	assert.Empty(t, b.Pull("R"))
}

func TestRegisterNodeIdempotent(t *testing.T) {
	b, fake := newTestBroker(t)

	b.RegisterNode("http://peer-1:3000", "pk1")
	first := b.Nodes()[0].LastSeen

	fake.Advance(time.Minute)
	b.RegisterNode("http://peer-1:3000", "pk1")

	require.Equal(t, 1, b.NodeCount())
	assert.True(t, b.Nodes()[0].LastSeen.After(first), "re-register refreshes last_seen")
}

func TestBindDoesNotDrainPool(t *testing.T) {
	b, _ := newTestBroker(t)

	_, err := b.Publish(b.NewEnvelope(publishReq("m1", "R", 0)))
	require.NoError(t, err)

	sub := connect(t, b)
	bind(t, b, sub, "R")
	sub.assertNoFrame(t)

	// Pull after connect is the client's job.
	require.Len(t, b.Pull("R"), 1)
}

func TestPushFailureClosesSessionAndPools(t *testing.T) {
	b, _ := newTestBroker(t)

	server, client := net.Pipe()
	sess := b.Sessions().Open(server)
	require.NoError(t, b.Sessions().Bind(sess.ID(), "R"))
	client.Close()

	delivered, err := b.Publish(b.NewEnvelope(publishReq("m1", "R", 0)))
	require.NoError(t, err)

	assert.False(t, delivered, "a dead session cannot count as delivery")
	assert.Equal(t, 1, b.PoolSize())
	assert.Equal(t, 0, b.Sessions().Count(), "failed write removes the session")
}

func TestOneDeadOneLiveSessionStillDelivers(t *testing.T) {
	b, _ := newTestBroker(t)

	deadServer, deadClient := net.Pipe()
	dead := b.Sessions().Open(deadServer)
	require.NoError(t, b.Sessions().Bind(dead.ID(), "R"))
	deadClient.Close()

	live := connect(t, b)
	bind(t, b, live, "R")

	delivered, err := b.Publish(b.NewEnvelope(publishReq("m1", "R", 0)))
	require.NoError(t, err)

	assert.True(t, delivered)
	assert.Equal(t, "m1", live.nextFrame(t).MessageID)
	assert.Equal(t, 1, b.Sessions().Count())
	assert.Equal(t, 0, b.PoolSize())
}

// A successful push flushes older pooled envelopes for the same
// recipient over the sessions just proven live.
func TestSuccessfulPushFlushesPooledBacklog(t *testing.T) {
	b, _ := newTestBroker(t)

	_, err := b.Publish(b.NewEnvelope(publishReq("old1", "R", 0)))
	require.NoError(t, err)
	_, err = b.Publish(b.NewEnvelope(publishReq("old2", "R", 0)))
	require.NoError(t, err)
	require.Equal(t, 2, b.PoolSize())

	sub := connect(t, b)
	bind(t, b, sub, "R")

	delivered, err := b.Publish(b.NewEnvelope(publishReq("fresh", "R", 0)))
	require.NoError(t, err)
	assert.True(t, delivered)

	got := map[string]bool{}
	for i := 0; i < 3; i++ {
		got[sub.nextFrame(t).MessageID] = true
	}
	assert.True(t, got["fresh"] && got["old1"] && got["old2"], "got %v", got)
	assert.Equal(t, 0, b.PoolSize())
	assert.Empty(t, b.Pull("R"))
}

func TestBacklogAtAttemptCeilingIsLeftForPull(t *testing.T) {
	b, _ := newTestBroker(t)

	exhausted := b.NewEnvelope(publishReq("worn", "R", 0))
	for i := 0; i < pool.DefaultMaxAttempts; i++ {
		exhausted.NoteAttempt()
	}
	_, err := b.Publish(exhausted)
	require.NoError(t, err)

	sub := connect(t, b)
	bind(t, b, sub, "R")

	delivered, err := b.Publish(b.NewEnvelope(publishReq("fresh", "R", 0)))
	require.NoError(t, err)
	assert.True(t, delivered)

	assert.Equal(t, "fresh", sub.nextFrame(t).MessageID)
	sub.assertNoFrame(t)

	drained := b.Pull("R")
	require.Len(t, drained, 1)
	assert.Equal(t, "worn", drained[0].ID)
}

func TestSessionIdleSweep(t *testing.T) {
	b, fake := newTestBroker(t)

	sub := connect(t, b)
	bind(t, b, sub, "R")

	fake.Advance(6 * time.Minute)
	assert.Equal(t, 1, b.SweepSessions())
	assert.Equal(t, 0, b.Sessions().Count())

	delivered, err := b.Publish(b.NewEnvelope(publishReq("m1", "R", 0)))
	require.NoError(t, err)
	assert.False(t, delivered, "publish after idle eviction pools")
}

func TestSessionSurvivesSweepWhenTouched(t *testing.T) {
	b, fake := newTestBroker(t)

	sub := connect(t, b)
	bind(t, b, sub, "R")

	fake.Advance(4 * time.Minute)
	b.Sessions().Touch(sub.sess.ID())
	fake.Advance(2 * time.Minute)

	assert.Equal(t, 0, b.SweepSessions())
	assert.Equal(t, 1, b.Sessions().Count())
}

func TestReplicateInDeliversLocally(t *testing.T) {
	b, _ := newTestBroker(t)

	sub := connect(t, b)
	bind(t, b, sub, "R")

	e := b.NewEnvelope(publishReq("r1", "R", 0))
	require.NoError(t, b.ReplicateIn(e))

	assert.Equal(t, "r1", sub.nextFrame(t).MessageID)
	assert.Equal(t, 0, b.PoolSize())
}

func TestBroadcastStatusReachesEverySession(t *testing.T) {
	b, _ := newTestBroker(t)

	bound := connect(t, b)
	bind(t, b, bound, "R")
	unbound := connect(t, b)

	raw := []byte(`{"type":"status_update","status":"away","userId":"u1"}`)
	b.BroadcastStatus(raw)

	for _, sub := range []*subscriber{bound, unbound} {
		select {
		case data := <-sub.frames:
			assert.JSONEq(t, string(raw), string(data))
		case <-time.After(2 * time.Second):
			t.Fatal("status broadcast never arrived")
		}
	}
}

func TestForwardRealtimeNeverPools(t *testing.T) {
	b, _ := newTestBroker(t)

	sub := connect(t, b)
	bind(t, b, sub, "R")

	raw := []byte(`{"type":"real_time_message","recipientContactCode":"R","callId":"c1"}`)
	assert.Equal(t, 1, b.ForwardRealtime("R", raw))
	select {
	case data := <-sub.frames:
		assert.JSONEq(t, string(raw), string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("real-time frame never arrived")
	}

	assert.Equal(t, 0, b.ForwardRealtime("nobody", raw), "no live session means the frame is dropped")
	assert.Equal(t, 0, b.PoolSize())
	assert.Empty(t, b.Pull("nobody"))
}

func TestStopClosesSessions(t *testing.T) {
	b, _ := newTestBroker(t)

	server, client := net.Pipe()
	go io.Copy(io.Discard, client)
	b.Sessions().Open(server)

	b.StartSweeps()
	b.Stop()
	assert.Equal(t, 0, b.Sessions().Count())
}
