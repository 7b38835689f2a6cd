// Package broker wires the relay's components together and implements
// the delivery engine: push over live sessions when possible, pool
// otherwise, pull drains, replication fan-out, and the periodic
// sweeps.
package broker

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quietwire/relay/internal/clock"
	"github.com/quietwire/relay/internal/cluster"
	"github.com/quietwire/relay/internal/monitoring"
	"github.com/quietwire/relay/internal/pool"
	"github.com/quietwire/relay/internal/session"
	"github.com/quietwire/relay/internal/wire"
)

// Options are the broker knobs the server extracts from config.
type Options struct {
	DefaultTTL            time.Duration
	MaxTTL                time.Duration
	EnvelopeSweepInterval time.Duration
	SessionSweepInterval  time.Duration
	SessionIdleTimeout    time.Duration
	WriteTimeout          time.Duration
	ReplicationTimeout    time.Duration
}

// Broker owns the pool, the session registry, the peer set, and the
// replicator. HTTP and WebSocket handlers call into it; it never
// touches the transport layer beyond session writes.
type Broker struct {
	opts Options

	pool       *pool.Pool
	sessions   *session.Registry
	nodes      *cluster.NodeSet
	replicator *cluster.Replicator

	clk    clock.Clock
	logger zerolog.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func New(opts Options, clk clock.Clock, logger zerolog.Logger) *Broker {
	nodes := cluster.NewNodeSet(clk)
	return &Broker{
		opts:       opts,
		pool:       pool.New(),
		sessions:   session.NewRegistry(opts.WriteTimeout, clk, logger),
		nodes:      nodes,
		replicator: cluster.NewReplicator(nodes, opts.ReplicationTimeout, logger),
		clk:        clk,
		logger:     logger.With().Str("component", "broker").Logger(),
		stopCh:     make(chan struct{}),
	}
}

// Sessions exposes the registry to the WebSocket front door.
func (b *Broker) Sessions() *session.Registry { return b.sessions }

// PoolSize returns the number of pooled envelopes.
func (b *Broker) PoolSize() int { return b.pool.Size() }

// NodeCount returns the number of known peers.
func (b *Broker) NodeCount() int { return b.nodes.Count() }

// NewEnvelope builds an envelope stamped with the current instant. A
// non-positive ttl takes the default; anything above the ceiling is
// clamped.
func (b *Broker) NewEnvelope(req wire.PublishRequest) *pool.Envelope {
	ttl := time.Duration(req.TTL) * time.Millisecond
	if ttl <= 0 {
		ttl = b.opts.DefaultTTL
	}
	if ttl > b.opts.MaxTTL {
		ttl = b.opts.MaxTTL
	}
	return &pool.Envelope{
		ID:          req.MessageID,
		Recipient:   req.RecipientContactCode,
		Payload:     req.EncryptedMessage,
		MessageType: req.MessageType,
		CreatedAt:   b.clk.Now(),
		TTL:         ttl,
		MaxAttempts: pool.DefaultMaxAttempts,
	}
}

// Publish accepts a client envelope: pool it, try an immediate push,
// fan out to peers. Returns whether the envelope was pushed (true) or
// left pooled (false). pool.ErrDuplicate if the id is already held.
func (b *Broker) Publish(e *pool.Envelope) (delivered bool, err error) {
	if err := b.pool.Insert(e); err != nil {
		return false, err
	}
	monitoring.EnvelopesPublished.Inc()

	delivered = b.deliver(e)
	b.replicator.Replicate(e)
	b.syncPoolGauge()
	return delivered, nil
}

// ReplicateIn accepts an envelope from a peer: pool it and try local
// delivery, but never re-replicate. The origin's created_at rides in
// so expiry lines up cluster-wide.
func (b *Broker) ReplicateIn(e *pool.Envelope) error {
	if err := b.pool.Insert(e); err != nil {
		return err
	}
	monitoring.EnvelopesReplicatedIn.Inc()

	b.deliver(e)
	b.syncPoolGauge()
	return nil
}

// Pull drains every pooled envelope for the recipient, in insertion
// order. An empty result is a normal answer, not an error.
func (b *Broker) Pull(recipient string) []*pool.Envelope {
	drained := b.pool.TakeFor(recipient)
	if len(drained) > 0 {
		monitoring.EnvelopesPulled.Add(float64(len(drained)))
		b.syncPoolGauge()
	}
	return drained
}

// Delete removes one envelope by id. Idempotent: a second call
// reports false.
func (b *Broker) Delete(id string) bool {
	removed := b.pool.Remove(id)
	if removed {
		monitoring.EnvelopesDeleted.Inc()
		b.syncPoolGauge()
	}
	return removed
}

// RegisterNode records a peer; re-registering refreshes last_seen.
func (b *Broker) RegisterNode(url, publicKey string) {
	if b.nodes.Register(url, publicKey) {
		b.logger.Info().Str("node_url", url).Msg("Peer node registered")
	}
}

// Nodes returns the current peer view.
func (b *Broker) Nodes() []cluster.Node { return b.nodes.List() }

// deliver pushes e to every session bound to its recipient. At least
// one successful write removes the envelope from the pool and flushes
// any older pooled envelopes for the same recipient over the sessions
// just proven live. Returns whether the envelope was delivered.
func (b *Broker) deliver(e *pool.Envelope) bool {
	candidates := b.sessions.Lookup(e.Recipient)
	if len(candidates) == 0 {
		monitoring.EnvelopesPooled.Inc()
		return false
	}

	e.NoteAttempt()
	live := b.pushFrame(e, candidates)
	if len(live) == 0 {
		monitoring.EnvelopesPooled.Inc()
		b.logger.Debug().
			Str("message_id", e.ID).
			Int("sessions_tried", len(candidates)).
			Msg("Push failed on every session; envelope stays pooled")
		return false
	}

	b.pool.Remove(e.ID)
	monitoring.EnvelopesDelivered.Inc()
	b.flushPending(e.Recipient, e.ID, live)
	return true
}

// pushFrame writes a new_message frame for e to each candidate and
// returns the sessions that took the write. A failed write closes
// that session; delivery proceeds with the rest.
func (b *Broker) pushFrame(e *pool.Envelope, candidates []*session.Session) []*session.Session {
	frame := wire.NewMessage{
		Type:      wire.TypeNewMessage,
		Message:   e.Payload,
		MessageID: e.ID,
		Timestamp: e.CreatedAt.UnixMilli(),
	}

	var live []*session.Session
	for _, sess := range candidates {
		if err := sess.WriteJSON(frame); err != nil {
			b.logger.Debug().
				Err(err).
				Str("session_id", sess.ID()).
				Str("message_id", e.ID).
				Msg("Push write failed; closing session")
			b.sessions.Close(sess.ID(), "write failed")
			continue
		}
		monitoring.FramesOut.Inc()
		live = append(live, sess)
	}
	return live
}

// flushPending retries older pooled envelopes for the recipient over
// sessions a fresh push just succeeded on. Envelopes at their attempt
// ceiling, and any that still fail every write, go back into the pool
// untouched apart from the attempt counter.
func (b *Broker) flushPending(recipient, freshID string, live []*session.Session) {
	pending := b.pool.TakeFor(recipient)
	flushed := 0
	for _, p := range pending {
		if p.ID == freshID || p.AttemptsExhausted() {
			b.reinsert(p)
			continue
		}
		p.NoteAttempt()
		if len(b.pushFrame(p, live)) == 0 {
			b.reinsert(p)
			continue
		}
		monitoring.EnvelopesDelivered.Inc()
		flushed++
	}
	if flushed > 0 {
		b.logger.Debug().
			Str("contact_code", recipient).
			Int("flushed", flushed).
			Msg("Flushed pooled envelopes over live sessions")
	}
}

// reinsert puts a taken envelope back. A duplicate here means a racing
// publish reused the id while the envelope was out of the pool; the
// pooled entry wins and this copy is dropped.
func (b *Broker) reinsert(p *pool.Envelope) {
	if err := b.pool.Insert(p); err != nil {
		b.logger.Warn().Str("message_id", p.ID).Msg("Envelope id reused while in flight; dropping stale copy")
	}
}

// BroadcastStatus forwards a status_update frame verbatim to every
// open session, bound or not. Write failures close the session.
func (b *Broker) BroadcastStatus(raw []byte) {
	for _, sess := range b.sessions.All() {
		if err := sess.WriteRaw(raw); err != nil {
			b.sessions.Close(sess.ID(), "write failed")
			continue
		}
		monitoring.FramesOut.Inc()
	}
}

// ForwardRealtime writes an ephemeral frame verbatim to every session
// bound to the recipient. Never pooled: a recipient with no live
// session simply misses it. Returns how many sessions took the write.
func (b *Broker) ForwardRealtime(recipient string, raw []byte) int {
	forwarded := 0
	for _, sess := range b.sessions.Lookup(recipient) {
		if err := sess.WriteRaw(raw); err != nil {
			b.sessions.Close(sess.ID(), "write failed")
			continue
		}
		monitoring.FramesOut.Inc()
		forwarded++
	}
	return forwarded
}

// SweepEnvelopes evicts every envelope past its expiry instant.
// Exported so tests can trigger a sweep deterministically.
func (b *Broker) SweepEnvelopes() int {
	removed := b.pool.ExpireBefore(b.clk.Now())
	if removed > 0 {
		monitoring.EnvelopesExpired.Add(float64(removed))
		b.syncPoolGauge()
		b.logger.Info().Int("removed", removed).Msg("Expired envelopes swept")
	}
	return removed
}

// SweepSessions closes every session idle past the configured timeout.
func (b *Broker) SweepSessions() int {
	cutoff := b.clk.Now().Add(-b.opts.SessionIdleTimeout)
	idle := b.sessions.Idle(cutoff)
	for _, sess := range idle {
		b.sessions.Close(sess.ID(), "idle timeout")
	}
	if len(idle) > 0 {
		b.logger.Info().Int("closed", len(idle)).Msg("Idle sessions swept")
	}
	return len(idle)
}

// StartSweeps launches the two reaper loops. Each kind runs on its own
// ticker, so sweeps of the same kind never overlap.
func (b *Broker) StartSweeps() {
	b.wg.Add(2)
	go b.sweepLoop(b.opts.EnvelopeSweepInterval, b.SweepEnvelopes)
	go b.sweepLoop(b.opts.SessionSweepInterval, b.SweepSessions)
}

// Stop halts the sweep loops, waits for in-flight replication, and
// closes every session with a terminal reason. The pool is not
// drained: clients re-poll on reconnect.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
	b.replicator.Wait()
	b.sessions.CloseAll("server shutting down")
}

func (b *Broker) sweepLoop(interval time.Duration, sweep func() int) {
	defer b.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			sweep()
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) syncPoolGauge() {
	monitoring.PoolSize.Set(float64(b.pool.Size()))
}
