package cluster

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/quietwire/relay/internal/monitoring"
	"github.com/quietwire/relay/internal/pool"
	"github.com/quietwire/relay/internal/wire"
)

// maxConcurrentFanouts bounds replication goroutines so a large peer
// set cannot stampede the dialer.
const maxConcurrentFanouts = 16

// Replicator copies accepted envelopes to every known peer over HTTP.
// No quorum, no retry: failures are logged and ignored, and the
// enclosing publish never waits on the fan-out.
type Replicator struct {
	nodes   *NodeSet
	client  *http.Client
	timeout time.Duration
	logger  zerolog.Logger

	sem chan struct{}
	wg  sync.WaitGroup
}

func NewReplicator(nodes *NodeSet, timeout time.Duration, logger zerolog.Logger) *Replicator {
	return &Replicator{
		nodes:   nodes,
		client:  &http.Client{},
		timeout: timeout,
		logger:  logger.With().Str("component", "replicator").Logger(),
		sem:     make(chan struct{}, maxConcurrentFanouts),
	}
}

// Replicate fans the envelope out to every registered peer and returns
// immediately. Each peer gets an independent request with its own
// timeout.
func (r *Replicator) Replicate(e *pool.Envelope) {
	peers := r.nodes.List()
	if len(peers) == 0 {
		return
	}

	body, err := json.Marshal(wire.ReplicateRequest{
		RecipientContactCode: e.Recipient,
		EncryptedMessage:     e.Payload,
		MessageID:            e.ID,
		Timestamp:            e.CreatedAt.UnixMilli(),
		TTL:                  e.TTL.Milliseconds(),
		MessageType:          e.MessageType,
	})
	if err != nil {
		r.logger.Error().Err(err).Str("message_id", e.ID).Msg("Failed to encode replication body")
		return
	}

	for _, peer := range peers {
		r.wg.Add(1)
		r.sem <- struct{}{}
		go func(url string) {
			defer r.wg.Done()
			defer func() { <-r.sem }()
			r.send(url, e.ID, body)
		}(peer.URL)
	}
}

// Wait blocks until every in-flight fan-out has finished. Shutdown
// path.
func (r *Replicator) Wait() {
	r.wg.Wait()
}

func (r *Replicator) send(nodeURL, messageID string, body []byte) {
	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, nodeURL+"/api/replicate", bytes.NewReader(body))
	if err != nil {
		monitoring.ReplicationFailures.Inc()
		r.logger.Warn().Err(err).Str("node_url", nodeURL).Str("message_id", messageID).Msg("Replication request build failed")
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.client.Do(req)
	if err != nil {
		monitoring.ReplicationFailures.Inc()
		r.logger.Warn().Err(err).Str("node_url", nodeURL).Str("message_id", messageID).Msg("Replication request failed")
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		monitoring.ReplicationFailures.Inc()
		r.logger.Warn().
			Int("status", resp.StatusCode).
			Str("node_url", nodeURL).
			Str("message_id", messageID).
			Msg("Peer rejected replicated envelope")
		return
	}

	monitoring.ReplicationSuccesses.Inc()
	r.logger.Debug().Str("node_url", nodeURL).Str("message_id", messageID).Msg("Envelope replicated to peer")
}
