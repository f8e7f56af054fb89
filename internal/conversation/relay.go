// ABOUTME: Multi-node relay that forwards published events to peer nodes over HTTP
// ABOUTME: Per-peer ordered workers on the sending side, token-checked handler on the receiving side

package conversation

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/2389/huddle/internal/auth"
	"github.com/2389/huddle/internal/metrics"
)

// RelayPath is the route peers post envelopes to.
const RelayPath = "/internal/relay"

const (
	nodeSubjectPrefix = "node:"
	relayTokenTTL     = time.Minute
	relayQueueSize    = 1024
	maxEnvelopeBytes  = 1 << 20
)

// NodeSubject returns the token subject used by a node when relaying.
func NodeSubject(nodeID string) string {
	return nodeSubjectPrefix + nodeID
}

// NodeFromSubject extracts the node id from a relay token subject.
func NodeFromSubject(subject string) (string, bool) {
	id, ok := strings.CutPrefix(subject, nodeSubjectPrefix)
	if !ok || id == "" {
		return "", false
	}
	return id, true
}

// Envelope is the wire format between nodes.
type Envelope struct {
	Origin         string `json:"origin"`
	ConversationID string `json:"conversation_id"`
	Event          *Event `json:"event"`
}

// RelayConfig configures a PeerRelay.
type RelayConfig struct {
	NodeID  string
	Peers   []string
	Timeout time.Duration
}

// PeerRelay forwards events to a fixed set of peers. Each peer has its own
// queue and worker so one slow peer cannot reorder or stall another.
type PeerRelay struct {
	nodeID  string
	workers []*peerWorker
	tokens  auth.TokenGenerator
	client  *http.Client
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

type peerWorker struct {
	url   string
	queue chan *Envelope
}

// NewPeerRelay starts one worker per peer.
func NewPeerRelay(cfg RelayConfig, tokens auth.TokenGenerator, logger *slog.Logger, m *metrics.Metrics) *PeerRelay {
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}

	r := &PeerRelay{
		nodeID:  cfg.NodeID,
		tokens:  tokens,
		client:  &http.Client{Timeout: timeout},
		metrics: m,
		logger:  logger.With("component", "relay", "node_id", cfg.NodeID),
	}
	for _, peer := range cfg.Peers {
		w := &peerWorker{
			url:   strings.TrimRight(peer, "/") + RelayPath,
			queue: make(chan *Envelope, relayQueueSize),
		}
		r.workers = append(r.workers, w)
		r.wg.Add(1)
		go r.run(w)
	}
	return r
}

// Forward queues ev for every peer. A full peer queue drops the event for
// that peer only. Events forwarded after Close are discarded.
func (r *PeerRelay) Forward(ev *Event) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return
	}
	env := &Envelope{Origin: r.nodeID, ConversationID: ev.ConversationID, Event: ev}
	for _, w := range r.workers {
		select {
		case w.queue <- env:
		default:
			r.metrics.RelaySent(false)
			r.logger.Warn("relay queue full, dropping event",
				"peer", w.url,
				"conversation_id", ev.ConversationID)
		}
	}
}

// Close stops accepting events, drains the queues and waits for workers.
func (r *PeerRelay) Close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		for _, w := range r.workers {
			close(w.queue)
		}
	}
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *PeerRelay) run(w *peerWorker) {
	defer r.wg.Done()
	for env := range w.queue {
		err := r.send(w.url, env)
		r.metrics.RelaySent(err == nil)
		if err != nil {
			r.logger.Warn("relay failed",
				"peer", w.url,
				"conversation_id", env.ConversationID,
				"error", err)
		}
	}
}

func (r *PeerRelay) send(url string, env *Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshaling envelope: %w", err)
	}
	token, err := r.tokens.Generate(NodeSubject(r.nodeID), relayTokenTTL)
	if err != nil {
		return fmt.Errorf("minting relay token: %w", err)
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("posting envelope: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("peer responded %s", resp.Status)
	}
	return nil
}

// RelayHandler accepts envelopes from peers and delivers them to sessions
// on this node. Envelopes are never forwarded again.
func RelayHandler(b *Broadcaster, tokens auth.TokenVerifier, nodeID string, logger *slog.Logger, m *metrics.Metrics) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "relay", "node_id", nodeID)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}

		token, errMsg := auth.ExtractToken(r)
		if errMsg != "" {
			http.Error(w, errMsg, http.StatusUnauthorized)
			return
		}
		subject, err := tokens.Verify(token)
		if err != nil {
			http.Error(w, "invalid token", http.StatusUnauthorized)
			return
		}
		peer, ok := NodeFromSubject(subject)
		if !ok {
			http.Error(w, "not a node credential", http.StatusForbidden)
			return
		}

		var env Envelope
		dec := json.NewDecoder(io.LimitReader(r.Body, maxEnvelopeBytes))
		if err := dec.Decode(&env); err != nil {
			http.Error(w, "invalid envelope", http.StatusBadRequest)
			return
		}
		if err := validateEnvelope(&env, peer); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		if env.Origin == nodeID {
			logger.Debug("dropping relayed event from self")
			w.WriteHeader(http.StatusNoContent)
			return
		}

		m.RelayReceived()
		n := b.PublishLocal(env.Event)
		logger.Debug("relayed event delivered",
			"origin", env.Origin,
			"conversation_id", env.ConversationID,
			"kind", env.Event.Kind,
			"sessions", n)
		w.WriteHeader(http.StatusNoContent)
	})
}

func validateEnvelope(env *Envelope, peer string) error {
	switch {
	case env.Event == nil:
		return errors.New("envelope has no event")
	case env.Origin != peer:
		return errors.New("origin does not match credential")
	case env.ConversationID == "" || env.Event.ConversationID != env.ConversationID:
		return errors.New("conversation id mismatch")
	}
	switch env.Event.Kind {
	case EventMessage:
		if env.Event.Message == nil {
			return errors.New("message event without message")
		}
	case EventTyping, EventRead:
	default:
		return fmt.Errorf("unknown event kind %q", env.Event.Kind)
	}
	return nil
}
