// ABOUTME: Tests for the multi-node relay
// ABOUTME: Runs two broadcasters behind httptest servers and checks cross-node delivery and auth

package conversation

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/huddle/internal/auth"
	"github.com/2389/huddle/internal/store"
)

const testSecret = "test-secret-key-for-jwt-signing!"

func newTestJWT(t *testing.T) *auth.JWTVerifier {
	t.Helper()
	v, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	return v
}

// newNode starts a broadcaster whose relay endpoint is served by httptest.
func newNode(t *testing.T, nodeID string, jwt *auth.JWTVerifier) (*Broadcaster, *httptest.Server) {
	t.Helper()
	b := NewBroadcaster(nil, nil)
	mux := http.NewServeMux()
	mux.Handle(RelayPath, RelayHandler(b, jwt, nodeID, nil, nil))
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return b, srv
}

func TestNodeSubject(t *testing.T) {
	id, ok := NodeFromSubject(NodeSubject("node-a"))
	assert.True(t, ok)
	assert.Equal(t, "node-a", id)

	_, ok = NodeFromSubject("user-1")
	assert.False(t, ok)
	_, ok = NodeFromSubject("node:")
	assert.False(t, ok)
}

func TestPeerRelay_DeliversToRemoteSessions(t *testing.T) {
	jwt := newTestJWT(t)
	local := NewBroadcaster(nil, nil)
	remote, remoteSrv := newNode(t, "node-b", jwt)

	relay := NewPeerRelay(RelayConfig{NodeID: "node-a", Peers: []string{remoteSrv.URL + "/"}}, jwt, nil, nil)
	local.SetRelay(relay)

	here := newFakeSubscriber("here", 4)
	there := newFakeSubscriber("there", 4)
	local.Join("conv-1", here)
	remote.Join("conv-1", there)

	local.Publish(textEvent("conv-1", "across"))
	relay.Close()

	assert.Equal(t, "across", here.next(t).Message.Content)
	ev := there.next(t)
	assert.Equal(t, "across", ev.Message.Content)
	assert.Equal(t, "conv-1", ev.ConversationID)
}

func TestPeerRelay_PreservesOrderPerPeer(t *testing.T) {
	jwt := newTestJWT(t)
	local := NewBroadcaster(nil, nil)
	remote, remoteSrv := newNode(t, "node-b", jwt)
	relay := NewPeerRelay(RelayConfig{NodeID: "node-a", Peers: []string{remoteSrv.URL}}, jwt, nil, nil)
	local.SetRelay(relay)

	there := newFakeSubscriber("there", 20)
	remote.Join("conv-1", there)

	for _, c := range []string{"1", "2", "3", "4", "5"} {
		local.Publish(textEvent("conv-1", c))
	}
	relay.Close()

	for _, c := range []string{"1", "2", "3", "4", "5"} {
		assert.Equal(t, c, there.next(t).Message.Content)
	}
}

func TestPeerRelay_TypingExclusionCrossesNodes(t *testing.T) {
	jwt := newTestJWT(t)
	remote, remoteSrv := newNode(t, "node-b", jwt)
	relay := NewPeerRelay(RelayConfig{NodeID: "node-a", Peers: []string{remoteSrv.URL}}, jwt, nil, nil)

	excluded := newFakeSubscriber("sess-1", 4)
	other := newFakeSubscriber("sess-2", 4)
	remote.Join("conv-1", excluded)
	remote.Join("conv-1", other)

	user := newTypingUser()
	relay.Forward(NewTypingEvent("conv-1", user, true, "sess-1"))
	relay.Close()

	assert.Equal(t, EventTyping, other.next(t).Kind)
	excluded.assertNothing(t)
}

func TestPeerRelay_ForwardAfterCloseIsDiscarded(t *testing.T) {
	jwt := newTestJWT(t)
	remote, remoteSrv := newNode(t, "node-b", jwt)
	relay := NewPeerRelay(RelayConfig{NodeID: "node-a", Peers: []string{remoteSrv.URL}}, jwt, nil, nil)

	sub := newFakeSubscriber("s1", 4)
	remote.Join("conv-1", sub)

	relay.Close()
	relay.Close()
	assert.NotPanics(t, func() { relay.Forward(textEvent("conv-1", "too late")) })
	sub.assertNothing(t)
}

func TestPeerRelay_UnreachablePeerDoesNotFailPublish(t *testing.T) {
	jwt := newTestJWT(t)
	local := NewBroadcaster(nil, nil)
	relay := NewPeerRelay(RelayConfig{NodeID: "node-a", Peers: []string{"http://127.0.0.1:1"}, Timeout: 200 * time.Millisecond}, jwt, nil, nil)
	local.SetRelay(relay)

	sub := newFakeSubscriber("s1", 1)
	local.Join("conv-1", sub)
	local.Publish(textEvent("conv-1", "still local"))
	relay.Close()

	assert.Equal(t, "still local", sub.next(t).Message.Content)
}

func postEnvelope(t *testing.T, url, token string, env Envelope) *http.Response {
	t.Helper()
	body, err := json.Marshal(env)
	require.NoError(t, err)
	req, err := http.NewRequestWithContext(t.Context(), http.MethodPost, url+RelayPath, bytes.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestRelayHandler_RejectsBadCredentials(t *testing.T) {
	jwt := newTestJWT(t)
	remote, srv := newNode(t, "node-b", jwt)
	sub := newFakeSubscriber("s1", 4)
	remote.Join("conv-1", sub)

	env := Envelope{Origin: "node-a", ConversationID: "conv-1", Event: textEvent("conv-1", "x")}

	resp := postEnvelope(t, srv.URL, "", env)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp = postEnvelope(t, srv.URL, "garbage", env)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	userToken, err := jwt.Generate("user-1", time.Minute)
	require.NoError(t, err)
	resp = postEnvelope(t, srv.URL, userToken, env)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	spoofed, err := jwt.Generate(NodeSubject("node-c"), time.Minute)
	require.NoError(t, err)
	resp = postEnvelope(t, srv.URL, spoofed, env)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	sub.assertNothing(t)
}

func TestRelayHandler_DropsOwnOrigin(t *testing.T) {
	jwt := newTestJWT(t)
	b, srv := newNode(t, "node-b", jwt)
	sub := newFakeSubscriber("s1", 4)
	b.Join("conv-1", sub)

	token, err := jwt.Generate(NodeSubject("node-b"), time.Minute)
	require.NoError(t, err)
	resp := postEnvelope(t, srv.URL, token, Envelope{Origin: "node-b", ConversationID: "conv-1", Event: textEvent("conv-1", "echo")})

	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	sub.assertNothing(t)
}

func TestRelayHandler_RejectsMalformedEnvelope(t *testing.T) {
	jwt := newTestJWT(t)
	_, srv := newNode(t, "node-b", jwt)
	token, err := jwt.Generate(NodeSubject("node-a"), time.Minute)
	require.NoError(t, err)

	resp := postEnvelope(t, srv.URL, token, Envelope{Origin: "node-a", ConversationID: "conv-1"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postEnvelope(t, srv.URL, token, Envelope{Origin: "node-a", ConversationID: "conv-2", Event: textEvent("conv-1", "x")})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = postEnvelope(t, srv.URL, token, Envelope{Origin: "node-a", ConversationID: "conv-1", Event: &Event{Kind: "bogus", ConversationID: "conv-1"}})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func newTypingUser() *store.User {
	return &store.User{ID: "u1", DisplayName: "Una"}
}
