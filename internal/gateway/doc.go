// Package gateway orchestrates the huddle server components.
//
// # Overview
//
// The gateway package wires the chat core into one HTTP server. It owns the
// store, the token verifier, the group broadcaster, the optional peer relay,
// the idempotency cache and the websocket endpoint.
//
// # Routes
//
//   - GET /ws/messaging/chat/{conversation_id}/ - chat socket
//   - POST /internal/relay - events forwarded by peer nodes
//   - GET /api/conversations - conversations with unread counts
//   - GET /api/conversations/{id}/messages - recent history, oldest first
//   - POST /api/conversations/{id}/read - mark everything read
//   - POST /api/conversations/{id}/archive - toggle the archive flag
//   - GET /health - liveness
//   - GET /health/ready - store ping
//   - GET /metrics - Prometheus scrape (when enabled)
//
// The /api routes accept the same credential as the socket handshake, either
// as an Authorization bearer or a ?token= query parameter.
//
// # Listeners
//
// With tailscale disabled the server listens on server.http_addr. With it
// enabled a tsnet node is started and the server listens on :80, on :443
// with tailnet certificates, or through Funnel.
//
// # Lifecycle
//
//	gw, err := gateway.New(cfg, logger)
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
//	defer cancel()
//	err = gw.Run(ctx)
//
// Shutdown order: stop the HTTP server, close every session with 1001,
// close the broadcaster, drain the relay, then release the store.
package gateway
