// Package config handles configuration loading for huddle.
//
// # Overview
//
// Configuration is loaded from YAML (or TOML, by .toml extension) with
// ${VAR} expansion. HUDDLE_* environment variables then override single
// fields, which is convenient for containers:
//
//	HUDDLE_HTTP_ADDR   server.http_addr
//	HUDDLE_DB_PATH     database.path
//	HUDDLE_JWT_SECRET  auth.jwt_secret
//	HUDDLE_NODE_ID     cluster.node_id
//	HUDDLE_LOG_LEVEL   logging.level
//
// # Example
//
//	server:
//	  http_addr: "0.0.0.0:8080"
//	database:
//	  path: "./huddle.db"
//	auth:
//	  jwt_secret: "${HUDDLE_SECRET}"
//	chat:
//	  auth_timeout: "10s"    # "0s" disables the handshake deadline
//	  ping_interval: "30s"
//	  pong_timeout: "60s"
//	  max_content_runes: 4000
//	cluster:
//	  node_id: "node-a"
//	  peers: ["http://node-b:8080"]
//
// Durations are Go duration strings. Empty values take the package defaults.
package config
