// Package server implements the WebSocket edge of stenobridge.
//
// The server lets many remote clients observe and steer a single stateful
// stenography engine: engine events fan out to every authenticated
// connection, client commands funnel into the engine's single-threaded call
// queue through the bridge.
//
// # Architecture
//
// The package is built from four cooperating pieces:
//
//   - Server: owns the listener, the HTTP routes, and the connection
//     handshake; manages the overall lifecycle
//   - Hub: the single owner of all live connections; drains the bridge event
//     stream, encodes each event once, and fans the bytes out per connection
//   - Conn: one WebSocket connection with read/write pumps, an outbound
//     queue, a subscription filter, and an explicit close reason
//   - Dispatcher: decodes inbound envelopes, validates commands, relays them
//     through the bridge, and replies with acks or errors
//
// # Message Protocol
//
// Communication uses one JSON envelope per WebSocket text message:
//
//	{"kind":"...","seq":1,"correlation_id":"...","payload":{...},"timestamp":"..."}
//
// Events (Stroke, Translation, ConfigChanged, OutputToggled, MachineState)
// flow server → client; commands (SetConfigOption, ToggleOutput, SendText,
// Lookup) flow client → server and are answered with Ack or Error envelopes
// matched by correlation_id. Subscribe and Ping are handled at the edge
// without touching the engine. A bare "ping" text frame (not JSON) is
// answered with a bare "pong" frame.
//
// # Authentication
//
// Every connection passes a challenge-response handshake before it is
// registered: the server sends Challenge{nonce}, the client answers with
// Proof{response} (HMAC-SHA256 of the nonce under the derived credential
// key), and the server replies Welcome{connection_id} or an Error and
// closes. Origins that keep failing are refused before the upgrade.
//
// # Lifecycle
//
// Usage:
//
//	srv, err := server.NewServer(cfg, br, gate)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	if err := srv.Start(); err != nil {
//	    log.Fatal(err)
//	}
//
//	// Wait for shutdown signal
//	<-ctx.Done()
//
//	if err := srv.Stop(); err != nil {
//	    log.Fatal(err)
//	}
//
// Stop is idempotent: it stops accepting, moves every live connection to
// Closing with reason server_shutdown, waits up to the drain grace for
// outbound queues to flush, force-closes stragglers, and shuts the HTTP
// server down.
package server
