// Package wsclient provides a client library for connecting to a stenobridge
// WebSocket server.
//
// The client fetches the server's public key-derivation parameters, derives
// the proof key from a shared secret, answers the authentication challenge,
// and then exposes the engine's event stream alongside typed command calls.
//
// # Architecture
//
//   - Client: manages the socket, the outbound queue, and reply matching
//   - Request-response: commands carry UUID correlation ids and block until
//     the matching Ack or Error arrives
//   - Events: engine broadcasts are decoded onto a buffered channel; event
//     kinds this version does not know are skipped
//
// Basic Usage
//
//	client, err := wsclient.Dial(ctx, "http://localhost:8086", secret)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	// Narrow the event stream to translations only
//	if err := client.Subscribe(ctx, []protocol.EventKind{protocol.EventTranslation}); err != nil {
//	    log.Fatal(err)
//	}
//
//	for ev := range client.Events() {
//	    fmt.Println(ev.Translation.Text)
//	}
//
// A client is single use: once Close is called or the connection drops, make
// a new client to connect again.
package wsclient
