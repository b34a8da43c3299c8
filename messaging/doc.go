// Package messaging is the typed layer over package transport.
//
// A Client talks to one Server over TCP or UDP. Both sides bind handlers to
// application channels and send wire.Message values:
//
//	srv := messaging.NewUDPServer(":7777", cfg)
//	srv.Bind(chatChannel, messaging.HandlePeer(func(p *messaging.Peer, m *wire.Text) {
//		_ = srv.Broadcast(wire.NewText(chatChannel, m.Value))
//	}))
//
//	cli := messaging.NewUDPClient("server:7777", cfg)
//	cli.Bind(chatChannel, messaging.Handle(func(m *wire.Text) { fmt.Println(m.Value) }))
//	err := cli.Connect(ctx)
//	err = cli.Send(wire.NewText(chatChannel, "hi"))
//
// Send rejects messages above the configured packet size. SendLarge splits
// them into parts; over UDP every part is acknowledged and unacknowledged
// parts are resent in bounded bursts until the peer has them all.
//
// EncryptedSend and EncryptedSendLarge seal the serialized message with the
// connection's AES key and wrap it in an AESMessage envelope. The key is
// negotiated by SetupEncryption (or automatically on connect) using an
// ephemeral RSA exchange on the registration channel.
//
// Messages whose header has IsAsync set are handled on the receive goroutine.
// The rest wait in a queue until the application calls ProcessSync.
package messaging
