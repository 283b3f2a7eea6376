// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

// Package skyline implements a client for the skyline channel protocol.
//
// A skyline server hosts a set of numbered channels. Clients log in, receive
// a dictionary describing the packets each channel carries, join channels
// with a set of requested permissions, and then exchange typed packets with
// the server on those channels. The dictionary is pushed by the server and
// may be replaced at any time by a newer epoch.
//
// # Clients
//
// The core type defined by this package is the [Client]. To create a new,
// unconnected client:
//
//	cli := skyline.NewClient(skyline.Options{Name: "reporter"})
//
// To log in, call Connect with a [Conn] connected to the server:
//
//	sess, err := cli.Connect(ctx, conn)
//
// Connect returns once the server has accepted the login and pushed its
// first dictionary. The client runs until [Client.Disconnect] is called, the
// connection closes, or the server disconnects it. Call [Client.Wait] to wait
// for the client to exit and return its status.
//
// The conn package provides implementations of [Conn] for in-memory pipes,
// byte streams, WebSocket and NATS.
//
// # Channels
//
// To join a channel, call [Client.Join] or [Client.JoinName] with the
// permissions you want:
//
//	ch, err := cli.JoinName(ctx, "db", skyline.Receive|skyline.Request)
//
// The server may grant fewer permissions than requested. Operations on a
// [Channel] check the granted permissions before sending anything, and report
// a [*PermissionError] if they are missing.
//
// # Packets
//
// Packets are described by the dictionary and encoded by a [codec.Codec].
// A packet may be built generically:
//
//	p, err := ch.Packet("query")
//	p.Set("query", "SELECT 1")
//	err = ch.Send(p)
//
// or converted to and from a Go type by registering a binding:
//
//	cli.Register(codec.ByName("db"), codec.ByName("query"), binding.Struct[Query]())
//	err = ch.Send(Query{SQL: "SELECT 1"})
//
// Bindings registered by name are resolved against each new dictionary.
//
// # Events
//
// Packets received on a joined channel are delivered as [Event] values to the
// subscribers of that channel, in the order received:
//
//	sub, err := ch.Subscribe(func(ev *skyline.Event) {
//	   if row, ok := skyline.As[Result](ev); ok {
//	      handle(row)
//	   }
//	})
//
// Responses to requests made with [Channel.Call] or [Channel.Request] are
// returned to the caller and are not delivered to subscribers.
//
// # Metrics
//
// Clients maintain a collection of metrics while running. Use the
// [Client.Metrics] method to obtain an [expvar.Map] containing them, or
// [Client.Collectors] to export them to Prometheus. They include:
//
//   - packets_received: counter of frames received
//   - packets_sent: counter of frames sent
//   - packets_dropped: counter of frames received and discarded
//   - decode_errors: counter of frames that could not be decoded
//   - requests_out: counter of correlated requests sent
//   - requests_failed: counter of requests resolved with an error
//   - requests_timeout: counter of requests that timed out
//   - requests_pending: gauge of requests awaiting a response
//   - channels_joined: gauge of channels currently joined
//   - subscribers_invoked: counter of subscriber callbacks run
//   - dictionary_epoch: gauge of the current dictionary epoch
//   - dictionary_rejected: counter of dictionary pushes rejected
package skyline
