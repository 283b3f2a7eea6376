// Copyright (C) 2026 Michael J. Fromberger. All Rights Reserved.

package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/creachadair/command"
	"github.com/creachadair/flax"
	"github.com/creachadair/skyline"
	"github.com/creachadair/skyline/codec"
	"github.com/creachadair/skyline/conn"
	"github.com/creachadair/skyline/internal/config"
	"github.com/creachadair/skyline/peers"
	"github.com/creachadair/skyline/stream"
	"github.com/creachadair/taskgroup"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var serveFlags struct {
	Echo bool `flag:"echo,Answer every request with a copy of the request"`
}

var serveCommand = &command.C{
	Name: "serve",
	Help: `Run a skyline server for the configured dictionary.

The server listens on the configured address using the configured transport.
Sending SIGHUP reloads the dictionary file and pushes it to every session.`,
	SetFlags: command.Flags(flax.MustBind, &serveFlags),
	Run: func(env *command.Env) error {
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		d, err := cfg.LoadDictionary()
		if err != nil {
			return err
		}
		alg, err := cfg.CompressionAlg()
		if err != nil {
			return err
		}
		srv := peers.NewServer(d).Logger(log).Compression(alg)
		if serveFlags.Echo {
			for _, ch := range d.Channels() {
				for _, p := range ch.Packets {
					srv.Handle(ch.ID, p.ID, echo)
				}
			}
		}

		ctx, cancel := signal.NotifyContext(env.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		g := taskgroup.New(nil)
		if cfg.MetricsAddr != "" {
			serveMetrics(ctx, g, log, cfg.MetricsAddr, promhttp.Handler())
		}
		g.Go(func() error { reloadOnHangup(ctx, cfg, srv, log); return nil })

		var acc peers.Accepter
		switch cfg.Transport {
		case config.TCP:
			lst, err := net.Listen(conn.SplitAddress(cfg.Listen))
			if err != nil {
				return err
			}
			acc = peers.NetAccepter(lst)

		case config.WebSocket:
			wsa := peers.NewWebSocketAccepter(nil)
			hsrv := &http.Server{Addr: cfg.Listen, Handler: wsa}
			g.Go(func() error {
				<-ctx.Done()
				wsa.Close()
				return hsrv.Close()
			})
			g.Go(func() error {
				if err := hsrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
			acc = wsa

		case config.NATS:
			// A NATS server connection carries one session on the configured
			// subjects, which are named from the client's side.
			nc, err := nats.Connect(cfg.Address)
			if err != nil {
				return err
			}
			defer nc.Close()
			c, err := conn.NATS(nc, cfg.NATS.Recv, cfg.NATS.Send)
			if err != nil {
				return err
			}
			log.Info().Str("send", cfg.NATS.Send).Str("recv", cfg.NATS.Recv).Msg("serving over NATS")
			err = srv.Serve(ctx, c)
			cancel()
			return errors.Join(err, g.Wait())
		}

		log.Info().Str("transport", cfg.Transport).Str("listen", cfg.Listen).
			Uint64("epoch", d.Epoch()).Msg("server started")
		err = peers.Loop(ctx, acc, srv)
		cancel()
		return errors.Join(err, g.Wait())
	},
}

func echo(_ context.Context, req *peers.Request) (*codec.Packet, error) { return req.Packet, nil }

// reloadOnHangup reloads the dictionary on SIGHUP until ctx ends.
func reloadOnHangup(ctx context.Context, cfg *config.Config, srv *peers.Server, log zerolog.Logger) {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGHUP)
	defer signal.Stop(sig)
	for {
		select {
		case <-ctx.Done():
			return
		case <-sig:
		}
		d, err := cfg.LoadDictionary()
		if err != nil {
			log.Error().Err(err).Msg("reload dictionary")
			continue
		}
		if err := srv.PushDictionary(d); err != nil {
			log.Warn().Err(err).Msg("push dictionary")
		}
		log.Info().Uint64("epoch", d.Epoch()).Msg("dictionary reloaded")
	}
}

// serveMetrics serves h at /metrics on addr until ctx ends.
func serveMetrics(ctx context.Context, g *taskgroup.Group, log zerolog.Logger, addr string, h http.Handler) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	hsrv := &http.Server{Addr: addr, Handler: mux}
	g.Go(func() error {
		<-ctx.Done()
		return hsrv.Close()
	})
	g.Go(func() error {
		log.Info().Str("addr", addr).Msg("serving metrics")
		if err := hsrv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
}

// dialClient connects a new client to the configured server.
func dialClient(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*skyline.Client, func(), error) {
	var c skyline.Conn
	cleanup := func() {}
	switch cfg.Transport {
	case config.TCP:
		ioc, err := conn.Dial(ctx, cfg.Address)
		if err != nil {
			return nil, nil, err
		}
		c = ioc
	case config.WebSocket:
		wsc, err := conn.DialWebSocket(ctx, cfg.Address)
		if err != nil {
			return nil, nil, err
		}
		c = wsc
	case config.NATS:
		nc, err := nats.Connect(cfg.Address)
		if err != nil {
			return nil, nil, err
		}
		nsc, err := conn.NATS(nc, cfg.NATS.Send, cfg.NATS.Recv)
		if err != nil {
			nc.Close()
			return nil, nil, err
		}
		c, cleanup = nsc, nc.Close
	}

	opts := cfg.Options()
	opts.Logger = &log
	cli := skyline.NewClient(opts)
	sess, err := cli.Connect(ctx, c)
	if err != nil {
		c.Close()
		cleanup()
		return nil, nil, err
	}
	log.Info().Uint64("session", sess.ID).Str("name", sess.Name).
		Uint64("epoch", cli.Dictionary().Epoch()).Msg("connected")
	return cli, func() {
		if err := cli.Disconnect(); err != nil {
			log.Warn().Err(err).Msg("disconnect")
		}
		cleanup()
	}, nil
}

var watchFlags struct {
	Perms string `flag:"perms,default=receive,Permissions to request (e.g. receive|broadcast)"`
	Topic string `flag:"topic,Join only this topic of the channel"`
}

var watchCommand = &command.C{
	Name:  "watch",
	Usage: "<channel>",
	Help: `Join a channel and print the events delivered on it.

If a metrics address is configured, the client's metrics are served there.`,
	SetFlags: command.Flags(flax.MustBind, &watchFlags),
	Run: func(env *command.Env) error {
		if len(env.Args) != 1 {
			return env.Usagef("Missing channel name")
		}
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		perms, err := skyline.ParsePermission(watchFlags.Perms)
		if err != nil {
			return err
		}
		ctx, cancel := signal.NotifyContext(env.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		cli, done, err := dialClient(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer done()

		g := taskgroup.New(nil)
		defer g.Wait()
		defer cancel()
		if cfg.MetricsAddr != "" {
			reg := prometheus.NewRegistry()
			reg.MustRegister(cli.Collectors()...)
			serveMetrics(ctx, g, log, cfg.MetricsAddr, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		}

		var ch *skyline.Channel
		if watchFlags.Topic != "" {
			ch, err = cli.JoinTopicName(ctx, env.Args[0], watchFlags.Topic, perms)
		} else {
			ch, err = cli.JoinName(ctx, env.Args[0], perms)
		}
		if err != nil {
			return err
		}
		log.Info().Stringer("channel", ch).Uint16("topic", ch.Topic()).
			Stringer("permissions", ch.Permissions()).Msg("joined")
		for ev, err := range stream.Subscribe(ctx, ch) {
			if errors.Is(err, context.Canceled) {
				return nil
			} else if err != nil {
				return err
			}
			printPacket(os.Stdout, cli.Dictionary(), ev.Packet)
		}
		return nil
	},
}

var sendFlags struct {
	Call bool `flag:"call,Send as a request and print the response"`
}

var sendCommand = &command.C{
	Name:  "send",
	Usage: "<channel> <packet> [field=value ...]",
	Help: `Send a packet to a channel of the configured server.

Field values are parsed as for the encode command, using the dictionary
supplied by the server. With --call, the packet is sent as a request and
the response is printed.`,
	SetFlags: command.Flags(flax.MustBind, &sendFlags),
	Run: func(env *command.Env) error {
		if len(env.Args) < 2 {
			return env.Usagef("Missing channel and packet")
		}
		cfg, log, err := loadConfig()
		if err != nil {
			return err
		}
		ctx, cancel := signal.NotifyContext(env.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		cli, done, err := dialClient(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer done()

		d := cli.Dictionary()
		p, err := buildPacket(d, env.Args[0], env.Args[1], env.Args[2:])
		if err != nil {
			return err
		}
		perms := skyline.Broadcast
		if sendFlags.Call {
			perms = skyline.Request
		}
		ch, err := cli.Join(ctx, p.ChannelID, perms)
		if err != nil {
			return err
		}
		if !sendFlags.Call {
			return ch.Send(p)
		}
		ev, err := ch.Call(ctx, p)
		if err != nil {
			return fmt.Errorf("call: %w", err)
		}
		printPacket(os.Stdout, cli.Dictionary(), ev.Packet)
		return nil
	},
}
