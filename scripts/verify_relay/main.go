package main

import (
	"context"
	"flag"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mahaj/connectify/pkg/chatsync"
	"github.com/mahaj/connectify/pkg/identity"
	"github.com/mahaj/connectify/pkg/transport"
)

func main() {
	relayURL := flag.String("relay", "ws://localhost:8080/ws", "relay websocket URL")
	text := flag.String("text", "verify ping", "message to send")
	timeout := flag.Duration("timeout", 10*time.Second, "overall timeout")
	flag.Parse()

	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	// 1. Connect as a throwaway device
	deviceID := identity.Fallback()
	sess, err := transport.New(transport.Config{URL: *relayURL, DeviceID: deviceID})
	if err != nil {
		log.Fatal().Err(err).Msg("session")
	}
	defer func() { _ = sess.Close(context.Background()) }()

	chat, err := chatsync.New(chatsync.Config{Session: sess, LocalID: deviceID})
	if err != nil {
		log.Fatal().Err(err).Msg("synchronizer")
	}
	defer func() { _ = chat.Close() }()
	updates, _ := chat.Subscribe()

	if err := sess.Connect(ctx); err != nil {
		log.Fatal().Err(err).Msg("connect failed")
	}
	log.Info().Str("device_id", deviceID).Msg("connected and registered")

	// 2. Send and wait for the relay echo
	if _, err := chat.Send(ctx, *text); err != nil {
		log.Fatal().Err(err).Msg("send failed")
	}
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				log.Fatal().Msg("synchronizer closed")
			}
			switch u.Kind {
			case chatsync.UpdateSnapshot:
				log.Info().Int("messages", len(u.Messages)).Msg("history received")
			case chatsync.UpdateAppend:
				if u.Origin == chatsync.OriginRelay && u.Message.Sender == deviceID {
					log.Info().Str("text", u.Message.Text).Msg("echo received, relay ok")
					return
				}
			}
		case <-ctx.Done():
			log.Fatal().Msg("no echo from relay before timeout")
		}
	}
}
