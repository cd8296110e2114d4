package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"

	"speakez/internal/chat"
	"speakez/internal/config"
	"speakez/internal/creds"
	clog "speakez/internal/log"
	"speakez/internal/session"
	"speakez/internal/transport"

	"github.com/rs/zerolog/log"
)

func main() {
	email := flag.String("email", os.Getenv("SPEAKEZ_EMAIL"), "account email")
	password := flag.String("password", os.Getenv("SPEAKEZ_PASSWORD"), "account password")
	serverID := flag.String("server", "1", "server id")
	channelID := flag.String("channel", "1", "channel id")
	flag.Parse()

	cfg := config.Load()
	clog.Init(cfg.Env)
	if *email == "" || *password == "" {
		log.Fatal().Msg("email and password are required (flags or SPEAKEZ_EMAIL / SPEAKEZ_PASSWORD)")
	}

	store := creds.NewStore()
	tc, err := transport.New(cfg.AuthAPIURL, store)
	if err != nil {
		log.Fatal().Err(err).Msg("transport init")
	}

	sess := session.New(tc, func(route string) {
		log.Debug().Str("route", route).Msg("navigate")
	})
	ctx := context.Background()
	if err := sess.Login(ctx, *email, *password); err != nil {
		log.Fatal().Str("error", sess.Err()).Msg("login failed")
	}
	log.Info().Str("user", sess.User().Username).Msg("logged in")

	monitor := session.NewMonitor(store, tc.Refresh, func(err error) {
		log.Warn().Err(err).Msg("background refresh failed; re-login may be required")
	})
	monitor.Start()
	defer monitor.Stop()

	catalog := chat.NewCatalog(tc, cfg.MediaURL)
	if srv, err := catalog.ServerByID(ctx, *serverID); err != nil {
		log.Warn().Err(err).Str("server", *serverID).Msg("server lookup failed")
	} else {
		log.Info().Str("server", srv.Name).Str("icon", srv.Icon).Msg("joining server")
	}

	conn, err := chat.New(*serverID, *channelID, cfg.WSURL, store, chat.History(tc), chat.Options{
		MaxAttempts: cfg.ReconnectMaxAttempts,
		Delay:       cfg.ReconnectDelay,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("channel setup")
	}
	if err := conn.Open(ctx); err != nil {
		log.Fatal().Err(err).Msg("channel connect")
	}
	defer conn.Close()

	go func() {
		for msg := range conn.Messages() {
			fmt.Printf("[%s] %s: %s\n", msg.Timestamp.Local().Format("15:04:05"), msg.Sender, msg.Content)
		}
	}()
	go func() {
		for ev := range conn.Events() {
			switch ev.Type {
			case chat.EventAuthFailed:
				log.Warn().Msg("channel authentication failed; please log in again")
			case chat.EventReconnectFailed:
				log.Error().Msg("connection lost; reconnect attempts exhausted")
			}
		}
	}()

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := conn.Send(scanner.Text()); err != nil && err != chat.ErrEmptyMessage {
			log.Warn().Err(err).Msg("send failed")
		}
	}

	sess.Logout(ctx)
}
