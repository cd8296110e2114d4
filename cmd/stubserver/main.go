package main

import (
	"speakez/internal/chat"
	"speakez/internal/config"
	clog "speakez/internal/log"
	"speakez/internal/stub"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

func main() {
	cfg := config.Load()
	clog.Init(cfg.Env)
	if err := config.Validate(cfg); err != nil {
		log.Fatal().Err(err).Msg("config validate")
	}
	if cfg.Env != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	srv := stub.NewServer(cfg)
	srv.SeedCategory(chat.Category{ID: 1, Name: "general", Description: "General discussion"})
	srv.SeedServer(chat.Server{
		ID: 1, Name: "Speakez", Category: "general", Description: "Default dev server",
		Icon:     "server-icons/speakez.png",
		Channels: []chat.Channel{{ID: 1, Name: "lobby", Topic: "Anything goes"}},
	})

	log.Info().Str("port", cfg.Port).Msg("stub server listening")
	if err := srv.Router().Run(":" + cfg.Port); err != nil {
		log.Fatal().Err(err).Msg("server run")
	}
}
