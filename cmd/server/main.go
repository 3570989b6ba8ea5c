// Command server boots the realtime transcription-and-translation relay:
// it wires the cache, durable store, translation pipeline, queue manager,
// room registry and session orchestrator together behind the Fiber
// ingress surface, then runs until SIGINT/SIGTERM.
//
// Process lifecycle (signal handling, ordered teardown) adapted from the
// teacher's internal/server/server.go Start/Shutdown.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/g0v/realtime-relay/internal/cache"
	"github.com/g0v/realtime-relay/internal/config"
	"github.com/g0v/realtime-relay/internal/httpclient"
	"github.com/g0v/realtime-relay/internal/keyword"
	"github.com/g0v/realtime-relay/internal/logging"
	"github.com/g0v/realtime-relay/internal/oracle"
	"github.com/g0v/realtime-relay/internal/orchestrator"
	"github.com/g0v/realtime-relay/internal/room"
	"github.com/g0v/realtime-relay/internal/server"
	"github.com/g0v/realtime-relay/internal/stt"
	"github.com/g0v/realtime-relay/internal/storage"
	"github.com/g0v/realtime-relay/internal/store"
	"github.com/g0v/realtime-relay/internal/translate"
	"github.com/g0v/realtime-relay/internal/transcript"
	"github.com/g0v/realtime-relay/internal/wsapi"
)

func main() {
	defer logging.Sync()
	log := logging.Tag("main")

	cfg := config.Load()

	redisCache, err := cache.New(cfg.RedisURL)
	if err != nil {
		log.Sugar().Fatalw("connect redis failed", "err", err)
	}

	var durable *store.Store
	if cfg.DatabaseURL != "" {
		durable, err = store.Open(cfg.DatabaseURL)
		if err != nil {
			log.Sugar().Fatalw("connect postgres failed", "err", err)
		}
	} else {
		log.Warn("DATABASE_URL unset, running without durable persistence")
	}

	tstore := transcript.New(redisCache, durable)
	keywords := keyword.New(redisCache, cfg.CommonPrompt)
	rooms := room.NewHub()
	youtube := oracle.NewYoutubeOracle(cfg.YoutubeAPIKey)

	pipeline := translate.New(cfg.OpenAIAPIKey, cfg.AIModel, cfg.TranslateLanguages, keywords, cfg.MaxConcurrentTranslate,
		translate.WithBaseURL(cfg.OpenAIBaseURL))

	archiveCtx, archiveCancel := context.WithTimeout(context.Background(), 10*time.Second)
	archive, err := storage.NewArchive(archiveCtx, cfg.S3Bucket, cfg.AWSRegion, cfg.AWSAccessKeyID, cfg.AWSSecretAccessID)
	archiveCancel()
	if err != nil {
		log.Sugar().Warnw("audio archival disabled", "err", err)
	}

	orch := orchestrator.New(
		orchestrator.Config{
			STT: stt.Config{
				APIKey:                cfg.ElevenLabsAPIKey,
				TokenURL:              cfg.STTTokenURL,
				WebSocketURL:          cfg.STTWebSocketURL,
				PartialInterval:       cfg.PartialInterval,
				PartialStartOffsetSec: cfg.PartialStartOffsetSecond,
			},
			SkipCorrection: true,
		},
		tstore, rooms, pipeline, youtube, keywords, archive,
	)

	router := wsapi.New(orch, durable, cfg.AdminSecretKey)
	srv := server.New(cfg, durable, router)

	go func() {
		if err := srv.Listen(); err != nil {
			log.Sugar().Errorw("server stopped", "err", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Info("shutting down")

	if err := srv.Shutdown(); err != nil {
		log.Sugar().Warnw("server shutdown error", "err", err)
	}
	orch.Shutdown()
	httpclient.Close()
	if durable != nil {
		if err := durable.Close(); err != nil {
			log.Sugar().Warnw("db close error", "err", err)
		}
	}
	log.Info("shutdown complete")
}
