package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	_ "github.com/lib/pq"
	"github.com/rs/zerolog/log"
	_ "modernc.org/sqlite"

	"wagate/config"
	"wagate/internal/crm"
	"wagate/internal/events"
	"wagate/internal/handlers"
	"wagate/internal/mediastore"
	"wagate/internal/queue"
	"wagate/internal/relay"
	"wagate/internal/session"
	"wagate/internal/store"
	"wagate/internal/throttle"
	"wagate/internal/whatsapp"
	"wagate/pkg/logger"
)

func main() {
	logger.Init()
	cfg := config.Load()
	ctx := context.Background()

	if cfg.DBDriver == "sqlite" {
		path := strings.TrimPrefix(cfg.DBDSN, "file:")
		if i := strings.IndexByte(path, '?'); i >= 0 {
			path = path[:i]
		}
		_ = os.MkdirAll(filepath.Dir(path), 0o755)
	}

	st, err := store.Open(cfg.DBDriver, cfg.DBDSN)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open database")
	}
	defer st.Close()

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
	if err := rdb.Ping(ctx).Err(); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.RedisAddr).Msg("Could not reach redis")
	}
	defer rdb.Close()
	q := queue.New(rdb, cfg.QueuePrefix)

	mirror, err := events.NewPublisher(cfg.AMQPURL, cfg.EventPrefix)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not connect event mirror")
	}
	defer mirror.Close()

	uploader, err := mediastore.NewS3Uploader(mediastore.S3Config{
		Endpoint:  cfg.S3Endpoint,
		Region:    cfg.S3Region,
		Bucket:    cfg.S3Bucket,
		AccessKey: cfg.S3AccessKey,
		SecretKey: cfg.S3SecretKey,
		PublicURL: cfg.S3PublicURL,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Could not configure S3 offload")
	}
	media, err := mediastore.New(cfg.MediaDir, uploader)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open media store")
	}

	waClient, err := whatsapp.NewClient(ctx, cfg.DBDriver, cfg.DBDSN, st)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not open device store")
	}
	defer waClient.Close()

	sessions := session.NewManager(waClient, st, session.Options{})
	negotiator := crm.New(crm.Config{
		BaseURL:      cfg.CRMBaseURL,
		AuthURL:      cfg.CRMAuthURL,
		ClientID:     cfg.CRMClientID,
		ClientSecret: cfg.CRMClientSecret,
	}, st, st)

	rl := relay.New(q, sessions, negotiator, media, throttle.New(throttle.Options{}), mirror)
	sessions.OnEvent(rl.HandleIncoming)

	processor := relay.NewProcessor(q, mirror, relay.ProcessorOptions{})
	if err := rl.Attach(processor); err != nil {
		log.Fatal().Err(err).Msg("Could not register pipeline handlers")
	}

	// Bring known accounts back online after a restart.
	ids, err := st.AccountIDs(ctx)
	if err != nil {
		log.Fatal().Err(err).Msg("Could not list accounts")
	}
	for _, id := range ids {
		if err := sessions.Add(ctx, id); err != nil {
			log.Error().Err(err).Str("accountID", id).Msg("Could not restore account session")
		}
	}

	processor.Start()

	cleanupDone := make(chan struct{})
	cleanupStop := make(chan struct{})
	go func() {
		defer close(cleanupDone)
		ticker := time.NewTicker(time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				removed, err := media.Cleanup(cfg.MediaMaxAge)
				if err != nil {
					log.Error().Err(err).Msg("Media cleanup failed")
				} else if removed > 0 {
					log.Info().Int("removed", removed).Msg("Expired media files removed")
				}
			case <-cleanupStop:
				return
			}
		}
	}()

	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: handlers.NewServer(rl, sessions, q, st, cfg.AdminToken),
	}
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	received := <-sig
	log.Info().Str("signal", received.String()).Msg("Shutting down")

	// Stop intake first, then drain workers, then drop the connections.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP shutdown did not complete cleanly")
	}
	processor.Stop()
	sessions.Stop()
	close(cleanupStop)
	<-cleanupDone

	log.Info().Msg("Shutdown complete")
}
