package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"carchat/api"
	"carchat/attachment"
	"carchat/blob"
	"carchat/chat"
	"carchat/config"
	"carchat/discovery"
	"carchat/identity"
	"carchat/logging"
	"carchat/models"
	"carchat/moderation"
	"carchat/notify"
	"carchat/redisstore"
	"carchat/storage"
	"carchat/sweep"
)

const (
	shutdownTimeout   = 10 * time.Second
	sessionPruneEvery = time.Hour
	readHeaderTimeout = 10 * time.Second
)

// conversationStore is what both conversation backends provide.
type conversationStore interface {
	chat.Store
	moderation.Store
}

func main() {
	discover := flag.Bool("discover", false, "list carchat servers on the LAN and exit")
	flag.Parse()

	cfg, cfgPath, err := config.LoadOrCreate()
	if err != nil {
		fmt.Fprintf(os.Stderr, "startup failed while loading config: %v\n", err)
		os.Exit(1)
	}
	log := logging.New(cfg.LogFormat, cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *discover {
		err = listServers(ctx, cfg)
	} else {
		err = serve(ctx, cfg, cfgPath, log)
	}
	if err != nil {
		log.Error().Err(err).Msg("exiting")
		stop()
		os.Exit(1)
	}
}

func serve(ctx context.Context, cfg *config.Config, cfgPath string, log zerolog.Logger) error {
	log.Info().
		Str("config_file", cfgPath).
		Str("data_dir", cfg.DataDir).
		Str("store", cfg.StoreBackend).
		Str("blobs", cfg.BlobBackend).
		Str("auth", cfg.AuthMode).
		Msg("starting")

	db, dbPath, err := storage.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Error().Err(err).Msg("database close")
		}
	}()
	log.Info().Str("path", dbPath).Msg("database opened")

	var conversations conversationStore = db
	if cfg.StoreBackend == config.StoreBackendRedis {
		rs, err := redisstore.Open(ctx, redisstore.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		}, logging.Component(log, "redisstore"))
		if err != nil {
			return err
		}
		defer func() {
			if err := rs.Close(); err != nil {
				log.Error().Err(err).Msg("redis close")
			}
		}()
		conversations = rs
		log.Info().Str("addr", cfg.RedisAddr).Msg("redis conversation store connected")
	}

	blobs, err := openBlobs(cfg, log)
	if err != nil {
		return err
	}
	pipeline, err := attachment.NewPipeline(blobs, db, cfg.CacheDir, cfg.MaxAttachmentBytes, logging.Component(log, "attachment"))
	if err != nil {
		return err
	}

	mod := moderation.NewService(conversations, conversations, db, logging.Component(log, "moderation"))
	chatService := chat.NewService(conversations, mod, pipeline, logging.Component(log, "chat"))

	deps := api.Deps{
		Chat:           chatService,
		Moderation:     mod,
		Attachments:    pipeline,
		Devices:        db,
		Audit:          db,
		MaxUploadBytes: cfg.MaxAttachmentBytes,
	}
	sweepOpts := sweep.Options{Interval: cfg.SweepEvery()}

	if cfg.AuthMode == config.AuthModeDevice {
		deps.Identity = identity.NewStatic(cfg.UserID, models.RoleSeller)
		sweepOpts.UserID = cfg.UserID
	} else {
		accounts := identity.NewService(db, cfg.SessionLifetime(), logging.Component(log, "identity"))
		deps.Identity = accounts
		deps.Accounts = accounts
		sweepOpts.Users = db
		go pruneSessions(ctx, accounts, log)
	}

	notifier, err := buildNotifier(ctx, cfg, db, log)
	if err != nil {
		return err
	}
	sweeper, err := sweep.New(conversations, notifier, sweepOpts, logging.Component(log, "sweep"))
	if err != nil {
		return err
	}
	go sweeper.Run(ctx)

	server := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.NewServer(deps, logging.Component(log, "api")).Handler(),
		ReadHeaderTimeout: readHeaderTimeout,
	}
	serveErr := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.ListenAddr).Msg("http server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	if cfg.Advertise {
		broadcaster, err := advertise(cfg)
		if err != nil {
			log.Warn().Err(err).Msg("mDNS advertisement failed")
		} else {
			defer broadcaster.Stop()
			log.Info().Str("name", cfg.DeviceName).Msg("mDNS advertisement running")
		}
	}

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			return fmt.Errorf("http server: %w", err)
		}
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	return nil
}

func openBlobs(cfg *config.Config, log zerolog.Logger) (blob.Store, error) {
	if cfg.BlobBackend == config.BlobBackendS3 {
		store, err := blob.NewS3(blob.S3Config{
			Endpoint:        cfg.S3Endpoint,
			Region:          cfg.S3Region,
			AccessKeyID:     cfg.S3AccessKey,
			SecretAccessKey: cfg.S3SecretKey,
			Bucket:          cfg.S3Bucket,
			PublicURL:       cfg.S3PublicURL,
			ForcePathStyle:  cfg.S3PathStyle,
		}, logging.Component(log, "s3"))
		if err != nil {
			return nil, err
		}
		return store, nil
	}

	store, err := blob.NewDir(cfg.BlobDir, "")
	if err != nil {
		return nil, err
	}
	return store, nil
}

func buildNotifier(ctx context.Context, cfg *config.Config, db *storage.Store, log zerolog.Logger) (sweep.Notifier, error) {
	notifiers := notify.Multi{notify.NewLogNotifier(logging.Component(log, "notify"))}
	if cfg.FirebaseCredentialsFile != "" {
		fcm, err := notify.NewFCM(ctx, cfg.FirebaseCredentialsFile, db, logging.Component(log, "fcm"))
		if err != nil {
			return nil, err
		}
		notifiers = append(notifiers, fcm)
	}
	return notifiers, nil
}

func pruneSessions(ctx context.Context, accounts *identity.Service, log zerolog.Logger) {
	ticker := time.NewTicker(sessionPruneEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pruned, err := accounts.PruneExpired(ctx)
			if err != nil {
				log.Warn().Err(err).Msg("prune expired sessions")
				continue
			}
			if pruned > 0 {
				log.Debug().Int64("pruned", pruned).Msg("expired sessions pruned")
			}
		}
	}
}

func advertise(cfg *config.Config) (*discovery.Broadcaster, error) {
	port, err := discovery.PortFromAddr(cfg.ListenAddr)
	if err != nil {
		return nil, err
	}
	return discovery.Advertise(discovery.Config{
		InstanceID:   cfg.UserID,
		InstanceName: cfg.DeviceName,
		Port:         port,
	})
}

func listServers(ctx context.Context, cfg *config.Config) error {
	servers, err := discovery.Browse(ctx, discovery.Config{}, cfg.UserID)
	if err != nil {
		return fmt.Errorf("browse LAN: %w", err)
	}
	if len(servers) == 0 {
		fmt.Println("No carchat servers found.")
		return nil
	}
	for _, server := range servers {
		fmt.Printf("%-24s %s\n", server.Name, server.BaseURL())
	}
	return nil
}
