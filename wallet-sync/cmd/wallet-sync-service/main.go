package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/stampwise/loyalty/wallet-sync/internal/archive"
	"github.com/stampwise/loyalty/wallet-sync/internal/bundle"
	"github.com/stampwise/loyalty/wallet-sync/internal/config"
	"github.com/stampwise/loyalty/wallet-sync/internal/credentials"
	"github.com/stampwise/loyalty/wallet-sync/internal/events"
	"github.com/stampwise/loyalty/wallet-sync/internal/fallback"
	"github.com/stampwise/loyalty/wallet-sync/internal/httpserver"
	"github.com/stampwise/loyalty/wallet-sync/internal/logging"
	"github.com/stampwise/loyalty/wallet-sync/internal/models"
	"github.com/stampwise/loyalty/wallet-sync/internal/orchestrator"
	"github.com/stampwise/loyalty/wallet-sync/internal/protocol"
	"github.com/stampwise/loyalty/wallet-sync/internal/queue"
	"github.com/stampwise/loyalty/wallet-sync/internal/retry"
	"github.com/stampwise/loyalty/wallet-sync/internal/signing"
	"github.com/stampwise/loyalty/wallet-sync/internal/store"
	"github.com/stampwise/loyalty/wallet-sync/internal/walletobject"
)

func enforceProdGuardrails(cfg config.Config) {
	if !cfg.Production() {
		return
	}
	if cfg.AllowDebugToken {
		log.Fatal("[startup] WALLET_ALLOW_DEBUG_TOKEN=true is forbidden in production")
	}
	if cfg.Store == config.StoreMemory {
		log.Fatal("[startup] WALLET_STORE=memory is forbidden in production")
	}
	if cfg.WebServiceURL == "" {
		log.Fatal("[startup] WALLET_WEB_SERVICE_URL is required in production")
	}
}

func main() {
	addr := pflag.String("addr", "", "listen address (overrides WALLET_ADDR)")
	workers := pflag.Int("workers", 0, "orchestrator worker count (overrides WALLET_WORKERS)")
	memory := pflag.Bool("memory", false, "use in-memory stores instead of Postgres")
	logLevel := pflag.String("log-level", "", "log level (overrides WALLET_LOG_LEVEL)")
	seed := pflag.String("seed", "", "JSON array of card states for the in-memory card reader")
	pflag.Parse()

	if *memory {
		os.Setenv("WALLET_STORE", config.StoreMemory)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}
	if *addr != "" {
		cfg.Addr = *addr
	}
	if *workers > 0 {
		cfg.Workers = *workers
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat, os.Stdout)
	enforceProdGuardrails(cfg)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		st    store.Store
		q     queue.Queue
		cards store.CardReader
	)
	if cfg.Store == config.StoreMemory {
		log.Warn("using in-memory stores; state is lost on restart")
		st = store.NewMemoryStore()
		q = queue.NewMemoryQueue()
		seeded, err := loadSeed(*seed)
		if err != nil {
			log.Fatalf("seed cards: %v", err)
		}
		cards = store.NewMemoryCards(seeded...)
	} else {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("db open: %v", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		if err := db.PingContext(ctx); err != nil {
			log.Fatalf("db ping: %v", err)
		}
		if err := store.Migrate(ctx, db); err != nil {
			log.Fatalf("db migrate: %v", err)
		}
		st = store.NewPGStore(db)
		q = queue.NewPGQueue(db)
		cards = store.NewPGCardReader(db)
	}

	creds := credentials.Load(credentials.Source{
		PassTypeID:                cfg.PassTypeID,
		TeamID:                    cfg.TeamID,
		AppleCert:                 cfg.AppleCert,
		AppleKey:                  cfg.AppleKey,
		AppleKeyPassword:          cfg.AppleKeyPassword,
		AppleWWDR:                 cfg.AppleWWDR,
		GoogleServiceAccountEmail: cfg.GoogleServiceAccountEmail,
		GooglePrivateKey:          cfg.GooglePrivateKey,
		GoogleIssuerID:            cfg.GoogleIssuerID,
	})
	for platform, status := range creds.Status() {
		log.WithFields(log.Fields{"platform": platform, "configured": status.Configured, "reason": status.Reason}).Info("credentials")
	}

	signer, err := newSigner(cfg)
	if err != nil {
		log.Fatalf("signer init: %v", err)
	}
	packager := bundle.NewPackager(signer, bundle.Options{
		WebServiceURL: cfg.WebServiceURL,
		Logger:        logging.For("bundle"),
	})
	renderer := fallback.NewRenderer(fallback.Options{
		IconBaseURL: cfg.IconBaseURL,
		Logger:      logging.For("fallback"),
	})

	var archiver archive.Archiver
	if cfg.S3Bucket != "" {
		s3Archiver, err := archive.NewS3Archiver(ctx, cfg.S3Bucket, cfg.S3Prefix, cfg.S3URLExpiry)
		if err != nil {
			log.Fatalf("s3 archive init: %v", err)
		}
		archiver = s3Archiver
	}

	var publisher events.Publisher = events.Noop{}
	if len(cfg.KafkaBrokers) > 0 {
		kafkaPublisher, err := events.NewKafkaPublisher(events.KafkaConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("kafka publisher init: %v", err)
		}
		publisher = kafkaPublisher
	}
	defer publisher.Close()

	orch, err := orchestrator.New(orchestrator.Deps{
		Queue:       q,
		Store:       st,
		Cards:       cards,
		Credentials: creds,
		Builders:    newBuilders(cfg, creds, packager, archiver, renderer),
		Publisher:   publisher,
	}, orchestrator.Config{
		Workers:         cfg.Workers,
		BuildTimeout:    cfg.BuildTimeout,
		Retry:           retry.Policy{Attempts: cfg.RetryAttempts, Backoff: cfg.RetryBackoff},
		Retention:       cfg.Retention,
		JanitorInterval: cfg.JanitorInterval,
		PollInterval:    cfg.PollInterval,
		Logger:          logging.For("orchestrator"),
	})
	if err != nil {
		log.Fatalf("orchestrator init: %v", err)
	}

	wallet := protocol.New(cards, st, packager, creds, protocol.Options{Logger: logging.For("protocol")})
	server := httpserver.New(cfg, httpserver.Deps{
		Orchestrator: orch,
		Store:        st,
		Cards:        cards,
		Credentials:  creds,
		Renderer:     renderer,
		Wallet:       wallet.Routes(),
		Logger:       logging.For("http"),
	})
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	if cfg.NATSURL != "" {
		natsCfg := events.NATSConfig{
			URL:     cfg.NATSURL,
			Token:   cfg.NATSToken,
			Subject: cfg.NATSSubject,
			Queue:   cfg.NATSQueue,
			Logger:  logging.For("nats"),
		}
		conn, err := events.ConnectNATS(natsCfg)
		if err != nil {
			log.Fatalf("nats connect: %v", err)
		}
		defer conn.Close()
		sub := events.NewCardEventSubscriber(conn, natsCfg, func(ctx context.Context, ev events.CardEvent, platforms []models.Platform) error {
			_, err := orch.RequestUpdate(ctx, ev.CardID, ev.UpdateType, platforms)
			return err
		})
		if err := sub.Start(); err != nil {
			log.Fatalf("nats subscribe: %v", err)
		}
		defer sub.Stop()
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return orch.Run(gctx)
	})
	g.Go(func() error {
		log.Infof("Wallet sync service listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.WithError(err).Warn("graceful shutdown failed")
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		log.WithError(err).Error("wallet sync service stopped")
		return
	}
	log.Info("wallet sync service stopped")
}

func loadSeed(path string) ([]models.CardState, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cards []models.CardState
	if err := json.Unmarshal(data, &cards); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for _, c := range cards {
		if err := c.Validate(); err != nil {
			return nil, fmt.Errorf("card %q: %w", c.CardID, err)
		}
	}
	return cards, nil
}

func newSigner(cfg config.Config) (signing.Signer, error) {
	if cfg.SignerMode == config.SignerRemote {
		return signing.NewHTTPSigner(signing.HTTPSignerConfig{
			Endpoint: cfg.SignerURL,
			SignerID: cfg.SignerID,
			Timeout:  cfg.BuildTimeout / 2,
			// The orchestrator's retry policy owns retries around the build.
			Retries: 0,
		})
	}
	return signing.NewOpenSSLSigner(signing.OpenSSLConfig{
		Binary:  cfg.OpenSSLPath,
		Timeout: cfg.BuildTimeout / 2,
		Logger:  logging.For("signing"),
	}), nil
}

func newBuilders(cfg config.Config, creds *credentials.Provider, packager *bundle.Packager, archiver archive.Archiver, renderer *fallback.Renderer) []orchestrator.Builder {
	var builders []orchestrator.Builder
	for _, p := range cfg.Platforms {
		switch p {
		case models.PlatformApple:
			builders = append(builders, &orchestrator.AppleBuilder{
				Packager:    packager,
				Credentials: creds,
				Archiver:    archiver,
				PassURLBase: cfg.WebServiceURL,
				Logger:      logging.For("apple"),
			})
		case models.PlatformGoogle:
			builders = append(builders, &orchestrator.GoogleBuilder{
				Issuer: walletobject.NewIssuer(walletobject.Config{
					TokenURL:       cfg.GoogleTokenURL,
					APIBaseURL:     cfg.GoogleAPIBaseURL,
					Origins:        cfg.GoogleOrigins,
					ProgramLogoURL: cfg.GoogleLogoURL,
					Timeout:        cfg.BuildTimeout / 2,
					Logger:         logging.For("google"),
				}),
				Credentials: creds,
			})
		case models.PlatformPWA:
			builders = append(builders, &orchestrator.PWABuilder{
				Renderer:      renderer,
				PublicBaseURL: cfg.PublicBaseURL,
				Logger:        logging.For("pwa"),
			})
		}
	}
	return builders
}
