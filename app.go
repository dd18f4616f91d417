package main

import (
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog/log"

	"wuzapi-bitrix-integration/config"
	"wuzapi-bitrix-integration/internal/adapters/bitrix"
	"wuzapi-bitrix-integration/internal/adapters/completion"
	"wuzapi-bitrix-integration/internal/adapters/wuzapi"
	"wuzapi-bitrix-integration/internal/archive"
	"wuzapi-bitrix-integration/internal/db"
	"wuzapi-bitrix-integration/internal/identity"
	"wuzapi-bitrix-integration/internal/lock"
	"wuzapi-bitrix-integration/internal/notify"
	"wuzapi-bitrix-integration/internal/oauth"
	"wuzapi-bitrix-integration/internal/queue"
	"wuzapi-bitrix-integration/internal/services"
	"wuzapi-bitrix-integration/internal/store"
	"wuzapi-bitrix-integration/pkg/httputil"
)

// app holds the wired components shared by the commands.
type app struct {
	cfg        *config.Config
	db         *sqlx.DB
	events     *queue.SQLRepository
	dispatcher *queue.Dispatcher
	service    *services.Service
	store      *store.Store
	creds      *oauth.SQLCredentialStore
	bitrix     *bitrix.Client
	closers    []func() error
}

func openDatabase(cfg *config.Config) (*sqlx.DB, error) {
	conn, err := db.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(conn); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func newApp(cfg *config.Config) (*app, error) {
	conn, err := openDatabase(cfg)
	if err != nil {
		return nil, err
	}
	a := &app{cfg: cfg, db: conn, closers: []func() error{conn.Close}}
	if err := a.wire(); err != nil {
		_ = a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire() error {
	cfg := a.cfg
	httpOpts := httputil.Options{Timeout: cfg.HTTPTimeout}

	st := store.New(a.db, cfg.TenantCacheTTL)
	contacts, err := identity.NewResolver(a.db)
	if err != nil {
		return err
	}

	creds := oauth.NewSQLCredentialStore(a.db)
	refresher := bitrix.NewTokenRefresher(cfg.BitrixOAuthURL, cfg.BitrixClientID, cfg.BitrixClientSecret, httpOpts)
	tokens, err := oauth.NewManager(creds, refresher, cfg.TokenRefreshBuffer)
	if err != nil {
		return err
	}

	a.store, a.creds = st, creds
	a.bitrix = bitrix.NewClient(httputil.Options{
		Timeout:       cfg.HTTPTimeout,
		RatePerSecond: cfg.BitrixRatePerSecond,
		Burst:         2,
	})
	deps := services.Deps{
		Store:       st,
		Contacts:    contacts,
		Credentials: creds,
		Tokens:      tokens,
		Bitrix:      a.bitrix,
		Locker:      lock.NewSQLLocker(a.db),
		Guard:       lock.NewReplyGuard(st, lock.DefaultDebounce),
	}

	if cfg.WuzapiBaseURL != "" {
		wz, err := wuzapi.NewClient(httputil.Options{BaseURL: cfg.WuzapiBaseURL, Timeout: cfg.HTTPTimeout})
		if err != nil {
			return err
		}
		deps.Channel = wz
	} else {
		log.Warn().Msg("WUZAPI_BASE_URL is not set, operator messages will fail")
	}

	if cfg.CompletionAPIKey != "" {
		cc, err := completion.NewClient(cfg.CompletionAPIKey, cfg.CompletionModel,
			httputil.Options{BaseURL: cfg.CompletionBaseURL, Timeout: cfg.HTTPTimeout})
		if err != nil {
			return err
		}
		deps.Completer = cc
	} else {
		log.Warn().Msg("COMPLETION_API_KEY is not set, bot messages will be skipped")
	}

	a.service, err = services.NewService(deps, services.Options{
		ConnectorName: cfg.BitrixConnectorName,
		HandlerURL:    cfg.PublicHandlerURL,
		LockTTL:       cfg.LockTTL,
	})
	if err != nil {
		return err
	}

	a.events = queue.NewSQLRepository(a.db, cfg.QueueMaxAttempts)
	a.dispatcher = queue.NewDispatcher(a.events)
	a.service.Register(a.dispatcher)
	return a.addObservers()
}

func (a *app) addObservers() error {
	cfg := a.cfg
	if cfg.RabbitMQURL != "" {
		pub, err := notify.Dial(cfg.RabbitMQURL)
		if err != nil {
			return fmt.Errorf("rabbitmq: %w", err)
		}
		a.closers = append(a.closers, pub.Close)
		a.dispatcher.AddObserver(notify.NewNotifier(pub, cfg.RabbitMQQueuePrefix, cfg.RabbitMQSpecificEvents))
	}

	if cfg.S3Bucket != "" {
		s3cfg := archive.Config{
			Bucket:        cfg.S3Bucket,
			Region:        cfg.S3Region,
			Endpoint:      cfg.S3Endpoint,
			AccessKey:     cfg.S3AccessKey,
			SecretKey:     cfg.S3SecretKey,
			PathStyle:     cfg.S3PathStyle,
			Prefix:        cfg.S3Prefix,
			RetentionDays: cfg.S3RetentionDays,
		}
		client, err := archive.NewS3Client(s3cfg)
		if err != nil {
			return fmt.Errorf("s3: %w", err)
		}
		archiver, err := archive.New(client, s3cfg)
		if err != nil {
			return err
		}
		a.dispatcher.AddObserver(archiver)
	}

	if cfg.OutcomeWebhookURL != "" {
		hook, err := notify.NewWebhook(cfg.OutcomeWebhookURL, cfg.WebhookFormat, httputil.Options{Timeout: cfg.HTTPTimeout})
		if err != nil {
			return err
		}
		a.dispatcher.AddObserver(hook)
	}
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	return errors.Join(errs...)
}
