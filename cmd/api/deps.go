package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"ledgersync/internal/domain/account"
	"ledgersync/internal/domain/adapter"
	"ledgersync/internal/domain/connection"
	"ledgersync/internal/domain/events"
	"ledgersync/internal/domain/normalize"
	"ledgersync/internal/domain/orchestrator"
	"ledgersync/internal/domain/reconcile"
	"ledgersync/internal/domain/resilience"
	"ledgersync/internal/domain/transaction"
	"ledgersync/internal/infrastructure/crypto"
	"ledgersync/internal/infrastructure/messaging"
	"ledgersync/internal/infrastructure/openfinance"
	"ledgersync/internal/infrastructure/postgres"
	"ledgersync/internal/infrastructure/postgres/listener"
	"ledgersync/internal/infrastructure/redislock"
	"ledgersync/internal/infrastructure/webhook"
	httphandlers "ledgersync/internal/interfaces/http"
	"ledgersync/internal/interfaces/scheduler"
	"ledgersync/internal/shared/config"
	"ledgersync/internal/shared/messages"
)

// Dependencies holds all initialized application components.
type Dependencies struct {
	DB           *postgres.DB
	Pool         *scheduler.WorkerPool
	Publisher    *events.AsyncPublisher
	Orchestrator *orchestrator.Orchestrator
	Listener     *listener.ReviewListener
	Poller       *scheduler.PollScheduler

	// Handlers
	ConnectionHandler *httphandlers.ConnectionHandler
	ReviewHandler     *httphandlers.ReviewHandler
	WebhookHandler    *httphandlers.WebhookHandler
	HealthHandler     *httphandlers.HealthHandler

	closers []func() error
}

// NewDependencies initializes all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config) (d *Dependencies, err error) {
	d = &Dependencies{}
	defer func() {
		if err != nil {
			d.Close()
		}
	}()

	db, err := postgres.New(cfg.Database.ConnectionString(), postgres.PoolSettings{
		MaxOpenConns:    cfg.Database.MaxOpenConns,
		MaxIdleConns:    cfg.Database.MaxIdleConns,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
	})
	if err != nil {
		return d, err
	}
	d.DB = db
	d.closers = append(d.closers, db.Close)
	log.Info("Connected to database")

	if err := postgres.Migrate(db); err != nil {
		return d, err
	}

	encryptor, err := crypto.NewEncryptor(cfg.Encryption.Key)
	if err != nil {
		return d, err
	}

	// Repositories
	connectionRepo := postgres.NewConnectionRepository(db, encryptor)
	secretStore := postgres.NewSecretStore(db, encryptor)
	accountRepo := postgres.NewAccountRepository(db)
	transactionRepo := postgres.NewTransactionRepository(db)
	reconcileRepo := postgres.NewReconcileRepository(db)
	runRepo := postgres.NewSyncRunRepository(db)
	store := postgres.NewStore(db)

	registry, profiles, parsers, err := buildInstitutions(cfg.Institutions, secretStore)
	if err != nil {
		return d, err
	}

	transport, err := d.buildTransport(cfg.Broker)
	if err != nil {
		return d, err
	}
	d.Publisher = events.NewAsyncPublisher(transport, cfg.Broker.BufferSize)

	locker, err := d.buildLocker(ctx, cfg.Redis)
	if err != nil {
		return d, err
	}

	msgs := messages.Default()
	if cfg.MessagesFile != "" {
		if msgs, err = messages.Load(cfg.MessagesFile); err != nil {
			return d, err
		}
	}

	breakers := resilience.NewBreakerRegistry(resilience.BreakerSettings{
		FailureThreshold: uint32(cfg.Resilience.BreakerThreshold),
		ResetTimeout:     cfg.Resilience.BreakerReset,
		Window:           cfg.Resilience.BreakerReset,
	})
	executor := resilience.NewExecutor(breakers, resilience.Policy{
		MaxAttempts:  cfg.Resilience.MaxAttempts,
		BaseDelay:    cfg.Resilience.BackoffBase,
		MaxDelay:     cfg.Resilience.BackoffCap,
		RateLimitCap: cfg.Resilience.RateLimitCap,
		CallTimeout:  cfg.Resilience.CallTimeout,
	})

	d.Pool = scheduler.NewWorkerPool(scheduler.PoolConfig{
		Workers:    cfg.Scheduler.WorkerCount,
		QueueSize:  cfg.Scheduler.QueueSize,
		JobTimeout: cfg.Scheduler.JobTimeout,
	})

	d.Orchestrator = orchestrator.New(orchestrator.Deps{
		Registry:     registry,
		Profiles:     profiles,
		Executor:     executor,
		Resolver:     reconcile.NewResolver(buildTolerances(cfg.Institutions.Tolerances)),
		Detector:     transaction.NewDuplicateDetector(),
		Connections:  connectionRepo,
		Secrets:      secretStore,
		Accounts:     accountRepo,
		Transactions: transactionRepo,
		Reviews:      reconcileRepo,
		Runs:         runRepo,
		Store:        store,
		Locker:       locker,
		Publisher:    d.Publisher,
		Messages:     msgs,
		Settings: orchestrator.Settings{
			InitialWindow:   cfg.Sync.InitialWindow,
			PollWindow:      cfg.Sync.PollWindow,
			ManualWindow:    cfg.Sync.ManualWindow,
			WebhookWindow:   cfg.Sync.WebhookWindow,
			CallbackBaseURL: cfg.Server.PublicURL,
		},
		DisableThreshold: cfg.Resilience.DisableThreshold,
	}, d.Pool)

	d.Listener = listener.NewReviewListener(cfg.Database.ConnectionString(), d.Orchestrator)
	if cfg.Scheduler.Enabled {
		d.Poller = scheduler.NewPollScheduler(d.Orchestrator, cfg.Scheduler.PollInterval, cfg.Scheduler.RunOnStartup)
	}

	d.ConnectionHandler = httphandlers.NewConnectionHandler(d.Orchestrator)
	d.ReviewHandler = httphandlers.NewReviewHandler(d.Orchestrator)
	d.WebhookHandler = httphandlers.NewWebhookHandler(parsers, d.Orchestrator)
	d.HealthHandler = httphandlers.NewHealthHandler(db, d.Orchestrator.Breakers)

	return d, nil
}

// buildInstitutions registers one adapter per configured institution.
func buildInstitutions(file *config.InstitutionsFile, creds openfinance.CredentialSource) (*adapter.Registry, map[string]normalize.Profile, map[string]httphandlers.WebhookParser, error) {
	registry := adapter.NewRegistry()
	profiles := make(map[string]normalize.Profile)
	parsers := make(map[string]httphandlers.WebhookParser)

	for _, inst := range file.Institutions {
		a, err := openfinance.New(openfinance.Config{
			InstitutionID: inst.ID,
			Kind:          adapter.Kind(inst.Kind),
			AuthType:      connection.AuthType(inst.AuthType),
			BaseURL:       inst.BaseURL,
			TokenURL:      inst.TokenURL,
			ClientID:      inst.ClientID,
			ClientSecret:  inst.ClientSecret,
			Scopes:        inst.Scopes,
			Webhooks:      inst.SupportsWebhooks,
			RateLimit:     inst.RateLimit,
			Burst:         inst.Burst,
			Timeout:       inst.Timeout.Duration,
		}, creds)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("failed to build adapter for %s: %w", inst.ID, err)
		}
		if err := registry.Register(inst.ID, a); err != nil {
			return nil, nil, nil, err
		}

		profiles[inst.ID] = buildProfile(inst)

		if inst.Webhook != nil {
			ep, err := webhook.NewEndpoint(webhook.EndpointConfig{
				Secret:          inst.Webhook.Secret,
				SignatureHeader: inst.Webhook.SignatureHeader,
				Mapping: webhook.Mapping{
					Type:           inst.Webhook.Mapping.Type,
					ConnectionID:   inst.Webhook.Mapping.ConnectionID,
					AccountID:      inst.Webhook.Mapping.AccountID,
					TransactionIDs: inst.Webhook.Mapping.TransactionIDs,
					Status:         inst.Webhook.Mapping.Status,
					Types:          inst.Webhook.Mapping.Types,
				},
			})
			if err != nil {
				return nil, nil, nil, fmt.Errorf("failed to configure webhooks for %s: %w", inst.ID, err)
			}
			parsers[inst.ID] = ep
		}

		log.WithFields(log.Fields{
			"institution": inst.ID,
			"kind":        inst.Kind,
			"auth_type":   inst.AuthType,
			"webhooks":    inst.SupportsWebhooks,
		}).Info("Institution registered")
	}

	for _, inst := range file.Institutions {
		if inst.Fallback == "" {
			continue
		}
		if err := registry.SetFallback(inst.ID, inst.Fallback); err != nil {
			return nil, nil, nil, err
		}
	}

	if len(file.Institutions) == 0 {
		log.Warn("No institutions configured; set INSTITUTIONS_FILE to enable sync")
	}
	return registry, profiles, parsers, nil
}

func buildProfile(inst config.Institution) normalize.Profile {
	types := make(map[string]account.Type, len(inst.AccountTypes))
	for code, t := range inst.AccountTypes {
		types[strings.ToUpper(code)] = account.Type(strings.ToLower(t))
	}
	return normalize.Profile{
		InstitutionID:      inst.ID,
		AccountTypes:       types,
		DefaultAccountType: account.Type(strings.ToLower(inst.DefaultType)),
		DefaultCurrency:    inst.DefaultCurrency,
	}
}

// buildTolerances layers configured overrides on the built-in tolerances.
func buildTolerances(entries map[string]config.ToleranceEntry) reconcile.Tolerances {
	tols := reconcile.DefaultTolerances()
	for class, entry := range entries {
		var base reconcile.Tolerance
		if class == "default" {
			base = tols.Default
		} else {
			base = tols.For(account.Type(class))
		}
		if v, ok := entry.AbsoluteDecimal(); ok {
			base.Absolute = v
		}
		if v, ok := entry.RelativeDecimal(); ok {
			base.Relative = v
		}
		if entry.Staleness.Duration > 0 {
			base.Staleness = entry.Staleness.Duration
		}
		if entry.Window.Duration > 0 {
			base.Window = entry.Window.Duration
		}
		if class == "default" {
			tols.Default = base
		} else {
			tols.ByClass[account.Type(class)] = base
		}
	}
	return tols
}

func (d *Dependencies) buildTransport(cfg config.BrokerConfig) (events.Transport, error) {
	switch cfg.Kind {
	case "nats":
		nc, err := messaging.DialNATS(cfg.URL)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, func() error {
			return nc.Drain()
		})
		return messaging.NewNATSTransport(nc, cfg.SubjectPrefix), nil
	case "rabbitmq":
		rc, err := messaging.DialRabbit(cfg.URL, cfg.Exchange)
		if err != nil {
			return nil, err
		}
		d.closers = append(d.closers, rc.Close)
		return messaging.NewRabbitTransport(rc.Channel(), cfg.Exchange, cfg.SubjectPrefix), nil
	default:
		log.Info("No broker configured, events are logged only")
		return events.LogTransport{}, nil
	}
}

func (d *Dependencies) buildLocker(ctx context.Context, cfg config.RedisConfig) (orchestrator.Locker, error) {
	if cfg.Addr == "" {
		log.Info("Redis not configured, using in-process connection serialization")
		return orchestrator.NopLocker{}, nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	d.closers = append(d.closers, client.Close)

	log.WithField("addr", cfg.Addr).Info("Distributed connection lock enabled")
	return redislock.New(client, redislock.Options{Expiry: cfg.LockTTL}), nil
}

// Close releases all resources held by dependencies, newest first.
func (d *Dependencies) Close() {
	for i := len(d.closers) - 1; i >= 0; i-- {
		if err := d.closers[i](); err != nil {
			log.WithError(err).Warn("Failed to release resource")
		}
	}
	d.closers = nil
}
