// Package api assembles NiaCoach from its parts and serves its HTTP surface:
// the Twilio webhook, a health probe and Prometheus metrics.
package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/NiaCoach/internal/coach"
	"github.com/BTreeMap/NiaCoach/internal/delivery"
	"github.com/BTreeMap/NiaCoach/internal/documents"
	"github.com/BTreeMap/NiaCoach/internal/genai"
	"github.com/BTreeMap/NiaCoach/internal/lock"
	"github.com/BTreeMap/NiaCoach/internal/messaging"
	"github.com/BTreeMap/NiaCoach/internal/metrics"
	"github.com/BTreeMap/NiaCoach/internal/store"
	"github.com/BTreeMap/NiaCoach/internal/twiliowhatsapp"
	"github.com/BTreeMap/NiaCoach/internal/whatsapp"
	"golang.org/x/sync/errgroup"
)

// Defaults for the HTTP server and background workers.
const (
	DefaultAddr              = ":8080"
	DefaultTwilioWebhookPath = "/webhook/twilio"
	DefaultShutdownTimeout   = 30 * time.Second
	DefaultJobPollInterval   = 10 * time.Second
	DefaultOutboxInterval    = 2 * time.Second
)

// Opts holds the server configuration and the optional integrations Run wires in.
type Opts struct {
	Addr              string
	TwilioWebhookPath string
	ShutdownTimeout   time.Duration
	JobPollInterval   time.Duration
	OutboxInterval    time.Duration

	PersonaFile string

	UseTwilio       bool
	TwilioOpts      []twiliowhatsapp.Option
	TwilioPublicURL string

	GoogleDocsOpts []documents.GoogleOption // nil disables the journal export
	Minio          *documents.MinioOpts     // nil disables file publishing over Twilio
	RedisOpts      []lock.RedisOption       // nil keeps per-user locking in process
}

// Option configures Opts.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithTwilioWebhookPath sets the route the Twilio webhook is mounted on.
func WithTwilioWebhookPath(path string) Option {
	return func(o *Opts) { o.TwilioWebhookPath = path }
}

// WithShutdownTimeout bounds graceful shutdown.
func WithShutdownTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ShutdownTimeout = d }
}

// WithPollIntervals sets how often due jobs and pending outbox messages are polled.
func WithPollIntervals(jobs, outbox time.Duration) Option {
	return func(o *Opts) {
		o.JobPollInterval = jobs
		o.OutboxInterval = outbox
	}
}

// WithPersonaFile loads the coach persona from a YAML file.
func WithPersonaFile(path string) Option {
	return func(o *Opts) { o.PersonaFile = path }
}

// WithTwilio selects Twilio as the transport. publicURL is the externally
// visible webhook URL used for signature validation; empty means it is
// rebuilt from each request.
func WithTwilio(publicURL string, opts ...twiliowhatsapp.Option) Option {
	return func(o *Opts) {
		o.UseTwilio = true
		o.TwilioPublicURL = publicURL
		o.TwilioOpts = opts
	}
}

// WithGoogleDocs enables the journal PDF export through Google Docs.
func WithGoogleDocs(opts ...documents.GoogleOption) Option {
	return func(o *Opts) { o.GoogleDocsOpts = append([]documents.GoogleOption{}, opts...) }
}

// WithMinio enables publishing exported files to MinIO.
func WithMinio(cfg documents.MinioOpts) Option {
	return func(o *Opts) { o.Minio = &cfg }
}

// WithRedisLocker serializes per-user handling through Redis so several
// instances can share one store.
func WithRedisLocker(opts ...lock.RedisOption) Option {
	return func(o *Opts) { o.RedisOpts = append([]lock.RedisOption{}, opts...) }
}

func newOpts(opts ...Option) Opts {
	o := Opts{
		Addr:              DefaultAddr,
		TwilioWebhookPath: DefaultTwilioWebhookPath,
		ShutdownTimeout:   DefaultShutdownTimeout,
		JobPollInterval:   DefaultJobPollInterval,
		OutboxInterval:    DefaultOutboxInterval,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Run builds every component, starts the transport, workers and HTTP server,
// and blocks until ctx is cancelled or one of them fails.
func Run(ctx context.Context, waOpts []whatsapp.Option, storeOpts []store.Option, genaiOpts []genai.Option, apiOpts []Option) error {
	cfg := newOpts(apiOpts...)
	collector := metrics.NewCollector()

	st, err := openStore(storeOpts)
	if err != nil {
		return err
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Error("api.Run: failed to close store", "error", err)
		}
	}()

	gaClient, err := genai.NewClient(append(genaiOpts, genai.WithMetrics(collector))...)
	if err != nil {
		return fmt.Errorf("failed to create GenAI client: %w", err)
	}

	persona, err := coach.LoadPersona(cfg.PersonaFile)
	if err != nil {
		return err
	}

	var publisher documents.Publisher
	if cfg.Minio != nil {
		p, err := documents.NewMinioPublisher(ctx, *cfg.Minio)
		if err != nil {
			return fmt.Errorf("failed to create MinIO publisher: %w", err)
		}
		publisher = p
	}

	svc, webhook, err := buildMessagingService(ctx, cfg, waOpts, publisher)
	if err != nil {
		return err
	}

	engineOpts := []coach.Option{coach.WithPersona(persona)}
	if cfg.GoogleDocsOpts != nil {
		docs, err := documents.NewGoogleDocs(ctx, cfg.GoogleDocsOpts...)
		if err != nil {
			return fmt.Errorf("failed to create Google Docs client: %w", err)
		}
		engineOpts = append(engineOpts, coach.WithTemplater(docs))
	} else {
		slog.Warn("api.Run: Google Docs not configured, journal export disabled")
	}
	if cfg.RedisOpts != nil {
		locker, err := lock.NewRedisLocker(ctx, cfg.RedisOpts...)
		if err != nil {
			return fmt.Errorf("failed to create Redis locker: %w", err)
		}
		defer locker.Close()
		engineOpts = append(engineOpts, coach.WithLocker(locker))
	}

	runner := store.NewJobRunner(st, cfg.JobPollInterval)
	sender := store.NewOutboxSender(st, messaging.NewOutboxSendFunc(svc, collector), cfg.OutboxInterval)
	emitter := messaging.NewOutboxEmitter(st, sender, collector)

	scheduler := delivery.NewJobScheduler(st, collector)
	scheduler.Register(runner, emitter, st)

	reminders := coach.NewReminderScheduler(st, gaClient, scheduler, persona.Role, coach.WithReminderMetrics(collector))
	engine := coach.NewEngine(st, gaClient, emitter, reminders, engineOpts...)
	dispatcher := messaging.NewDispatcher(svc, engine, st, collector)

	server := NewServer(storeHealth(st), collector, webhook, apiOpts...)

	if err := runner.RecoverStaleJobs(ctx); err != nil {
		slog.Error("api.Run: failed to recover stale jobs", "error", err)
	}
	if err := sender.RecoverStaleMessages(ctx); err != nil {
		slog.Error("api.Run: failed to recover stale outbox messages", "error", err)
	}

	if err := svc.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	defer func() {
		if err := svc.Stop(); err != nil {
			slog.Error("api.Run: failed to stop messaging service", "error", err)
		}
	}()

	slog.Info("api.Run: NiaCoach running", "addr", cfg.Addr, "twilio", cfg.UseTwilio, "persona", persona.Name)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { runner.Run(gctx); return nil })
	g.Go(func() error { sender.Run(gctx); return nil })
	g.Go(func() error { dispatcher.Run(gctx); return nil })
	g.Go(func() error { return server.Start(gctx) })
	return g.Wait()
}

// openStore picks the SQL backend from the DSN.
func openStore(opts []store.Option) (store.Store, error) {
	var o store.Opts
	for _, opt := range opts {
		opt(&o)
	}
	if store.DetectDSNType(o.DSN) == "postgres" {
		st, err := store.NewPostgresStore(opts...)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres store: %w", err)
		}
		return st, nil
	}
	st, err := store.NewSQLiteStore(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite store: %w", err)
	}
	return st, nil
}

func buildMessagingService(ctx context.Context, cfg Opts, waOpts []whatsapp.Option, publisher documents.Publisher) (messaging.Service, http.Handler, error) {
	if cfg.UseTwilio {
		client, err := twiliowhatsapp.NewClient(cfg.TwilioOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		opts := []messaging.TwilioOption{messaging.WithWebhookValidation(client, cfg.TwilioPublicURL)}
		if publisher != nil {
			opts = append(opts, messaging.WithPublisher(publisher))
		} else {
			slog.Warn("api.buildMessagingService: no publisher configured, file messages cannot be sent over Twilio")
		}
		svc := messaging.NewTwilioService(client, opts...)
		return svc, http.HandlerFunc(svc.TwilioWebhookHandler), nil
	}

	client, err := whatsapp.NewClient(ctx, waOpts...)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
	}
	return messaging.NewWhatsAppService(client), nil, nil
}

type dbProvider interface {
	DB() *sql.DB
}

// storeHealth pings the SQL connection pool when the store exposes one.
func storeHealth(st interface{}) HealthCheck {
	p, ok := st.(dbProvider)
	if !ok {
		return nil
	}
	return func(ctx context.Context) error {
		db := p.DB()
		if db == nil {
			return errors.New("store has no database handle")
		}
		return db.PingContext(ctx)
	}
}
