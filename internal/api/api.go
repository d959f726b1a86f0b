// Package api provides the HTTP server and process wiring for FlowPipe.
//
// It exposes JSON endpoints for flow templates, sessions and automations, and
// connects the store, navigator, automation pipeline and messaging provider.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/redis/go-redis/v9"

	"github.com/BTreeMap/FlowPipe/internal/automation"
	"github.com/BTreeMap/FlowPipe/internal/flow"
	"github.com/BTreeMap/FlowPipe/internal/genai"
	"github.com/BTreeMap/FlowPipe/internal/lockfile"
	"github.com/BTreeMap/FlowPipe/internal/messaging"
	"github.com/BTreeMap/FlowPipe/internal/mqtt"
	"github.com/BTreeMap/FlowPipe/internal/sessionlock"
	"github.com/BTreeMap/FlowPipe/internal/store"
	"github.com/BTreeMap/FlowPipe/internal/twiliowhatsapp"
	"github.com/BTreeMap/FlowPipe/internal/whatsapp"
)

const (
	// DefaultServerAddress is the listen address when none is configured.
	DefaultServerAddress = ":8080"
	// DefaultWorkers is the job runner's default pool size.
	DefaultWorkers = 4
	// DefaultPollInterval is how often the job runner and outbox sender poll.
	DefaultPollInterval = time.Second
	// DefaultShutdownTimeout bounds graceful HTTP shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultReadHeaderTimeout bounds how long a client may take to send headers.
	DefaultReadHeaderTimeout = 10 * time.Second
)

// Messaging providers.
const (
	ProviderWhatsApp = "whatsapp"
	ProviderTwilio   = "twilio"
	ProviderMock     = "mock"
)

// Opts holds the process-level settings of the API server.
type Opts struct {
	Addr            string
	Provider        string
	StateDir        string
	SeedFile        string
	DefaultFlow     string
	RedisAddr       string
	MQTTBroker      string
	MQTTOptions     []mqtt.Option
	Workers         int
	PollInterval    time.Duration
	ActionTimeout   time.Duration
	TwilioAuthToken string
	TwilioHookURL   string
}

// Option configures the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithProvider selects the messaging provider: whatsapp, twilio or mock.
func WithProvider(provider string) Option {
	return func(o *Opts) { o.Provider = provider }
}

// WithStateDir takes the instance lock in dir.
func WithStateDir(dir string) Option {
	return func(o *Opts) { o.StateDir = dir }
}

// WithSeedFile loads flows and automations from a YAML file at startup.
func WithSeedFile(path string) Option {
	return func(o *Opts) { o.SeedFile = path }
}

// WithDefaultFlow starts flowID for contacts that message without an active session.
func WithDefaultFlow(flowID string) Option {
	return func(o *Opts) { o.DefaultFlow = flowID }
}

// WithRedisAddr serializes session turns across instances through Redis.
func WithRedisAddr(addr string) Option {
	return func(o *Opts) { o.RedisAddr = addr }
}

// WithMQTTBroker enables the mqtt_publish action.
func WithMQTTBroker(broker string, opts ...mqtt.Option) Option {
	return func(o *Opts) {
		o.MQTTBroker = broker
		o.MQTTOptions = opts
	}
}

func WithWorkers(n int) Option {
	return func(o *Opts) { o.Workers = n }
}

func WithPollInterval(d time.Duration) Option {
	return func(o *Opts) { o.PollInterval = d }
}

func WithActionTimeout(d time.Duration) Option {
	return func(o *Opts) { o.ActionTimeout = d }
}

// WithTwilioWebhookValidation rejects unsigned Twilio webhook calls. publicURL
// is the webhook URL configured in Twilio and may be empty.
func WithTwilioWebhookValidation(authToken, publicURL string) Option {
	return func(o *Opts) {
		o.TwilioAuthToken = authToken
		o.TwilioHookURL = publicURL
	}
}

// Server serves the FlowPipe HTTP API.
type Server struct {
	st          store.Store
	navigator   *flow.Navigator
	automations *automation.Service
	msgService  messaging.Service
	twilio      *messaging.TwilioService
	startedAt   time.Time
}

// NewServer creates a Server. twilio may be nil when the Twilio provider is not active.
func NewServer(st store.Store, nav *flow.Navigator, automations *automation.Service, msgService messaging.Service, twilio *messaging.TwilioService) *Server {
	return &Server{
		st:          st,
		navigator:   nav,
		automations: automations,
		msgService:  msgService,
		twilio:      twilio,
		startedAt:   time.Now(),
	}
}

// Routes returns the HTTP handler for every endpoint.
func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /flows", s.saveFlowHandler)
	mux.HandleFunc("GET /flows/{id}", s.getFlowHandler)
	mux.HandleFunc("POST /sessions", s.startSessionHandler)
	mux.HandleFunc("GET /sessions/{id}", s.getSessionHandler)
	mux.HandleFunc("POST /sessions/{id}/input", s.sessionInputHandler)
	mux.HandleFunc("POST /sessions/{id}/cancel", s.cancelSessionHandler)
	mux.HandleFunc("POST /automations", s.saveAutomationHandler)
	mux.HandleFunc("GET /automations/{id}", s.getAutomationHandler)
	mux.HandleFunc("POST /automations/{id}/trigger", s.triggerAutomationHandler)
	mux.HandleFunc("GET /health", s.healthHandler)
	if s.twilio != nil {
		mux.HandleFunc("POST /webhooks/twilio", s.twilio.WebhookHandler)
	}
	return mux
}

// Run wires every component and serves the API until SIGINT or SIGTERM.
func Run(waOpts []whatsapp.Option, twilioOpts []twiliowhatsapp.Option, storeOpts []store.Option, genaiOpts []genai.Option, apiOpts []Option) error {
	cfg := Opts{
		Addr:          DefaultServerAddress,
		Provider:      ProviderWhatsApp,
		Workers:       DefaultWorkers,
		PollInterval:  DefaultPollInterval,
		ActionTimeout: automation.DefaultActionTimeout,
	}
	for _, opt := range apiOpts {
		opt(&cfg)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.StateDir != "" {
		lock, err := lockfile.AcquireLock(cfg.StateDir)
		if err != nil {
			return err
		}
		defer lock.Release()
	}

	backend, err := store.Open(storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	defer backend.Close()

	if cfg.SeedFile != "" {
		defs, err := flow.LoadDefinitions(cfg.SeedFile)
		if err != nil {
			return err
		}
		if err := defs.Apply(backend); err != nil {
			return err
		}
	}

	var navOpts []flow.NavigatorOption
	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("failed to reach redis at %s: %w", cfg.RedisAddr, err)
		}
		navOpts = append(navOpts, flow.WithLocker(sessionlock.NewRedisLocker(rdb)))
		slog.Info("Run: using redis session lock", "addr", cfg.RedisAddr)
	}
	nav := flow.NewNavigator(backend, backend, navOpts...)

	msgService, twilioService, err := newMessagingService(ctx, cfg, waOpts, twilioOpts)
	if err != nil {
		return err
	}

	deps := automation.ActionDeps{
		Outbox:   backend,
		Contacts: backend,
		HTTP:     resty.New().SetTimeout(cfg.ActionTimeout),
		Flows:    nav,
	}
	if cfg.MQTTBroker != "" {
		pub, err := mqtt.Connect(cfg.MQTTBroker, cfg.MQTTOptions...)
		if err != nil {
			return err
		}
		defer pub.Close()
		deps.Publisher = pub
	}
	if gen, err := genai.NewClient(genaiOpts...); err != nil {
		slog.Warn("Run: GenAI client not configured, ai_message disabled", "error", err)
	} else {
		deps.Generator = gen
	}
	actions := automation.NewActions(cfg.ActionTimeout)
	automation.RegisterBuiltins(actions, deps)
	automations := automation.NewService(backend, backend, actions)

	runner := store.NewJobRunner(backend, cfg.PollInterval, store.WithWorkers(cfg.Workers))
	automations.RegisterJobHandlers(runner)
	if err := runner.RecoverStaleJobs(); err != nil {
		slog.Error("Run: stale job recovery failed", "error", err)
	}
	sender := store.NewOutboxSender(backend, messaging.NewOutboxSendFunc(msgService), cfg.PollInterval)
	if err := sender.RecoverStaleMessages(); err != nil {
		slog.Error("Run: stale outbox recovery failed", "error", err)
	}
	if n, err := backend.PurgeInbound(time.Now().Add(-store.DefaultInboundRetention)); err != nil {
		slog.Error("Run: inbound purge failed", "error", err)
	} else if n > 0 {
		slog.Info("Run: purged processed inbound records", "count", n)
	}

	if err := msgService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	defer msgService.Stop()

	var rhOpts []messaging.ResponseHandlerOption
	rhOpts = append(rhOpts, messaging.WithDedup(backend))
	if cfg.DefaultFlow != "" {
		rhOpts = append(rhOpts, messaging.WithDefaultFlow(cfg.DefaultFlow))
	}
	messaging.NewResponseHandler(msgService, nav, backend, backend, rhOpts...).Start(ctx)

	done := make(chan struct{}, 2)
	go func() { runner.Run(ctx); done <- struct{}{} }()
	go func() { sender.Run(ctx); done <- struct{}{} }()

	server := NewServer(backend, nav, automations, msgService, twilioService)
	httpServer := &http.Server{
		Addr:              cfg.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}

	serveErr := make(chan error, 1)
	go func() {
		slog.Info("FlowPipe API running", "addr", cfg.Addr, "provider", cfg.Provider)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case err := <-serveErr:
		stop()
		if err != nil {
			return fmt.Errorf("HTTP server failed: %w", err)
		}
	case <-ctx.Done():
		slog.Info("Run: shutdown signal received")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		slog.Error("Run: HTTP shutdown failed", "error", err)
	}
	<-done
	<-done
	return nil
}

// newMessagingService builds the configured provider. The Twilio service is
// also returned so its webhook can be mounted.
func newMessagingService(ctx context.Context, cfg Opts, waOpts []whatsapp.Option, twilioOpts []twiliowhatsapp.Option) (messaging.Service, *messaging.TwilioService, error) {
	switch cfg.Provider {
	case ProviderTwilio:
		client, err := twiliowhatsapp.NewClient(twilioOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create Twilio client: %w", err)
		}
		var opts []messaging.TwilioOption
		if cfg.TwilioAuthToken != "" {
			opts = append(opts, messaging.WithSignatureValidation(cfg.TwilioAuthToken, cfg.TwilioHookURL))
		}
		svc := messaging.NewTwilioService(client, opts...)
		return svc, svc, nil
	case ProviderMock:
		slog.Warn("Run: using mock messaging provider, messages are not delivered")
		return messaging.NewWhatsAppService(whatsapp.NewMockClient()), nil, nil
	case ProviderWhatsApp, "":
		client, err := whatsapp.NewClient(ctx, waOpts...)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create WhatsApp client: %w", err)
		}
		return messaging.NewWhatsAppService(client), nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown messaging provider %q", cfg.Provider)
	}
}
