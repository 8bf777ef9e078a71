package main

import (
	"context"
	"log"
	"net/http"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/robfig/cron/v3"

	"github.com/billchurch/webssh2-sub005/internal/bridge"
	"github.com/billchurch/webssh2-sub005/internal/config"
	"github.com/billchurch/webssh2-sub005/internal/eventbus"
	"github.com/billchurch/webssh2-sub005/internal/handlers"
	"github.com/billchurch/webssh2-sub005/internal/hostkeys"
	"github.com/billchurch/webssh2-sub005/internal/httpsession"
	"github.com/billchurch/webssh2-sub005/internal/logging"
	"github.com/billchurch/webssh2-sub005/internal/policy"
	"github.com/billchurch/webssh2-sub005/internal/pool"
	"github.com/billchurch/webssh2-sub005/internal/prompt"
	"github.com/billchurch/webssh2-sub005/internal/session"
	"github.com/billchurch/webssh2-sub005/internal/sshclient"
	"github.com/billchurch/webssh2-sub005/internal/sshfiles"
	"github.com/billchurch/webssh2-sub005/internal/telnetclient"
	"github.com/billchurch/webssh2-sub005/internal/terminal"
)

func main() {
	config.Load()
	cfg := &config.Cfg

	logging.Init(cfg.LogLevel, cfg.LogSampleRate)
	if cfg.SyslogAddr != "" {
		sink := logging.NewSyslogSink(cfg.SyslogAddr, cfg.SyslogTLS, config.Duration(cfg.SyslogFlushInterval))
		logging.SetSink(sink)
		defer sink.Close()
	}

	cipher, err := httpsession.NewCipher(cfg.SessionSecret)
	if err != nil {
		log.Fatalf("Session cipher: %v", err)
	}
	httpSess := httpsession.NewStore(cfg.SessionCookieName, sameSiteMode(cfg.SessionSameSite), config.Duration(cfg.SessionTTL))

	bus := eventbus.New(
		eventbus.WithQueueCap(cfg.BusQueueCap),
		eventbus.WithRetryMax(cfg.BusRetryMax),
		eventbus.WithMiddleware(
			eventbus.LoggingMiddleware(),
			eventbus.NewMetricsMiddleware().Middleware(),
			eventbus.DedupMiddleware(time.Second),
		),
		eventbus.WithCircuitBreaker(eventbus.NewCircuitBreaker(
			cfg.BusBreakerOpenAt, config.Duration(cfg.BusBreakerReset))),
	)
	defer bus.Close()

	subnets, err := policy.NewSubnetChecker(cfg.SSHAllowedSubnets, nil)
	if err != nil {
		log.Fatalf("Subnet policy: %v", err)
	}

	var keyStore *hostkeys.Store
	if cfg.HostKeyChecking {
		keyStore, err = hostkeys.Open(cfg.HostKeyStorePath)
		if err != nil {
			log.Fatalf("Host key store: %v", err)
		}
	}

	sessions := session.NewStore()
	conns := pool.New()
	terminals := terminal.NewService(sessions, bus, cfg.RecordingEntries, nil)
	prompts := prompt.NewTracker(cfg.MaxPendingPrompts)
	sshAdapter := sshclient.NewAdapter(conns, sessions, bus, subnets)
	telnetAdapter := telnetclient.NewAdapter(conns, sessions, bus, subnets)

	h := &handlers.Handlers{
		Cfg:   cfg,
		Pool:  conns,
		Files: sshfiles.NewService(30 * time.Second),
		Bridge: bridge.Deps{
			Cfg:      cfg,
			Sessions: sessions,
			HTTPSess: httpSess,
			Cipher:   cipher,
			Bus:      bus,
			Prompts:  prompts,
			Terminal: terminals,
			SSH:      sshAdapter,
			Telnet:   telnetAdapter,
			HostKeys: keyStore,
		},
	}

	// Background sweeps: expired HTTP sessions, timed-out prompts and
	// sessions idle past the TTL with no live connection.
	sessionTTL := config.Duration(cfg.SessionTTL)
	sweeper := cron.New()
	sweeper.AddFunc("@every 1m", func() {
		if n := httpSess.Cleanup(); n > 0 {
			logging.Debug("gc.http_sessions").Subsystem("gc").Int("removed", n).Emit()
		}
		if n := prompts.Sweep(); n > 0 {
			logging.Debug("gc.prompts").Subsystem("gc").Int("removed", n).Emit()
		}
		for _, id := range sessions.IdleSince(time.Now().Add(-sessionTTL)) {
			if len(conns.GetBySession(id)) > 0 {
				continue
			}
			sessions.RemoveSession(id)
			logging.New("gc.session_expired").Subsystem("gc").Session(id).Emit()
		}
	})
	sweeper.Start()
	defer sweeper.Stop()

	r := chi.NewRouter()
	r.Use(chimw.Logger)
	r.Use(chimw.Recoverer)
	r.Use(chimw.RealIP)

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	h.Routes(r)

	srv := &http.Server{
		Addr:    cfg.ListenAddr(),
		Handler: r,
	}

	sigCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go func() {
		log.Printf("WebSSH2 listening on %s", cfg.ListenAddr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	<-sigCtx.Done()
	log.Println("Shutting down...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Fatalf("Shutdown error: %v", err)
	}
	log.Println("Server stopped")
}

func sameSiteMode(v string) http.SameSite {
	switch strings.ToLower(v) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}
