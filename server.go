// Copyright (c) 2025-2026 The Dropforge developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

package main

import (
	"context"
	"crypto/elliptic"
	"fmt"
	"net/http"
	"os"
	"runtime"
	"time"

	"github.com/decred/dcrd/certgen"
	"github.com/rs/cors"
	"github.com/zenazn/goji/web"
	"github.com/zenazn/goji/web/middleware"

	"github.com/dropforge/dropd/archive"
	"github.com/dropforge/dropd/bus"
	"github.com/dropforge/dropd/controllers"
	"github.com/dropforge/dropd/drop"
	"github.com/dropforge/dropd/email"
	"github.com/dropforge/dropd/kvstore"
	"github.com/dropforge/dropd/signal"
	"github.com/dropforge/dropd/sse"
	"github.com/dropforge/dropd/storage"
	"github.com/dropforge/dropd/system"
	"github.com/dropforge/dropd/trust"
)

var cfg *config

// maxOutstandingChallenges bounds the proof-of-work challenge cache.
// At the default mint rate limit this is days of unclaimed challenges.
const maxOutstandingChallenges = 1 << 16

// shutdownTimeout is how long the HTTP servers get to drain on exit.
const shutdownTimeout = 5 * time.Second

func main() {
	// Create a context that is cancelled when a shutdown request is
	// received through an interrupt signal.
	ctx := signal.WithShutdownCancel(context.Background())
	go signal.ShutdownListener()

	if err := runMain(ctx); err != nil {
		os.Exit(1)
	}
	os.Exit(0)
}

// runMain drives the process: configuration, state stores, the engine,
// and both HTTP listeners. It returns when ctx is cancelled or a
// listener fails.
func runMain(ctx context.Context) error {
	// Load configuration and parse command line. This function also
	// initializes logging and configures it accordingly.
	loadedCfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	cfg = loadedCfg
	defer func() {
		if logRotator != nil {
			logRotator.Close()
		}
	}()

	log.Infof("Version: %s (Go version %s %s/%s)", version(),
		runtime.Version(), runtime.GOOS, runtime.GOARCH)
	log.Infof("Home dir: %s", cfg.AppData)

	if cfg.TLS {
		if !fileExists(cfg.TLSCert) && !fileExists(cfg.TLSKey) {
			if err := genCertPair(cfg.TLSCert, cfg.TLSKey); err != nil {
				log.Errorf("Unable to generate TLS key pair: %v", err)
				return err
			}
		}
	}

	// Drop state lives in pebble under the app data directory, or in
	// memory when running in dev mode.
	var store storage.Store
	if cfg.DevMode {
		log.Warnf("Dev mode: drop state is volatile and will not survive a restart")
		store = storage.NewMemStore()
	} else {
		store, err = storage.OpenPebble(cfg.dataDir())
		if err != nil {
			log.Errorf("Unable to open drop state store: %v", err)
			return err
		}
	}
	defer store.Close()

	// Cross-process events ride NATS when a URL is configured;
	// otherwise everything stays on the in-process bus.
	var eventBus bus.Bus
	if cfg.NATSURL != "" {
		natsBus, err := bus.NewNatsBus(cfg.NATSURL)
		if err != nil {
			log.Errorf("Unable to connect to NATS at %s: %v", cfg.NATSURL, err)
			return err
		}
		log.Infof("Event bus: NATS at %s", cfg.NATSURL)
		eventBus = natsBus
	} else {
		eventBus = bus.NewMemBus()
	}
	defer eventBus.Close()

	kv := kvstore.NewStore()
	defer kv.Close()

	challenger := trust.NewChallenger(cfg.PoWDifficulty,
		time.Duration(cfg.PoWMaxAgeSec)*time.Second, maxOutstandingChallenges)
	gate := trust.NewGate(trust.Config{
		MinTrustScore:    cfg.MinTrustScore,
		MinBehaviorScore: cfg.MinBehaviorScore,
		Weights:          trust.DefaultWeights,
	}, challenger)

	engineCfg := drop.Config{
		PurchaseTokenSecret: cfg.PurchaseTokenSecret,
		PromoWindowSeconds:  cfg.PromoWindowSec,
		PromoGraceSeconds:   cfg.PromoGraceSec,
		MaxRollover:         cfg.MaxRollover,
		ExpiredRolloverRate: cfg.ExpiredRolloverPercent,
		Loyalty: drop.LoyaltyConfig{
			StreakThreshold: cfg.StreakThreshold,
			StreakBonus:     cfg.StreakBonus,
			MaxMultiplier:   cfg.MaxMultiplier,
		},
		// Drops opt into the waiting queue through their own config;
		// these tunables are the defaults a drop inherits when it does.
		Queue: drop.QueueConfig{
			AdmissionRatePerSecond:  cfg.AdmissionRate,
			MaxConcurrentReady:      cfg.MaxConcurrentReady,
			AdmissionTickMs:         cfg.AdmissionTickMs,
			ReadyWindowSeconds:      cfg.ReadyWindowSec,
			MaxQueueAgeMinutes:      cfg.MaxQueueAgeMin,
			MaxTokensPerFingerprint: cfg.MaxTokensPerFP,
			MaxTokensPerIP:          cfg.MaxTokensPerIP,
		},
	}

	if cfg.SMTPHost != "" {
		sender, err := email.NewSender(cfg.SMTPHost, cfg.SMTPUsername,
			cfg.SMTPPassword, cfg.SMTPFrom, cfg.UseSMTPS)
		if err != nil {
			log.Errorf("Unable to initialize the SMTP sender: %v", err)
			return err
		}
		notifier := email.NewNotifier(&sender, 0)
		defer notifier.Close()
		engineCfg.Notifier = notifier
		log.Infof("Winner notifications: SMTP via %s", cfg.SMTPHost)
	}

	if cfg.ArchiveDSN != "" {
		archiver, err := archive.NewArchiver(cfg.ArchiveDSN)
		if err != nil {
			log.Errorf("Unable to open the drop archive: %v", err)
			return err
		}
		defer archiver.Close()
		engineCfg.Archiver = archiver
		log.Infof("Completed drops will be archived to MySQL")
	}

	eng, err := drop.NewEngine(engineCfg, store, eventBus, kv)
	if err != nil {
		log.Errorf("Unable to create the drop engine: %v", err)
		return err
	}
	defer eng.Close()
	if err := eng.Start(); err != nil {
		log.Errorf("Unable to recover drop state: %v", err)
		return err
	}

	adminAuth := system.NewAdminAuth(cfg.APISecret, cfg.AdminPassHash, 0)
	if adminAuth.Enabled() {
		log.Infof("Admin API enabled")
	}
	powLimiter := system.NewRateLimiter(kv, "pow_requests",
		float64(cfg.RateLimitMaxRequests), cfg.RateLimitMaxRequests,
		cfg.RateLimitMaxRequests,
		time.Duration(cfg.RateLimitWindowMs)*time.Millisecond)

	apiController := controllers.NewAPIController(eng, gate,
		system.NewCaptchaService(), adminAuth, powLimiter, cfg.RealIPHeader,
		cfg.IPHashSalt, time.Duration(cfg.APITimeoutMs)*time.Millisecond,
		version())
	eventsController := controllers.NewEventsController(eng, sse.NewStreamer(eventBus))

	system.StatsSig(func() {
		issued, admitted, waiting := queueTotals(eng)
		log.Infof("stats: uptime=%s activeDrops=%d challenges=%d "+
			"queueIssued=%d queueAdmitted=%d queueWaiting=%d",
			time.Since(eng.Started()).Round(time.Second), eng.ActiveCount(),
			challenger.Outstanding(), issued, admitted, waiting)
	})

	apiServer := &http.Server{
		Addr:        cfg.APIListen,
		Handler:     newAPIMux(apiController),
		ReadTimeout: 30 * time.Second,
	}
	// No write timeout on the events listener: SSE connections are
	// expected to stay open for the life of a drop.
	eventsServer := &http.Server{
		Addr:        cfg.SSEListen,
		Handler:     newEventsMux(eventsController),
		ReadTimeout: 30 * time.Second,
	}

	errC := make(chan error, 2)
	go func() { errC <- listenAndServe(apiServer, "API") }()
	go func() { errC <- listenAndServe(eventsServer, "events") }()

	select {
	case <-ctx.Done():
		log.Infof("Shutting down...")
	case err = <-errC:
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if sErr := apiServer.Shutdown(shutdownCtx); sErr != nil {
		log.Warnf("API server shutdown: %v", sErr)
	}
	if sErr := eventsServer.Shutdown(shutdownCtx); sErr != nil {
		log.Warnf("events server shutdown: %v", sErr)
	}
	return err
}

// listenAndServe runs one listener, over TLS when configured, and
// reports anything other than a clean shutdown as an error.
func listenAndServe(srv *http.Server, name string) error {
	var err error
	if cfg.TLS {
		log.Infof("%s server listening on %s (TLS)", name, srv.Addr)
		err = srv.ListenAndServeTLS(cfg.TLSCert, cfg.TLSKey)
	} else {
		log.Infof("%s server listening on %s", name, srv.Addr)
		err = srv.ListenAndServe()
	}
	if err == http.ErrServerClosed {
		return nil
	}
	log.Errorf("%s server: %v", name, err)
	return fmt.Errorf("%s server: %v", name, err)
}

// newAPIMux assembles the JSON API routes. goji matches routes in
// registration order, so the literal /api/drop paths must come before
// the :dropId patterns.
func newAPIMux(controller *controllers.APIController) *web.Mux {
	mux := web.New()
	mux.Use(middleware.RequestID)
	mux.Use(system.Logger(cfg.RealIPHeader))
	mux.Use(corsHandler())

	mux.Get("/api/health", system.APIHandler(controller.Health))
	mux.Get("/api/pow/challenge", system.APIHandler(controller.PowChallenge))

	mux.Post("/api/queue/:dropId/join", system.APIHandler(controller.QueueJoin))
	mux.Get("/api/queue/:dropId/:token/status", system.APIHandler(controller.QueueStatus))

	mux.Get("/api/drop/active", system.APIHandler(controller.ActiveDrops))
	mux.Get("/api/drop/rollover/:userId", system.APIHandler(controller.Rollover))
	mux.Post("/api/drop/:dropId/register", system.APIHandler(controller.Register))
	mux.Post("/api/drop/:dropId/purchase/start", system.APIHandler(controller.PurchaseStart))
	mux.Post("/api/drop/:dropId/purchase", system.APIHandler(controller.Purchase))
	mux.Get("/api/drop/:dropId/status", system.APIHandler(controller.DropStatus))
	mux.Get("/api/drop/:dropId/proof/:userId", system.APIHandler(controller.InclusionProof))
	mux.Get("/api/drop/:dropId/proof", system.APIHandler(controller.Proof))

	mux.Get("/api/captcha/new", system.APIHandler(controller.NewCaptcha))
	mux.Get("/api/captcha/image/:file", controller.CaptchaImage)

	mux.Post("/api/admin/login", system.APIHandler(controller.AdminLogin))
	mux.Post("/api/admin/drop", system.APIHandler(controller.AdminCreateDrop))
	mux.Get("/api/admin/drops", system.APIHandler(controller.AdminDrops))

	mux.NotFound(system.APIInvalidHandler)
	return mux
}

// newEventsMux assembles the SSE routes. The queue route is registered
// first so the "queue" literal is never read as a drop id.
func newEventsMux(controller *controllers.EventsController) *web.Mux {
	mux := web.New()
	mux.Use(middleware.RequestID)
	mux.Use(system.Logger(cfg.RealIPHeader))
	mux.Use(corsHandler())

	mux.Get("/events/queue/:dropId/:token", controller.QueueEvents)
	mux.Get("/events/:dropId/:userId", controller.DropEvents)

	mux.NotFound(system.APIInvalidHandler)
	return mux
}

func corsHandler() func(http.Handler) http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	}).Handler
}

// queueTotals sums the admission counters across all active drops.
func queueTotals(eng *drop.Engine) (issued, admitted, waiting int) {
	for _, proj := range eng.ActiveDrops() {
		q, err := eng.Queue(proj.DropID)
		if err != nil {
			continue
		}
		i, a, w := q.Stats()
		issued += i
		admitted += a
		waiting += w
	}
	return
}

// genCertPair generates a key/cert pair to the paths provided.
func genCertPair(certFile, keyFile string) error {
	log.Infof("Generating TLS certificates...")

	org := "dropd autogenerated cert"
	validUntil := time.Now().Add(10 * 365 * 24 * time.Hour)
	cert, key, err := certgen.NewTLSCertPair(elliptic.P521(), org,
		validUntil, nil)
	if err != nil {
		return err
	}

	// Write cert and key files.
	if err = os.WriteFile(certFile, cert, 0666); err != nil {
		return err
	}
	if err = os.WriteFile(keyFile, key, 0600); err != nil {
		os.Remove(certFile)
		return err
	}

	log.Infof("Done generating TLS certificates")
	return nil
}
