package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/rotor-ads/rotor/internal/api"
	"github.com/rotor-ads/rotor/internal/clicker"
	"github.com/rotor-ads/rotor/internal/config"
	"github.com/rotor-ads/rotor/internal/geoip"
	"github.com/rotor-ads/rotor/internal/jobs"
	"github.com/rotor-ads/rotor/internal/leaseengine"
	"github.com/rotor-ads/rotor/internal/outbound"
	"github.com/rotor-ads/rotor/internal/progress"
	"github.com/rotor-ads/rotor/internal/proxysel"
	"github.com/rotor-ads/rotor/internal/recovery"
	"github.com/rotor-ads/rotor/internal/stock"
	"github.com/rotor-ads/rotor/internal/store"
	"github.com/rotor-ads/rotor/internal/suffix"
	"github.com/rotor-ads/rotor/internal/tracker"
)

const dbFileName = "rotor.db"

type rotorApp struct {
	envCfg   *config.EnvConfig
	store    *store.Store
	builder  *outbound.SingboxBuilder
	geoSvc   *geoip.Service
	audit    *stock.AuditWriter
	producer *stock.Producer
	recovery *recovery.Service
	clicker  *clicker.Service
	jobs     *jobs.Registry
	apiSrv   *api.Server

	apiCancel context.CancelFunc
	apiDone   chan error
}

func run() error {
	envCfg, err := config.LoadEnvConfig()
	if err != nil {
		return err
	}
	if config.IsWeakSecret(envCfg.CronSecret) {
		log.Println("Warning: ROTOR_CRON_SECRET is weak; use a generated high-entropy value")
	}

	if err := os.MkdirAll(envCfg.StateDir, 0o755); err != nil {
		return fmt.Errorf("state dir: %w", err)
	}
	st, err := store.Open(filepath.Join(envCfg.StateDir, dbFileName))
	if err != nil {
		return fmt.Errorf("persistence bootstrap: %w", err)
	}
	log.Println("Persistence bootstrap complete")

	app, err := newRotorApp(envCfg, st)
	if err != nil {
		_ = st.Close()
		return err
	}

	serverErrCh := app.startServers()
	runtimeErr := waitForShutdown(serverErrCh)

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	app.shutdown(ctx)

	if err := st.Close(); err != nil {
		log.Printf("Database close error: %v", err)
	}
	if runtimeErr != nil {
		return fmt.Errorf("runtime server error: %w", runtimeErr)
	}
	return nil
}

func newRotorApp(envCfg *config.EnvConfig, st *store.Store) (*rotorApp, error) {
	app := &rotorApp{envCfg: envCfg, store: st}

	// Phase 1: outbound infrastructure and geo lookup.
	builder, err := outbound.NewSingboxBuilder()
	if err != nil {
		return nil, fmt.Errorf("outbound builder: %w", err)
	}
	app.builder = builder

	app.geoSvc = geoip.NewService(envCfg.GeoIPDBPath, nil)
	if err := app.geoSvc.Start(); err != nil {
		log.Printf("Warning: geoip: %v (country lookups disabled)", err)
	}

	// Phase 2: seed proxy providers from file. Upserts by declared id, so a
	// restart with the same file is a no-op.
	if envCfg.ProvidersFile != "" {
		n, err := proxysel.LoadProvidersFile(st, envCfg.ProvidersFile)
		if err != nil {
			return nil, fmt.Errorf("providers file: %w", err)
		}
		log.Printf("Loaded %d proxy providers from %s", n, envCfg.ProvidersFile)
	}

	// Phase 3: production pipeline (selector -> tracker -> generator -> producer).
	selector := proxysel.NewSelector(st, builder)
	tr := tracker.New()

	gen := suffix.NewGenerator(selector, tr, app.geoSvc.Country, envCfg.AllowMockSuffix)
	gen.Trace = suffix.TraceLimits{
		MaxRedirects:   envCfg.TraceMaxRedirects,
		RequestTimeout: envCfg.TraceRequestTimeout,
		TotalTimeout:   envCfg.TraceTotalTimeout,
	}

	wm := stock.NewWatermarker(st, stock.WatermarkConfig{
		Window:  envCfg.WatermarkWindow,
		Factor:  envCfg.WatermarkSafetyFactor,
		Default: envCfg.WatermarkDefault,
		Min:     envCfg.WatermarkMin,
		Max:     envCfg.WatermarkMax,
	})
	app.audit = stock.NewAuditWriter(stock.AuditWriterConfig{Repo: st.Audit})
	app.producer = stock.NewProducer(st, gen, wm, app.audit, stock.ProducerConfig{
		MinProduce:          envCfg.ProduceBatchSize,
		StockConcurrency:    envCfg.StockConcurrency,
		CampaignConcurrency: envCfg.CampaignConcurrency,
	})

	// Phase 4: lease engine with post-lease replenish trigger. The engine
	// already runs the trigger on its own goroutine.
	engine := leaseengine.New(st, app.audit, envCfg.LeasePolicy, func(userID, campaignID string) {
		if _, err := app.producer.Replenish(context.Background(), userID, campaignID, false); err != nil {
			log.Printf("Replenish after lease for campaign %s: %v", campaignID, err)
		}
	})

	ck := clicker.NewService(st, selector, tr)
	ck.TraceMaxRedirects = envCfg.TraceMaxRedirects
	ck.TraceRequestTimeout = envCfg.TraceRequestTimeout
	app.clicker = ck

	app.recovery = recovery.NewService(st, wm, app.audit, recovery.Config{
		LeaseTTL:   envCfg.LeaseTTL,
		SuffixTTL:  envCfg.SuffixTTL,
		WebhookURL: envCfg.AlertWebhookURL,
	})

	// Phase 5: background jobs and HTTP surface.
	if err := app.registerJobs(); err != nil {
		return nil, err
	}
	app.apiSrv = api.NewServer(envCfg, st, engine, app.producer, ck, app.jobs, progress.NewRegistry())

	app.startBackgroundServices()
	return app, nil
}

func (a *rotorApp) registerJobs() error {
	a.jobs = jobs.NewRegistry(a.envCfg.JobTickersEnabled)

	table := []struct {
		name     string
		interval time.Duration
		fn       jobs.Func
	}{
		{"stock_replenish", a.envCfg.ReplenishInterval, func(ctx context.Context) error {
			_, err := a.producer.Sweep(ctx, nil)
			return err
		}},
		{"monitoring_alert", a.envCfg.AlertInterval, func(context.Context) error {
			_, err := a.recovery.EvaluateAlerts()
			return err
		}},
		{"click_task_execute", a.envCfg.ClickTickInterval, a.clicker.Tick},
		{"lease_expire", 5 * time.Minute, func(context.Context) error {
			_, err := a.recovery.ExpireLeases()
			return err
		}},
		{"stock_expire", time.Hour, func(context.Context) error {
			_, err := a.recovery.ExpireStock()
			return err
		}},
		{"exit_ip_reap", time.Hour, func(context.Context) error {
			_, err := a.recovery.ReapExitIPs()
			return err
		}},
	}
	for _, j := range table {
		if err := a.jobs.Register(j.name, j.interval, j.fn); err != nil {
			return err
		}
	}
	return nil
}

func (a *rotorApp) startBackgroundServices() {
	a.audit.Start()
	log.Println("Audit writer started")

	a.jobs.Start()
	log.Println("Job registry started")
}

func (a *rotorApp) startServers() <-chan error {
	serverErrCh := make(chan error, 1)

	ctx, cancel := context.WithCancel(context.Background())
	a.apiCancel = cancel
	a.apiDone = make(chan error, 1)

	addr := net.JoinHostPort(a.envCfg.ListenAddress, strconv.Itoa(a.envCfg.Port))
	go func() {
		log.Printf("Rotor API server starting on http://%s", addr)
		err := a.apiSrv.ListenAndServe(ctx, addr)
		a.apiDone <- err
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			select {
			case serverErrCh <- fmt.Errorf("api server: %w", err):
			default:
			}
		}
	}()

	return serverErrCh
}

func waitForShutdown(serverErrCh <-chan error) error {
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case sig := <-quit:
		log.Printf("Received signal %s, shutting down...", sig)
		return nil
	case err := <-serverErrCh:
		log.Printf("Received server runtime error (%v), shutting down...", err)
		return err
	}
}

// shutdown stops in order: ingestion first, then job sources, then the
// audit sink, then infrastructure. The database closes in run().
func (a *rotorApp) shutdown(ctx context.Context) {
	a.apiCancel()
	select {
	case err := <-a.apiDone:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("Server shutdown error: %v", err)
		}
	case <-ctx.Done():
		log.Println("Server shutdown timed out")
	}
	log.Println("API server stopped")

	a.jobs.Stop()
	log.Println("Job registry stopped")

	a.audit.Stop()
	log.Println("Audit writer stopped")

	a.geoSvc.Stop()
	log.Println("GeoIP service stopped")

	if err := a.builder.Close(); err != nil {
		log.Printf("Outbound builder close error: %v", err)
	}
	log.Println("Outbound builder stopped")
}
