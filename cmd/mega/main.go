package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"meganode/config"
	"meganode/internal/apihttp"
	merrors "meganode/internal/errors"
	"meganode/internal/runner"
	"meganode/internal/tunnel"
	"meganode/pkg/logger"
)

var Cfg config.MegaConfig

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "fatal: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := logger.Init(logger.GetEnv()); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer logger.Sync()

	_, filename, _, _ := runtime.Caller(0)
	root := filepath.Dir(filepath.Dir(filepath.Dir(filename)))
	configPath := config.Path(root).Join("mega.toml")
	if err := config.Load(configPath, &Cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger.Info("starting mega host", zap.String("mega_id", Cfg.MegaID))

	launcher := runner.NewOSProcessLauncher(Cfg.NodeBinaryPath, Cfg.NodeBasePort)
	launcher.Env = []string{
		"MEGANODE_NODE_MEGA_ADDR=http://127.0.0.1" + Cfg.ListenAddr,
		fmt.Sprintf("MEGANODE_NODE_LEASE_RENEWAL_SECS=%d", Cfg.Runner.LeaseRenewalSecs),
	}
	r, err := runner.NewRunner(runnerConfig(), launcher, orchestratorStub{})
	if err != nil {
		return fmt.Errorf("failed to build runner: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := r.Start(ctx); err != nil && err != context.Canceled {
			logger.Error("runner stopped", zap.Error(err))
		}
	}()

	issuer := tunnel.NewIssuer([]byte(Cfg.Tunnel.TokenSecret), Cfg.Tunnel.TokenIssuer)

	engine := apihttp.NewEngine()
	registerMegaRoutes(engine, r, issuer, Cfg.MegaID)

	srv := &http.Server{Addr: Cfg.ListenAddr, Handler: engine}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("mega http server stopped", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", zap.String("signal", sig.String()))

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)

	r.Shutdown()
	select {
	case <-r.Done():
	case <-time.After(time.Duration(Cfg.Runner.ShutdownTimeoutSecs) * time.Second):
		logger.Warn("runner did not drain before shutdown timeout elapsed")
	}
	cancel()

	return nil
}

func runnerConfig() runner.Config {
	return runner.Config{
		PerUserMemMB:            Cfg.Runner.PerUserMemMB,
		SgxHeapMB:               Cfg.Runner.SgxHeapMB,
		OverheadMB:              Cfg.Runner.OverheadMB,
		BufferSlots:             Cfg.Runner.BufferSlots,
		UserInactivityDuration:  time.Duration(Cfg.Runner.UserInactivitySecs) * time.Second,
		MegaInactivityDuration:  time.Duration(Cfg.Runner.MegaInactivitySecs) * time.Second,
		InactivityCheckInterval: time.Duration(Cfg.Runner.InactivityCheckInterval) * time.Second,
		LeaseLifetime:           time.Duration(Cfg.Runner.LeaseLifetimeSecs) * time.Second,
		LeaseRenewalInterval:    time.Duration(Cfg.Runner.LeaseRenewalSecs) * time.Second,
		ShutdownTimeout:         time.Duration(Cfg.Runner.ShutdownTimeoutSecs) * time.Second,
	}
}

// orchestratorStub logs user-finished notifications. The real
// orchestrator — the fleet-wide service deciding which mega host owns
// which user — lives outside this host's process boundary; spec §4.1
// only specifies the UserFinished call this host must make into it.
type orchestratorStub struct{}

func (orchestratorStub) UserFinished(_ context.Context, userPK, leaseID string) error {
	logger.Info("user instance finished", zap.String("user_pk", userPK), zap.String("lease_id", leaseID))
	return nil
}

func registerMegaRoutes(engine *gin.Engine, r *runner.Runner, issuer *tunnel.Issuer, megaID string) {
	engine.POST("/mega/run", func(c *gin.Context) {
		var req struct {
			MegaID            string `json:"mega_id"`
			UserPK            string `json:"user_pk"`
			LeaseID           string `json:"lease_id"`
			ShutdownAfterSync bool   `json:"shutdown_after_sync"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			apihttp.WriteError(c, merrors.DomainMega, merrors.Wrap(merrors.Server(merrors.DomainMega), err))
			return
		}
		if req.MegaID != megaID {
			apihttp.WriteError(c, merrors.DomainMega, merrors.New(merrors.WrongMegaId()))
			return
		}

		ports, err := r.RunRequest(c.Request.Context(), req.UserPK, req.LeaseID, req.ShutdownAfterSync)
		if err != nil {
			apihttp.WriteError(c, merrors.DomainMega, err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"app_port": ports.AppPort, "lexe_port": ports.LexePort})
	})

	engine.POST("/mega/evict", func(c *gin.Context) {
		var req struct {
			UserPK string `json:"user_pk"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			apihttp.WriteError(c, merrors.DomainMega, merrors.Wrap(merrors.Server(merrors.DomainMega), err))
			return
		}
		if err := r.EvictRequest(c.Request.Context(), req.UserPK); err != nil {
			apihttp.WriteError(c, merrors.DomainMega, err)
			return
		}
		c.Status(http.StatusOK)
	})

	// lease/renew is only ever called by a node this host itself
	// launched, over loopback — unlike /mega/run it never crosses a
	// mega boundary, so there is no mega_id to check here.
	engine.POST("/mega/lease/renew", func(c *gin.Context) {
		var req struct {
			UserPK  string `json:"user_pk"`
			LeaseID string `json:"lease_id"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			apihttp.WriteError(c, merrors.DomainMega, merrors.Wrap(merrors.Server(merrors.DomainMega), err))
			return
		}
		if err := r.RenewLease(c.Request.Context(), req.UserPK, req.LeaseID); err != nil {
			apihttp.WriteError(c, merrors.DomainRunner, err)
			return
		}
		c.Status(http.StatusOK)
	})

	engine.POST("/mega/tokens/sdk", func(c *gin.Context) {
		token, expiresAt, err := issuer.IssueSDKToken()
		if err != nil {
			apihttp.WriteError(c, merrors.DomainMega, merrors.Wrap(merrors.Server(merrors.DomainMega), err))
			return
		}
		c.JSON(http.StatusOK, gin.H{"token": token, "expires_at": expiresAt})
	})
}
