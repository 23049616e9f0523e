package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/lightningnetwork/lnd/lnrpc"
	"github.com/lightningnetwork/lnd/lntypes"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"meganode/config"
	"meganode/internal/apihttp"
	merrors "meganode/internal/errors"
	"meganode/internal/ids"
	"meganode/internal/lightning"
	"meganode/internal/monitor"
	"meganode/internal/paymentdb"
	"meganode/internal/payments"
	"meganode/internal/sealing"
	"meganode/internal/store"
	"meganode/pkg/logger"
)

var Cfg config.NodeConfig

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
	configPath := config.Path(root).Join("node.toml")
	if err := config.Load(configPath, &Cfg); err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	userPK := os.Getenv("MEGANODE_NODE_USER_PK")
	leaseID := os.Getenv("MEGANODE_NODE_LEASE_ID")
	logger.Info("starting node instance", zap.String("user_pk", userPK), zap.String("lease_id", leaseID))

	sealer := sealing.NewSealer(newKeySource())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	remote, err := store.NewRemoteStore(ctx, postgresConfig())
	if err != nil {
		return fmt.Errorf("failed to open remote store: %w", err)
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", Cfg.Redis.Host, Cfg.Redis.Port),
		Password: Cfg.Redis.Password,
		DB:       Cfg.Redis.DB,
	})
	cloud := store.NewCloudStore(redisClient)

	reconciled, err := store.Reconcile(ctx, remote, cloud)
	if err != nil {
		return fmt.Errorf("failed to reconcile channel monitors: %w", err)
	}
	logger.Info("reconciled channel monitors", zap.Int("count", len(reconciled)))

	lightningClient := lightning.NewClient(
		fmt.Sprintf("http://%s:%s", Cfg.Lightning.GRPCHost, Cfg.Lightning.GRPCPort),
		&http.Client{Timeout: time.Duration(Cfg.Lightning.PaymentTimeoutSeconds) * time.Second},
	)

	persister := monitor.NewPersister(256, remote, cloud, lightningClient)
	go func() {
		if err := persister.Run(ctx); err != nil {
			logger.Error("channel monitor persister shut down fatally", zap.Error(err))
			cancel()
		}
	}()
	archiver := monitor.NewArchiver(remote, cloud, sealer)

	paymentStorage := paymentdb.NewFileStorage(filepath.Join(Cfg.Storage.SingletonDirectory, "payments"), paymentdb.JSONCodec{})
	db := paymentdb.New(paymentStorage)
	if err := db.Load(); err != nil {
		return fmt.Errorf("failed to load payment db: %w", err)
	}

	manager := payments.NewManager(&fileStorePersister{storage: paymentStorage}, lightningClient)
	manager.LoadPending(db.UpdatedSince(ids.PaymentIndex{}))

	if megaAddr := os.Getenv("MEGANODE_NODE_MEGA_ADDR"); megaAddr != "" {
		go runLeaseRenewal(ctx, cancel, megaAddr, userPK, leaseID)
	}

	go runPaymentExpiryChecker(ctx, manager, time.Duration(Cfg.PaymentExpiryCheckIntervalSeconds)*time.Second)

	engine := apihttp.NewEngine()
	engine.Use(apihttp.HandlerTimeout(time.Duration(Cfg.HandlerTimeoutSeconds) * time.Second))
	registerNodeRoutes(engine, db, manager, archiver, persister, userPK)

	listenAddr := Cfg.ListenAddr
	if appPort := os.Getenv("MEGANODE_NODE_APP_PORT"); appPort != "" {
		listenAddr = ":" + appPort
	}
	srv := &http.Server{Addr: listenAddr, Handler: engine}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("node http server stopped", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("received shutdown signal", zap.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Warn("shutting down after fatal persister or lease renewal error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
	cancel()

	return nil
}

func newKeySource() sealing.KeySource {
	if Cfg.Storage.DevSealing {
		return sealing.DevKeySource{}
	}
	signerSecret, err := sealing.GenerateSignerSecret()
	if err != nil {
		logger.Fatal("failed to generate signer secret", zap.Error(err))
	}
	return sealing.NewEnclaveKeySource(signerSecret)
}

func postgresConfig() store.PostgresConfig {
	return store.PostgresConfig{
		Host:            Cfg.Database.Host,
		Port:            Cfg.Database.Port,
		User:            Cfg.Database.User,
		Password:        Cfg.Database.Password,
		DB:              Cfg.Database.DB,
		SslMode:         Cfg.Database.SslMode,
		MaxConns:        Cfg.Database.MaxConns,
		MinConns:        Cfg.Database.MinConns,
		MaxConnLifetime: Cfg.Database.MaxConnLifetime,
		MaxConnIdleTime: Cfg.Database.MaxConnIdleTime,
		MigrationPath:   Cfg.Database.MigrationPath,
	}
}

// fileStorePersister adapts paymentdb's durable file storage into
// payments.Persister: in this single-enclave design the client
// projection's backing store IS the manager's authoritative store,
// since both live sealed on the same local disk.
type fileStorePersister struct {
	storage *paymentdb.FileStorage
}

func (f *fileStorePersister) Persist(_ context.Context, p *payments.Payment) error {
	return f.storage.Save(p)
}

// PersistBatch satisfies payments.Persister's single-call batch
// contract. The file-per-payment backend has no transactional batch
// primitive to call once the way a remote Postgres store would, so
// this writes each file in turn but under the one call the manager
// issues per tick — it still fails, and returns, atomically from the
// manager's point of view: any error aborts before committing the
// in-memory transition for the whole batch.
func (f *fileStorePersister) PersistBatch(_ context.Context, ps []*payments.Payment) error {
	for _, p := range ps {
		if err := f.storage.Save(p); err != nil {
			return err
		}
	}
	return nil
}

func registerNodeRoutes(engine *gin.Engine, db *paymentdb.DB, manager *payments.Manager, archiver *monitor.Archiver, persister *monitor.Persister, userPK string) {
	// channel_closed is called by the Lightning runtime process, not
	// by the per-user API's own caller; it lives outside the /app/
	// namespace spec §6 reserves for the latter.
	engine.POST("/internal/v1/channel_closed", func(c *gin.Context) {
		var req struct {
			Txo string `json:"txo"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			apihttp.WriteError(c, merrors.DomainNode, merrors.Wrap(merrors.InvalidData(), err))
			return
		}
		txo, err := ids.ParseLxOutPoint(req.Txo)
		if err != nil {
			apihttp.WriteError(c, merrors.DomainNode, merrors.Wrap(merrors.InvalidData(), err))
			return
		}
		if err := archiver.Archive(c.Request.Context(), txo); err != nil {
			// Non-fatal per spec §4.5: log and return 200 regardless so
			// the runtime never blocks a channel close on cold storage.
			logger.Warn("archive failed", zap.String("txo", txo.String()), zap.Error(err))
		}
		c.Status(http.StatusOK)
	})

	registerRuntimeIngestRoutes(engine, manager, persister)

	engine.GET("/app/node_info", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"user_pk":      userPK,
			"num_payments": db.Len(),
			"num_pending":  len(manager.Pending()),
		})
	})

	engine.GET("/app/payments/updated", func(c *gin.Context) {
		sinceRaw := c.Query("since_idx")
		if sinceRaw == "" {
			writeUpdatedSince(c, db, ids.PaymentIndex{})
			return
		}
		since, err := ids.ParsePaymentIndex(sinceRaw)
		if err != nil {
			apihttp.WriteError(c, merrors.DomainNode, merrors.Wrap(merrors.InvalidData(), err))
			return
		}
		writeUpdatedSince(c, db, since)
	})

	engine.PUT("/app/payments/note", func(c *gin.Context) {
		var req struct {
			Index string `json:"index"`
			Note  string `json:"note"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			apihttp.WriteError(c, merrors.DomainNode, merrors.Wrap(merrors.InvalidData(), err))
			return
		}
		index, err := ids.ParsePaymentIndex(req.Index)
		if err != nil {
			apihttp.WriteError(c, merrors.DomainNode, merrors.Wrap(merrors.InvalidData(), err))
			return
		}
		if err := db.UpdateNote(index, req.Note); err != nil {
			apihttp.WriteError(c, merrors.DomainNode, merrors.Wrap(merrors.InvalidData(), err))
			return
		}
		c.Status(http.StatusOK)
	})
}

func writeUpdatedSince(c *gin.Context, db *paymentdb.DB, since ids.PaymentIndex) {
	updated := db.UpdatedSince(since)
	c.JSON(http.StatusOK, gin.H{"payments": updated})
}

// registerRuntimeIngestRoutes wires the Lightning runtime collaborator's
// event stream into the manager and channel-monitor persister. These
// endpoints are called by the runtime process, not by the per-user API
// caller, so they live under /internal/v1/ alongside channel_closed
// rather than spec §6's /app/ namespace.
func registerRuntimeIngestRoutes(engine *gin.Engine, manager *payments.Manager, persister *monitor.Persister) {
	engine.POST("/internal/v1/payment_claimable", func(c *gin.Context) {
		var req struct {
			Purpose     string `json:"purpose"`
			PaymentHash string `json:"payment_hash"`
			ClaimId     string `json:"claim_id"`
			AmountMsat  uint64 `json:"amount_msat"`
			Preimage    string `json:"preimage"`
			Description string `json:"description"`
			NowMs       int64  `json:"now_ms"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			apihttp.WriteError(c, merrors.DomainNode, merrors.Wrap(merrors.InvalidData(), err))
			return
		}
		purpose, err := parseClaimPurpose(req.Purpose)
		if err != nil {
			apihttp.WriteError(c, merrors.DomainNode, merrors.Wrap(merrors.InvalidData(), err))
			return
		}
		hash, err := parseHash(req.PaymentHash)
		if err != nil {
			apihttp.WriteError(c, merrors.DomainNode, merrors.Wrap(merrors.InvalidData(), err))
			return
		}
		claimID, err := parse32(req.ClaimId)
		if err != nil {
			apihttp.WriteError(c, merrors.DomainNode, merrors.Wrap(merrors.InvalidData(), err))
			return
		}
		preimage, err := parsePreimage(req.Preimage)
		if err != nil {
			apihttp.WriteError(c, merrors.DomainNode, merrors.Wrap(merrors.InvalidData(), err))
			return
		}
		if err := manager.HandlePaymentClaimable(c.Request.Context(), purpose, hash, claimID, req.AmountMsat, preimage, req.Description, req.NowMs); err != nil {
			apihttp.WriteError(c, merrors.DomainNode, err)
			return
		}
		c.Status(http.StatusOK)
	})

	engine.POST("/internal/v1/payment_claimed", func(c *gin.Context) {
		var req struct {
			Purpose     string `json:"purpose"`
			PaymentHash string `json:"payment_hash"`
			ClaimId     string `json:"claim_id"`
			NowMs       int64  `json:"now_ms"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			apihttp.WriteError(c, merrors.DomainNode, merrors.Wrap(merrors.InvalidData(), err))
			return
		}
		purpose, err := parseClaimPurpose(req.Purpose)
		if err != nil {
			apihttp.WriteError(c, merrors.DomainNode, merrors.Wrap(merrors.InvalidData(), err))
			return
		}
		hash, err := parseHash(req.PaymentHash)
		if err != nil {
			apihttp.WriteError(c, merrors.DomainNode, merrors.Wrap(merrors.InvalidData(), err))
			return
		}
		claimID, err := parse32(req.ClaimId)
		if err != nil {
			apihttp.WriteError(c, merrors.DomainNode, merrors.Wrap(merrors.InvalidData(), err))
			return
		}
		if err := manager.HandlePaymentClaimed(c.Request.Context(), purpose, hash, claimID, req.NowMs); err != nil {
			apihttp.WriteError(c, merrors.DomainNode, err)
			return
		}
		c.Status(http.StatusOK)
	})

	engine.POST("/internal/v1/payment_sent", func(c *gin.Context) {
		var req struct {
			Id          string `json:"id"`
			PaymentHash string `json:"payment_hash"`
			Preimage    string `json:"preimage"`
			FeeMsat     *int64 `json:"fee_msat"`
			NowMs       int64  `json:"now_ms"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			apihttp.WriteError(c, merrors.DomainNode, merrors.Wrap(merrors.InvalidData(), err))
			return
		}
		id, err := ids.ParsePaymentId(req.Id)
		if err != nil {
			apihttp.WriteError(c, merrors.DomainNode, merrors.Wrap(merrors.InvalidData(), err))
			return
		}
		hash, err := parseHash(req.PaymentHash)
		if err != nil {
			apihttp.WriteError(c, merrors.DomainNode, merrors.Wrap(merrors.InvalidData(), err))
			return
		}
		preimage, err := parsePreimage(req.Preimage)
		if err != nil {
			apihttp.WriteError(c, merrors.DomainNode, merrors.Wrap(merrors.InvalidData(), err))
			return
		}
		if err := manager.HandlePaymentSent(c.Request.Context(), id, hash, preimage, req.FeeMsat, req.NowMs); err != nil {
			apihttp.WriteError(c, merrors.DomainNode, err)
			return
		}
		c.Status(http.StatusOK)
	})

	engine.POST("/internal/v1/payment_failed", func(c *gin.Context) {
		var req struct {
			Id          string `json:"id"`
			FailureCode int32  `json:"failure_code"`
			NowMs       int64  `json:"now_ms"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			apihttp.WriteError(c, merrors.DomainNode, merrors.Wrap(merrors.InvalidData(), err))
			return
		}
		id, err := ids.ParsePaymentId(req.Id)
		if err != nil {
			apihttp.WriteError(c, merrors.DomainNode, merrors.Wrap(merrors.InvalidData(), err))
			return
		}
		failure := lnrpc.Failure_FailureCode(req.FailureCode)
		if err := manager.HandlePaymentFailed(c.Request.Context(), id, failure, req.NowMs); err != nil {
			apihttp.WriteError(c, merrors.DomainNode, err)
			return
		}
		c.Status(http.StatusOK)
	})

	engine.POST("/internal/v1/onchain_send_broadcast", func(c *gin.Context) {
		var req struct {
			Id   string `json:"id"`
			Txid string `json:"txid"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			apihttp.WriteError(c, merrors.DomainNode, merrors.Wrap(merrors.InvalidData(), err))
			return
		}
		id, err := ids.ParsePaymentId(req.Id)
		if err != nil {
			apihttp.WriteError(c, merrors.DomainNode, merrors.Wrap(merrors.InvalidData(), err))
			return
		}
		txid, err := ids.ParseLxOutPoint(req.Txid)
		if err != nil {
			apihttp.WriteError(c, merrors.DomainNode, merrors.Wrap(merrors.InvalidData(), err))
			return
		}
		if err := manager.HandleOnchainSendBroadcast(c.Request.Context(), id, txid); err != nil {
			apihttp.WriteError(c, merrors.DomainNode, err)
			return
		}
		c.Status(http.StatusOK)
	})

	engine.POST("/internal/v1/onchain_receive_register", func(c *gin.Context) {
		var req struct {
			Txid       string `json:"txid"`
			Outpoint   string `json:"outpoint"`
			AmountMsat uint64 `json:"amount_msat"`
			NowMs      int64  `json:"now_ms"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			apihttp.WriteError(c, merrors.DomainNode, merrors.Wrap(merrors.InvalidData(), err))
			return
		}
		txid, err := parse32(req.Txid)
		if err != nil {
			apihttp.WriteError(c, merrors.DomainNode, merrors.Wrap(merrors.InvalidData(), err))
			return
		}
		outpoint, err := ids.ParseLxOutPoint(req.Outpoint)
		if err != nil {
			apihttp.WriteError(c, merrors.DomainNode, merrors.Wrap(merrors.InvalidData(), err))
			return
		}
		if err := manager.RegisterOnchainReceive(c.Request.Context(), txid, outpoint, req.AmountMsat, req.NowMs); err != nil {
			apihttp.WriteError(c, merrors.DomainNode, err)
			return
		}
		c.Status(http.StatusOK)
	})

	engine.POST("/internal/v1/onchain_conf_status", func(c *gin.Context) {
		var req struct {
			Id            string `json:"id"`
			Confirmations uint32 `json:"confirmations"`
			Replacement   bool   `json:"replacement"`
			Dropped       bool   `json:"dropped"`
			NowMs         int64  `json:"now_ms"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			apihttp.WriteError(c, merrors.DomainNode, merrors.Wrap(merrors.InvalidData(), err))
			return
		}
		id, err := ids.ParsePaymentId(req.Id)
		if err != nil {
			apihttp.WriteError(c, merrors.DomainNode, merrors.Wrap(merrors.InvalidData(), err))
			return
		}
		cs := payments.ConfStatus{Confirmations: req.Confirmations, Replacement: req.Replacement, Dropped: req.Dropped}
		if err := manager.HandleOnchainConfStatus(c.Request.Context(), id, cs, req.NowMs); err != nil {
			apihttp.WriteError(c, merrors.DomainNode, err)
			return
		}
		c.Status(http.StatusOK)
	})

	// channel_monitor_update is the producer half of Component E's
	// pipeline: the runtime posts a serialized monitor blob here, and
	// this handler hands it to the persister's bounded queue rather than
	// writing it inline, so a slow store write never blocks the
	// runtime's calling goroutine.
	engine.POST("/internal/v1/channel_monitor_update", func(c *gin.Context) {
		var req struct {
			Txo      string `json:"txo"`
			UpdateId uint64 `json:"update_id"`
			Kind     string `json:"kind"`
			Blob     string `json:"blob"`
		}
		if err := c.ShouldBindJSON(&req); err != nil {
			apihttp.WriteError(c, merrors.DomainNode, merrors.Wrap(merrors.InvalidData(), err))
			return
		}
		txo, err := ids.ParseLxOutPoint(req.Txo)
		if err != nil {
			apihttp.WriteError(c, merrors.DomainNode, merrors.Wrap(merrors.InvalidData(), err))
			return
		}
		blob, err := base64.StdEncoding.DecodeString(req.Blob)
		if err != nil {
			apihttp.WriteError(c, merrors.DomainNode, merrors.Wrap(merrors.InvalidData(), err))
			return
		}
		kind := monitor.Updated
		if req.Kind == "new" {
			kind = monitor.New
		}
		if err := persister.Submit(monitor.Job{Txo: txo, UpdateID: req.UpdateId, Kind: kind, Blob: blob}); err != nil {
			apihttp.WriteError(c, merrors.DomainNode, merrors.Wrap(merrors.AtCapacity(merrors.DomainNode), err))
			return
		}
		c.Status(http.StatusOK)
	})
}

func parseClaimPurpose(s string) (payments.ClaimPurpose, error) {
	switch s {
	case "invoice":
		return payments.ClaimInvoice, nil
	case "offer_reusable":
		return payments.ClaimOfferReusable, nil
	case "spontaneous":
		return payments.ClaimSpontaneous, nil
	default:
		return 0, fmt.Errorf("unknown claim purpose %q", s)
	}
}

func parseHash(s string) (lntypes.Hash, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return lntypes.Hash{}, err
	}
	return lntypes.MakeHash(b)
}

func parsePreimage(s string) (lntypes.Preimage, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return lntypes.Preimage{}, err
	}
	return lntypes.MakePreimage(b)
}

func parse32(s string) ([32]byte, error) {
	var out [32]byte
	if s == "" {
		return out, nil
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("expected 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// runPaymentExpiryChecker drives spec §4.4's check_payment_expiries tick
// on a fixed interval for the lifetime of ctx.
func runPaymentExpiryChecker(ctx context.Context, manager *payments.Manager, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := manager.CheckPaymentExpiries(ctx, time.Now().UnixMilli()); err != nil {
				logger.Error("payment expiry check failed", zap.Error(err))
			}
		}
	}
}

// runLeaseRenewal issues the renew RPC spec §4.6 requires every
// lease_renewal_interval_secs. WrongLease or LeaseExpired is fatal for
// this instance: it cancels ctx so run() tears the process down rather
// than keep serving with a lease the runner no longer honors.
func runLeaseRenewal(ctx context.Context, cancel context.CancelFunc, megaAddr, userPK, leaseID string) {
	interval := 300 * time.Second
	if raw := os.Getenv("MEGANODE_NODE_LEASE_RENEWAL_SECS"); raw != "" {
		if secs, err := strconv.Atoi(raw); err == nil && secs > 0 {
			interval = time.Duration(secs) * time.Second
		}
	}
	client := &http.Client{Timeout: 10 * time.Second}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := renewLeaseOnce(ctx, client, megaAddr, userPK, leaseID); err != nil {
				logger.Error("lease renewal failed, shutting down", zap.Error(err))
				cancel()
				return
			}
		}
	}
}

func renewLeaseOnce(ctx context.Context, client *http.Client, megaAddr, userPK, leaseID string) error {
	body, err := json.Marshal(map[string]string{"user_pk": userPK, "lease_id": leaseID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, megaAddr+"/mega/lease/renew", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("lease renew rejected: status %d", resp.StatusCode)
	}
	return nil
}
