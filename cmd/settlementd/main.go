package main

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"stealthpay/cmd/internal/passphrase"
	"stealthpay/config"
	"stealthpay/crypto"
	"stealthpay/core/events"
	"stealthpay/native/agents"
	"stealthpay/native/announcements"
	"stealthpay/native/authorization"
	"stealthpay/native/bridge"
	"stealthpay/native/compliance"
	"stealthpay/native/fees"
	"stealthpay/native/registry"
	"stealthpay/native/settlement"
	"stealthpay/observability"
	"stealthpay/observability/logging"
	telemetry "stealthpay/observability/otel"
	"stealthpay/services/settlementd"
	"stealthpay/state"
	"stealthpay/state/bank"
	"stealthpay/storage"
)

func main() {
	configFile := flag.String("config", "./settlementd.toml", "Path to the configuration file")
	envFile := flag.String("env-file", ".env", "Optional dotenv file loaded before the configuration")
	flag.Parse()

	if err := godotenv.Load(*envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		fmt.Fprintf(os.Stderr, "load %s: %v\n", *envFile, err)
		os.Exit(1)
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.SetupWithOptions("settlementd", cfg.Environment, logging.Options{
		Level:      logging.ParseLevel(cfg.Logging.Level),
		File:       cfg.Logging.File,
		MaxSizeMB:  cfg.Logging.MaxSizeMB,
		MaxBackups: cfg.Logging.MaxBackups,
		MaxAgeDays: cfg.Logging.MaxAgeDays,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("settlementd exited", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	tracing := cfg.Telemetry.Traces || cfg.Telemetry.Metrics
	if tracing {
		shutdownTelemetry, err := telemetry.Init(ctx, telemetry.Config{
			ServiceName: "settlementd",
			Environment: cfg.Environment,
			Endpoint:    cfg.Telemetry.Endpoint,
			Insecure:    cfg.Telemetry.Insecure,
			Headers:     telemetry.ParseHeaders(os.Getenv("OTEL_EXPORTER_OTLP_HEADERS")),
			Metrics:     cfg.Telemetry.Metrics,
			Traces:      cfg.Telemetry.Traces,
			SampleRatio: cfg.Telemetry.SampleRatio,
		})
		if err != nil {
			return fmt.Errorf("initialise telemetry: %w", err)
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTelemetry(shutdownCtx)
		}()
	}

	db, err := storage.Open(cfg.Storage.Backend, cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("open state: %w", err)
	}
	defer db.Close()
	manager := state.NewManager(db)
	ledger := bank.New(manager)

	custody, err := cfg.Domain.CustodyAddress()
	if err != nil {
		return err
	}
	feePool, err := cfg.Settlement.FeePoolAddress()
	if err != nil {
		return err
	}
	admins, err := cfg.Settlement.AdminAddresses()
	if err != nil {
		return err
	}
	dailyLimit, err := cfg.Agents.DailyLimit()
	if err != nil {
		return err
	}

	domain := authorization.Domain{
		Name:    cfg.Domain.Name,
		Version: cfg.Domain.Version,
		ChainID: cfg.Domain.ChainID,
		Custody: custody,
	}
	verifier := authorization.NewVerifier(domain, authorization.NewNonceStore(manager, "authorization"), ledger)

	var auditStore *settlementd.AuditStore
	if cfg.Audit.Driver != config.AuditNone {
		auditDB, err := settlementd.OpenAudit(cfg.Audit.Driver, cfg.Audit.DSN)
		if err != nil {
			return err
		}
		if auditStore, err = settlementd.NewAuditStore(auditDB, logger); err != nil {
			return err
		}
	}
	emitter := events.MultiEmitter{observability.EventCounter{}}
	if auditStore != nil {
		emitter = append(emitter, auditStore)
	}

	log := announcements.NewLog(manager)
	log.SetEmitter(emitter)
	agentLedger := agents.NewLedger(manager, agents.Config{
		DefaultDailyLimit:   dailyLimit,
		Admins:              admins,
		RequireRegistration: cfg.Agents.RequireRegistration,
	})
	agentLedger.SetEmitter(emitter)

	complianceRegistry := compliance.NewRegistry(manager, admins)
	denyList, err := seedCompliance(cfg.Compliance, complianceRegistry, admins, logger)
	if err != nil {
		return err
	}

	opts := []settlement.Option{
		settlement.WithAdmins(admins...),
		settlement.WithFeeBps(cfg.Settlement.FeeBps),
		settlement.WithMaxBatchSize(cfg.Settlement.MaxBatchSize),
		settlement.WithLogger(logger),
		settlement.WithMetrics(observability.Settlement()),
		settlement.WithTracer(telemetry.Tracer()),
		settlement.WithEmitter(emitter),
		settlement.WithAgents(agentLedger),
		settlement.WithCompliance(compliance.All{complianceRegistry, denyList}),
		settlement.WithRejectionRecorder(compliance.NewAuditLog(manager)),
	}
	if cfg.Bridge.Enabled() {
		remoteCustody, err := cfg.Bridge.RemoteCustodyAddress()
		if err != nil {
			return err
		}
		opts = append(opts, settlement.WithRemote(remoteCustody, authorization.NewNonceStore(manager, "bridge")))
	}
	engine := settlement.NewEngine(verifier, ledger, fees.NewPool(ledger, manager, feePool), log, opts...)

	var receiver *bridge.Receiver
	if cfg.Bridge.Enabled() {
		signers, err := cfg.Bridge.TrustedSigners()
		if err != nil {
			return err
		}
		receiver = bridge.NewReceiver(cfg.Bridge.Domain, signers, engine, logger)
	}
	var outbound *bridge.Bridge
	if cfg.Bridge.Outbound() {
		signer, err := loadBridgeSigner(cfg.Bridge)
		if err != nil {
			return err
		}
		peer := settlementd.NewClient(cfg.Bridge.PeerURL, &http.Client{Timeout: 10 * time.Second})
		outbound = bridge.New(cfg.Bridge.Domain, verifier, peer, manager, signer, logger)
		logger.Info("bridge forwarding enabled",
			slog.String("peer", cfg.Bridge.PeerURL),
			slog.String("signer", crypto.HexAddress(outbound.SignerAddress())))
	}

	secret, err := cfg.JWTSecret()
	if err != nil {
		return err
	}
	auth, err := settlementd.NewAdminAuth(secret, cfg.API.JWTIssuer)
	if err != nil {
		return err
	}

	srv := settlementd.New(settlementd.Config{
		Engine:     engine,
		Log:        log,
		Agents:     agentLedger,
		Compliance: complianceRegistry,
		Registry:   registry.New(manager, domain),
		Bridge:     receiver,
		Outbound:   outbound,
		Audit:      auditStore,
		Auth:       auth,
		RateLimit: settlementd.RateLimit{
			PerSecond: cfg.API.RateLimitPerSecond,
			Burst:     cfg.API.RateLimitBurst,
		},
		Logger:  logger,
		Tracing: cfg.Telemetry.Traces,
	})

	server := &http.Server{
		Addr:         cfg.ListenAddress,
		Handler:      srv.Handler(),
		ReadTimeout:  time.Duration(cfg.API.ReadTimeoutSecs) * time.Second,
		WriteTimeout: time.Duration(cfg.API.WriteTimeoutSecs) * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	listener, err := net.Listen("tcp", cfg.ListenAddress)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("settlementd listening",
			slog.String("address", listener.Addr().String()),
			slog.String("custody", fmt.Sprintf("0x%x", custody)),
			slog.Bool("bridge", receiver != nil),
			slog.Bool("bridge_outbound", outbound != nil),
			slog.Int("deny_list", denyList.Len()))
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("serve: %w", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn("graceful shutdown failed", slog.Any("error", err))
	}
	return nil
}

// seedCompliance applies the optional YAML seed and the configured deny list.
// The seed is written on behalf of the first admin.
func seedCompliance(cfg config.ComplianceConfig, registry *compliance.Registry, admins [][20]byte, logger *slog.Logger) (*compliance.DenyList, error) {
	denyList, err := compliance.DenyListConfig{DenyList: cfg.DenyList}.Build()
	if err != nil {
		return nil, err
	}
	if len(admins) == 0 {
		if cfg.Enabled || strings.TrimSpace(cfg.SeedFile) != "" {
			logger.Warn("compliance settings ignored: no settlement admins configured")
		}
		return denyList, nil
	}
	admin := admins[0]
	if err := registry.SetDuration(admin, cfg.Duration()); err != nil {
		return nil, err
	}
	if err := registry.SetEnabled(admin, cfg.Enabled); err != nil {
		return nil, err
	}
	if path := strings.TrimSpace(cfg.SeedFile); path != "" {
		seed, err := compliance.LoadSeed(path)
		if err != nil {
			return nil, err
		}
		seeded, err := seed.Apply(registry, admin)
		if err != nil {
			return nil, err
		}
		merged := append(append([]string{}, cfg.DenyList...), seed.DenyList...)
		if denyList, err = (compliance.DenyListConfig{DenyList: merged}).Build(); err != nil {
			return nil, err
		}
		logger.Info("compliance seed applied",
			slog.String("path", path),
			slog.Int("verified", len(seed.Verified)),
			slog.Int("seed_deny_list", seeded.Len()))
	}
	return denyList, nil
}

// loadBridgeSigner decrypts the keystore that signs outgoing bridge messages.
func loadBridgeSigner(cfg config.BridgeConfig) (*ecdsa.PrivateKey, error) {
	pass, err := passphrase.NewSource(cfg.SignerPassphraseEnv, "bridge signer").Get()
	if err != nil {
		return nil, err
	}
	key, err := crypto.LoadFromKeystore(cfg.SignerKeystore, pass)
	if err != nil {
		return nil, fmt.Errorf("bridge signer: %w", err)
	}
	return key.PrivateKey, nil
}
