package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"ticketchain-backend/attendees"
	"ticketchain-backend/auth"
	"ticketchain-backend/config"
	"ticketchain-backend/contracts"
	"ticketchain-backend/discovery"
	"ticketchain-backend/entry"
	"ticketchain-backend/handlers"
	"ticketchain-backend/identity"
	"ticketchain-backend/ledger"
	"ticketchain-backend/listing"
	"ticketchain-backend/marketplace"
	"ticketchain-backend/nonce"
)

func connectToDatabase(ctx context.Context, dbURL string, logger *slog.Logger) (*pgxpool.Pool, error) {
	pool, err := pgxpool.New(ctx, dbURL)
	if err != nil {
		return nil, err
	}

	// Test the connection
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("connected to database")
	return pool, nil
}

func connectToRedis(ctx context.Context, url string, logger *slog.Logger) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		opts = &redis.Options{Addr: url}
	}
	opts.MaxRetries = 3

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	logger.Info("connected to redis")
	return client, nil
}

// connectToLedger dials every RPC URL in priority order. An endpoint that
// cannot be dialed is skipped; at least one must succeed.
func connectToLedger(ctx context.Context, urls []string, logger *slog.Logger) ([]ledger.Endpoint, []*ethclient.Client, error) {
	var (
		endpoints []ledger.Endpoint
		clients   []*ethclient.Client
	)
	for i, url := range urls {
		rpcClient, err := rpc.DialContext(ctx, url)
		if err != nil {
			logger.Warn("failed to dial ledger endpoint", "index", i, "error", err)
			continue
		}
		client := ethclient.NewClient(rpcClient)
		endpoints = append(endpoints, ledger.Endpoint{
			Name:    fmt.Sprintf("rpc-%d", i),
			Backend: client,
			Batch:   rpcClient,
		})
		clients = append(clients, client)
	}
	if len(endpoints) == 0 {
		return nil, nil, errors.New("no ledger endpoint could be dialed")
	}

	logger.Info("connected to ledger", "endpoints", len(endpoints))
	return endpoints, clients, nil
}

func main() {
	if err := godotenv.Load(); err != nil {
		slog.Warn(".env file not found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	logger := cfg.NewLogger()
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Ledger
	endpoints, clients, err := connectToLedger(ctx, cfg.RPCURLs, logger)
	if err != nil {
		return err
	}
	defer func() {
		for _, c := range clients {
			c.Close()
		}
	}()

	reader, err := ledger.NewReader(endpoints, ledger.Options{
		CallTimeout: cfg.LedgerCallTimeout,
		Retries:     cfg.LedgerRetries,
	}, logger)
	if err != nil {
		return err
	}
	tickets, err := contracts.NewTickets(reader, cfg.TicketContract, cfg.TicketDeployBlock)
	if err != nil {
		return err
	}
	market, err := contracts.NewMarketplace(reader, cfg.MarketplaceContract)
	if err != nil {
		return err
	}

	// Listing index
	var index marketplace.Index = marketplace.NewMemoryIndex()
	if cfg.DatabaseURL != "" {
		pool, err := connectToDatabase(ctx, cfg.DatabaseURL, logger)
		if err != nil {
			return fmt.Errorf("unable to connect to database: %w", err)
		}
		defer pool.Close()

		pg := marketplace.NewPostgresIndex(pool)
		if err := pg.EnsureSchema(ctx); err != nil {
			return err
		}
		index = pg
	} else {
		logger.Warn("DATABASE_URL not set, listing index is in-memory")
	}

	// Nonces
	var store nonce.Store = nonce.NewMemoryStore()
	if cfg.RedisURL != "" {
		client, err := connectToRedis(ctx, cfg.RedisURL, logger)
		if err != nil {
			return fmt.Errorf("unable to connect to redis: %w", err)
		}
		defer client.Close()
		store = nonce.NewRedisStore(client, cfg.NonceTTL)
	} else {
		logger.Warn("REDIS_URL not set, nonces are per-instance")
	}
	nonces := nonce.NewLedger(store, cfg.NonceTTL, logger)
	sweeper, err := nonce.StartSweeper(nonces, cfg.NonceSweepInterval, logger)
	if err != nil {
		return err
	}
	defer sweeper.Stop()

	sessions := auth.NewSessions(cfg.JWTSecret, cfg.SessionTTL)
	authenticator := auth.NewAuthenticator(nonces, sessions, logger)

	// Resale, only with an operator signer
	var (
		status        discovery.StatusResolver
		resaleHandler *handlers.ResaleHandler
	)
	if cfg.SignerKey != "" {
		writer, err := ledger.NewKeyedWriter(clients[0], cfg.SignerKey, big.NewInt(cfg.ChainID), logger)
		if err != nil {
			return err
		}
		manager := listing.NewManager(tickets, market, writer, listing.Options{
			PollAttempts: cfg.ApprovalPollAttempts,
			PollInterval: cfg.ApprovalPollInterval,
		}, logger)
		status = manager
		resaleHandler = handlers.NewResaleHandler(manager, logger)
		logger.Info("resale endpoints enabled", "signer", writer.From().Hex())
	}

	var profiles identity.Resolver = identity.Nop{}
	if cfg.IdentityURL != "" {
		profiles = identity.NewHTTPResolver(cfg.IdentityURL, 5*time.Second)
	}

	finder := discovery.New(tickets, market, status, discovery.Options{
		LogWindow:   cfg.DiscoveryLogWindow,
		Concurrency: cfg.DiscoveryConcurrency,
	}, logger)
	scanner := attendees.NewScanner(tickets, attendees.Options{
		BatchSize: cfg.ScanBatchSize,
		Ceiling:   cfg.ScanIDCeiling,
	}, logger)
	reconciler := marketplace.NewReconciler(tickets, market, index, cfg.DiscoveryConcurrency, logger)
	verifier := entry.NewVerifier(tickets, cfg.EntryGrace, logger)

	router := handlers.NewRouter(handlers.Routes{
		CORSOrigins: cfg.CORSOrigins,
		Sessions:    sessions,
		Auth:        handlers.NewAuthHandler(nonces, authenticator, logger),
		Tickets:     handlers.NewTicketHandler(finder, verifier, tickets, logger),
		Events:      handlers.NewEventHandler(tickets, scanner, profiles, logger),
		Listings:    handlers.NewListingHandler(reconciler, profiles, logger),
		Resale:      resaleHandler,
		Health:      handlers.NewHealthHandler(reader),
	})

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server starting", "port", cfg.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
