package main

import (
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"stakevault/config"
	"stakevault/core"
	"stakevault/observability/logging"
	"stakevault/rpc"
	"stakevault/storage"
)

const rpcTokenEnv = "VAULT_RPC_TOKEN"

func main() {
	configFile := flag.String("config", "./vault.toml", "Path to the configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		panic(fmt.Sprintf("Failed to load config: %v", err))
	}

	logger := logging.Setup("vaultd", cfg.Environment, cfg.LogLevel)

	treasury, err := cfg.Treasury()
	if err != nil {
		logger.Error("invalid treasury address", slog.Any("error", err))
		os.Exit(1)
	}
	params, err := cfg.VaultParams()
	if err != nil {
		logger.Error("invalid vault parameters", slog.Any("error", err))
		os.Exit(1)
	}

	db, err := storage.NewLevelDB(cfg.DataDir)
	if err != nil {
		panic(fmt.Sprintf("Failed to open database: %v", err))
	}
	defer db.Close()

	node, err := core.NewNode(db, treasury, params)
	if err != nil {
		logger.Error("failed to construct node", slog.Any("error", err))
		os.Exit(1)
	}

	if admin, ok, err := cfg.Admin(); err != nil {
		logger.Error("invalid admin address", slog.Any("error", err))
		os.Exit(1)
	} else if ok {
		if err := node.Bootstrap(admin); err != nil {
			// Expected on every restart after the first; the admin
			// set is managed over RPC from then on.
			logger.Info("admin bootstrap skipped", slog.String("reason", err.Error()))
		} else {
			logger.Info("admin bootstrapped", slog.String("address", admin.String()))
		}
	}

	authToken := strings.TrimSpace(os.Getenv(rpcTokenEnv))
	if authToken == "" {
		authToken = strings.TrimSpace(cfg.RPCAuthToken)
	}
	if authToken == "" {
		logger.Warn("no RPC auth token configured; mutating methods will be rejected")
	}

	go startOpsServer(cfg.OpsAddress, logger)

	server := rpc.NewServer(node, authToken, cfg.RPCRateLimit, logger)
	logger.Info("vaultd starting",
		slog.String("rpc", cfg.RPCAddress),
		slog.String("ops", cfg.OpsAddress),
		slog.String("treasury", treasury.String()),
	)
	if err := server.Start(cfg.RPCAddress); err != nil {
		logger.Error("RPC server terminated", slog.Any("error", err))
		os.Exit(1)
	}
}

// startOpsServer serves the metrics and health endpoints on a separate
// listener so operational traffic never contends with RPC clients.
func startOpsServer(addr string, logger *slog.Logger) {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if err := http.ListenAndServe(addr, r); err != nil {
		logger.Error("ops server terminated", slog.Any("error", err))
	}
}
