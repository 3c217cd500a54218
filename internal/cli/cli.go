// ============================================================================
// CATTS Engine CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running the engine and talking to it
//
// Command Structure:
//   catts-engine                        # Root command
//   ├── run                             # Start engine (scheduler, pipeline, gRPC, metrics)
//   ├── runs                            # Run lifecycle over gRPC
//   │   ├── create                      # --recipe --chain --key
//   │   ├── cancel                      # <run-id> --key
//   │   ├── register-payment            # <run-id> --tx --block --key
//   │   ├── get                         # <run-id>
//   │   └── list                        # --creator
//   ├── recipes list                    # Print the local recipe catalogue
//   ├── status                          # Engine status over gRPC
//   ├── logs                            # Recent engine log records over gRPC
//   └── --config, -c                    # Config file (default: configs/default.yaml)
//
// run Command:
//   1. Load config file and configure slog
//   2. Open run store (Postgres when postgres.dsn or DATABASE_URL is set)
//   3. Open task store (Redis when scheduler.store is "redis", else memory + WAL shared with runs)
//   4. Create and start Controller (recovery happens here)
//   5. Start gRPC and Metrics servers
//   6. Wait for SIGINT/SIGTERM, then shut down in reverse order
//
// ============================================================================

package cli

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/crypto"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/types/known/structpb"
	"gopkg.in/yaml.v3"

	"github.com/c-atts/catts-app/internal/chainconfig"
	"github.com/c-atts/catts-app/internal/controller"
	"github.com/c-atts/catts-app/internal/evm"
	"github.com/c-atts/catts-app/internal/metrics"
	"github.com/c-atts/catts-app/internal/recipe"
	"github.com/c-atts/catts-app/internal/run"
	"github.com/c-atts/catts-app/internal/server"
	"github.com/c-atts/catts-app/internal/storage/redisstore"
)

const (
	defaultAddr = "localhost:50051"

	// creatorKeyEnv 未指定 --key 時讀取的環境變數
	creatorKeyEnv = "CATTS_CREATOR_KEY"
)

// Config represents the complete engine configuration
// Maps config file fields through YAML tags
type Config struct {
	Worker struct {
		WorkerCount int           `yaml:"worker_count"`
		TaskTimeout time.Duration `yaml:"task_timeout"`
	} `yaml:"worker"`

	Scheduler struct {
		TickInterval time.Duration `yaml:"tick_interval"`
		Store        string        `yaml:"store"` // memory | redis
	} `yaml:"scheduler"`

	WAL struct {
		Path       string `yaml:"path"`
		BufferSize int    `yaml:"buffer_size"`
	} `yaml:"wal"`

	Snapshot struct {
		Path            string `yaml:"path"`
		IntervalSeconds int    `yaml:"interval_seconds"`
	} `yaml:"snapshot"`

	Redis struct {
		Addr     string `yaml:"addr"`
		Password string `yaml:"password"`
		DB       int    `yaml:"db"`
	} `yaml:"redis"`

	Postgres struct {
		DSN string `yaml:"dsn"`
	} `yaml:"postgres"`

	Signer struct {
		PrivateKeyHex string `yaml:"private_key_hex"`
	} `yaml:"signer"`

	Chains      []chainconfig.Entry `yaml:"chains"`
	RecipesFile string              `yaml:"recipes_file"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	GRPC struct {
		Port int `yaml:"port"`
	} `yaml:"grpc"`

	Log struct {
		Level      string `yaml:"level"`
		Format     string `yaml:"format"`      // text | json
		BufferSize int    `yaml:"buffer_size"` // 保留供 logs 查詢的筆數
	} `yaml:"log"`
}

var configFile string

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "catts-engine",
		Short: "CATTS engine: pay, query, process, attest",
		Long: `The CATTS engine turns paid recipe runs into EAS attestations:
- verifies on-chain payments against multiple RPC providers
- runs recipe queries and the processor script
- signs and submits the attestation, then records its UID`,
		Version:      "0.1.0",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildRunsCommand())
	rootCmd.AddCommand(buildRecipesCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildLogsCommand())

	return rootCmd
}

// ============================================================================
// run
// ============================================================================

func buildRunCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Start the engine",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger, logs, err := newLogger(cfg, os.Stderr)
			if err != nil {
				return err
			}
			slog.SetDefault(logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runEngine(ctx, cfg, logs)
		},
	}
}

// engine 組裝完成但尚未啟動的系統
type engine struct {
	ctrl    *controller.Controller
	closers []func()
}

func (e *engine) close() {
	for i := len(e.closers) - 1; i >= 0; i-- {
		e.closers[i]()
	}
}

// newEngine 依設定建立 Controller 與其儲存後端
func newEngine(ctx context.Context, cfg *Config, reg prometheus.Registerer) (*engine, error) {
	e := &engine{}
	fail := func(err error) (*engine, error) {
		e.close()
		return nil, err
	}

	chains, err := chainconfig.NewRegistry(cfg.Chains)
	if err != nil {
		return nil, err
	}
	if cfg.RecipesFile == "" {
		return nil, errors.New("recipes_file is required")
	}
	recipes, err := recipe.LoadFile(cfg.RecipesFile)
	if err != nil {
		return nil, err
	}

	deps := controller.Deps{
		Chains:  chains,
		Recipes: recipes,
		Metrics: metrics.NewCollector(reg),
	}

	if cfg.Signer.PrivateKeyHex != "" {
		signer, err := evm.NewLocalSigner(cfg.Signer.PrivateKeyHex)
		if err != nil {
			return nil, fmt.Errorf("signer: %w", err)
		}
		deps.Signer = signer
	}

	if cfg.Postgres.DSN != "" {
		pg, err := run.OpenPostgres(ctx, cfg.Postgres.DSN)
		if err != nil {
			return fail(err)
		}
		e.closers = append(e.closers, pg.Close)
		if err := pg.Migrate(ctx); err != nil {
			return fail(err)
		}
		deps.RunStore = pg
	}

	switch cfg.Scheduler.Store {
	case "", "memory":
	case "redis":
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		e.closers = append(e.closers, func() { _ = rdb.Close() })
		store, err := redisstore.New(ctx, rdb)
		if err != nil {
			return fail(err)
		}
		deps.TaskStore = store
	default:
		return fail(fmt.Errorf("unknown scheduler.store %q", cfg.Scheduler.Store))
	}

	ctrl, err := controller.New(ctx, controller.Config{
		WorkerCount:      cfg.Worker.WorkerCount,
		TaskTimeout:      cfg.Worker.TaskTimeout,
		TickInterval:     cfg.Scheduler.TickInterval,
		SnapshotInterval: time.Duration(cfg.Snapshot.IntervalSeconds) * time.Second,
		WALPath:          cfg.WAL.Path,
		WALBufferSize:    cfg.WAL.BufferSize,
		SnapshotPath:     cfg.Snapshot.Path,
	}, deps)
	if err != nil {
		return fail(err)
	}
	e.ctrl = ctrl
	return e, nil
}

func runEngine(ctx context.Context, cfg *Config, logs *controller.LogBuffer) error {
	logger := slog.With("component", "cli")

	e, err := newEngine(ctx, cfg, prometheus.DefaultRegisterer)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}
	defer e.close()

	if err := e.ctrl.Start(); err != nil {
		return fmt.Errorf("failed to start controller: %w", err)
	}
	defer e.ctrl.Stop()

	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		metricsSrv = metrics.NewServer(cfg.Metrics.Port, prometheus.DefaultGatherer)
		go func() {
			logger.Info("Starting metrics server", "addr", metricsSrv.Addr)
			if err := metricsSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("Metrics server failed", "error", err)
			}
		}()
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", cfg.GRPC.Port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", cfg.GRPC.Port, err)
	}
	var logSource server.LogSource
	if logs != nil {
		logSource = logs
	}
	grpcServer := server.NewGRPCServer(server.NewServer(e.ctrl.Runs(), e.ctrl, logSource))
	serveErr := make(chan error, 1)
	go func() { serveErr <- grpcServer.Serve(lis) }()
	logger.Info("Engine started", "grpc_addr", lis.Addr().String(), "workers", cfg.Worker.WorkerCount)

	select {
	case <-ctx.Done():
		logger.Info("Received shutdown signal, stopping gracefully")
	case err = <-serveErr:
		logger.Error("gRPC server stopped", "error", err)
	}

	grpcServer.GracefulStop()
	if metricsSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsSrv.Shutdown(shutdownCtx)
		cancel()
	}
	return err
}

// ============================================================================
// runs / status (gRPC client)
// ============================================================================

func buildRunsCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "runs",
		Short: "Create and inspect runs on a running engine",
	}
	cmd.PersistentFlags().StringVar(&addr, "addr", defaultAddr, "engine gRPC address")

	var keyHex string
	withKey := func(c *cobra.Command) {
		c.Flags().StringVar(&keyHex, "key", "", "creator private key (hex) used to sign the request; defaults to $"+creatorKeyEnv)
	}

	var (
		recipeID string
		chainID  uint64
	)
	create := &cobra.Command{
		Use:   "create",
		Short: "Create a run for a recipe, owned by the signing key",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := creatorKey(keyHex)
			if err != nil {
				return err
			}
			return withClient(cmd, addr, func(ctx context.Context, c *server.Client) (*structpb.Struct, error) {
				return c.CreateRun(ctx, recipeID, chainID, key)
			})
		},
	}
	create.Flags().StringVar(&recipeID, "recipe", "", "recipe id (0x hex)")
	create.Flags().Uint64Var(&chainID, "chain", 0, "chain id")
	withKey(create)
	_ = create.MarkFlagRequired("recipe")
	_ = create.MarkFlagRequired("chain")

	cancel := &cobra.Command{
		Use:   "cancel <run-id>",
		Short: "Cancel a run that has not been paid",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := creatorKey(keyHex)
			if err != nil {
				return err
			}
			return withClient(cmd, addr, func(ctx context.Context, c *server.Client) (*structpb.Struct, error) {
				return c.CancelRun(ctx, args[0], key)
			})
		},
	}
	withKey(cancel)

	var (
		txHash string
		block  uint64
	)
	pay := &cobra.Command{
		Use:   "register-payment <run-id>",
		Short: "Register the payment transaction of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := creatorKey(keyHex)
			if err != nil {
				return err
			}
			return withClient(cmd, addr, func(ctx context.Context, c *server.Client) (*structpb.Struct, error) {
				return c.RegisterPayment(ctx, args[0], txHash, block, key)
			})
		},
	}
	pay.Flags().StringVar(&txHash, "tx", "", "payment transaction hash")
	pay.Flags().Uint64Var(&block, "block", 0, "block containing the payment")
	withKey(pay)
	_ = pay.MarkFlagRequired("tx")
	_ = pay.MarkFlagRequired("block")

	get := &cobra.Command{
		Use:   "get <run-id>",
		Short: "Show a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, addr, func(ctx context.Context, c *server.Client) (*structpb.Struct, error) {
				return c.GetRun(ctx, args[0])
			})
		},
	}

	var listCreator string
	list := &cobra.Command{
		Use:   "list",
		Short: "List runs of a creator",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, addr, func(ctx context.Context, c *server.Client) (*structpb.Struct, error) {
				return c.ListRuns(ctx, listCreator)
			})
		},
	}
	list.Flags().StringVar(&listCreator, "creator", "", "creator address")
	_ = list.MarkFlagRequired("creator")

	cmd.AddCommand(create, cancel, pay, get, list)
	return cmd
}

func buildStatusCommand() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show engine status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, addr, func(ctx context.Context, c *server.Client) (*structpb.Struct, error) {
				return c.Status(ctx)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "engine gRPC address")
	return cmd
}

func buildLogsCommand() *cobra.Command {
	var (
		addr  string
		limit uint64
	)
	cmd := &cobra.Command{
		Use:   "logs",
		Short: "Show recent engine log records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withClient(cmd, addr, func(ctx context.Context, c *server.Client) (*structpb.Struct, error) {
				return c.Logs(ctx, limit)
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", defaultAddr, "engine gRPC address")
	cmd.Flags().Uint64Var(&limit, "limit", 0, "newest records to show (0 shows all retained)")
	return cmd
}

// creatorKey 解析 --key，未指定時讀取環境變數
func creatorKey(keyHex string) (*ecdsa.PrivateKey, error) {
	if keyHex == "" {
		keyHex = os.Getenv(creatorKeyEnv)
	}
	if keyHex == "" {
		return nil, fmt.Errorf("a creator key is required: pass --key or set %s", creatorKeyEnv)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(keyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("invalid creator key: %w", err)
	}
	return key, nil
}

// withClient 連線 engine、呼叫一次 RPC 並以 JSON 輸出結果
func withClient(cmd *cobra.Command, addr string, call func(context.Context, *server.Client) (*structpb.Struct, error)) error {
	client, conn, err := server.Dial(addr)
	if err != nil {
		return fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(cmd.Context(), 10*time.Second)
	defer cancel()
	out, err := call(ctx, client)
	if err != nil {
		return err
	}
	data, err := protojson.MarshalOptions{Multiline: true, Indent: "  "}.Marshal(out)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

// ============================================================================
// recipes
// ============================================================================

func buildRecipesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recipes",
		Short: "Inspect the recipe catalogue",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List recipes from recipes_file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			catalogue, err := recipe.LoadFile(cfg.RecipesFile)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, r := range catalogue.List() {
				fmt.Fprintf(w, "%s  %-24s gas=%s schema=%q\n", r.ID, r.Name, r.Gas, r.Schema)
			}
			return nil
		},
	})
	return cmd
}

// ============================================================================
// Config / Logging
// ============================================================================

func loadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Worker.WorkerCount <= 0 {
		cfg.Worker.WorkerCount = 4
	}
	if cfg.Worker.TaskTimeout <= 0 {
		cfg.Worker.TaskTimeout = 2 * time.Minute
	}
	if cfg.Scheduler.TickInterval <= 0 {
		cfg.Scheduler.TickInterval = time.Second
	}
	if cfg.Postgres.DSN == "" {
		cfg.Postgres.DSN = os.Getenv("DATABASE_URL")
	}
	if cfg.Redis.Addr == "" {
		cfg.Redis.Addr = "localhost:6379"
	}
	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}
	if cfg.GRPC.Port == 0 {
		cfg.GRPC.Port = 50051
	}
}

// newLogger 依 log.level / log.format 建立 slog.Logger
//
// 回傳的 LogBuffer 保留最近 log.buffer_size 筆記錄，供 Logs RPC 查詢。
func newLogger(cfg *Config, w io.Writer) (*slog.Logger, *controller.LogBuffer, error) {
	var level slog.Level
	if cfg.Log.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
			return nil, nil, fmt.Errorf("log.level: %w", err)
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	switch strings.ToLower(cfg.Log.Format) {
	case "", "text":
		handler = slog.NewTextHandler(w, opts)
	case "json":
		handler = slog.NewJSONHandler(w, opts)
	default:
		return nil, nil, fmt.Errorf("log.format: unknown format %q", cfg.Log.Format)
	}
	logs := controller.NewLogBuffer(handler, cfg.Log.BufferSize)
	return slog.New(logs), logs, nil
}
