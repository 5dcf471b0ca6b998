// Command txindex bootstraps the transaction-index engine: it wires the
// durable store, KV cache, and upstream adapters, then either drains the
// gap-fill worker pool (the "worker" subcommand) or answers
// a single get_transactions query from the command line (the "query"
// subcommand), for manual exercise of the request path without the HTTP
// surface this core engine excludes (spec.md §1).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/metodievmartin/evm-txindex/internal/config"
	"github.com/metodievmartin/evm-txindex/internal/domain"
	"github.com/metodievmartin/evm-txindex/internal/gapqueue"
	"github.com/metodievmartin/evm-txindex/internal/kv"
	"github.com/metodievmartin/evm-txindex/internal/logging"
	"github.com/metodievmartin/evm-txindex/internal/metrics"
	"github.com/metodievmartin/evm-txindex/internal/ratelimit"
	"github.com/metodievmartin/evm-txindex/internal/resolver"
	"github.com/metodievmartin/evm-txindex/internal/store"
	"github.com/metodievmartin/evm-txindex/internal/txservice"
	"github.com/metodievmartin/evm-txindex/internal/upstream"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// env bundles every long-lived collaborator the two subcommands share.
type env struct {
	cfg      *config.Config
	log      *zap.Logger
	st       *store.Store
	rdb      *redis.Client
	kv       *kv.Cache
	node     *upstream.EthClientNodeRPC
	explorer *upstream.HTTPExplorer
	limiter  *ratelimit.Limiter
	resolver *resolver.Resolver
	gaps     *gapqueue.Scheduler
	metrics  *metrics.Metrics
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	var configPath string

	root := &cobra.Command{
		Use:   "txindex",
		Short: "Read-through, gap-filling transaction index",
	}
	flags := root.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "path to a config file (yaml/json/toml)")
	flags.String("redis-addr", "", "redis address (overrides config)")
	flags.String("sqlite-path", "", "sqlite database path (overrides config)")
	flags.String("node-rpc-url", "", "EVM node RPC URL (overrides config)")
	flags.String("explorer-url", "", "block explorer API base URL (overrides config)")
	flags.String("explorer-key", "", "block explorer API key (overrides config)")
	flags.Int("worker-concurrency", 0, "gap-fill worker count (overrides config)")

	_ = v.BindPFlag("redis_addr", flags.Lookup("redis-addr"))
	_ = v.BindPFlag("sqlite_path", flags.Lookup("sqlite-path"))
	_ = v.BindPFlag("node_rpc_url", flags.Lookup("node-rpc-url"))
	_ = v.BindPFlag("explorer_url", flags.Lookup("explorer-url"))
	_ = v.BindPFlag("explorer_key", flags.Lookup("explorer-key"))
	_ = v.BindPFlag("worker_concurrency", flags.Lookup("worker-concurrency"))

	root.AddCommand(newWorkerCmd(v, &configPath), newQueryCmd(v, &configPath))
	return root
}

func newWorkerCmd(v *viper.Viper, configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Drain the gap-fill job queue until signaled to stop",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := bootstrap(cmd.Context(), v, *configPath)
			if err != nil {
				return err
			}
			defer e.close()

			pool := gapqueue.NewPool(e.st, e.st, e.explorer, e.limiter, e.log, e.cfg.WorkerConcurrency, time.Second,
				gapqueue.Config{
					MaxTxPerBatch: e.cfg.MaxTxPerBatch,
					MaxAttempts:   e.cfg.JobRetryAttempts,
					BackoffBase:   e.cfg.JobRetryBackoffBase,
				}, e.metrics)

			e.log.Info("starting gap-fill worker pool",
				zap.Int("workers", e.cfg.WorkerConcurrency),
				zap.String("sqlite_path", e.cfg.SQLitePath),
			)

			runCtx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return pool.Run(runCtx)
		},
	}
}

func newQueryCmd(v *viper.Viper, configPath *string) *cobra.Command {
	var from, to int64
	var page, limit int
	var order string

	cmd := &cobra.Command{
		Use:   "query <address>",
		Short: "Run a single get_transactions query and print the response as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := bootstrap(cmd.Context(), v, *configPath)
			if err != nil {
				return err
			}
			defer e.close()

			addr, err := domain.ParseAddress(args[0])
			if err != nil {
				return fmt.Errorf("parse address: %w", err)
			}

			var fromPtr, toPtr *uint64
			if from >= 0 {
				f := uint64(from)
				fromPtr = &f
			}
			if to >= 0 {
				t := uint64(to)
				toPtr = &t
			}
			q, err := domain.ValidateTxQuery(addr, fromPtr, toPtr, page, limit, domain.Order(order))
			if err != nil {
				return fmt.Errorf("validate query: %w", err)
			}

			svc := txservice.New(e.kv, e.st, e.resolver, e.explorer, e.node, e.gaps, txservice.Config{
				BalanceCacheTTL: e.cfg.BalanceCacheTTL,
				TxCountCacheTTL: e.cfg.TxCountCacheTTL,
				AddressInfoTTL:  e.cfg.AddressInfoCacheTTL,
				TxQueryCacheTTL: e.cfg.TxQueryCacheTTL,
			}, e.log)
			svc.SetMetrics(e.metrics)

			resp, err := svc.GetTransactions(cmd.Context(), q)
			if err != nil {
				return fmt.Errorf("get_transactions: %w", err)
			}
			out, err := json.MarshalIndent(resp, "", "  ")
			if err != nil {
				return fmt.Errorf("marshal response: %w", err)
			}
			fmt.Println(string(out))
			return nil
		},
	}

	flags := cmd.Flags()
	flags.Int64Var(&from, "from", -1, "from block (-1 = unset)")
	flags.Int64Var(&to, "to", -1, "to block (-1 = unset)")
	flags.IntVar(&page, "page", 1, "page number")
	flags.IntVar(&limit, "limit", 100, "page size")
	flags.StringVar(&order, "order", "asc", "asc or desc")
	return cmd
}

func bootstrap(ctx context.Context, v *viper.Viper, configPath string) (*env, error) {
	cfg, err := config.Load(v, configPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}

	log, err := logging.New(cfg.LogLevel, cfg.LogProd)
	if err != nil {
		return nil, fmt.Errorf("build logger: %w", err)
	}

	dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	st, err := store.Open(dialCtx, cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	cache := kv.New(rdb)

	node, err := upstream.NewEthClientNodeRPC(dialCtx, cfg.NodeRPCURL, cfg.RPCTimeout)
	if err != nil {
		st.Close()
		rdb.Close()
		return nil, fmt.Errorf("dial node rpc: %w", err)
	}

	explorer := upstream.NewHTTPExplorer(cfg.ExplorerURL, cfg.ExplorerKey, cfg.ExplorerTimeout)
	limiter := ratelimit.New(cfg.RateLimitTokensPerSec, int(cfg.RateLimitTokensPerSec), cfg.RateLimitMaxConcurrent)
	rv := resolver.New(cache, st, node, cfg.AddressInfoCacheTTL)
	sched := gapqueue.NewScheduler(st, time.Now, uint64(cfg.MaxBlocksPerJob))

	m := metrics.New()
	for _, c := range m.Collectors() {
		if err := prometheus.DefaultRegisterer.Register(c); err != nil {
			log.Warn("collector registration failed", zap.Error(err))
		}
	}
	rv.SetMetrics(m)

	return &env{
		cfg: cfg, log: log, st: st, rdb: rdb, kv: cache, node: node,
		explorer: explorer, limiter: limiter, resolver: rv, gaps: sched, metrics: m,
	}, nil
}

func (e *env) close() {
	e.st.Close()
	e.rdb.Close()
	e.log.Sync()
}
