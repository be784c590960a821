package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/betbot/hlmcp/hyperliquid/client"
	"github.com/betbot/hlmcp/hyperliquid/signing"
	"github.com/betbot/hlmcp/internal/execution"
	"github.com/betbot/hlmcp/internal/gateway"
	"github.com/betbot/hlmcp/internal/identity"
	"github.com/betbot/hlmcp/internal/metrics"
	"github.com/betbot/hlmcp/internal/statecache"
	"github.com/betbot/hlmcp/internal/transport"
	"github.com/betbot/hlmcp/pkg/config"
	"github.com/betbot/hlmcp/pkg/logger"
	"github.com/betbot/hlmcp/pkg/secretstore"
	"github.com/betbot/hlmcp/pkg/shutdown"
)

const (
	version                = "0.1.0"
	provisionTimeout       = 2 * time.Minute
	gracefulShutdownPeriod = 10 * time.Second
)

const instructions = "Hyperliquid 永续与现货交易工具。行情工具查询价格、盘口和资金费率；" +
	"账户工具查询持仓、余额和成交；交易工具下单、改单和撤单。" +
	"交易工具使用真实资金，执行前请与用户确认交易细节。"

func main() {
	configPath := flag.String("config", os.Getenv("HLMCP_CONFIG"), "配置文件路径（YAML/JSON，可选）")
	flag.Parse()

	if err := run(*configPath); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := logger.Init(logger.Config{
		Level:      cfg.Log.Level,
		OutputFile: cfg.Log.File,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	}); err != nil {
		return errors.Wrap(err, "初始化日志")
	}
	defer logger.Close()

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()
	sd := shutdown.NewManager()

	adapter := client.NewClient(client.Config{
		Network:         cfg.Network,
		Timeout:         cfg.HTTP.Timeout,
		RetryCount:      cfg.HTTP.RetryCount,
		WeightPerMinute: cfg.HTTP.RateLimit,
	})

	store, closeStore, err := openCredentialStore(cfg.Credentials)
	if err != nil {
		return err
	}
	sd.OnShutdown("credential store", func(context.Context) { closeStore() })

	// 供应流程与序列器共用一个 nonce 源，主钱包的 nonce 严格递增
	nonces := signing.NewNonceSource(nil)
	registrar := identity.NewVenueRegistrar(adapter, nonces, cfg.Network)
	ids, err := identity.NewManager(identity.Options{
		Network:     cfg.Network,
		Credentials: cfg.Credentials,
		Store:       store,
		Registrar:   registrar,
	})
	if err != nil {
		return err
	}
	if ids.NeedsProvisioning() {
		ctx, cancel := context.WithTimeout(rootCtx, provisionTimeout)
		if _, err := ids.Provision(ctx); err != nil {
			logrus.Warnf("agent 钱包供应失败，下次启动会重新尝试: %v", err)
		}
		cancel()
	}

	cache := statecache.New(statecache.Options{
		Adapter: adapter,
		Address: ids,
		Policy: statecache.Policy{
			Realtime:          cfg.Cache.RealtimeEnabled,
			MaxStaleness:      cfg.Cache.MaxStaleness,
			DegradedStaleness: cfg.Cache.DegradedStaleness,
		},
	})

	seq := execution.NewSequencer(execution.Options{
		Adapter: adapter,
		Signers: ids,
		State:   cache,
		Nonces:  nonces,
		Config:  cfg.Execution,
	})
	seq.Start(rootCtx)
	sd.OnShutdown("sequencer", func(context.Context) { seq.Stop() })

	builder := identity.NewBuilderStatus(ids, adapter, registrar)
	gw := gateway.New(gateway.Options{
		State:    cache,
		Executor: seq,
		Identity: ids,
		Builder:  builder,
		Adapter:  adapter,
	})
	if info, err := builder.Check(rootCtx); err != nil {
		logrus.Debugf("builder 费用状态未知: %v", err)
	} else {
		gw.SetBuilderFee(info)
		if !info.Approved {
			logrus.Infof("builder 费用未授权（当前 %d，需要 %d），可调用 approve_builder_fee", info.MaxFee, info.RequiredFee)
		}
	}

	g, ctx := errgroup.WithContext(rootCtx)

	var feed *statecache.Feed
	if cfg.Cache.RealtimeEnabled {
		feed = statecache.NewFeed(adapter, cache, ids, statecache.FeedConfig{
			HeartbeatTimeout: cfg.Cache.HeartbeatTimeout,
			GracePeriod:      cfg.Cache.GracePeriod,
			BackoffBase:      cfg.Cache.BackoffBase,
			BackoffMax:       cfg.Cache.BackoffMax,
			OutageThreshold:  cfg.Cache.OutageThreshold,
		})
		g.Go(func() error {
			if err := feed.Run(ctx); err != nil {
				// 推送不可恢复时退回轮询，工具仍可用
				logrus.Errorf("实时推送停止，改为 REST 轮询: %v", err)
				cache.SetDegraded(true)
			}
			return nil
		})
	} else {
		logrus.Info("实时推送已关闭（REALTIME_ENABLED=false），所有读取走 REST")
	}

	if cfg.MetricsAddr != "" {
		if _, err := metrics.StartAsync(ctx, cfg.MetricsAddr, health(cfg, cache, feed)); err != nil {
			logrus.Errorf("指标服务启动失败: %v", err)
		}
	}

	srv := transport.New(gw, transport.Info{Name: "hlmcp", Version: version, Instructions: instructions})
	g.Go(func() error {
		defer rootCancel()
		return srv.Serve(ctx, os.Stdin, os.Stdout)
	})

	sigC := make(chan os.Signal, 1)
	signal.Notify(sigC, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigC)
	g.Go(func() error {
		select {
		case sig := <-sigC:
			logrus.Infof("收到信号 %s，正在关闭...", sig)
			rootCancel()
		case <-ctx.Done():
		}
		return nil
	})

	logrus.WithField("network", cfg.Network).Info("hlmcp 已启动")
	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), gracefulShutdownPeriod)
	defer cancel()
	sd.Shutdown(shutdownCtx)
	return err
}

func openCredentialStore(cred config.CredentialConfig) (identity.CredentialStore, func(), error) {
	if cred.Store != config.StoreBadger {
		return identity.NewEnvFileStore(cred.EnvFile), func() {}, nil
	}
	key, err := secretstore.ParseKey(cred.SecretKey)
	if err != nil {
		return nil, nil, errors.Wrap(err, "HLMCP_SECRET_KEY")
	}
	if key == nil {
		return nil, nil, errors.New("badger 凭证存储需要 HLMCP_SECRET_KEY")
	}
	ss, err := secretstore.Open(secretstore.OpenOptions{Path: cred.SecretDB, EncryptionKey: key})
	if err != nil {
		return nil, nil, err
	}
	return identity.NewBadgerStore(ss, cred.SecretDB), func() { _ = ss.Close() }, nil
}

func health(cfg *config.Config, cache *statecache.Cache, feed *statecache.Feed) metrics.HealthFunc {
	return func() metrics.Health {
		h := metrics.Health{OK: true, Degraded: cache.Degraded(), Network: string(cfg.Network)}
		if feed != nil {
			state := feed.State()
			h.Feed = state.String()
			h.OK = state == statecache.StateSubscribed && !h.Degraded
		}
		return h
	}
}
