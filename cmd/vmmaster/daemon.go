package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/vmmaster/vmmaster/internal/api"
	"github.com/vmmaster/vmmaster/internal/cache"
	"github.com/vmmaster/vmmaster/internal/config"
	"github.com/vmmaster/vmmaster/internal/logging"
	"github.com/vmmaster/vmmaster/internal/observability"
	"github.com/vmmaster/vmmaster/internal/pool"
	"github.com/vmmaster/vmmaster/internal/provider"
	"github.com/vmmaster/vmmaster/internal/provider/kvm"
	"github.com/vmmaster/vmmaster/internal/provider/openstack"
	"github.com/vmmaster/vmmaster/internal/proxy"
	"github.com/vmmaster/vmmaster/internal/recorder"
	"github.com/vmmaster/vmmaster/internal/session"
	"github.com/vmmaster/vmmaster/internal/store"
)

func daemonCmd() *cobra.Command {
	var (
		httpAddr     string
		logLevel     string
		requireToken bool
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "Run the vmmaster daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.Default()
			if configPath != "" {
				loaded, err := config.LoadFromFile(configPath)
				if err != nil {
					return err
				}
				cfg = loaded
			}
			config.LoadFromEnv(cfg)
			if httpAddr != "" {
				cfg.Addr = httpAddr
			}
			if logLevel != "" {
				cfg.Logging.Level = logLevel
			}

			logging.Init(cfg.Logging.Format, cfg.Logging.Level)

			ctx := context.Background()

			if err := observability.Init(ctx, observability.Config{
				Enabled:    cfg.Tracing.Enabled,
				Endpoint:   cfg.Tracing.Endpoint,
				SampleRate: cfg.Tracing.SampleRate,
			}); err != nil {
				return err
			}

			st, err := store.New(ctx, cfg.Postgres.DSN)
			if err != nil {
				return err
			}
			defer st.Close()

			var c cache.Cache
			if cfg.Redis.Addr != "" {
				c = cache.NewRedis(cache.RedisConfig{
					Addr:     cfg.Redis.Addr,
					Password: cfg.Redis.Password,
					DB:       cfg.Redis.DB,
				})
			} else {
				c = cache.NewMemory()
			}
			defer c.Close()

			providers, err := buildProviders(cfg)
			if err != nil {
				return err
			}
			if len(providers) == 0 {
				return fmt.Errorf("no providers enabled, set use_kvm or use_openstack")
			}

			p, err := pool.New(ctx, providers, pool.Config{
				SeleniumPort:       cfg.SeleniumPort,
				PingTimeout:        cfg.PingTimeout,
				Preloaded:          cfg.Preloaded(),
				PreloaderFrequency: cfg.PreloaderFrequency,
				VMCheck:            cfg.VMCheck,
				VMCheckFrequency:   cfg.VMCheckFrequency,
			})
			if err != nil {
				return err
			}

			if err := st.SavePlatforms(ctx, p.Platforms()); err != nil {
				logging.Op().Error("save platforms", "error", err)
			}

			rec := recorder.New(st, cfg.ScreenshotsDir)
			mgr := session.NewManager(p, st, rec, session.Config{
				SessionTimeout: cfg.SessionTimeout,
				GetVMTimeout:   cfg.GetVMTimeout,
			})

			worker := mgr.StartWorker()
			preloader := p.StartPreloader()
			checker := p.StartChecker()

			px := proxy.New(mgr, rec, st, proxy.Config{
				SeleniumPort:  cfg.SeleniumPort,
				AgentPort:     cfg.AgentPort,
				ThreadPoolMax: cfg.ThreadPoolMax,
			})

			server := api.StartHTTPServer(cfg.Addr, api.ServerConfig{
				Pool:         p,
				Sessions:     mgr,
				Proxy:        px,
				Store:        st,
				Cache:        c,
				RequireToken: requireToken,
			})
			logging.Op().Info("vmmaster started", "addr", cfg.Addr,
				"capacity", cfg.Capacity(), "providers", len(providers))

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			<-sigCh
			logging.Op().Info("shutting down")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()

			// Stop listening first, then let live sessions finish on
			// their own; the reaper keeps running so idle ones still
			// time out. Stragglers are failed at the deadline.
			server.Shutdown(shutdownCtx)
			if !mgr.WaitIdle(shutdownCtx) {
				logging.Op().Warn("drain deadline reached, failing remaining sessions",
					"active", len(mgr.Active()))
			}
			preloader.Stop()
			checker.Stop()
			worker.Stop()
			mgr.Drain(shutdownCtx)
			p.Free(shutdownCtx)
			observability.Shutdown(shutdownCtx)
			return nil
		},
	}

	cmd.Flags().StringVar(&httpAddr, "http", "", "Listen address, overrides config")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "Log level, overrides config")
	cmd.Flags().BoolVar(&requireToken, "require-token", false, "Require X-Token auth on /api")

	return cmd
}

func buildProviders(cfg *config.Config) ([]provider.Provider, error) {
	var providers []provider.Provider
	if cfg.UseKVM {
		providers = append(providers, kvm.New(kvm.Config{
			ClonesDir:     cfg.ClonesDir,
			OriginsDir:    cfg.OriginsDir,
			MaxCount:      cfg.KVMMaxVMCount,
			SeleniumPort:  cfg.SeleniumPort,
			CheckPause:    cfg.VMCreateCheckPause,
			CheckAttempts: cfg.VMCreateCheckAttempts,
		}))
	}
	if cfg.UseOpenStack {
		providers = append(providers, openstack.New(openstack.Config{
			AuthURL:       cfg.OpenStack.AuthURL,
			Username:      cfg.OpenStack.Username,
			Password:      cfg.OpenStack.Password,
			TenantName:    cfg.OpenStack.TenantName,
			Zone:          cfg.OpenStack.Zone,
			ImagePrefix:   cfg.OpenStack.ImagePrefix,
			Metadata:      cfg.OpenStack.Metadata,
			MaxCount:      cfg.OpenStackMaxVMCount,
			SeleniumPort:  cfg.SeleniumPort,
			CheckPause:    cfg.VMCreateCheckPause,
			CheckAttempts: cfg.VMCreateCheckAttempts,
		}))
	}
	return providers, nil
}
