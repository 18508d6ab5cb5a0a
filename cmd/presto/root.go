package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	runtimepkg "github.com/drblury/presto/internal/runtime"
	"github.com/drblury/presto/internal/runtime/config"
	"github.com/drblury/presto/internal/runtime/envelope"
	"github.com/drblury/presto/internal/runtime/kernels"
	"github.com/drblury/presto/internal/runtime/logging"
)

var (
	configPath string
	kindFlag   string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "presto",
	Short: "presto runs kind-keyed queue workers, callback processors and the ingress API.",
	Long: `presto pulls work items from per-kind queues, runs the kind's kernel and
delivers results to callback URLs. Settings come from PRESTO_* environment
variables and an optional presto.yaml file.`,
	SilenceUsage: true,
}

func init() { //nolint:gochecknoinits // cobra command registration
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./presto.*)")
	rootCmd.PersistentFlags().StringVarP(&kindFlag, "kind", "k", "", "processing kind, overrides PRESTO_KIND")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level, overrides PRESTO_LOG_LEVEL")
}

// registry returns the kinds this binary can serve.
func registry() (*envelope.Registry, error) {
	reg := envelope.NewRegistry()
	if err := kernels.Register(reg); err != nil {
		return nil, err
	}
	return reg, nil
}

func loadConfig() (*config.Config, error) {
	conf, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if kindFlag != "" {
		conf.Kind = kindFlag
	}
	if logLevel != "" {
		conf.LogLevel = logLevel
	}
	return conf, nil
}

// bootstrap loads the configuration and builds the service. The returned
// context is cancelled on SIGINT or SIGTERM.
func bootstrap(requireKind bool) (context.Context, *runtimepkg.Service, func(), error) {
	conf, err := loadConfig()
	if err != nil {
		return nil, nil, nil, fmt.Errorf("load config: %w", err)
	}
	if requireKind && conf.Kind == "" {
		return nil, nil, nil, fmt.Errorf("a kind is required (--kind or PRESTO_KIND)")
	}
	reg, err := registry()
	if err != nil {
		return nil, nil, nil, err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	logger := logging.New(os.Stderr, conf.LogLevel)
	svc, err := runtimepkg.NewService(ctx, conf, logger, runtimepkg.ServiceDependencies{Registry: reg})
	if err != nil {
		stop()
		return nil, nil, nil, fmt.Errorf("initialise service: %w", err)
	}
	cleanup := func() {
		if err := svc.Close(); err != nil {
			logger.Error("Failed to close service", err, nil)
		}
		stop()
	}
	return ctx, svc, cleanup, nil
}

// withMetrics appends the metrics server when it is enabled.
func withMetrics(svc *runtimepkg.Service, runners ...runtimepkg.Runner) []runtimepkg.Runner {
	if svc.Conf.MetricsEnabled {
		runners = append(runners, runtimepkg.RunnerFunc(svc.ServeMetrics))
	}
	return runners
}
