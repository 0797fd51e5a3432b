package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/amas-ai/amas/internal/ops"
	"github.com/amas-ai/amas/internal/version"
	"github.com/amas-ai/amas/orchestration"
	"github.com/amas-ai/amas/orchestration/decomposer"
	openaiplanner "github.com/amas-ai/amas/plugin/planner/openai"
)

const drainTimeout = 30 * time.Second

var rootCmd = &cobra.Command{
	Use:   "amas",
	Short: `A hierarchical multi-agent orchestrator. Decomposes briefs into workflow graphs and executes them across a capability-indexed agent pool.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is a convenience for direct binary execution; service managers
		// supply environment directly.
		_ = godotenv.Load()
		return nil
	},
	RunE: func(_ *cobra.Command, _ []string) error {
		cfg, err := orchestration.FromViper(viper.GetViper())
		if err != nil {
			return err
		}

		var planner decomposer.Planner
		if apiKey := viper.GetString("planner-api-key"); apiKey != "" {
			planner = openaiplanner.New(openaiplanner.Config{
				APIKey:  apiKey,
				BaseURL: viper.GetString("planner-base-url"),
				Model:   viper.GetString("planner-model"),
				Retry:   cfg.PlannerRetry,
			})
		} else {
			slog.Warn("no planner api key configured, decomposition disabled")
		}

		system, err := orchestration.NewSystem(cfg, planner)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		system.Start(ctx)

		addr := fmt.Sprintf("%s:%d", viper.GetString("addr"), viper.GetInt("port"))
		opsServer := ops.NewServer(addr, system)
		go func() {
			if err := opsServer.Start(); err != nil {
				slog.Error("ops server failed", "error", err)
				cancel()
			}
		}()

		printGreetings(addr)

		c := make(chan os.Signal, 1)
		// SIGTERM is what systemd and kubernetes send for graceful shutdown.
		signal.Notify(c, terminationSignals...)
		select {
		case <-c:
		case <-ctx.Done():
		}

		slog.Info("shutting down, draining workflows", "timeout", drainTimeout)
		drainCtx, drainCancel := context.WithTimeout(context.Background(), drainTimeout)
		defer drainCancel()
		if remaining := system.Drain(drainCtx); remaining > 0 {
			slog.Warn("drain deadline reached", "abandoned_workflows", remaining)
		}
		_ = opsServer.Shutdown(drainCtx)
		return nil
	},
}

func init() {
	viper.SetDefault("addr", "")
	viper.SetDefault("port", 28090)

	rootCmd.PersistentFlags().String("addr", "", "bind address of the ops server")
	rootCmd.PersistentFlags().Int("port", 28090, "port of the ops server")
	rootCmd.PersistentFlags().String("planner-api-key", "", "API key for the planner provider")
	rootCmd.PersistentFlags().String("planner-base-url", "", "base URL of the planner provider")
	rootCmd.PersistentFlags().String("planner-model", "", "planner model name")
	rootCmd.PersistentFlags().Int("executor.workers", 0, "dispatch worker count (0 = auto)")
	rootCmd.PersistentFlags().Int("bus.inbox_capacity", 0, "per-agent inbox capacity (0 = default)")

	for _, key := range []string{
		"addr", "port",
		"planner-api-key", "planner-base-url", "planner-model",
		"executor.workers", "bus.inbox_capacity",
	} {
		if err := viper.BindPFlag(key, rootCmd.PersistentFlags().Lookup(key)); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("amas")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
}

func printGreetings(addr string) {
	fmt.Printf("amas %s started successfully!\n", version.String())
	fmt.Printf("Ops server listening on %s\n", addr)
	fmt.Printf("  Health:  http://%s/healthz\n", addr)
	fmt.Printf("  Metrics: http://%s/metrics\n", addr)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}
