// Command mimir routes free-text queries to model backends by complexity and
// novelty, caching responses and tracking system health along the way.
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/nathanrice/mimir/internal/config"
	"github.com/nathanrice/mimir/internal/server"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	var debug bool

	root := &cobra.Command{
		Use:          "mimir",
		Short:        "Adaptive query router with anomaly-aware model selection",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runInteractive(cmd.Context(), configPath, debug)
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to YAML configuration")
	root.PersistentFlags().BoolVar(&debug, "debug", false, "enable debug logging")

	root.AddCommand(&cobra.Command{
		Use:   "query [text]",
		Short: "Process a single query and exit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd.Context(), configPath, debug, strings.Join(args, " "))
		},
	})
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the query-processing and introspection HTTP API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context(), configPath, debug)
		},
	})
	return root
}

func setup(configPath string, debug bool) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	logger, err := newLogger(debug)
	if err != nil {
		return nil, fmt.Errorf("initialize logger: %w", err)
	}
	return buildApp(cfg, logger)
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.OutputPaths = []string{"stderr"}
	return cfg.Build()
}

func runQuery(ctx context.Context, configPath string, debug bool, query string) error {
	a, err := setup(configPath, debug)
	if err != nil {
		return err
	}
	defer a.shutdown()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	res := a.pipeline.Process(ctx, query)
	printResult(os.Stdout, res)
	return nil
}

func runInteractive(ctx context.Context, configPath string, debug bool) error {
	a, err := setup(configPath, debug)
	if err != nil {
		return err
	}
	defer a.shutdown()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Println("mimir query router (q to exit, stats for system stats)")
	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "q", line == "quit", line == "exit":
			return scanner.Err()
		case line == "stats":
			printSummary(os.Stdout, a.monitor.Summary(), a.cache.Stats(), a.router.Stats())
			continue
		}

		res := a.pipeline.Process(ctx, line)
		printResult(os.Stdout, res)
		if ctx.Err() != nil {
			return nil
		}
	}
	return scanner.Err()
}

func runServe(ctx context.Context, configPath string, debug bool) error {
	a, err := setup(configPath, debug)
	if err != nil {
		return err
	}
	defer a.shutdown()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	srv := server.New(a.cfg.Server.Addr, a.pipeline, a.monitor, a.cache, a.router, a.logger)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(srv.ListenAndServe)
	g.Go(func() error {
		<-ctx.Done()
		return srv.Shutdown(context.Background())
	})
	return g.Wait()
}
