// Command orizon-speculate runs a synthetic profiled workload through the
// speculative optimization tier and serves the tier's metrics.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/orizon-lang/orizon-speculate/internal/cli"
	"github.com/orizon-lang/orizon-speculate/internal/speculative"
	"github.com/orizon-lang/orizon-speculate/internal/speculative/config"
	"github.com/orizon-lang/orizon-speculate/internal/speculative/metrics"
	"github.com/orizon-lang/orizon-speculate/internal/tiering"
)

const toolName = "Orizon Speculative Tier"

type options struct {
	configPath string
	watch      bool
	listen     string
	warmup     int
	calls      int
	seed       int64
	linger     bool
}

func main() {
	var (
		showVersion = flag.Bool("version", false, "show version information")
		jsonOutput  = flag.Bool("json", false, "output version in JSON format")
		dumpConfig  = flag.Bool("dump-config", false, "print the effective configuration as YAML and exit")
		verbose     = flag.Bool("verbose", false, "verbose output")
		debug       = flag.Bool("debug", false, "debug output")
		opts        options
	)
	flag.StringVar(&opts.configPath, "config", "", "YAML configuration file")
	flag.BoolVar(&opts.watch, "watch", false, "reload the configuration file when it changes")
	flag.StringVar(&opts.listen, "listen", ":9464", "metrics listen address (empty disables)")
	flag.IntVar(&opts.warmup, "warmup", 200, "baseline calls per function before compiling")
	flag.IntVar(&opts.calls, "calls", 10000, "calls routed through the speculative tier")
	flag.Int64Var(&opts.seed, "seed", 1, "workload random seed")
	flag.BoolVar(&opts.linger, "linger", false, "keep serving metrics after the workload finishes")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [OPTIONS]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Runs a synthetic workload through the speculative optimization tier.\n\n")
		fmt.Fprintf(os.Stderr, "OPTIONS:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nEXAMPLES:\n")
		fmt.Fprintf(os.Stderr, "  %s --calls 50000 --verbose\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s --config speculate.yaml --watch --linger\n", os.Args[0])
	}
	flag.Parse()

	if *showVersion {
		if err := cli.WriteVersion(os.Stdout, toolName, *jsonOutput); err != nil {
			cli.ExitWithError("%v", err)
		}
		os.Exit(0)
	}

	logger := cli.SetupLogger(*verbose, *debug)
	cfg, err := loadConfig(opts.configPath)
	if err != nil {
		cli.ExitWithError("%v", err)
	}
	if *dumpConfig {
		data, err := config.Marshal(cfg)
		if err != nil {
			cli.ExitWithError("%v", err)
		}
		os.Stdout.Write(data)
		os.Exit(0)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := run(ctx, cfg, opts, logger); err != nil && !errors.Is(err, context.Canceled) {
		cli.ExitWithError("%v", err)
	}
}

func loadConfig(path string) (speculative.Config, error) {
	if path == "" {
		return speculative.DefaultConfig(), nil
	}
	return config.Load(path)
}

func run(ctx context.Context, cfg speculative.Config, opts options, logger log.Logger) error {
	base := tiering.NewBaselineEngine(tiering.Tier1Baseline)
	comp, err := speculative.New(cfg, base, speculative.WithLogger(logger))
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(metrics.NewCollector(comp), collectors.NewGoCollector())

	g, ctx := errgroup.WithContext(ctx)
	if opts.listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
		srv := &http.Server{Addr: opts.listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		g.Go(func() error {
			logger.Info("Serving metrics", "addr", opts.listen)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		})
	}
	if opts.watch && opts.configPath != "" {
		w, err := config.NewWatcher(opts.configPath, comp.Reconfigure, logger)
		if err != nil {
			return err
		}
		g.Go(func() error {
			<-ctx.Done()
			return w.Close()
		})
		g.Go(func() error {
			if err := w.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}

	g.Go(func() error {
		start := time.Now()
		if err := runWorkload(ctx, base, comp, opts.warmup, opts.calls, opts.seed, logger); err != nil {
			return err
		}
		report(comp, time.Since(start))
		if opts.linger && opts.listen != "" {
			<-ctx.Done()
			return ctx.Err()
		}
		// Returning an error cancels the group so the server shuts down.
		return errDone
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errDone) {
		return err
	}
	return nil
}

var errDone = errors.New("workload finished")

func report(comp *speculative.Compiler, elapsed time.Duration) {
	m := comp.Metrics()
	fmt.Printf("workload finished in %s\n", elapsed.Round(time.Millisecond))
	fmt.Printf("  functions:          %d (%d blacklisted)\n", m.Functions, m.Blacklisted)
	fmt.Printf("  executions:         %d (%d speculative, %d fallback, %d memoized)\n",
		m.Executions, m.SpeculativeAttempts, m.Fallbacks, m.MemoHits)
	fmt.Printf("  success rate:       %.3f\n", m.SuccessRate)
	fmt.Printf("  inline cache:       hit rate %.3f, polymorphism %.2f\n", comp.CacheHitRate(), comp.AveragePolymorphism())
	fmt.Printf("  loops specialized:  %d of %d\n", m.Loops.Specialized, m.Loops.Loops)
	fmt.Printf("  budget:             %s policy, utilization %.3f\n", m.Budget.Policy, comp.BudgetUtilization())
}
