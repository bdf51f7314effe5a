//go:build linux

// Command gcalloc-churn allocates a long stream of small linked nodes from
// the libgc-backed allocator without ever freeing them and samples the heap
// size as it goes. With collection enabled the heap plateaus; with
// --disable-gc it grows with every node.
package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/alecthomas/units"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sys/unix"

	_ "github.com/orizon-lang/gcalloc/engine/bdwgc"
	"github.com/orizon-lang/gcalloc/gc"
	"github.com/orizon-lang/gcalloc/internal/tuning"
	"github.com/orizon-lang/gcalloc/metrics"
)

type options struct {
	nodes       int
	window      int
	sampleEvery int
	rssInterval time.Duration
	disableGC   bool
	markers     int
	maxHeap     units.Base2Bytes
	metricsAddr string
	profile     string
	watch       bool
	verbose     bool
}

func main() {
	var opts options

	app := kingpin.New("gcalloc-churn", "Allocate linked nodes from the collected heap and watch the heap size.")
	app.Flag("nodes", "Number of nodes to allocate.").Default("10000000").IntVar(&opts.nodes)
	app.Flag("window", "Nodes kept reachable at any time.").Default("1000").IntVar(&opts.window)
	app.Flag("sample-every", "Sample the heap size every N nodes.").Default("500000").IntVar(&opts.sampleEvery)
	app.Flag("rss-interval", "Interval between resident set size samples.").Default("1s").DurationVar(&opts.rssInterval)
	app.Flag("disable-gc", "Run with automatic collection disabled.").BoolVar(&opts.disableGC)
	app.Flag("markers", "Marker threads; 0 keeps the engine default.").Default("0").IntVar(&opts.markers)
	app.Flag("max-heap", "Heap size cap, 0 for none.").Default("0").BytesVar(&opts.maxHeap)
	app.Flag("metrics-addr", "Serve Prometheus metrics on this address.").StringVar(&opts.metricsAddr)
	app.Flag("profile", "YAML tuning profile.").ExistingFileVar(&opts.profile)
	app.Flag("watch-profile", "Re-apply the tuning profile when it changes.").BoolVar(&opts.watch)
	app.Flag("verbose", "Enable debug logging.").Short('v').BoolVar(&opts.verbose)

	kingpin.MustParse(app.Parse(os.Args[1:]))

	log := newLogger(opts.verbose)
	defer log.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, opts, log); err != nil {
		log.Error("churn failed", zap.Error(err))
		os.Exit(1)
	}
}

func newLogger(verbose bool) *zap.Logger {
	level := zap.InfoLevel
	if verbose {
		level = zap.DebugLevel
	}

	ec := zapcore.EncoderConfig{
		TimeKey:          "t",
		LevelKey:         "l",
		NameKey:          "n",
		MessageKey:       "m",
		EncodeTime:       zapcore.TimeEncoderOfLayout("15:04:05.000"),
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeName:       zapcore.FullNameEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: " ",
	}

	return zap.New(zapcore.NewCore(zapcore.NewConsoleEncoder(ec), zapcore.Lock(os.Stderr), level))
}

func run(ctx context.Context, opts options, log *zap.Logger) error {
	var profile *tuning.Profile

	markers := opts.markers
	collectorOpts := []gc.Option{gc.WithLogger(log)}

	if opts.profile != "" {
		p, err := tuning.Load(opts.profile)
		if err != nil {
			return err
		}

		profile = p
		collectorOpts = append(collectorOpts, p.Options()...)

		if markers == 0 {
			markers = p.Markers
		}
	}

	gc.Configure(collectorOpts...)
	c := gc.Default()

	if err := c.Init(markers); err != nil {
		return err
	}

	// Flags win over the profile, including on every reload.
	var overrides []tuning.Override
	if opts.maxHeap > 0 {
		overrides = append(overrides, tuning.WithMaxHeapSize(uintptr(opts.maxHeap)))
	}

	if opts.disableGC {
		overrides = append(overrides, tuning.WithCollectionDisabled())
	}

	if profile == nil {
		profile = &tuning.Profile{}
	}

	if err := profile.Init(c, overrides...); err != nil {
		return err
	}

	log.Info("churn starting",
		zap.Int("nodes", opts.nodes),
		zap.Int("window", opts.window),
		zap.Bool("collection_disabled", c.IsDisabled()),
		zap.Stringer("engine", c.EngineVersion()),
		zap.Int("tid", unix.Gettid()))

	g, ctx := errgroup.WithContext(ctx)

	if opts.metricsAddr != "" {
		if err := serveMetrics(ctx, g, c, opts.metricsAddr, log); err != nil {
			return err
		}
	}

	if opts.watch && opts.profile != "" {
		w, err := tuning.NewWatcher(opts.profile, c, log, overrides...)
		if err != nil {
			return err
		}

		g.Go(func() error {
			defer w.Close() //nolint:errcheck

			if err := w.Run(ctx); !errors.Is(err, context.Canceled) {
				return err
			}

			return nil
		})
	}

	done := make(chan struct{})

	g.Go(func() error {
		return sampleRSS(ctx, done, opts.rssInterval, log)
	})

	g.Go(func() error {
		defer close(done)

		res, err := churn(ctx, c, opts.nodes, opts.window, opts.sampleEvery)
		if err != nil {
			return err
		}

		report(res, log)

		return errChurnDone
	})

	if err := g.Wait(); err != nil && !errors.Is(err, errChurnDone) {
		return err
	}

	return nil
}

func serveMetrics(ctx context.Context, g *errgroup.Group, c *gc.Collector, addr string, log *zap.Logger) error {
	exp := metrics.NewExporter(c, "")
	c.OnCollectionEvent(exp.ObserveCollectionEvent)
	c.OnThreadEvent(exp.ObserveThreadEvent)

	reg := prometheus.NewRegistry()
	reg.MustRegister(exp)

	bound, stop, err := metrics.StartServer(addr, reg)
	if err != nil {
		return err
	}

	log.Info("serving metrics", zap.String("addr", bound))

	g.Go(func() error {
		<-ctx.Done()

		c.OnCollectionEvent(nil)
		c.OnThreadEvent(nil)

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		return stop(shutdownCtx)
	})

	return nil
}

func sampleRSS(ctx context.Context, done <-chan struct{}, interval time.Duration, log *zap.Logger) error {
	if interval <= 0 {
		return nil
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-done:
			return nil
		case <-ticker.C:
			var ru unix.Rusage
			if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
				return err
			}

			// Linux reports ru_maxrss in KiB.
			log.Debug("rss sample", zap.String("max_rss", units.Base2Bytes(ru.Maxrss*1024).String()))
		}
	}
}

func report(res churnResult, log *zap.Logger) {
	for _, s := range res.samples {
		log.Info("heap sample",
			zap.Int("nodes", s.nodes),
			zap.String("heap", units.Base2Bytes(s.heapSize).String()),
			zap.Uint64("gc_no", s.gcNo))
	}

	fields := []zap.Field{
		zap.Int("nodes", res.nodes),
		zap.Duration("elapsed", res.elapsed),
		zap.String("final_heap", units.Base2Bytes(res.finalHeap()).String()),
	}

	if res.plateaued() {
		log.Info("heap plateaued", fields...)
	} else {
		log.Info("heap kept growing", fields...)
	}
}
