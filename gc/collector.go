// Package gc exposes a conservative collector as a process-wide service:
// lazy one-time initialization, an allocator handle, lifecycle and tuning
// controls, statistics snapshots, event subscriptions, finalizers and root
// pinning.
//
// A collector engine has to be registered before Default is used. Importing
// github.com/orizon-lang/gcalloc/engine/bdwgc registers libgc.
package gc

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/Masterminds/semver/v3"
	"go.uber.org/zap"

	"github.com/orizon-lang/gcalloc/allocator"
	"github.com/orizon-lang/gcalloc/engine"
	gcerrors "github.com/orizon-lang/gcalloc/internal/errors"
)

// DefaultEngineConstraint is the engine version range gcalloc is written against.
const DefaultEngineConstraint = ">= 8.2.0"

// Configuration for a collector.
type Config struct {
	// Markers is the marker thread count used by lazy initialization.
	// Zero keeps the engine default.
	Markers          int
	InteriorPointers bool
	EngineConstraint string
	Strategy         allocator.Strategy
	Logger           *zap.Logger
}

// Option configures a Collector.
type Option func(*Config)

func defaultConfig() *Config {
	return &Config{
		InteriorPointers: true,
		EngineConstraint: DefaultEngineConstraint,
		Strategy:         allocator.StrategyAuto,
		Logger:           zap.NewNop(),
	}
}

// WithMarkers sets the marker thread count used when the collector
// initializes itself lazily.
func WithMarkers(n int) Option {
	return func(c *Config) { c.Markers = n }
}

// WithInteriorPointers selects interior pointer recognition at
// initialization. It defaults to on.
func WithInteriorPointers(enabled bool) Option {
	return func(c *Config) { c.InteriorPointers = enabled }
}

// WithEngineConstraint sets the semver constraint the engine version must
// satisfy. An empty constraint disables the check.
func WithEngineConstraint(constraint string) Option {
	return func(c *Config) { c.EngineConstraint = constraint }
}

// WithStrategy selects the allocator strategy. See allocator.Strategy.
func WithStrategy(s allocator.Strategy) Option {
	return func(c *Config) { c.Strategy = s }
}

// WithLogger sets the logger. A nil logger is ignored.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) {
		if l != nil {
			c.Logger = l
		}
	}
}

// Collector drives one engine.
type Collector struct {
	engine engine.Engine
	config *Config
	log    *zap.Logger

	initMu sync.Mutex
	ready  atomic.Bool
	alloc  *allocator.GC

	pins pinTable
}

// New creates a collector over eng. Nothing native happens until Init or the
// first Allocator call.
func New(eng engine.Engine, options ...Option) *Collector {
	config := defaultConfig()
	for _, opt := range options {
		opt(config)
	}

	return &Collector{
		engine: eng,
		config: config,
		log:    config.Logger.Named("gc"),
	}
}

// Engine returns the engine the collector drives.
func (c *Collector) Engine() engine.Engine {
	return c.engine
}

// Init initializes the engine with the given marker thread count. It is a
// no-op when the engine is already initialized, whatever the arguments. It
// fails only when the engine version does not satisfy the configured
// constraint, in which case nothing native is touched.
func (c *Collector) Init(markers int) error {
	if c.ready.Load() {
		return nil
	}

	c.initMu.Lock()
	defer c.initMu.Unlock()

	if c.ready.Load() {
		return nil
	}

	if c.engine.IsInitialized() {
		c.finishInit()
		c.log.Debug("engine already initialized")

		return nil
	}

	version, err := c.checkVersion()
	if err != nil {
		c.log.Error("unsupported collector engine", zap.Error(err))
		return err
	}

	c.engine.SetMarkers(markers)
	c.engine.SetAllInteriorPointers(c.config.InteriorPointers)
	c.engine.SetWarnHandler(c.relayWarning)
	c.engine.Init()
	c.finishInit()

	c.log.Info("collector initialized",
		zap.String("version", version.String()),
		zap.Int("markers", markers),
		zap.Bool("interior_pointers", c.config.InteriorPointers),
		zap.Stringer("strategy", c.alloc.Strategy()))

	return nil
}

func (c *Collector) finishInit() {
	c.alloc = allocator.New(c.engine, allocator.WithStrategy(c.config.Strategy))
	c.ready.Store(true)
}

func (c *Collector) relayWarning(msg string) {
	c.log.Warn("collector warning", zap.String("message", strings.TrimSpace(msg)))
}

func (c *Collector) mustInit() {
	if err := c.Init(c.config.Markers); err != nil {
		panic(err)
	}
}

// EngineVersion reports the engine version.
func (c *Collector) EngineVersion() *semver.Version {
	major, minor, micro := c.engine.Version()

	return semver.New(uint64(major), uint64(minor), uint64(micro), "", "")
}

func (c *Collector) checkVersion() (*semver.Version, error) {
	version := c.EngineVersion()
	if c.config.EngineConstraint == "" {
		return version, nil
	}

	constraint, err := semver.NewConstraint(c.config.EngineConstraint)
	if err != nil {
		return nil, gcerrors.InvalidProfile("engine_constraint", err.Error())
	}

	if !constraint.Check(version) {
		return nil, gcerrors.UnsupportedEngine(version.String(), c.config.EngineConstraint)
	}

	return version, nil
}

// Allocator returns the allocator handle, initializing the collector on
// first use. It panics if initialization fails.
func (c *Collector) Allocator() allocator.Allocator {
	c.mustInit()

	return c.alloc
}

// Lifecycle & tuning.

// Enable re-enables automatic collection after Disable.
func (c *Collector) Enable() {
	c.engine.Enable()
}

// Disable stops allocations from triggering collection. Collect still works.
func (c *Collector) Disable() {
	c.engine.Disable()
}

// IsDisabled reports whether automatic collection is currently disabled.
func (c *Collector) IsDisabled() bool {
	return c.engine.IsDisabled()
}

// Collect runs a full stop-the-world collection and returns when it is done.
func (c *Collector) Collect() {
	c.mustInit()
	c.engine.Collect()

	if ce := c.log.Check(zap.DebugLevel, "collection complete"); ce != nil {
		ce.Write(zap.Uint64("gc_no", c.engine.Stats().GCNo))
	}
}

// CollectLittle performs one bounded increment of collection work. Zero
// means there was nothing to do.
func (c *Collector) CollectLittle() int {
	c.mustInit()

	return c.engine.CollectALittle()
}

// SetFindLeak toggles leak-detection mode.
func (c *Collector) SetFindLeak(enabled bool) {
	c.engine.SetFindLeak(enabled)
	c.log.Debug("find-leak mode", zap.Bool("enabled", enabled))
}

// FindLeak reports whether leak-detection mode is on.
func (c *Collector) FindLeak() bool {
	return c.engine.FindLeak()
}

// SetInteriorPointers toggles recognition of pointers into the middle of
// blocks. It must be called before the first allocation; later calls are
// forwarded but their effect on existing blocks is undefined.
func (c *Collector) SetInteriorPointers(enabled bool) {
	if c.ready.Load() {
		c.log.Warn("interior pointer mode changed after initialization", zap.Bool("enabled", enabled))
	}

	if !enabled && c.strategy() == allocator.StrategyOverAllocate {
		c.log.Warn("over-allocated blocks are only reachable through interior pointers")
	}

	c.initMu.Lock()
	c.config.InteriorPointers = enabled
	c.initMu.Unlock()

	c.engine.SetAllInteriorPointers(enabled)
}

// strategy reports the resolved allocation strategy, or the configured one
// before initialization.
func (c *Collector) strategy() allocator.Strategy {
	if c.ready.Load() {
		return c.alloc.Strategy()
	}

	c.initMu.Lock()
	defer c.initMu.Unlock()

	return c.config.Strategy
}

// InteriorPointers reports whether the engine recognizes interior pointers.
func (c *Collector) InteriorPointers() bool {
	return c.engine.AllInteriorPointers()
}

// SetMaxHeapSize caps heap growth; zero removes the cap.
func (c *Collector) SetMaxHeapSize(n uintptr) {
	c.engine.SetMaxHeapSize(n)
}

// SetFreeSpaceDivisor trades heap growth against collection frequency.
func (c *Collector) SetFreeSpaceDivisor(n uint) {
	c.engine.SetFreeSpaceDivisor(n)
}

// ExpandHeap grows the heap by n bytes ahead of demand.
func (c *Collector) ExpandHeap(n uintptr) bool {
	c.mustInit()

	return c.engine.ExpandHeap(n)
}

// Statistics returns a snapshot of the collector counters taken in one
// native call.
func (c *Collector) Statistics() Statistics {
	return c.engine.Stats()
}

// Logger returns the collector's logger.
func (c *Collector) Logger() *zap.Logger {
	return c.log
}
