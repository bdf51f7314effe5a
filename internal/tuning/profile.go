// Package tuning loads collector tuning profiles from YAML and applies them
// to a running collector.
package tuning

import (
	"os"
	"strings"

	"github.com/alecthomas/units"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v2"

	"github.com/orizon-lang/gcalloc/allocator"
	"github.com/orizon-lang/gcalloc/gc"
	gcerrors "github.com/orizon-lang/gcalloc/internal/errors"
)

// Profile is a tuning profile. Sizes accept base-2 units ("512MiB", "64KB").
//
// Markers, InteriorPointers, Strategy and EngineConstraint only matter
// before the collector initializes; the remaining fields can be re-applied
// at any time.
type Profile struct {
	Markers          int    `yaml:"markers"`
	InteriorPointers *bool  `yaml:"interior_pointers"`
	Strategy         string `yaml:"strategy"`
	EngineConstraint string `yaml:"engine_constraint"`

	MaxHeapSize      string `yaml:"max_heap_size"`
	InitialHeapSize  string `yaml:"initial_heap_size"`
	FreeSpaceDivisor uint   `yaml:"free_space_divisor"`
	FindLeak         bool   `yaml:"find_leak"`
	Disabled         bool   `yaml:"disabled"`

	Finalizers FinalizerProfile `yaml:"finalizers"`
}

// FinalizerProfile groups the finalization knobs.
type FinalizerProfile struct {
	OnDemand         bool `yaml:"on_demand"`
	MaxPerCall       uint `yaml:"max_per_call"`
	JavaFinalization bool `yaml:"java_finalization"`
}

// Target is the part of a collector a profile adjusts at runtime.
// *gc.Collector implements it.
type Target interface {
	SetMaxHeapSize(n uintptr)
	SetFreeSpaceDivisor(n uint)
	ExpandHeap(n uintptr) bool
	SetFindLeak(enabled bool)
	Enable()
	Disable()
	IsDisabled() bool
	SetFinalizeOnDemand(enabled bool)
	SetMaxFinalizersPerCall(n uint)
	SetJavaFinalization(enabled bool)
}

var _ Target = (*gc.Collector)(nil)

// Load reads and validates the profile at path.
func Load(path string) (*Profile, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, errors.Wrap(err, "read tuning profile")
	}

	p, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "load tuning profile %s", path)
	}

	return p, nil
}

// Parse decodes and validates a YAML profile. Unknown fields are rejected.
func Parse(data []byte) (*Profile, error) {
	p := &Profile{}
	if err := yaml.UnmarshalStrict(data, p); err != nil {
		return nil, errors.Wrap(err, "parse tuning profile")
	}

	if err := p.Validate(); err != nil {
		return nil, err
	}

	return p, nil
}

// Validate checks field values without applying anything.
func (p *Profile) Validate() error {
	if p.Markers < 0 {
		return gcerrors.InvalidProfile("markers", "must not be negative")
	}

	if _, err := p.AllocatorStrategy(); err != nil {
		return err
	}

	maxHeap, err := parseSize("max_heap_size", p.MaxHeapSize)
	if err != nil {
		return err
	}

	initial, err := parseSize("initial_heap_size", p.InitialHeapSize)
	if err != nil {
		return err
	}

	if maxHeap > 0 && initial > maxHeap {
		return gcerrors.InvalidSize(initial, "initial_heap_size above max_heap_size")
	}

	return nil
}

// AllocatorStrategy maps the strategy field to an allocator strategy.
func (p *Profile) AllocatorStrategy() (allocator.Strategy, error) {
	switch strings.ToLower(strings.TrimSpace(p.Strategy)) {
	case "", "auto":
		return allocator.StrategyAuto, nil
	case "direct":
		return allocator.StrategyDirect, nil
	case "over-allocate", "overallocate":
		return allocator.StrategyOverAllocate, nil
	default:
		return allocator.StrategyAuto, gcerrors.InvalidProfile("strategy", "unknown strategy "+p.Strategy)
	}
}

// Options returns the initialization-time settings as collector options.
func (p *Profile) Options() []gc.Option {
	strategy, _ := p.AllocatorStrategy()

	options := []gc.Option{
		gc.WithMarkers(p.Markers),
		gc.WithStrategy(strategy),
	}

	if p.InteriorPointers != nil {
		options = append(options, gc.WithInteriorPointers(*p.InteriorPointers))
	}

	if p.EngineConstraint != "" {
		options = append(options, gc.WithEngineConstraint(p.EngineConstraint))
	}

	return options
}

// Settings are the runtime-adjustable values of a profile after parsing.
type Settings struct {
	MaxHeapSize      uintptr
	FreeSpaceDivisor uint
	FindLeak         bool
	Disabled         bool
	OnDemand         bool
	MaxPerCall       uint
	JavaFinalization bool
}

// Override adjusts settings before they are applied. Command line flags use
// overrides to take precedence over the profile file.
type Override func(*Settings)

// WithMaxHeapSize pins the heap cap; zero leaves the profile value alone.
func WithMaxHeapSize(n uintptr) Override {
	return func(s *Settings) {
		if n > 0 {
			s.MaxHeapSize = n
		}
	}
}

// WithCollectionDisabled keeps automatic collection off whatever the
// profile says.
func WithCollectionDisabled() Override {
	return func(s *Settings) { s.Disabled = true }
}

// Settings parses the runtime-adjustable fields and applies overrides.
func (p *Profile) Settings(overrides ...Override) (Settings, error) {
	maxHeap, err := parseSize("max_heap_size", p.MaxHeapSize)
	if err != nil {
		return Settings{}, err
	}

	s := Settings{
		MaxHeapSize:      maxHeap,
		FreeSpaceDivisor: p.FreeSpaceDivisor,
		FindLeak:         p.FindLeak,
		Disabled:         p.Disabled,
		OnDemand:         p.Finalizers.OnDemand,
		MaxPerCall:       p.Finalizers.MaxPerCall,
		JavaFinalization: p.Finalizers.JavaFinalization,
	}

	for _, o := range overrides {
		o(&s)
	}

	return s, nil
}

// Init applies the profile to a freshly initialized collector: it grows the
// heap to initial_heap_size once and then applies the runtime settings.
func (p *Profile) Init(t Target, overrides ...Override) error {
	initial, err := parseSize("initial_heap_size", p.InitialHeapSize)
	if err != nil {
		return err
	}

	if initial > 0 && !t.ExpandHeap(initial) {
		return gcerrors.OutOfMemory(initial)
	}

	return p.Apply(t, overrides...)
}

// Apply pushes the runtime-adjustable settings to t. Applying the same
// profile again leaves t unchanged; initial_heap_size is only honoured by
// Init.
func (p *Profile) Apply(t Target, overrides ...Override) error {
	s, err := p.Settings(overrides...)
	if err != nil {
		return err
	}

	s.Apply(t)

	return nil
}

// Apply pushes s to t.
func (s Settings) Apply(t Target) {
	t.SetMaxHeapSize(s.MaxHeapSize)

	if s.FreeSpaceDivisor > 0 {
		t.SetFreeSpaceDivisor(s.FreeSpaceDivisor)
	}

	t.SetFindLeak(s.FindLeak)
	t.SetFinalizeOnDemand(s.OnDemand)
	t.SetMaxFinalizersPerCall(s.MaxPerCall)
	t.SetJavaFinalization(s.JavaFinalization)

	switch {
	case s.Disabled && !t.IsDisabled():
		t.Disable()
	case !s.Disabled && t.IsDisabled():
		t.Enable()
	}
}

func parseSize(field, s string) (uintptr, error) {
	if s == "" {
		return 0, nil
	}

	n, err := units.ParseBase2Bytes(s)
	if err != nil {
		return 0, gcerrors.InvalidProfile(field, err.Error())
	}

	if n < 0 {
		return 0, gcerrors.InvalidProfile(field, "must not be negative")
	}

	return uintptr(n), nil
}
