package pyrite

import (
	"io"
	"maps"

	"github.com/deepnoodle-ai/pyrite/resource"
	"github.com/deepnoodle-ai/pyrite/vm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Option configures a Session.
type Option func(*config)

type config struct {
	logger     zerolog.Logger
	limits     resource.Limits
	softLimits resource.Limits
	registerer prometheus.Registerer
	externals  []string
	globals    map[string]any
	output     io.Writer
	observer   vm.Observer
}

func collectOptions(opts ...Option) *config {
	cfg := &config{
		logger:  zerolog.Nop(),
		globals: map[string]any{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(cfg)
		}
	}
	return cfg
}

// tracker builds the governor for a new or reloaded session.
func (cfg *config) tracker() (resource.Tracker, error) {
	trackerOpts := []resource.Option{resource.WithLogger(cfg.logger)}
	if !cfg.softLimits.IsZero() {
		trackerOpts = append(trackerOpts, resource.WithSoftLimits(cfg.softLimits))
	}
	var t resource.Tracker
	if cfg.limits.IsZero() {
		t = resource.NewUnrestricted(trackerOpts...)
	} else {
		limited, err := resource.NewLimited(cfg.limits, trackerOpts...)
		if err != nil {
			return nil, err
		}
		t = limited
	}
	if cfg.registerer != nil {
		t = resource.NewInstrumented(t, cfg.registerer)
	}
	return t, nil
}

func (cfg *config) vmOpts() []vm.Option {
	opts := []vm.Option{vm.WithLogger(cfg.logger)}
	if cfg.output != nil {
		opts = append(opts, vm.WithOutput(cfg.output))
	}
	if cfg.observer != nil {
		opts = append(opts, vm.WithObserver(cfg.observer))
	}
	return opts
}

// WithLogger sets the logger shared by the VM, heap and governor.
func WithLogger(logger zerolog.Logger) Option {
	return func(cfg *config) {
		cfg.logger = logger
	}
}

// WithLimits enforces resource limits. Without it a session runs
// unrestricted.
func WithLimits(limits resource.Limits) Option {
	return func(cfg *config) {
		cfg.limits = limits
	}
}

// WithSoftLimits logs a warning the first time usage crosses each of the
// given limits, without stopping the program.
func WithSoftLimits(limits resource.Limits) Option {
	return func(cfg *config) {
		cfg.softLimits = limits
	}
}

// WithMetrics exports governor counters to the given registerer.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(cfg *config) {
		cfg.registerer = reg
	}
}

// WithExternalFunctions registers the names of host functions the program
// may call. A call suspends the session with an external call exit.
func WithExternalFunctions(names ...string) Option {
	return func(cfg *config) {
		cfg.externals = append(cfg.externals, names...)
	}
}

// WithGlobals provides global variables. This option is additive; if the
// same key is supplied multiple times, the last value wins.
func WithGlobals(globals map[string]any) Option {
	return func(cfg *config) {
		maps.Copy(cfg.globals, globals)
	}
}

// WithOutput sets where print writes.
func WithOutput(w io.Writer) Option {
	return func(cfg *config) {
		cfg.output = w
	}
}

// WithObserver sets an observer for VM execution events.
func WithObserver(observer vm.Observer) Option {
	return func(cfg *config) {
		cfg.observer = observer
	}
}
