package vm

import (
	"errors"

	"github.com/deepnoodle-ai/pyrite/errz"
	"github.com/deepnoodle-ai/pyrite/op"
)

// ErrHalted is the cause of the error returned when an observer stops the
// program.
var ErrHalted = errors.New("execution halted by observer")

// StepMode controls when OnStep callbacks are triggered.
type StepMode uint8

const (
	// StepAll calls OnStep for every instruction.
	StepAll StepMode = iota

	// StepNone never calls OnStep.
	StepNone

	// StepSampled calls OnStep every N instructions.
	StepSampled

	// StepOnLine calls OnStep when the source line changes.
	StepOnLine
)

// ObserverConfig specifies what events an observer wants to receive.
// Use NewObserverConfig() to create configs with safe defaults.
type ObserverConfig struct {
	StepMode StepMode

	// SampleInterval is the number of instructions between OnStep calls
	// when StepMode is StepSampled. Values <= 0 are treated as 1.
	SampleInterval int

	ObserveCalls   bool
	ObserveReturns bool
}

// NewObserverConfig creates a config observing calls and returns.
func NewObserverConfig(mode StepMode) ObserverConfig {
	return ObserverConfig{
		StepMode:       mode,
		SampleInterval: 1000,
		ObserveCalls:   true,
		ObserveReturns: true,
	}
}

// NormalizeConfig clamps config values.
func NormalizeConfig(cfg ObserverConfig) ObserverConfig {
	if cfg.StepMode == StepSampled && cfg.SampleInterval <= 0 {
		cfg.SampleInterval = 1
	}
	return cfg
}

// Observer receives VM execution events, for tracing, coverage or
// profiling. Methods are called synchronously on the VM's goroutine.
// Returning false halts the program with an error wrapping ErrHalted.
type Observer interface {
	Config() ObserverConfig
	OnStep(event StepEvent) bool
	OnCall(event CallEvent) bool
	OnReturn(event ReturnEvent) bool
}

// StepEvent describes the instruction about to execute.
type StepEvent struct {
	TaskID     int
	IP         int
	Opcode     op.Code
	OpcodeName string
	Location   errz.SourceLocation
	StackDepth int
	FrameDepth int
}

// CallEvent describes a guest frame being entered.
type CallEvent struct {
	TaskID   int
	Function string
	ArgCount int
	Location errz.SourceLocation // call site
	Depth    int                 // frame depth after the call
}

// ReturnEvent describes a guest frame being left.
type ReturnEvent struct {
	TaskID   int
	Function string
	Depth    int  // frame depth after returning
	Raised   bool // the frame was left by an exception
}

// NoOpObserver does nothing. Embed it to implement only some methods.
type NoOpObserver struct{}

func (NoOpObserver) Config() ObserverConfig {
	return NewObserverConfig(StepAll)
}

func (NoOpObserver) OnStep(StepEvent) bool     { return true }
func (NoOpObserver) OnCall(CallEvent) bool     { return true }
func (NoOpObserver) OnReturn(ReturnEvent) bool { return true }

var _ Observer = NoOpObserver{}

func (vm *VM) observeStep(opcode op.Code) bool {
	cfg := vm.obsConfig
	switch cfg.StepMode {
	case StepNone:
		return true
	case StepSampled:
		vm.obsSteps++
		if vm.obsSteps < cfg.SampleInterval {
			return true
		}
		vm.obsSteps = 0
	case StepOnLine:
		line := vm.code.LocationAt(vm.ip).Line
		if line == vm.obsLine {
			return true
		}
		vm.obsLine = line
	}
	return vm.observer.OnStep(StepEvent{
		TaskID:     vm.current.id,
		IP:         vm.ip,
		Opcode:     opcode,
		OpcodeName: op.GetInfo(opcode).Name,
		Location:   vm.code.location(vm.ip),
		StackDepth: len(vm.current.stack),
		FrameDepth: len(vm.current.frames),
	})
}

func (vm *VM) observeCall(f *frame, argc int) {
	if vm.observer == nil || !vm.obsConfig.ObserveCalls {
		return
	}
	t := vm.current
	var loc errz.SourceLocation
	if n := len(t.frames); n > 1 {
		caller := t.frames[n-2]
		loc = caller.code.location(caller.lastIP)
	}
	if !vm.observer.OnCall(CallEvent{
		TaskID:   t.id,
		Function: f.name(),
		ArgCount: argc,
		Location: loc,
		Depth:    len(t.frames),
	}) {
		vm.halted = true
	}
}

func (vm *VM) observeReturn(t *task, f *frame, raised bool) {
	if vm.observer == nil || !vm.obsConfig.ObserveReturns {
		return
	}
	if !vm.observer.OnReturn(ReturnEvent{
		TaskID:   t.id,
		Function: f.name(),
		Depth:    len(t.frames),
		Raised:   raised,
	}) {
		vm.halted = true
	}
}
