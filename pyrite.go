// Package pyrite runs sandboxed programs for a Python-compatible language.
//
// A Session owns one VM and its heap. Programs are bytecode built with
// bytecode.Builder; they run until they finish or need the host, and a
// suspended session can be saved to a compressed bundle and loaded again,
// possibly in another process.
package pyrite

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/deepnoodle-ai/pyrite/bytecode"
	"github.com/deepnoodle-ai/pyrite/object"
	"github.com/deepnoodle-ai/pyrite/resource"
	"github.com/deepnoodle-ai/pyrite/vm"
	"github.com/klauspost/compress/zstd"
)

// BundleVersion is the format version written by Session.Save.
const BundleVersion = 1

// ErrAlreadyRunning is returned when a session is entered while another
// call on it is still in progress.
var ErrAlreadyRunning = errors.New("session is already running")

// Session runs one program. Its methods may be called from any goroutine,
// but only one at a time; overlapping calls fail with ErrAlreadyRunning.
type Session struct {
	mu      sync.Mutex
	program *bytecode.Code
	cfg     *config
	vm      *vm.VM
	last    *vm.FrameExit
}

// NewSession prepares program to run. Nothing executes until Start.
func NewSession(program *bytecode.Code, opts ...Option) (*Session, error) {
	cfg := collectOptions(opts...)
	tracker, err := cfg.tracker()
	if err != nil {
		return nil, err
	}
	vmOpts := append(cfg.vmOpts(),
		vm.WithTracker(tracker),
		vm.WithExternalFunctions(cfg.externals...),
		vm.WithGlobals(cfg.globals))
	machine, err := vm.New(program, vmOpts...)
	if err != nil {
		return nil, err
	}
	return &Session{program: program, cfg: cfg, vm: machine}, nil
}

// enter serializes access to the session.
func (s *Session) enter() (func(), error) {
	if !s.mu.TryLock() {
		return nil, ErrAlreadyRunning
	}
	return s.mu.Unlock, nil
}

func (s *Session) record(exit *vm.FrameExit, err error) (*vm.FrameExit, error) {
	s.last = exit
	return exit, err
}

// Start runs the program until it finishes or needs the host.
func (s *Session) Start() (*vm.FrameExit, error) {
	unlock, err := s.enter()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.record(s.vm.Run())
}

// Resume answers the host call the session is suspended on.
func (s *Session) Resume(callID int64, result vm.HostResult) (*vm.FrameExit, error) {
	unlock, err := s.enter()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.record(s.vm.Resume(callID, result))
}

// ResolveFutures answers calls that were deferred with vm.Pending and
// continues.
func (s *Session) ResolveFutures(results map[int64]vm.HostResult) (*vm.FrameExit, error) {
	unlock, err := s.enter()
	if err != nil {
		return nil, err
	}
	defer unlock()
	return s.record(s.vm.ResolveFutures(results))
}

// Last returns the exit of the most recent call, or nil.
func (s *Session) Last() *vm.FrameExit {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Global returns a global variable of the program.
func (s *Session) Global(name string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.vm.Global(name)
}

// Usage reports what the governor has counted, when it counts anything.
func (s *Session) Usage() (resource.Usage, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.vm.Heap().Tracker().(resource.Reporter)
	if !ok {
		return resource.Usage{}, false
	}
	return r.Usage(), true
}

// Heap exposes the session's heap for inspection.
func (s *Session) Heap() *object.Heap {
	return s.vm.Heap()
}

// Program returns the program the session runs.
func (s *Session) Program() *bytecode.Code {
	return s.program
}

// Close releases the program's state.
func (s *Session) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vm.Close()
}

// bundle is the persisted form of a suspended session.
type bundle struct {
	Version  int             `json:"version"`
	Program  json.RawMessage `json:"program"`
	Snapshot json.RawMessage `json:"snapshot"`
	Heap     json.RawMessage `json:"heap"`
	Last     *vm.FrameExit   `json:"last,omitempty"`
}

// Save writes the suspended session to w as a zstd-compressed bundle
// holding the program, the heap and the execution state. The session stays
// usable afterwards.
func (s *Session) Save(w io.Writer) error {
	unlock, err := s.enter()
	if err != nil {
		return err
	}
	defer unlock()

	snap, err := s.vm.Snapshot()
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	heap := s.vm.Heap()
	// The snapshot goes straight back onto the same heap; only its encoding
	// leaves the session.
	restored, err := vm.Restore(s.program, snap, heap, s.cfg.vmOpts()...)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	s.vm = restored

	b := bundle{Version: BundleVersion, Last: s.last}
	if b.Program, err = bytecode.Marshal(s.program); err != nil {
		return fmt.Errorf("save session: program: %w", err)
	}
	if b.Snapshot, err = snap.Marshal(); err != nil {
		return fmt.Errorf("save session: snapshot: %w", err)
	}
	if b.Heap, err = object.MarshalHeap(heap); err != nil {
		return fmt.Errorf("save session: heap: %w", err)
	}
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	enc, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	if _, err := enc.Write(data); err != nil {
		enc.Close()
		return fmt.Errorf("save session: %w", err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	s.cfg.logger.Debug().
		Int("bytes", len(data)).
		Int("live", heap.Live()).
		Msg("session saved")
	return nil
}

// LoadSession reads a bundle written by Session.Save. Options configure the
// governor, logging and output of the loaded session; the program, its
// external functions and its globals come from the bundle. The governor
// starts counting afresh.
func LoadSession(r io.Reader, opts ...Option) (*Session, error) {
	dec, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	defer dec.Close()
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(dec); err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	var b bundle
	if err := json.Unmarshal(buf.Bytes(), &b); err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	if b.Version != BundleVersion {
		return nil, fmt.Errorf("load session: unsupported bundle version %d", b.Version)
	}
	program, err := bytecode.Unmarshal(b.Program)
	if err != nil {
		return nil, fmt.Errorf("load session: program: %w", err)
	}
	snap, err := vm.UnmarshalSnapshot(b.Snapshot)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	index, err := bytecode.NewIndex(program)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	cfg := collectOptions(opts...)
	tracker, err := cfg.tracker()
	if err != nil {
		return nil, err
	}
	heap, err := object.UnmarshalHeap(b.Heap, tracker, vm.Interns(program, snap.Externals...), index,
		object.WithLogger(cfg.logger))
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	machine, err := vm.Restore(program, snap, heap, cfg.vmOpts()...)
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}
	cfg.externals = snap.Externals
	cfg.logger.Debug().Int("live", heap.Live()).Msg("session loaded")
	return &Session{program: program, cfg: cfg, vm: machine, last: b.Last}, nil
}
