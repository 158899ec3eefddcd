package main

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/deepnoodle-ai/pyrite"
	"github.com/deepnoodle-ai/pyrite/vm"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
)

type runOptions struct {
	externals []string
	globals   []string
	replies   []string
	result    string
	save      string
	output    string
	metrics   bool
}

func newRunCmd() *cobra.Command {
	var opts runOptions
	cmd := &cobra.Command{
		Use:   "run PROGRAM",
		Short: "Run a program or continue a saved session",
		Long: `Run a compiled program (bytecode JSON) or continue a saved session bundle.

Calls to external functions are answered from --reply values. A call that
has no reply suspends the program; with --save the session is written to a
bundle that a later "pyrite run BUNDLE --result JSON" continues.`,
		Example: `  pyrite run prog.json --reply fetch=42
  pyrite run prog.json --external fetch --save state.pyr
  pyrite run state.pyr --result '"done"'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, args[0], opts)
		},
	}
	f := cmd.Flags()
	f.StringArrayVar(&opts.externals, "external", nil, "register an external function name")
	f.StringArrayVar(&opts.globals, "global", nil, "set a global variable (name=JSON)")
	f.StringArrayVarP(&opts.replies, "reply", "r", nil, "answer calls to an external function (name=JSON)")
	f.StringVar(&opts.result, "result", "", "answer the pending call of a loaded session (JSON)")
	f.StringVar(&opts.save, "save", "", "save the session here if the program suspends")
	f.StringVarP(&opts.output, "output", "o", "", "output format for the result (json or text)")
	f.BoolVar(&opts.metrics, "metrics", false, "print governor metrics to stderr")
	return cmd
}

func run(cmd *cobra.Command, path string, opts runOptions) error {
	replies, err := parseReplies(opts.replies)
	if err != nil {
		return err
	}
	limits, err := getLimits()
	if err != nil {
		return err
	}
	reg := prometheus.NewRegistry()
	sessionOpts := []pyrite.Option{
		pyrite.WithLogger(newLogger()),
		pyrite.WithLimits(limits),
		pyrite.WithOutput(cmd.OutOrStdout()),
	}
	if opts.metrics {
		sessionOpts = append(sessionOpts, pyrite.WithMetrics(reg))
		defer printMetrics(cmd, reg)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var (
		session *pyrite.Session
		exit    *vm.FrameExit
	)
	if isBundle(data) {
		if len(opts.externals) > 0 || len(opts.globals) > 0 {
			return fmt.Errorf("--external and --global cannot be used with a saved session")
		}
		if session, err = pyrite.LoadSession(bytes.NewReader(data), sessionOpts...); err != nil {
			return err
		}
		defer session.Close()
		if exit, err = continueLoaded(session, opts.result); err != nil {
			return err
		}
	} else {
		if opts.result != "" {
			return fmt.Errorf("--result requires a saved session")
		}
		program, err := loadProgram(path)
		if err != nil {
			return err
		}
		globals, err := parseReplies(opts.globals)
		if err != nil {
			return err
		}
		externals := append([]string{}, opts.externals...)
		for name := range replies {
			externals = append(externals, name)
		}
		sort.Strings(externals)
		sessionOpts = append(sessionOpts,
			pyrite.WithExternalFunctions(externals...),
			pyrite.WithGlobals(globals))
		if session, err = pyrite.NewSession(program, sessionOpts...); err != nil {
			return err
		}
		defer session.Close()
		if exit, err = session.Start(); err != nil {
			return err
		}
	}
	return drive(cmd, session, exit, replies, opts)
}

// continueLoaded answers the call a loaded session was saved on.
func continueLoaded(session *pyrite.Session, result string) (*vm.FrameExit, error) {
	last := session.Last()
	if last == nil {
		return nil, fmt.Errorf("saved session has no pending call")
	}
	if result == "" {
		return last, nil
	}
	value, err := parseValue(result)
	if err != nil {
		return nil, err
	}
	if last.Kind == vm.ExitResolveFutures {
		results := make(map[int64]vm.HostResult, len(last.CallIDs))
		for _, id := range last.CallIDs {
			results[id] = vm.Return(value)
		}
		return session.ResolveFutures(results)
	}
	return session.Resume(last.CallID, vm.Return(value))
}

// drive answers host calls until the program returns or a call has no reply.
func drive(cmd *cobra.Command, session *pyrite.Session, exit *vm.FrameExit, replies map[string]any, opts runOptions) error {
	var err error
	for exit.Kind != vm.ExitReturn {
		name := callName(exit)
		if reply, ok := replies[name]; ok && exit.Kind != vm.ExitResolveFutures {
			if exit, err = session.Resume(exit.CallID, vm.Return(reply)); err != nil {
				return err
			}
			continue
		}
		if opts.save == "" {
			return fmt.Errorf("program is waiting on %s (use --reply or --save)", exit)
		}
		if err := saveSession(session, opts.save); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "suspended on %s; saved to %s\n", exit, opts.save)
		return nil
	}
	output, err := getOutput(exit.Value, opts.output)
	if err != nil {
		return err
	}
	if output != "" {
		fmt.Fprintln(cmd.OutOrStdout(), output)
	}
	return nil
}

func callName(exit *vm.FrameExit) string {
	if exit.Kind == vm.ExitProxyCall {
		return exit.Method
	}
	return exit.Function
}

func saveSession(session *pyrite.Session, path string) error {
	var buf bytes.Buffer
	if err := session.Save(&buf); err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

func printMetrics(cmd *cobra.Command, reg *prometheus.Registry) {
	families, err := reg.Gather()
	if err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), red(err))
		return
	}
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			var labels []string
			for _, lp := range m.GetLabel() {
				labels = append(labels, lp.GetName()+"="+lp.GetValue())
			}
			name := mf.GetName()
			if len(labels) > 0 {
				name += "{" + strings.Join(labels, ",") + "}"
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%s %v\n", name, m.GetCounter().GetValue())
		}
	}
}
