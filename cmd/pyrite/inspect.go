package main

import (
	"fmt"
	"os"

	"github.com/deepnoodle-ai/pyrite"
	"github.com/deepnoodle-ai/pyrite/vm"
	"github.com/spf13/cobra"
)

func newInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect BUNDLE",
		Short: "Describe a saved session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()
			session, err := pyrite.LoadSession(f, pyrite.WithLogger(newLogger()))
			if err != nil {
				return err
			}
			defer session.Close()
			output, err := getOutputJSON(describe(session))
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), string(output))
			return nil
		},
	}
}

func describe(session *pyrite.Session) map[string]any {
	heap := session.Heap()
	info := map[string]any{
		"program": session.Program().Name(),
		"heap":    heap.ID().String(),
		"live":    heap.Live(),
	}
	if last := session.Last(); last != nil {
		info["waiting"] = describeExit(last)
	}
	return info
}

func describeExit(exit *vm.FrameExit) map[string]any {
	d := map[string]any{"kind": exit.Kind.String()}
	switch exit.Kind {
	case vm.ExitResolveFutures:
		d["call_ids"] = exit.CallIDs
	case vm.ExitProxyCall:
		d["proxy_id"] = exit.ProxyID
		d["method"] = exit.Method
		d["call_id"] = exit.CallID
		d["args"] = exit.Args
	default:
		d["function"] = exit.Function
		d["call_id"] = exit.CallID
		d["args"] = exit.Args
	}
	return d
}
