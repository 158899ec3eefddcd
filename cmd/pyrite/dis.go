package main

import (
	"fmt"

	"github.com/deepnoodle-ai/pyrite/dis"
	"github.com/spf13/cobra"
)

func newDisCmd() *cobra.Command {
	var funcName string
	cmd := &cobra.Command{
		Use:   "dis PROGRAM",
		Short: "Disassemble a compiled program",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			program, err := loadProgram(args[0])
			if err != nil {
				return err
			}
			if funcName == "" {
				return dis.PrintCode(program, cmd.OutOrStdout())
			}
			code, ok := dis.Find(program, funcName)
			if !ok {
				return fmt.Errorf("function %q not found", funcName)
			}
			instructions, err := dis.Disassemble(code)
			if err != nil {
				return err
			}
			return dis.Print(instructions, cmd.OutOrStdout())
		},
	}
	cmd.Flags().StringVar(&funcName, "func", "", "disassemble only this function")
	return cmd
}
