package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/deepnoodle-ai/pyrite/bytecode"
	"github.com/deepnoodle-ai/pyrite/errz"
	"github.com/deepnoodle-ai/pyrite/resource"
	"github.com/fatih/color"
	"github.com/hokaccha/go-prettyjson"
	"github.com/mattn/go-isatty"
	"github.com/spf13/viper"
)

func fatal(msg any) {
	var s string
	switch msg := msg.(type) {
	case *errz.StructuredError:
		s = strings.TrimRight(msg.FriendlyErrorMessage(), "\n")
	case error:
		s = msg.Error()
	default:
		s = fmt.Sprintf("%v", msg)
	}
	fmt.Fprintf(os.Stderr, "%s\n", red(s))
	os.Exit(1)
}

func isTerminalIO() bool {
	stdout := os.Stdout.Fd()
	return isatty.IsTerminal(stdout) || isatty.IsCygwinTerminal(stdout)
}

// zstdMagic starts every session bundle.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

func isBundle(data []byte) bool {
	return bytes.HasPrefix(data, zstdMagic)
}

// loadProgram reads a program serialized with bytecode.Marshal.
func loadProgram(path string) (*bytecode.Code, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if isBundle(data) {
		return nil, fmt.Errorf("%s is a session bundle, not a program", path)
	}
	code, err := bytecode.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return code, nil
}

// getLimits merges the limits file with individual limit flags; flags win.
func getLimits() (resource.Limits, error) {
	var limits resource.Limits
	if path := viper.GetString("limits"); path != "" {
		var err error
		if limits, err = resource.LoadLimits(path); err != nil {
			return resource.Limits{}, err
		}
	}
	if v := viper.GetInt64("max-allocations"); v != 0 {
		limits.MaxAllocations = v
	}
	if v := viper.GetInt64("max-operations"); v != 0 {
		limits.MaxOperations = v
	}
	if v := viper.GetDuration("max-duration"); v != 0 {
		limits.MaxDuration = v
	}
	if v := viper.GetInt64("max-memory"); v != 0 {
		limits.MaxMemory = v
	}
	if v := viper.GetInt("max-recursion-depth"); v != 0 {
		limits.MaxRecursionDepth = v
	}
	return limits, limits.Validate()
}

// parseValue decodes a JSON literal given on the command line. Integral
// numbers become int64 so they arrive in the guest as int.
func parseValue(s string) (any, error) {
	dec := json.NewDecoder(strings.NewReader(s))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return nil, fmt.Errorf("invalid JSON value %q: %w", s, err)
	}
	if dec.More() {
		return nil, fmt.Errorf("invalid JSON value %q: trailing data", s)
	}
	return fromJSON(v), nil
}

func fromJSON(v any) any {
	switch v := v.(type) {
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		f, _ := v.Float64()
		return f
	case []any:
		for i, item := range v {
			v[i] = fromJSON(item)
		}
		return v
	case map[string]any:
		for k, item := range v {
			v[k] = fromJSON(item)
		}
		return v
	default:
		return v
	}
}

// parseReplies parses name=JSON pairs.
func parseReplies(pairs []string) (map[string]any, error) {
	replies := map[string]any{}
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("invalid reply %q: expected name=JSON", pair)
		}
		v, err := parseValue(raw)
		if err != nil {
			return nil, fmt.Errorf("reply %s: %w", name, err)
		}
		replies[name] = v
	}
	return replies, nil
}

func getOutput(result any, format string) (string, error) {
	switch strings.ToLower(format) {
	case "":
		// Nothing for None, JSON when possible, else the Go rendering.
		if result == nil {
			return "", nil
		}
		output, err := getOutputJSON(result)
		if err != nil {
			return fmt.Sprintf("%v", result), nil
		}
		return string(output), nil
	case "json":
		output, err := getOutputJSON(result)
		if err != nil {
			return "", err
		}
		return string(output), nil
	case "text":
		return fmt.Sprintf("%v", result), nil
	default:
		return "", fmt.Errorf("unknown output format: %s", format)
	}
}

func getOutputJSON(result any) ([]byte, error) {
	if color.NoColor {
		return json.MarshalIndent(result, "", "  ")
	}
	return prettyjson.Marshal(result)
}
