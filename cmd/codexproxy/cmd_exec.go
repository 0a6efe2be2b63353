package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"codexproxy/internal/codex"
)

// requestFlags are shared by exec and last.
type requestFlags struct {
	model           string
	sandbox         string
	effort          string
	network         bool
	hideReasoning   bool
	exposeReasoning bool
	images          []string
	set             []string
}

func (f *requestFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.model, "model", "m", "", "Model to request (default: codex's own choice)")
	cmd.Flags().StringVar(&f.sandbox, "sandbox", "", "Sandbox mode: read-only, workspace-write or danger-full-access")
	cmd.Flags().StringVar(&f.effort, "effort", "", "Reasoning effort: low, medium, high or xhigh")
	cmd.Flags().BoolVar(&f.network, "network", false, "Allow network access in workspace-write mode")
	cmd.Flags().BoolVar(&f.hideReasoning, "hide-reasoning", false, "Hide the agent's reasoning")
	cmd.Flags().BoolVar(&f.exposeReasoning, "expose-reasoning", false, "Show the agent's reasoning")
	cmd.Flags().StringArrayVarP(&f.images, "image", "i", nil, "Attach an image (repeatable)")
	cmd.Flags().StringArrayVar(&f.set, "set", nil, "Extra codex config override as key=value (repeatable)")
	cmd.MarkFlagsMutuallyExclusive("hide-reasoning", "expose-reasoning")
}

// request assembles the codex request. Boolean overrides are only set when
// the flag was given, so the configured defaults apply otherwise.
func (f *requestFlags) request(cmd *cobra.Command, args []string) (codex.Request, error) {
	prompt, err := readPrompt(cmd, args)
	if err != nil {
		return codex.Request{}, err
	}

	o := &codex.Overrides{
		Sandbox:         f.sandbox,
		ReasoningEffort: f.effort,
	}
	if cmd.Flags().Changed("network") {
		o.NetworkAccess = boolPtr(f.network)
	}
	if cmd.Flags().Changed("hide-reasoning") {
		o.HideReasoning = boolPtr(f.hideReasoning)
	}
	if cmd.Flags().Changed("expose-reasoning") {
		o.ExposeReasoning = boolPtr(f.exposeReasoning)
	}
	if len(f.set) > 0 {
		o.Extra = make(map[string]any, len(f.set))
		for _, kv := range f.set {
			key, value, ok := strings.Cut(kv, "=")
			if !ok || strings.TrimSpace(key) == "" {
				return codex.Request{}, fmt.Errorf("invalid --set %q (want key=value)", kv)
			}
			o.Extra[strings.TrimSpace(key)] = parseValue(value)
		}
	}

	return codex.Request{
		Prompt:    prompt,
		Overrides: o,
		Images:    f.images,
		Model:     f.model,
	}, nil
}

// readPrompt joins the arguments, or reads stdin when there are none.
func readPrompt(cmd *cobra.Command, args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}
	data, err := io.ReadAll(cmd.InOrStdin())
	if err != nil {
		return "", fmt.Errorf("failed to read prompt from stdin: %w", err)
	}
	prompt := strings.TrimSpace(string(data))
	if prompt == "" {
		return "", fmt.Errorf("no prompt given")
	}
	return prompt, nil
}

// parseValue types a --set value the way a TOML literal would read.
func parseValue(s string) any {
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

func boolPtr(b bool) *bool { return &b }

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

func newExecCmd(app *application) *cobra.Command {
	var flags requestFlags
	cmd := &cobra.Command{
		Use:   "exec [prompt]",
		Short: "Run a prompt and stream the filtered answer",
		Long: `Runs "codex exec" and writes the assistant's answer to stdout as it is
produced. Transcript metadata, tool traces and the echoed prompt are removed.

The prompt is read from stdin when no argument is given.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(cmd, args)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			out := cmd.OutOrStdout()
			return app.runner.Stream(ctx, req, func(chunk string) error {
				_, err := io.WriteString(out, chunk)
				return err
			})
		},
	}
	flags.register(cmd)
	return cmd
}

func newLastCmd(app *application) *cobra.Command {
	var flags requestFlags
	cmd := &cobra.Command{
		Use:   "last [prompt]",
		Short: "Run a prompt and print only the final message",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := flags.request(cmd, args)
			if err != nil {
				return err
			}
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			text, err := app.runner.LastMessage(ctx, req)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), text)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}
