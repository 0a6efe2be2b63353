package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"codexproxy/internal/codex"
)

type probe struct {
	name  string
	run   func() (string, error)
	value string
	err   error
}

func newDoctorCmd(app *application) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Check that codex and its directories can be resolved",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			probes := []*probe{
				{name: "executable", run: func() (string, error) {
					return codex.ResolveExecutable(app.cfg.Codex.Path, os.Getenv("PATH"))
				}},
				{name: "workdir", run: app.ws.EnsureWorkdir},
				{name: "codex_home", run: app.ws.EnsureHome},
				{name: "presets", run: func() (string, error) {
					return strconv.Itoa(len(app.presets.Load())) + " entries from " + app.cfg.Codex.PresetsPath, nil
				}},
			}

			var g errgroup.Group
			for _, p := range probes {
				p := p
				g.Go(func() error {
					p.value, p.err = p.run()
					return p.err
				})
			}
			firstErr := g.Wait()

			out := cmd.OutOrStdout()
			for _, p := range probes {
				if p.err != nil {
					fmt.Fprintf(out, "%-12s FAIL %v\n", p.name, p.err)
					continue
				}
				fmt.Fprintf(out, "%-12s ok   %s\n", p.name, p.value)
			}
			fmt.Fprintf(out, "%-12s %d\n", "max_parallel", app.limiter.MaxParallel())
			return firstErr
		},
	}
}
