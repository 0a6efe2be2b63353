package main

import (
	"fmt"
	"sort"

	"github.com/spf13/cobra"

	"codexproxy/internal/presets"
)

func newModelsCmd(app *application) *cobra.Command {
	var efforts bool
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List the models codex can be asked for",
		Long: `Lists models from the codex model presets and from config.toml in the
codex home. With --efforts, prints one "model effort" pair per line instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if efforts {
				aliases := app.presets.ReasoningAliases()
				models := make([]string, 0, len(aliases))
				for m := range aliases {
					models = append(models, m)
				}
				sort.Strings(models)
				for _, m := range models {
					for _, e := range aliases[m] {
						fmt.Fprintf(out, "%s %s\n", m, e)
					}
				}
				return nil
			}

			models, err := app.presets.ListModels(presets.ConfigDirs(app.cfg.Codex.ConfigDir)...)
			if err != nil {
				return err
			}
			for _, m := range models {
				fmt.Fprintln(out, m)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&efforts, "efforts", false, "List reasoning efforts per model")
	return cmd
}
