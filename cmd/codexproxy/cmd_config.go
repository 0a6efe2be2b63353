package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newConfigCmd(app *application) *cobra.Command {
	var write string
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		Long: `Prints the configuration as YAML after the config file and CODEX_*
overrides are applied. With --write, saves it to a file that --config-file
can load later.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if write != "" {
				if err := app.cfg.Save(write); err != nil {
					return err
				}
				fmt.Fprintf(out, "wrote %s\n", write)
				return nil
			}

			data, err := yaml.Marshal(app.cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			_, err = out.Write(data)
			return err
		},
	}
	cmd.Flags().StringVar(&write, "write", "", "Save the effective configuration to this file")
	return cmd
}
