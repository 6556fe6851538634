package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"

	"confluence/pkg/config"
)

// newMigrateConfigCommand renders a fully-defaulted config.yaml from an
// existing (possibly partial) one, so every field DefaultConfig fills in
// gets written out explicitly rather than staying an implicit default a
// future reader has to go read the source to discover.
func newMigrateConfigCommand() *cobra.Command {
	var inPath, outPath string

	cmd := &cobra.Command{
		Use:   "migrate-config",
		Short: "Render a fully-defaulted config.yaml from an existing or partial one",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(inPath)
			if err != nil {
				return fmt.Errorf("load %s: %w", inPath, err)
			}

			out, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshal config: %w", err)
			}

			if outPath == "-" {
				_, err = os.Stdout.Write(out)
				return err
			}
			if err := os.WriteFile(outPath, out, 0o644); err != nil {
				return fmt.Errorf("write %s: %w", outPath, err)
			}
			fmt.Printf("wrote fully-defaulted config to %s\n", outPath)
			return nil
		},
	}
	cmd.Flags().StringVar(&inPath, "in", "configs/config.yaml", "existing config.yaml to start from (missing file is fine, defaults apply)")
	cmd.Flags().StringVar(&outPath, "out", "configs/config.yaml", "where to write the rendered config (\"-\" for stdout)")
	return cmd
}
