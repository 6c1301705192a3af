package main

import (
	"fmt"
	"slices"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/c360/semscope/componentregistry"
	"github.com/c360/semscope/config"
)

func newValidateCmd() *cobra.Command {
	var paths []string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check microscope files and print the instantiation plan",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(paths)
			if err != nil {
				return err
			}
			registry, err := componentregistry.NewRegistry()
			if err != nil {
				return fmt.Errorf("register components: %w", err)
			}
			if err := config.ValidateClasses(cfg, registry); err != nil {
				return err
			}
			plan, err := cfg.Plan()
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Configuration is valid: platform %s, %d components\n", cfg.Platform.ID, len(plan))
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ORDER\tNAME\tROLE\tCLASS\tCONTAINER\tCHILDREN")
			for i, p := range plan {
				class := p.Class
				if p.Creator != "" {
					class = "(created by " + p.Creator + ")"
				}
				children := make([]string, 0, len(p.Children))
				for role, name := range p.Children {
					children = append(children, role+"="+name)
				}
				slices.Sort(children)
				fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
					i+1, p.Name, p.Role, class, p.Container, strings.Join(children, ","))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringSliceVarP(&paths, "config", "c", getEnvSlice("SEMSCOPE_CONFIG", nil),
		"Microscope file, repeatable (env: SEMSCOPE_CONFIG)")
	return cmd
}
