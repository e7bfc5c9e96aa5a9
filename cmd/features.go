// File: cmd/features.go
package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/lokashrinav/guardian-toolkit/internal/catalogue"
	"github.com/lokashrinav/guardian-toolkit/internal/parse"
)

func newFeaturesCmd() *cobra.Command {
	featuresCmd := &cobra.Command{
		Use:   "features",
		Short: "List the catalogued features and their rewrite rules",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := getConfigFromContext(cmd.Context())
			if err != nil {
				return err
			}
			cat, err := catalogue.Load(cfg.Catalogue.Path)
			if err != nil {
				return fmt.Errorf("failed to load feature catalogue: %w", err)
			}
			return printFeatures(cmd.OutOrStdout(), cat)
		},
	}
	featuresCmd.Flags().String("catalogue", "", "additional feature catalogue (TOML)")
	return featuresCmd
}

func printFeatures(out io.Writer, cat *catalogue.Catalogue) error {
	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "FEATURE\tKINDS\tDEFAULT\tREWRITE")
	for _, e := range cat.Entries() {
		kinds := make([]string, len(e.Kinds))
		for i, k := range e.Kinds {
			kinds[i] = k.String()
		}
		rewrite := "-"
		if e.Rule != nil {
			rewrite = e.Rule.Template
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", e.ID, strings.Join(kinds, ","), e.DefaultSafety, rewrite)
	}
	if err := tw.Flush(); err != nil {
		return err
	}
	_, err := fmt.Fprintf(out, "%d feature(s); scanned extensions: %s\n", len(cat.Entries()), strings.Join(parse.Extensions(), " "))
	return err
}
