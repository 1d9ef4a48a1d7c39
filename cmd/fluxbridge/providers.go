package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

func newProvidersCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "providers",
		Short: "Show provider order, LoRA limits and credential presence",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}

			ok := color.New(color.FgGreen).SprintFunc()
			missing := color.New(color.FgRed).SprintFunc()

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "#\tPROVIDER\tMAX LORAS\tCREDENTIALS\tPRIMARY")
			for i, name := range cfg.Providers.Order {
				creds := ok("yes")
				if !cfg.HasCredentials(name) {
					creds = missing("missing")
				}
				primary := ""
				if name == cfg.Providers.Primary {
					primary = "*"
				}
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\n", i+1, name, cfg.MaxLoRAs(name), creds, primary)
			}
			if err := w.Flush(); err != nil {
				return err
			}

			summary := "disabled"
			if cfg.Summarizer.Enabled {
				summary = cfg.Summarizer.Model
			}
			fmt.Printf("\nsummarizer: %s\nmapping backend: %s\n", summary, cfg.Mapping.Backend)
			return nil
		},
	}
}
