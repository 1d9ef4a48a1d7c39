package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"text/tabwriter"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"flux-lora-bridge/internal/engine"
	"flux-lora-bridge/internal/generators"
	"flux-lora-bridge/internal/models"
)

func newLoRACmd(configPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lora",
		Short: "Inspect LoRA selection and the upload mapping",
	}
	cmd.AddCommand(newLoRAMatchCmd(configPath), newLoRAResolveCmd(configPath))
	return cmd
}

func newLoRAMatchCmd(configPath *string) *cobra.Command {
	var (
		negative string
		provider string
	)

	cmd := &cobra.Command{
		Use:   "match <prompt>",
		Short: "Show which LoRAs a prompt selects for a provider",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if provider != "" && !cfg.HasProvider(provider) {
				return fmt.Errorf("unknown provider %q", provider)
			}

			loras := generators.NewLoRAManager(loadDictionary(cfg), cfg.LoRA.RoleCaps)
			bridge := engine.NewBridge(cfg, loras, nil, nil)
			printSelection(bridge.Preview(args[0], negative, provider))
			return nil
		},
	}
	cmd.Flags().StringVar(&negative, "negative", "", "negative prompt")
	cmd.Flags().StringVar(&provider, "provider", "", "target provider (defaults to the primary)")
	return cmd
}

func printSelection(sel models.LoRASelection) {
	title := color.New(color.FgCyan, color.Bold)
	kept := color.New(color.FgGreen)
	dropped := color.New(color.FgRed)

	sent := make(map[string]bool, len(sel.LoRAs))
	for _, l := range sel.LoRAs {
		sent[l.ID] = true
	}
	capped := make(map[string]bool, len(sel.Capped))
	for _, m := range sel.Capped {
		capped[m.Entry.ID] = true
	}

	title.Printf("Selection for %s (%d matched, %d sent)\n", sel.Provider, len(sel.Matched), len(sel.LoRAs))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tROLE\tRANK\tREASON\tRESULT")
	for _, m := range sel.Matched {
		result := kept.Sprint("sent")
		switch {
		case !capped[m.Entry.ID]:
			result = dropped.Sprint("role cap")
		case !sent[m.Entry.ID]:
			result = dropped.Sprint("provider limit")
		}
		fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", m.Entry.ID, m.Entry.Category, m.Entry.Rank, m.Reason, result)
	}
	w.Flush()

	fmt.Println()
	title.Println("Prompt")
	fmt.Println(sel.Prompt)
	title.Println("Negative")
	fmt.Println(sel.NegativePrompt)
}

func newLoRAResolveCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "resolve",
		Short: "Upload every dictionary LoRA to the primary provider and persist the mapping",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			if cfg.Providers.Runware.APIKey == "" {
				return fmt.Errorf("RUNWARE_API_KEY is required to upload loras")
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			store, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer store.Close()

			cache := generators.NewLoRAResolutionCache(cfg.Providers.Runware, store)
			var specs []models.LoRASpec
			for _, e := range loadDictionary(cfg).Entries() {
				if e.URL == "" || cache.IsPassThrough(e.URL) {
					continue
				}
				specs = append(specs, models.LoRASpec{ID: e.ID, URL: e.URL, Weight: e.Weight, Name: e.Name})
			}

			resolved := cache.Resolve(ctx, specs)
			summary := color.New(color.FgGreen, color.Bold)
			if len(resolved) < len(specs) {
				summary = color.New(color.FgYellow, color.Bold)
			}
			summary.Printf("Resolved %d of %d uploadable loras\n", len(resolved), len(specs))

			mapping, err := store.Load(ctx)
			if err != nil {
				return err
			}
			sources := make([]string, 0, len(mapping))
			for src := range mapping {
				sources = append(sources, src)
			}
			sort.Strings(sources)

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "REMOTE ID\tUPLOADED\tSOURCE")
			for _, src := range sources {
				e := mapping[src]
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.RemoteID, e.UploadedAt.Format("2006-01-02T15:04:05"), src)
			}
			return w.Flush()
		},
	}
}
