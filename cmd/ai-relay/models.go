package main

import (
	"context"
	"fmt"
	"os"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/sweetpotato0/ai-relay/provider"
)

var modelsProvider string

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models of configured providers",
	Args:  cobra.NoArgs,
	RunE:  runModels,
}

func init() {
	modelsCmd.Flags().StringVarP(&modelsProvider, "provider", "p", "", "list one provider instead of every configured one")
	rootCmd.AddCommand(modelsCmd)
}

func runModels(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := loadApp(ctx)
	if err != nil {
		return err
	}
	defer a.close(context.Background())

	names := a.cfg.ProviderNames()
	if modelsProvider != "" {
		names = []string{modelsProvider}
	}
	if len(names) == 0 {
		return fmt.Errorf("no providers configured in %s", configPath)
	}
	settings := make(map[string]provider.Settings, len(names))
	for _, name := range names {
		settings[name] = a.cfg.Settings(name)
	}

	models, errs := provider.ListAll(ctx, a.registry, settings, 4)

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PROVIDER\tMODEL\tNAME")
	sort.Strings(names)
	for _, name := range names {
		if err, ok := errs[name]; ok {
			fmt.Fprintf(w, "%s\t(error)\t%v\n", name, err)
			continue
		}
		for _, m := range models[name] {
			fmt.Fprintf(w, "%s\t%s\t%s\n", name, m.ID, m.Name)
		}
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if len(errs) == len(names) {
		return fmt.Errorf("every provider failed to list models")
	}
	return nil
}
