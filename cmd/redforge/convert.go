package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"redforge/internal/converter"
	"redforge/internal/probe"

	"github.com/spf13/cobra"
)

var (
	convertShowSteps bool
	probesCategory   string
)

var convertCmd = &cobra.Command{
	Use:   "convert [chain] [text]",
	Short: "Apply a converter chain to text",
	Long: `Applies a converter chain outside any campaign, for building and
debugging payload obfuscation. The chain is a +-separated list of
converter names, e.g. "leetspeak+base64".

Run with no arguments to list the available converters.`,
	Args: cobra.MaximumNArgs(2),
	RunE: runConvert,
}

var probesCmd = &cobra.Command{
	Use:   "probes",
	Short: "List the probe catalog",
	Args:  cobra.NoArgs,
	RunE:  listProbes,
}

func init() {
	convertCmd.Flags().BoolVar(&convertShowSteps, "steps", false, "Show each converter's intermediate output")
	probesCmd.Flags().StringVar(&probesCategory, "category", "", "Filter by category (e.g. jailbreak, prompt_leak)")
}

func runConvert(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if len(args) == 0 {
		for _, name := range a.registry.List() {
			fmt.Println(name)
		}
		return nil
	}
	if len(args) < 2 {
		return fmt.Errorf("convert needs a chain and a text argument")
	}

	names := strings.Split(args[0], "+")
	chain, err := a.registry.Chain(names...)
	if err != nil {
		return err
	}

	out, steps := chain.Apply(args[1])
	if convertShowSteps {
		printSteps(steps)
	}
	fmt.Println(out)
	return nil
}

func printSteps(steps []converter.StepRecord) {
	for _, s := range steps {
		if !s.Succeeded {
			fmt.Fprintf(os.Stderr, "%-16s FAILED: %s (text passed through)\n", s.Converter, s.Error)
			continue
		}
		fmt.Fprintf(os.Stderr, "%-16s %s\n", s.Converter, s.Output)
	}
}

func listProbes(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	filter := probesCategory
	if filter != "" && !strings.HasPrefix(filter, "/") {
		filter = "/" + filter
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tCATEGORY\tTAGS")
	for _, p := range a.catalog.All() {
		if filter != "" && p.Category != probe.Category(filter) {
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", p.Name, p.Category, strings.Join(p.Tags, ","))
	}
	return w.Flush()
}
