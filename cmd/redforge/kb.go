package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"redforge/internal/campaign"

	"github.com/spf13/cobra"
)

var (
	kbQueryDomain string
	kbQueryFailed []string
)

var kbCmd = &cobra.Command{
	Use:   "kb",
	Short: "Inspect and query the bypass knowledge base",
}

var kbListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored bypass episodes",
	Args:  cobra.NoArgs,
	RunE:  listEpisodes,
}

var kbQueryCmd = &cobra.Command{
	Use:   "query [defense-text]",
	Short: "Query episodes similar to a defense response",
	Long: `Embeds the given defense response text and recalls similar bypass
episodes, reporting the recommended converter chain and framing the
exploit loop would adopt against this defense.`,
	Args: cobra.ExactArgs(1),
	RunE: queryKB,
}

var kbReembedCmd = &cobra.Command{
	Use:   "reembed",
	Short: "Recompute every episode's embedding vector",
	Long: `Re-embeds all stored episodes with the current embedding model.
Run this after changing the embedding model, otherwise recall
compares vectors from different spaces.`,
	Args: cobra.NoArgs,
	RunE: reembedKB,
}

func init() {
	kbQueryCmd.Flags().StringVar(&kbQueryDomain, "domain", "", "Target domain context for the fingerprint")
	kbQueryCmd.Flags().StringSliceVar(&kbQueryFailed, "failed", nil, "Technique already failed against this defense (repeatable)")

	kbCmd.AddCommand(kbListCmd)
	kbCmd.AddCommand(kbQueryCmd)
	kbCmd.AddCommand(kbReembedCmd)
}

func listEpisodes(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	ids, err := a.store.ListEpisodes(ctx)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		fmt.Println("No episodes.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "EPISODE\tCAMPAIGN\tCHAIN\tFRAMING\tSCORE\tCREATED")
	for _, id := range ids {
		ep, err := a.store.GetEpisode(ctx, id)
		if err != nil {
			fmt.Fprintf(w, "%s\t(unreadable: %v)\n", id, err)
			continue
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%.2f\t%s\n",
			ep.EpisodeID, ep.CampaignID,
			campaign.ChainKey(ep.SuccessfulTechnique.ConverterChain),
			ep.SuccessfulTechnique.Framing,
			ep.JailbreakScore,
			ep.CreatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}

func queryKB(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	insight, err := a.kb.Query(ctx, campaign.DefenseFingerprint{
		DefenseResponseText:  args[0],
		FailedTechniqueNames: kbQueryFailed,
		TargetDomain:         kbQueryDomain,
	})
	if err != nil {
		return err
	}

	if insight.EpisodeCount == 0 {
		fmt.Println("No similar episodes.")
		return nil
	}

	fmt.Printf("Matched %d episode(s), confidence %.2f\n", insight.EpisodeCount, insight.Confidence)
	if len(insight.RecommendedChain) > 0 {
		fmt.Printf("Recommended chain:   %s\n", campaign.ChainKey(insight.RecommendedChain))
	}
	if insight.RecommendedFraming != "" {
		fmt.Printf("Recommended framing: %s\n", insight.RecommendedFraming)
	}
	for _, m := range insight.Matches {
		fmt.Printf("  %s (similarity %.2f)\n", m.EpisodeID, m.Similarity)
	}
	if len(insight.TechniqueStats) > 0 {
		fmt.Println("Technique stats:")
		for key, stat := range insight.TechniqueStats {
			fmt.Printf("  %-24s uses=%d mean score=%.2f\n", key, stat.Frequency, stat.MeanJailbreakScore)
		}
	}
	return nil
}

func reembedKB(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	n, err := a.kb.Reembed(ctx)
	if err != nil {
		return err
	}
	if n == 0 {
		fmt.Println("No episodes to re-embed.")
		return nil
	}
	fmt.Printf("Re-embedded %d episode(s).\n", n)
	return nil
}
