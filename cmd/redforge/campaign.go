package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"redforge/internal/campaign"
	"redforge/internal/pipeline"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	campaignTags  []string
	campaignStage string
	campaignSeed  int64
)

var campaignCmd = &cobra.Command{
	Use:   "campaign",
	Short: "Create, run, and inspect red-team campaigns",
}

var campaignCreateCmd = &cobra.Command{
	Use:   "create [target-url]",
	Short: "Create a campaign record for a target endpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  createCampaign,
}

var campaignRunCmd = &cobra.Command{
	Use:   "run [campaign-id]",
	Short: "Run (or resume) the recon-scan-exploit pipeline",
	Long: `Drives the campaign through its remaining phases. A campaign
interrupted mid-phase resumes from its last persisted artifact, so
re-running after a crash or cancellation is safe.`,
	Args: cobra.ExactArgs(1),
	RunE: runCampaign,
}

var campaignListCmd = &cobra.Command{
	Use:   "list",
	Short: "List campaigns, optionally filtered by stage",
	Args:  cobra.NoArgs,
	RunE:  listCampaigns,
}

var campaignShowCmd = &cobra.Command{
	Use:   "show [campaign-id]",
	Short: "Show one campaign's stage and artifacts",
	Args:  cobra.ExactArgs(1),
	RunE:  showCampaign,
}

func init() {
	campaignCreateCmd.Flags().StringSliceVar(&campaignTags, "tag", nil, "Tag the campaign (repeatable)")
	campaignRunCmd.Flags().Int64Var(&campaignSeed, "seed", 0, "Seed for the exploit framing rotation (0 = time-based)")
	campaignListCmd.Flags().StringVar(&campaignStage, "stage", "", "Filter by stage (created, recon, scan, exploit, done, failed)")

	campaignCmd.AddCommand(campaignCreateCmd)
	campaignCmd.AddCommand(campaignRunCmd)
	campaignCmd.AddCommand(campaignListCmd)
	campaignCmd.AddCommand(campaignShowCmd)
}

func createCampaign(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := a.pipeline.CreateCampaign(ctx, args[0], campaignTags...)
	if err != nil {
		return err
	}
	fmt.Printf("Created campaign %s (target %s)\n", c.ID, c.TargetURL)
	return nil
}

func runCampaign(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	logger.Info("starting campaign run",
		zap.String("campaign_id", args[0]),
		zap.Int64("seed", campaignSeed))

	outcome, err := a.pipeline.Run(ctx, args[0], pipeline.RunOptions{Seed: campaignSeed})
	if err != nil {
		return err
	}
	printOutcome(outcome)
	return nil
}

func printOutcome(o *pipeline.Outcome) {
	fmt.Printf("Campaign %s finished in stage %s\n", o.Campaign.ID, o.Campaign.Stage)
	if o.Blueprint != nil {
		fmt.Printf("  recon:   %d observation turns, model family %q\n",
			o.Blueprint.TurnsUsed, o.Blueprint.Infrastructure.ModelFamily)
	}
	if o.Report != nil {
		fmt.Printf("  scan:    %d probes, %d clusters\n", o.Report.ProbesRun, len(o.Report.Clusters))
		if strongest := o.Report.StrongestCluster(); strongest != nil {
			fmt.Printf("           strongest: %s (%s, confidence %.2f)\n",
				strongest.VulnerabilityType, strongest.Severity, strongest.Confidence)
		}
	}
	if o.Result != nil {
		verdict := "no bypass"
		if o.Result.IsSuccessful {
			verdict = "bypass found"
		}
		fmt.Printf("  exploit: %s after %d iterations, best score %.2f, chain %s\n",
			verdict, o.Result.IterationsRun, o.Result.BestScore,
			campaign.ChainKey(o.Result.FinalChain))
	}
}

func listCampaigns(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	stage, err := stageFilter(campaignStage)
	if err != nil {
		return err
	}
	campaigns, err := a.pipeline.Campaigns(ctx, stage)
	if err != nil {
		return err
	}
	if len(campaigns) == 0 {
		fmt.Println("No campaigns.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTAGE\tTARGET\tCREATED\tTAGS")
	for _, c := range campaigns {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			c.ID, c.Stage, c.TargetURL,
			c.CreatedAt.Format("2006-01-02 15:04"),
			strings.Join(c.Tags, ","))
	}
	return w.Flush()
}

// stageFilter maps a user-facing stage name onto the stage atom. The
// empty string means no filter.
func stageFilter(s string) (campaign.Stage, error) {
	if s == "" {
		return "", nil
	}
	stage := campaign.Stage("/" + strings.TrimPrefix(strings.ToLower(s), "/"))
	if !stage.Valid() {
		return "", fmt.Errorf("unknown stage %q", s)
	}
	return stage, nil
}

func showCampaign(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	c, err := a.pipeline.Campaign(ctx, args[0])
	if err != nil {
		return err
	}

	fmt.Printf("Campaign:  %s\n", c.ID)
	fmt.Printf("Target:    %s\n", c.TargetURL)
	fmt.Printf("Stage:     %s\n", c.Stage)
	fmt.Printf("Created:   %s\n", c.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("Updated:   %s\n", c.UpdatedAt.Format("2006-01-02 15:04:05 MST"))
	if len(c.Tags) > 0 {
		fmt.Printf("Tags:      %s\n", strings.Join(c.Tags, ", "))
	}
	if c.FailureReason != "" {
		fmt.Printf("Failure:   %s\n", c.FailureReason)
	}

	fmt.Println("Artifacts:")
	printArtifact := func(name, id string) {
		if id == "" {
			fmt.Printf("  %-8s -\n", name)
			return
		}
		fmt.Printf("  %-8s %s\n", name, id)
	}
	printArtifact("recon", c.ReconArtifactID)
	printArtifact("scan", c.ScanArtifactID)
	printArtifact("exploit", c.ExploitArtifactID)
	return nil
}
