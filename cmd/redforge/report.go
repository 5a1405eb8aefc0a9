package main

import (
	"context"
	"fmt"
	"strings"

	"redforge/internal/campaign"

	"github.com/charmbracelet/glamour"
	"github.com/spf13/cobra"
)

var reportRaw bool

var reportCmd = &cobra.Command{
	Use:   "report [campaign-id]",
	Short: "Render a campaign's artifacts as a readable report",
	Long: `Assembles the blueprint, vulnerability report, and exploit result
into a single markdown document and renders it for the terminal.
Missing artifacts are noted, not errors: a half-finished campaign
still reports what it has.`,
	Args: cobra.ExactArgs(1),
	RunE: renderReport,
}

func init() {
	reportCmd.Flags().BoolVar(&reportRaw, "raw", false, "Print raw markdown instead of rendering")
}

func renderReport(cmd *cobra.Command, args []string) error {
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

	md := buildReportMarkdown(ctx, a, c)
	if reportRaw {
		fmt.Print(md)
		return nil
	}

	renderer, err := glamour.NewTermRenderer(
		glamour.WithAutoStyle(),
		glamour.WithWordWrap(100),
	)
	if err != nil {
		return fmt.Errorf("failed to build renderer: %w", err)
	}
	out, err := renderer.Render(md)
	if err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}
	fmt.Print(out)
	return nil
}

func buildReportMarkdown(ctx context.Context, a *app, c *campaign.Campaign) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Campaign %s\n\n", c.ID)
	fmt.Fprintf(&sb, "- **Target:** %s\n", c.TargetURL)
	fmt.Fprintf(&sb, "- **Stage:** %s\n", c.Stage)
	fmt.Fprintf(&sb, "- **Created:** %s\n", c.CreatedAt.Format("2006-01-02 15:04 MST"))
	if len(c.Tags) > 0 {
		fmt.Fprintf(&sb, "- **Tags:** %s\n", strings.Join(c.Tags, ", "))
	}
	if c.FailureReason != "" {
		fmt.Fprintf(&sb, "- **Failure:** %s\n", c.FailureReason)
	}
	sb.WriteString("\n")

	writeReconSection(ctx, &sb, a, c)
	writeScanSection(ctx, &sb, a, c)
	writeExploitSection(ctx, &sb, a, c)
	return sb.String()
}

func writeReconSection(ctx context.Context, sb *strings.Builder, a *app, c *campaign.Campaign) {
	sb.WriteString("## Reconnaissance\n\n")
	if c.ReconArtifactID == "" {
		sb.WriteString("_Not run._\n\n")
		return
	}
	bp, err := a.store.LoadBlueprint(ctx, c.ReconArtifactID)
	if err != nil {
		fmt.Fprintf(sb, "_Blueprint unavailable: %v_\n\n", err)
		return
	}

	fmt.Fprintf(sb, "%s\n\n", bp.Describe())
	fmt.Fprintf(sb, "- Observation turns used: %d\n", bp.TurnsUsed)
	if len(bp.SystemPromptFragments) > 0 {
		fmt.Fprintf(sb, "- System prompt fragments recovered: %d\n", len(bp.SystemPromptFragments))
	}
	if len(bp.DetectedTools) > 0 {
		names := make([]string, len(bp.DetectedTools))
		for i, t := range bp.DetectedTools {
			names[i] = t.Name
		}
		fmt.Fprintf(sb, "- Detected tools: %s\n", strings.Join(names, ", "))
	}
	sb.WriteString("\n")
}

func writeScanSection(ctx context.Context, sb *strings.Builder, a *app, c *campaign.Campaign) {
	sb.WriteString("## Vulnerability Scan\n\n")
	if c.ScanArtifactID == "" {
		sb.WriteString("_Not run._\n\n")
		return
	}
	report, err := a.store.LoadReport(ctx, c.ScanArtifactID)
	if err != nil {
		fmt.Fprintf(sb, "_Report unavailable: %v_\n\n", err)
		return
	}

	fmt.Fprintf(sb, "%d probes run (%d errors), %d vulnerability clusters.\n\n",
		report.ProbesRun, report.ProbeErrors, len(report.Clusters))
	if len(report.Clusters) > 0 {
		sb.WriteString("| Vulnerability | Category | Severity | Confidence |\n")
		sb.WriteString("|---|---|---|---|\n")
		for _, cl := range report.Clusters {
			fmt.Fprintf(sb, "| %s | %s | %s | %.2f |\n",
				cl.VulnerabilityType, cl.Category, cl.Severity, cl.Confidence)
		}
		sb.WriteString("\n")
	}
}

func writeExploitSection(ctx context.Context, sb *strings.Builder, a *app, c *campaign.Campaign) {
	sb.WriteString("## Exploitation\n\n")

	// A cancelled run persists a partial result without publishing
	// the artifact id, so fall back to the campaign id.
	id := c.ExploitArtifactID
	if id == "" {
		id = c.ID
	}
	res, err := a.store.LoadExploitResult(ctx, id)
	if err != nil {
		sb.WriteString("_Not run._\n\n")
		return
	}

	verdict := "No bypass found"
	if res.IsSuccessful {
		verdict = "**Bypass found**"
	}
	if res.Cancelled {
		verdict += " (run cancelled, partial result)"
	}
	fmt.Fprintf(sb, "%s after %d iterations (best score %.2f).\n\n", verdict, res.IterationsRun, res.BestScore)
	if res.IsSuccessful {
		fmt.Fprintf(sb, "- Winning chain: `%s`\n", campaign.ChainKey(res.FinalChain))
		if res.WinningEpisodeID != "" {
			fmt.Fprintf(sb, "- Episode: %s\n", res.WinningEpisodeID)
		}
		sb.WriteString("\n")
	}

	if len(res.IterationHistory) > 0 {
		sb.WriteString("| Iteration | Chain | Framing | Score | Outcome |\n")
		sb.WriteString("|---|---|---|---|---|\n")
		for _, rec := range res.IterationHistory {
			outcome := "success"
			if !rec.CompositeScore.IsSuccessful {
				outcome = "failed"
				if rec.FailureAnalysis != nil {
					outcome = string(rec.FailureAnalysis.Cause)
				}
			}
			fmt.Fprintf(sb, "| %d | `%s` | %s | %.2f | %s |\n",
				rec.IterationIndex, campaign.ChainKey(rec.Chain), rec.Framing,
				rec.CompositeScore.Total, outcome)
		}
		sb.WriteString("\n")
	}
}
