// Package pipeline owns the campaign lifecycle: it drives the recon,
// scan, and exploit engines in order, persists each phase artifact
// through the store with transient-error retries, advances the
// campaign stage after every successful phase, and fans lifecycle
// events out through the bus.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"redforge/internal/campaign"
	"redforge/internal/config"
	"redforge/internal/events"
	"redforge/internal/exploit"
	"redforge/internal/logging"
	"redforge/internal/policy"
	"redforge/internal/recon"
	"redforge/internal/scan"
	"redforge/internal/store"
	"redforge/internal/target"
)

// ErrCampaignTerminal means the campaign already reached /done or
// /failed and cannot run again.
var ErrCampaignTerminal = errors.New("pipeline: campaign is terminal")

const (
	persistAttempts = 3
	persistBaseWait = 100 * time.Millisecond
)

// ReconRunner is the slice of the recon engine the coordinator uses.
type ReconRunner interface {
	Run(ctx context.Context, campaignID string, spec target.Spec, scope recon.Scope) (*campaign.Blueprint, error)
}

// ScanRunner is the slice of the scan engine the coordinator uses.
type ScanRunner interface {
	Run(ctx context.Context, campaignID string, spec target.Spec, bp *campaign.Blueprint, cfg config.ScanConfig) (*campaign.VulnerabilityReport, error)
}

// ExploitRunner is the slice of the exploit engine the coordinator
// uses.
type ExploitRunner interface {
	Run(ctx context.Context, campaignID string, spec target.Spec, bp *campaign.Blueprint, report *campaign.VulnerabilityReport, opts exploit.Options) (*campaign.ExploitResult, error)
}

// Coordinator sequences the three phases for a campaign. The
// coordinator is the sole artifact writer: engines are wired without
// a store and hand their results back here.
type Coordinator struct {
	cfg     config.Config
	store   *store.Store
	bus     *events.Bus
	recon   ReconRunner
	scan    ScanRunner
	exploit ExploitRunner
}

// New builds a coordinator. bus may be nil for silent runs.
func New(cfg config.Config, st *store.Store, bus *events.Bus, rec ReconRunner, sc ScanRunner, ex ExploitRunner) *Coordinator {
	return &Coordinator{cfg: cfg, store: st, bus: bus, recon: rec, scan: sc, exploit: ex}
}

// RunOptions tunes one coordinator run.
type RunOptions struct {
	// Spec is the target connection. A zero URL falls back to the
	// configured target.
	Spec target.Spec

	// Scope bounds reconnaissance. A zero scope is derived from the
	// recon config section.
	Scope recon.Scope

	// Seed drives the exploit engine's framing rotation.
	Seed int64
}

// Outcome is everything a completed (or stopped) run produced.
type Outcome struct {
	Campaign  *campaign.Campaign
	Blueprint *campaign.Blueprint
	Report    *campaign.VulnerabilityReport
	Result    *campaign.ExploitResult
}

// CreateCampaign mints and persists a campaign record in the created
// stage.
func (co *Coordinator) CreateCampaign(ctx context.Context, targetURL string, tags ...string) (*campaign.Campaign, error) {
	c := campaign.NewCampaign(targetURL, tags...)
	if err := co.persistStep(ctx, "campaign "+c.ID, func(pctx context.Context) error {
		return co.store.SaveCampaign(pctx, c)
	}); err != nil {
		return nil, err
	}
	logging.Pipeline("Created campaign %s for %s", c.ID, targetURL)
	logging.Audit().CampaignEvent(logging.AuditCampaignStart, c.ID, string(c.Stage), true)
	return c, nil
}

// Campaign fetches a campaign record.
func (co *Coordinator) Campaign(ctx context.Context, id string) (*campaign.Campaign, error) {
	return co.store.GetCampaign(ctx, id)
}

// Campaigns lists campaign records, optionally filtered by stage.
func (co *Coordinator) Campaigns(ctx context.Context, stage campaign.Stage) ([]*campaign.Campaign, error) {
	return co.store.ListCampaigns(ctx, stage)
}

// Run drives the campaign through recon, scan, and exploit. Phases
// whose artifact already exists are resumed from the store instead of
// re-run, so a crash between an artifact write and the stage update
// loses nothing. A context cancellation leaves the campaign at its
// in-progress stage for a later resume; any other phase failure marks
// it /failed and stops.
func (co *Coordinator) Run(ctx context.Context, campaignID string, opts RunOptions) (*Outcome, error) {
	timer := logging.StartTimer(logging.CategoryPipeline, "campaign_run")
	defer timer.Stop()

	c, err := co.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	if c.Stage.Terminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrCampaignTerminal, c.ID, c.Stage)
	}

	spec := opts.Spec
	if spec.URL == "" {
		spec = target.FromConfig(co.cfg.Target)
	}
	if spec.URL == "" {
		spec.URL = c.TargetURL
	}
	scope := opts.Scope
	if scope.Depth == "" && scope.MaxTurns == 0 {
		scope = ScopeFrom(co.cfg.Recon, scope.TargetDomain)
	}

	out := &Outcome{Campaign: c}
	co.publish(c.ID, "", events.TypeCampaignStarted, "", map[string]any{"stage": string(c.Stage)})
	logging.Pipeline("Running campaign %s from stage %s", c.ID, c.Stage)

	if out.Blueprint, err = co.runRecon(ctx, c, spec, scope); err != nil {
		return out, err
	}
	if out.Report, err = co.runScan(ctx, c, spec, out.Blueprint); err != nil {
		return out, err
	}
	if out.Result, err = co.runExploit(ctx, c, spec, out.Blueprint, out.Report, opts.Seed); err != nil {
		return out, err
	}

	if err := co.advance(ctx, c, campaign.StageDone); err != nil {
		return out, err
	}
	logging.Audit().CampaignEvent(logging.AuditCampaignComplete, c.ID, string(campaign.StageDone), true)
	co.publish(c.ID, "", events.TypeCampaignDone, "", map[string]any{"stage": string(c.Stage)})
	logging.Pipeline("Campaign %s done", c.ID)
	return out, nil
}

func (co *Coordinator) runRecon(ctx context.Context, c *campaign.Campaign, spec target.Spec, scope recon.Scope) (*campaign.Blueprint, error) {
	if c.ReconArtifactID != "" {
		logging.Pipeline("Campaign %s: reusing blueprint %s", c.ID, c.ReconArtifactID)
		return co.store.LoadBlueprint(ctx, c.ReconArtifactID)
	}

	if err := co.advance(ctx, c, campaign.StageRecon); err != nil {
		return nil, err
	}
	co.publish(c.ID, campaign.PhaseRecon, events.TypePhaseStarted, "", nil)

	bp, err := co.recon.Run(ctx, c.ID, spec, scope)
	if err != nil {
		return nil, co.failPhase(ctx, c, campaign.PhaseRecon, err)
	}
	if err := co.persistStep(ctx, "blueprint", func(pctx context.Context) error {
		return co.store.SaveBlueprint(pctx, c.ID, bp)
	}); err != nil {
		return nil, co.failPhase(ctx, c, campaign.PhaseRecon, err)
	}

	c.ReconArtifactID = c.ID
	if err := co.saveCampaign(ctx, c); err != nil {
		return nil, err
	}
	co.publish(c.ID, campaign.PhaseRecon, events.TypePhaseCompleted, "", map[string]any{"artifact_id": c.ReconArtifactID})
	return bp, nil
}

func (co *Coordinator) runScan(ctx context.Context, c *campaign.Campaign, spec target.Spec, bp *campaign.Blueprint) (*campaign.VulnerabilityReport, error) {
	if c.ScanArtifactID != "" {
		logging.Pipeline("Campaign %s: reusing report %s", c.ID, c.ScanArtifactID)
		return co.store.LoadReport(ctx, c.ScanArtifactID)
	}

	if err := co.advance(ctx, c, campaign.StageScan); err != nil {
		return nil, err
	}
	co.publish(c.ID, campaign.PhaseScan, events.TypePhaseStarted, "", nil)

	report, err := co.scan.Run(ctx, c.ID, spec, bp, co.cfg.Scan)
	if err != nil {
		return nil, co.failPhase(ctx, c, campaign.PhaseScan, err)
	}
	if err := co.persistStep(ctx, "report", func(pctx context.Context) error {
		return co.store.SaveReport(pctx, c.ID, report)
	}); err != nil {
		return nil, co.failPhase(ctx, c, campaign.PhaseScan, err)
	}

	c.ScanArtifactID = c.ID
	if err := co.saveCampaign(ctx, c); err != nil {
		return nil, err
	}
	co.publish(c.ID, campaign.PhaseScan, events.TypePhaseCompleted, "", map[string]any{"artifact_id": c.ScanArtifactID})
	return report, nil
}

func (co *Coordinator) runExploit(ctx context.Context, c *campaign.Campaign, spec target.Spec, bp *campaign.Blueprint, report *campaign.VulnerabilityReport, seed int64) (*campaign.ExploitResult, error) {
	if c.ExploitArtifactID != "" {
		logging.Pipeline("Campaign %s: reusing exploit result %s", c.ID, c.ExploitArtifactID)
		return co.store.LoadExploitResult(ctx, c.ExploitArtifactID)
	}

	if err := co.advance(ctx, c, campaign.StageExploit); err != nil {
		return nil, err
	}
	co.publish(c.ID, campaign.PhaseExploit, events.TypePhaseStarted, "", nil)

	res, err := co.exploit.Run(ctx, c.ID, spec, bp, report, exploit.Options{
		Config:  co.cfg.Exploit,
		Scoring: co.cfg.Scoring,
		Seed:    seed,
	})
	if err != nil {
		return nil, co.failPhase(ctx, c, campaign.PhaseExploit, err)
	}

	// The episode write happened inside the engine, so the artifact
	// write below is ordered after it.
	if err := co.persistStep(ctx, "exploit result", func(pctx context.Context) error {
		return co.store.SaveExploitResult(pctx, c.ID, res)
	}); err != nil {
		return nil, co.failPhase(ctx, c, campaign.PhaseExploit, err)
	}

	if res.Cancelled {
		// Partial artifact lands for inspection but the phase did
		// not complete; the campaign stays resumable.
		logging.Pipeline("Campaign %s cancelled during exploit after %d iterations", c.ID, res.IterationsRun)
		return res, context.Canceled
	}

	c.ExploitArtifactID = c.ID
	if err := co.saveCampaign(ctx, c); err != nil {
		return nil, err
	}
	co.publish(c.ID, campaign.PhaseExploit, events.TypePhaseCompleted, "", map[string]any{"artifact_id": c.ExploitArtifactID})
	return res, nil
}

// failPhase routes a phase error: cancellations leave the campaign
// resumable, everything else marks it /failed with the reason.
func (co *Coordinator) failPhase(ctx context.Context, c *campaign.Campaign, phase campaign.Phase, cause error) error {
	if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
		logging.Pipeline("Campaign %s stopped during %s: %v", c.ID, phase, cause)
		return cause
	}

	co.publish(c.ID, phase, events.TypePhaseFailed, "", map[string]any{
		"reason": cause.Error(),
		"code":   failureCode(cause),
	})
	c.FailureReason = cause.Error()
	if err := c.Advance(campaign.StageFailed); err == nil {
		if err := co.saveCampaign(ctx, c); err != nil {
			logging.PipelineWarn("Recording failure for %s: %v", c.ID, err)
		}
	}
	logging.Audit().CampaignEvent(logging.AuditCampaignAbort, c.ID, strings.TrimPrefix(string(phase), "/"), false)
	co.publish(c.ID, "", events.TypeCampaignDone, "", map[string]any{"stage": string(c.Stage)})
	logging.PipelineError("Campaign %s failed during %s: %v", c.ID, phase, cause)
	return fmt.Errorf("pipeline: %s phase: %w", strings.TrimPrefix(string(phase), "/"), cause)
}

// advance moves the campaign stage and persists the record. Resuming
// an interrupted phase, where the stage is already current, is a
// no-op.
func (co *Coordinator) advance(ctx context.Context, c *campaign.Campaign, next campaign.Stage) error {
	if c.Stage == next {
		return nil
	}
	if err := c.Advance(next); err != nil {
		return err
	}
	logging.Audit().CampaignEvent(logging.AuditCampaignPhase, c.ID, strings.TrimPrefix(string(next), "/"), true)
	return co.saveCampaign(ctx, c)
}

func (co *Coordinator) saveCampaign(ctx context.Context, c *campaign.Campaign) error {
	return co.persistStep(ctx, "campaign "+c.ID, func(pctx context.Context) error {
		return co.store.SaveCampaign(pctx, c)
	})
}

// persistStep retries a store write on transient failures. Writes
// still land after a cancellation so partial progress survives.
func (co *Coordinator) persistStep(ctx context.Context, what string, fn func(context.Context) error) error {
	pctx := ctx
	var cancel context.CancelFunc
	if ctx.Err() != nil {
		pctx, cancel = context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
	}

	var err error
	for attempt := 1; attempt <= persistAttempts; attempt++ {
		if err = fn(pctx); err == nil {
			return nil
		}
		if errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrUnknownKind) || pctx.Err() != nil {
			break
		}
		logging.PipelineWarn("Persisting %s failed (attempt %d/%d): %v", what, attempt, persistAttempts, err)
		select {
		case <-time.After(persistBaseWait * time.Duration(attempt)):
		case <-pctx.Done():
			return pctx.Err()
		}
	}
	return fmt.Errorf("pipeline: persisting %s: %w", what, err)
}

func (co *Coordinator) publish(campaignID string, phase campaign.Phase, typ events.Type, message string, data any) {
	if co.bus == nil {
		return
	}
	co.bus.Publish(campaignID, phase, typ, message, data)
}

// failureCode maps a phase error onto the closed wire-level code set.
func failureCode(err error) string {
	var veto *policy.VetoError
	switch {
	case errors.As(err, &veto):
		return "policy_veto"
	case errors.Is(err, scan.ErrScanDegraded):
		return "scan_degraded"
	case errors.Is(err, scan.ErrNoBlueprint):
		return "no_blueprint"
	case errors.Is(err, recon.ErrTargetUnreachable):
		return "target_unreachable"
	case errors.Is(err, exploit.ErrNoObjective):
		return "no_objective"
	case errors.Is(err, target.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, target.ErrTimeout):
		return "timeout"
	case errors.Is(err, target.ErrRefused):
		return "refused"
	case errors.Is(err, store.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// ScopeFrom translates the yaml recon section into a recon scope.
func ScopeFrom(cfg config.ReconConfig, targetDomain string) recon.Scope {
	depth := campaign.DepthStandard
	switch strings.ToLower(strings.TrimPrefix(cfg.Depth, "/")) {
	case "shallow":
		depth = campaign.DepthShallow
	case "aggressive", "deep", "thorough":
		depth = campaign.DepthAggressive
	}
	return recon.Scope{
		Depth:           depth,
		TargetDomain:    targetDomain,
		DedupSimilarity: cfg.DedupSimilarity,
	}
}
