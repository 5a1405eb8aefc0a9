// Package scan runs the vulnerability scanning phase: a policy-gated,
// LLM-planned sweep of the probe catalog against the target. The
// result is the VulnerabilityReport artifact the exploit engine feeds
// on. Execution flows LoadRecon -> CheckSafety -> Plan -> Execute ->
// Persist; the safety gate is the only state that can veto a scan.
package scan

import (
	"context"
	"errors"
	"fmt"
	"time"

	"redforge/internal/campaign"
	"redforge/internal/config"
	"redforge/internal/events"
	"redforge/internal/gateway"
	"redforge/internal/logging"
	"redforge/internal/policy"
	"redforge/internal/probe"
	"redforge/internal/schedule"
	"redforge/internal/store"
	"redforge/internal/target"
)

// ErrScanDegraded means more than half of the planned probes errored
// out; the report is not trustworthy and is not persisted.
var ErrScanDegraded = errors.New("scan: degraded, too many probes errored")

// ErrNoBlueprint means the scan was started without a recon artifact.
var ErrNoBlueprint = errors.New("scan: no blueprint for campaign")

// defaultPlanningTimeout bounds the LLM planning conversation before
// the static fallback plan takes over.
const defaultPlanningTimeout = 10 * time.Second

// targetSender is the slice of the target client the engine uses.
type targetSender interface {
	Send(ctx context.Context, prompt string, spec target.Spec) (target.Response, error)
}

// Engine drives the scanning state machine.
type Engine struct {
	gw      gateway.Gateway
	client  targetSender
	gate    *policy.Gate
	catalog *probe.Catalog
	sched   *schedule.Scheduler
	store   *store.Store
	bus     *events.Bus
}

// New builds a scan engine. store and bus may be nil; a nil store
// skips persistence, a nil bus runs silently.
func New(gw gateway.Gateway, client targetSender, gate *policy.Gate, catalog *probe.Catalog, sched *schedule.Scheduler, st *store.Store, bus *events.Bus) *Engine {
	return &Engine{gw: gw, client: client, gate: gate, catalog: catalog, sched: sched, store: st, bus: bus}
}

func (e *Engine) publish(campaignID, message string, data any) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(campaignID, campaign.PhaseScan, events.TypePhaseProgress, message, data)
}

// Run executes the scan for one campaign. bp may be nil, in which
// case the blueprint is loaded from the store.
func (e *Engine) Run(ctx context.Context, campaignID string, spec target.Spec, bp *campaign.Blueprint, cfg config.ScanConfig) (*campaign.VulnerabilityReport, error) {
	timer := logging.StartTimer(logging.CategoryScan, "scan_run")
	defer timer.Stop()

	// LoadRecon
	if bp == nil {
		if e.store == nil {
			return nil, fmt.Errorf("%w: %s", ErrNoBlueprint, campaignID)
		}
		loaded, err := e.store.LoadBlueprint(ctx, campaignID)
		if err != nil {
			return nil, fmt.Errorf("%w: %s: %v", ErrNoBlueprint, campaignID, err)
		}
		bp = loaded
	}

	// CheckSafety
	candidates, err := e.checkSafety(ctx, campaignID, bp)
	if err != nil {
		return nil, err
	}

	// Plan
	plan, err := e.plan(ctx, campaignID, bp, candidates, cfg)
	if err != nil {
		logging.ScanError("Planning for %s failed: %v", campaignID, err)
		return nil, fmt.Errorf("scan: planning failed: %w", err)
	}
	logging.Scan("Scan plan for %s: %d probes, approach %s (static=%v)",
		campaignID, len(plan.SelectedProbes), plan.Approach, plan.Static)

	// Execute
	outcomes, err := e.execute(ctx, campaignID, spec, plan)
	if err != nil {
		return nil, err
	}

	errored := 0
	for _, oc := range outcomes {
		if oc.errored() {
			errored++
		}
	}
	if errored*2 > len(plan.SelectedProbes) {
		logging.Audit().CampaignEvent(logging.AuditCampaignPhase, campaignID, "scan", false)
		return nil, fmt.Errorf("%w: %d of %d probes errored",
			ErrScanDegraded, errored, len(plan.SelectedProbes))
	}

	report := &campaign.VulnerabilityReport{
		CampaignID:  campaignID,
		Timestamp:   time.Now().UTC(),
		Clusters:    clusterOutcomes(outcomes),
		Plan:        *plan,
		ProbesRun:   len(outcomes),
		ProbeErrors: errored,
	}

	// Persist
	if e.store != nil {
		if err := e.store.SaveReport(ctx, campaignID, report); err != nil {
			return nil, fmt.Errorf("scan: persisting report: %w", err)
		}
	}

	logging.Audit().CampaignEvent(logging.AuditCampaignPhase, campaignID, "scan", true)
	logging.Scan("Scan for %s complete: %d clusters from %d probes (%d errored)",
		campaignID, len(report.Clusters), report.ProbesRun, errored)
	e.publish(campaignID, "complete", map[string]any{
		"vulnerabilities": len(report.Clusters),
		"probes_run":      report.ProbesRun,
		"probe_errors":    errored,
	})
	return report, nil
}

// checkSafety runs the policy gate over the classified candidate set
// and returns the surviving probes. A denial comes back as VetoError.
func (e *Engine) checkSafety(ctx context.Context, campaignID string, bp *campaign.Blueprint) ([]probe.Probe, error) {
	candidates := e.catalog.Classify(bp)
	if e.gate == nil {
		return candidates, nil
	}

	refs := make([]policy.ProbeRef, len(candidates))
	for i, p := range candidates {
		refs[i] = policy.ProbeRef{Name: p.Name, Category: string(p.Category)}
	}
	dec, err := e.gate.Check(ctx, campaignID, bp, refs)
	if err != nil {
		return nil, fmt.Errorf("scan: safety check: %w", err)
	}
	if !dec.Allowed {
		e.publish(campaignID, "scan vetoed by policy", map[string]any{"reason": dec.Reason})
		return nil, &policy.VetoError{Reason: dec.Reason}
	}

	if len(dec.Trimmed) > 0 {
		logging.ScanWarn("Policy trimmed %d probes for %s", len(dec.Trimmed), campaignID)
		e.publish(campaignID, fmt.Sprintf("policy trimmed %d probes", len(dec.Trimmed)),
			map[string]any{"trimmed": dec.Trimmed})
	}
	allowed := make(map[string]bool, len(dec.Probes))
	for _, name := range dec.Probes {
		allowed[name] = true
	}
	var out []probe.Probe
	for _, p := range candidates {
		if allowed[p.Name] {
			out = append(out, p)
		}
	}
	return out, nil
}
