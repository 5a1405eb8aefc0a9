package pipeline

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"redforge/internal/campaign"
	"redforge/internal/config"
	"redforge/internal/events"
	"redforge/internal/exploit"
	"redforge/internal/policy"
	"redforge/internal/recon"
	"redforge/internal/scan"
	"redforge/internal/store"
	"redforge/internal/target"
)

type fakeRecon struct {
	bp    *campaign.Blueprint
	err   error
	calls int
}

func (f *fakeRecon) Run(ctx context.Context, campaignID string, spec target.Spec, scope recon.Scope) (*campaign.Blueprint, error) {
	f.calls++
	return f.bp, f.err
}

type fakeScan struct {
	report *campaign.VulnerabilityReport
	err    error
	calls  int
	gotBP  *campaign.Blueprint
	gotCfg config.ScanConfig
}

func (f *fakeScan) Run(ctx context.Context, campaignID string, spec target.Spec, bp *campaign.Blueprint, cfg config.ScanConfig) (*campaign.VulnerabilityReport, error) {
	f.calls++
	f.gotBP = bp
	f.gotCfg = cfg
	return f.report, f.err
}

type fakeExploit struct {
	result    *campaign.ExploitResult
	err       error
	calls     int
	gotReport *campaign.VulnerabilityReport
	gotOpts   exploit.Options
}

func (f *fakeExploit) Run(ctx context.Context, campaignID string, spec target.Spec, bp *campaign.Blueprint, report *campaign.VulnerabilityReport, opts exploit.Options) (*campaign.ExploitResult, error) {
	f.calls++
	f.gotReport = report
	f.gotOpts = opts
	return f.result, f.err
}

func testBlueprint() *campaign.Blueprint {
	return &campaign.Blueprint{TargetDomain: "customer support bot"}
}

func testReport() *campaign.VulnerabilityReport {
	return &campaign.VulnerabilityReport{
		Clusters: []campaign.VulnCluster{{
			VulnerabilityType: "/jailbreak",
			Severity:          campaign.SeverityHigh,
			Confidence:        0.9,
		}},
	}
}

func testResult() *campaign.ExploitResult {
	return &campaign.ExploitResult{IsSuccessful: true, BestScore: 0.9, IterationsRun: 2}
}

func testConfig() config.Config {
	return config.Config{
		Scan:    config.ScanConfig{Approach: "quick"},
		Exploit: config.ExploitConfig{MaxIterations: 4},
	}
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.New(":memory:")
	if err != nil {
		t.Fatalf("store.New: %v", err)
	}
	t.Cleanup(func() { st.Close() })
	return st
}

func runOptions() RunOptions {
	return RunOptions{Spec: target.Spec{URL: "http://chatbot.example.com/api/chat"}}
}

// drainEvents reads the subscription until it stays silent.
func drainEvents(sub *events.Subscription) []events.Event {
	var out []events.Event
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return out
			}
			out = append(out, ev)
		case <-time.After(200 * time.Millisecond):
			return out
		}
	}
}

func TestRunHappyPath(t *testing.T) {
	st := newTestStore(t)
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(256)

	rec := &fakeRecon{bp: testBlueprint()}
	sc := &fakeScan{report: testReport()}
	ex := &fakeExploit{result: testResult()}
	co := New(testConfig(), st, bus, rec, sc, ex)

	c, err := co.CreateCampaign(context.Background(), "http://chatbot.example.com/api/chat", "demo")
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	out, err := co.Run(context.Background(), c.ID, runOptions())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if out.Campaign.Stage != campaign.StageDone {
		t.Errorf("stage = %s, want done", out.Campaign.Stage)
	}
	if out.Blueprint == nil || out.Report == nil || out.Result == nil {
		t.Fatal("outcome missing phase results")
	}
	if rec.calls != 1 || sc.calls != 1 || ex.calls != 1 {
		t.Errorf("runner calls = %d/%d/%d, want 1 each", rec.calls, sc.calls, ex.calls)
	}
	if sc.gotBP != rec.bp {
		t.Error("scan did not receive recon's blueprint")
	}
	if sc.gotCfg.Approach != "quick" {
		t.Errorf("scan config approach = %q, want quick", sc.gotCfg.Approach)
	}
	if ex.gotReport != sc.report {
		t.Error("exploit did not receive scan's report")
	}
	if ex.gotOpts.Config.MaxIterations != 4 {
		t.Errorf("exploit max iterations = %d, want from config", ex.gotOpts.Config.MaxIterations)
	}

	stored, err := st.GetCampaign(context.Background(), c.ID)
	if err != nil {
		t.Fatalf("GetCampaign: %v", err)
	}
	if stored.ReconArtifactID != c.ID || stored.ScanArtifactID != c.ID || stored.ExploitArtifactID != c.ID {
		t.Errorf("artifact ids not set: %+v", stored)
	}
	if _, err := st.LoadBlueprint(context.Background(), c.ID); err != nil {
		t.Errorf("blueprint not persisted: %v", err)
	}
	if _, err := st.LoadReport(context.Background(), c.ID); err != nil {
		t.Errorf("report not persisted: %v", err)
	}
	if _, err := st.LoadExploitResult(context.Background(), c.ID); err != nil {
		t.Errorf("exploit result not persisted: %v", err)
	}

	var types []events.Type
	var lastSeq uint64
	for _, ev := range drainEvents(sub) {
		if ev.CampaignID != c.ID {
			continue
		}
		if ev.Seq <= lastSeq {
			t.Errorf("sequence not monotonic: %d after %d", ev.Seq, lastSeq)
		}
		lastSeq = ev.Seq
		types = append(types, ev.Type)
	}
	want := []events.Type{
		events.TypeCampaignStarted,
		events.TypePhaseStarted, events.TypePhaseCompleted,
		events.TypePhaseStarted, events.TypePhaseCompleted,
		events.TypePhaseStarted, events.TypePhaseCompleted,
		events.TypeCampaignDone,
	}
	if len(types) != len(want) {
		t.Fatalf("event types = %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, types[i], want[i])
		}
	}
}

func TestRunStopsOnScanVeto(t *testing.T) {
	st := newTestStore(t)
	bus := events.NewBus()
	defer bus.Close()
	sub := bus.Subscribe(256)

	rec := &fakeRecon{bp: testBlueprint()}
	sc := &fakeScan{err: &policy.VetoError{Reason: "engagement rules forbid this target"}}
	ex := &fakeExploit{result: testResult()}
	co := New(testConfig(), st, bus, rec, sc, ex)

	c, err := co.CreateCampaign(context.Background(), "http://chatbot.example.com/api/chat")
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	_, err = co.Run(context.Background(), c.ID, runOptions())
	if err == nil {
		t.Fatal("expected the veto to surface")
	}
	var veto *policy.VetoError
	if !errors.As(err, &veto) {
		t.Errorf("err = %v, want a policy veto", err)
	}
	if ex.calls != 0 {
		t.Error("exploit must not run after a scan failure")
	}

	stored, _ := st.GetCampaign(context.Background(), c.ID)
	if stored.Stage != campaign.StageFailed {
		t.Errorf("stage = %s, want failed", stored.Stage)
	}
	if stored.FailureReason == "" {
		t.Error("failure reason not recorded")
	}
	if stored.ScanArtifactID != "" {
		t.Error("failed phase must not set an artifact id")
	}

	foundFailed := false
	for _, ev := range drainEvents(sub) {
		if ev.Type != events.TypePhaseFailed {
			continue
		}
		foundFailed = true
		data, ok := ev.Data.(map[string]any)
		if !ok {
			t.Fatalf("phase_failed data = %#v", ev.Data)
		}
		if data["code"] != "policy_veto" {
			t.Errorf("failure code = %v, want policy_veto", data["code"])
		}
	}
	if !foundFailed {
		t.Error("no phase_failed event published")
	}
}

func TestRunReconFailureMarksFailed(t *testing.T) {
	st := newTestStore(t)
	rec := &fakeRecon{err: fmt.Errorf("%w: connection refused", recon.ErrTargetUnreachable)}
	sc := &fakeScan{report: testReport()}
	ex := &fakeExploit{result: testResult()}
	co := New(testConfig(), st, nil, rec, sc, ex)

	c, err := co.CreateCampaign(context.Background(), "http://chatbot.example.com/api/chat")
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	if _, err := co.Run(context.Background(), c.ID, runOptions()); !errors.Is(err, recon.ErrTargetUnreachable) {
		t.Errorf("err = %v, want target unreachable", err)
	}
	if sc.calls != 0 || ex.calls != 0 {
		t.Error("later phases must not run after recon fails")
	}
	stored, _ := st.GetCampaign(context.Background(), c.ID)
	if stored.Stage != campaign.StageFailed {
		t.Errorf("stage = %s, want failed", stored.Stage)
	}
}

func TestRunResumesFromStoredArtifacts(t *testing.T) {
	st := newTestStore(t)
	rec := &fakeRecon{bp: testBlueprint()}
	sc := &fakeScan{report: testReport()}
	ex := &fakeExploit{result: testResult()}
	co := New(testConfig(), st, nil, rec, sc, ex)

	ctx := context.Background()
	c, err := co.CreateCampaign(ctx, "http://chatbot.example.com/api/chat")
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	// Simulate a prior run that finished recon and scan, then died
	// before the exploit phase started.
	if err := st.SaveBlueprint(ctx, c.ID, testBlueprint()); err != nil {
		t.Fatalf("SaveBlueprint: %v", err)
	}
	if err := st.SaveReport(ctx, c.ID, testReport()); err != nil {
		t.Fatalf("SaveReport: %v", err)
	}
	c.Stage = campaign.StageScan
	c.ReconArtifactID = c.ID
	c.ScanArtifactID = c.ID
	if err := st.SaveCampaign(ctx, c); err != nil {
		t.Fatalf("SaveCampaign: %v", err)
	}

	out, err := co.Run(ctx, c.ID, runOptions())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if rec.calls != 0 || sc.calls != 0 {
		t.Errorf("completed phases re-ran: recon %d, scan %d", rec.calls, sc.calls)
	}
	if ex.calls != 1 {
		t.Errorf("exploit calls = %d, want 1", ex.calls)
	}
	if ex.gotReport == nil || len(ex.gotReport.Clusters) != 1 {
		t.Error("exploit did not receive the stored report")
	}
	if out.Campaign.Stage != campaign.StageDone {
		t.Errorf("stage = %s, want done", out.Campaign.Stage)
	}
}

func TestRunCancelledExploitStaysResumable(t *testing.T) {
	st := newTestStore(t)
	rec := &fakeRecon{bp: testBlueprint()}
	sc := &fakeScan{report: testReport()}
	ex := &fakeExploit{result: &campaign.ExploitResult{Cancelled: true, IterationsRun: 1}}
	co := New(testConfig(), st, nil, rec, sc, ex)

	ctx := context.Background()
	c, err := co.CreateCampaign(ctx, "http://chatbot.example.com/api/chat")
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	if _, err := co.Run(ctx, c.ID, runOptions()); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}

	stored, _ := st.GetCampaign(ctx, c.ID)
	if stored.Stage != campaign.StageExploit {
		t.Errorf("stage = %s, want exploit (resumable)", stored.Stage)
	}
	if stored.ExploitArtifactID != "" {
		t.Error("cancelled phase must not set the artifact id")
	}
	partial, err := st.LoadExploitResult(ctx, c.ID)
	if err != nil {
		t.Fatalf("partial result not persisted: %v", err)
	}
	if !partial.Cancelled {
		t.Error("persisted partial lost the cancelled flag")
	}

	// A later run picks up at the exploit phase and completes.
	ex.result = testResult()
	out, err := co.Run(ctx, c.ID, runOptions())
	if err != nil {
		t.Fatalf("resume Run: %v", err)
	}
	if out.Campaign.Stage != campaign.StageDone {
		t.Errorf("resumed stage = %s, want done", out.Campaign.Stage)
	}
	if rec.calls != 1 || sc.calls != 1 {
		t.Errorf("earlier phases re-ran on resume: recon %d, scan %d", rec.calls, sc.calls)
	}
}

func TestRunRefusesTerminalCampaign(t *testing.T) {
	st := newTestStore(t)
	co := New(testConfig(), st, nil, &fakeRecon{}, &fakeScan{}, &fakeExploit{})

	ctx := context.Background()
	c, err := co.CreateCampaign(ctx, "http://chatbot.example.com/api/chat")
	if err != nil {
		t.Fatalf("CreateCampaign: %v", err)
	}
	c.Stage = campaign.StageDone
	if err := st.SaveCampaign(ctx, c); err != nil {
		t.Fatalf("SaveCampaign: %v", err)
	}

	if _, err := co.Run(ctx, c.ID, runOptions()); !errors.Is(err, ErrCampaignTerminal) {
		t.Errorf("err = %v, want ErrCampaignTerminal", err)
	}
}

func TestPersistStepRetriesTransientFailures(t *testing.T) {
	st := newTestStore(t)
	co := New(testConfig(), st, nil, &fakeRecon{}, &fakeScan{}, &fakeExploit{})

	attempts := 0
	err := co.persistStep(context.Background(), "flaky", func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return fmt.Errorf("disk busy")
		}
		return nil
	})
	if err != nil {
		t.Errorf("persistStep: %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}

	attempts = 0
	err = co.persistStep(context.Background(), "missing", func(ctx context.Context) error {
		attempts++
		return store.ErrNotFound
	})
	if !errors.Is(err, store.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if attempts != 1 {
		t.Errorf("permanent errors must not retry, got %d attempts", attempts)
	}
}

func TestFailureCode(t *testing.T) {
	cases := []struct {
		err  error
		want string
	}{
		{&policy.VetoError{Reason: "r"}, "policy_veto"},
		{fmt.Errorf("wrap: %w", scan.ErrScanDegraded), "scan_degraded"},
		{fmt.Errorf("wrap: %w", recon.ErrTargetUnreachable), "target_unreachable"},
		{fmt.Errorf("wrap: %w", exploit.ErrNoObjective), "no_objective"},
		{fmt.Errorf("wrap: %w", target.ErrRateLimited), "rate_limited"},
		{fmt.Errorf("plain"), "error"},
	}
	for _, tc := range cases {
		if got := failureCode(tc.err); got != tc.want {
			t.Errorf("failureCode(%v) = %q, want %q", tc.err, got, tc.want)
		}
	}
}

func TestScopeFrom(t *testing.T) {
	s := ScopeFrom(config.ReconConfig{Depth: "shallow", DedupSimilarity: 0.7}, "support bot")
	if s.Depth != campaign.DepthShallow || s.TargetDomain != "support bot" || s.DedupSimilarity != 0.7 {
		t.Errorf("unexpected scope %+v", s)
	}
	if s := ScopeFrom(config.ReconConfig{}, ""); s.Depth != campaign.DepthStandard {
		t.Errorf("default depth = %s, want standard", s.Depth)
	}
	if s := ScopeFrom(config.ReconConfig{Depth: "/aggressive"}, ""); s.Depth != campaign.DepthAggressive {
		t.Errorf("depth = %s, want aggressive", s.Depth)
	}
}
