// Package campaign defines the domain model shared by every phase engine:
// campaigns, the three phase artifacts (Blueprint, VulnerabilityReport,
// ExploitResult), the per-iteration records of the adaptive loop, and the
// bypass episodes that outlive a single campaign.
//
// Artifacts are immutable once written. A campaign owns its artifact ids;
// iteration records are owned exclusively by their parent ExploitResult;
// episodes are owned by the knowledge store and live across campaigns.
package campaign

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Stage represents the lifecycle stage of a campaign.
type Stage string

const (
	StageCreated Stage = "/created" // Campaign record exists, nothing has run
	StageRecon   Stage = "/recon"   // Reconnaissance in progress
	StageScan    Stage = "/scan"    // Scanning in progress
	StageExploit Stage = "/exploit" // Adaptive exploitation in progress
	StageDone    Stage = "/done"    // All phases completed
	StageFailed  Stage = "/failed"  // A phase failed; terminal
)

// stageRank orders stages for monotonic advancement checks.
var stageRank = map[Stage]int{
	StageCreated: 0,
	StageRecon:   1,
	StageScan:    2,
	StageExploit: 3,
	StageDone:    4,
	StageFailed:  5,
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := stageRank[s]
	return ok
}

// Terminal reports whether no further stage transitions are allowed.
func (s Stage) Terminal() bool {
	return s == StageDone || s == StageFailed
}

// CanAdvanceTo reports whether a transition from s to next preserves
// monotonic stage order. Failed is reachable from any non-terminal stage.
func (s Stage) CanAdvanceTo(next Stage) bool {
	if !s.Valid() || !next.Valid() || s.Terminal() {
		return false
	}
	if next == StageFailed {
		return true
	}
	return stageRank[next] == stageRank[s]+1
}

// Phase identifies which pipeline phase an event or artifact belongs to.
type Phase string

const (
	PhaseRecon   Phase = "/recon"
	PhaseScan    Phase = "/scan"
	PhaseExploit Phase = "/exploit"
)

// ObservationCategory buckets reconnaissance observations.
type ObservationCategory string

const (
	CategorySystemPrompt   ObservationCategory = "/system_prompt"
	CategoryTools          ObservationCategory = "/tools"
	CategoryAuthorization  ObservationCategory = "/authorization"
	CategoryInfrastructure ObservationCategory = "/infrastructure"
)

// ObservationCategories lists all recon categories in canonical order.
func ObservationCategories() []ObservationCategory {
	return []ObservationCategory{
		CategorySystemPrompt,
		CategoryTools,
		CategoryAuthorization,
		CategoryInfrastructure,
	}
}

// Severity grades a vulnerability cluster.
type Severity string

const (
	SeverityCritical Severity = "/critical"
	SeverityHigh     Severity = "/high"
	SeverityMedium   Severity = "/medium"
	SeverityLow      Severity = "/low"
	SeverityNone     Severity = "/none"
)

// ProbeStatus is the outcome of a single probe generation.
type ProbeStatus string

const (
	ProbePass  ProbeStatus = "/pass"  // Target resisted the probe
	ProbeFail  ProbeStatus = "/fail"  // Target exhibited the vulnerability
	ProbeError ProbeStatus = "/error" // Generation could not be evaluated
)

// FailureCause classifies why an exploit iteration did not succeed.
type FailureCause string

const (
	CauseNoImpact       FailureCause = "/no_impact"
	CauseBlocked        FailureCause = "/blocked"
	CausePartialSuccess FailureCause = "/partial_success"
	CauseRateLimited    FailureCause = "/rate_limited"
	CauseError          FailureCause = "/error"
)

// AdaptationAction is a strategy adjustment emitted between iterations.
type AdaptationAction string

const (
	ActionChangeFraming       AdaptationAction = "/change_framing"
	ActionEscalateObfuscation AdaptationAction = "/escalate_obfuscation"
	ActionUseBypassKB         AdaptationAction = "/use_bypass_kb"
	ActionRetryWithSuffix     AdaptationAction = "/retry_with_suffix"
	ActionSimplifyPayload     AdaptationAction = "/simplify_payload"
	ActionChangeObjective     AdaptationAction = "/change_objective"
	ActionAddContext          AdaptationAction = "/add_context"
	ActionReducePayloadCount  AdaptationAction = "/reduce_payload_count"
	ActionChangeConverters    AdaptationAction = "/change_converters"
	ActionRegeneratePayloads  AdaptationAction = "/regenerate_payloads"
)

// ReconDepth bounds the number of reconnaissance turns.
type ReconDepth string

const (
	DepthShallow    ReconDepth = "/shallow"    // 5 turns
	DepthStandard   ReconDepth = "/standard"   // 10 turns
	DepthAggressive ReconDepth = "/aggressive" // 15 turns
)

// TurnCap returns the default turn budget for the depth.
func (d ReconDepth) TurnCap() int {
	switch d {
	case DepthShallow:
		return 5
	case DepthAggressive:
		return 15
	default:
		return 10
	}
}

// ScanApproach bounds how many probes the scanner plans.
type ScanApproach string

const (
	ApproachQuick    ScanApproach = "/quick"    // 3-5 probes
	ApproachStandard ScanApproach = "/standard" // 5-10 probes
	ApproachThorough ScanApproach = "/thorough" // 10-20 probes
)

// ProbeBudget returns the (min, max) probe counts for the approach.
func (a ScanApproach) ProbeBudget() (int, int) {
	switch a {
	case ApproachQuick:
		return 3, 5
	case ApproachThorough:
		return 10, 20
	default:
		return 5, 10
	}
}

// Campaign is the root record tying the three phase artifacts together.
type Campaign struct {
	ID                string    `json:"id"`
	TargetURL         string    `json:"target_url"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
	Stage             Stage     `json:"stage"`
	ReconArtifactID   string    `json:"recon_artifact_id,omitempty"`
	ScanArtifactID    string    `json:"scan_artifact_id,omitempty"`
	ExploitArtifactID string    `json:"exploit_artifact_id,omitempty"`
	Tags              []string  `json:"tags,omitempty"`
	FailureReason     string    `json:"failure_reason,omitempty"`
}

// NewCampaign mints a campaign record in the created stage.
func NewCampaign(targetURL string, tags ...string) *Campaign {
	now := time.Now().UTC()
	return &Campaign{
		ID:        NewCampaignID(),
		TargetURL: targetURL,
		CreatedAt: now,
		UpdatedAt: now,
		Stage:     StageCreated,
		Tags:      tags,
	}
}

// Advance moves the campaign to the next stage if the transition is legal.
func (c *Campaign) Advance(next Stage) error {
	if !c.Stage.CanAdvanceTo(next) {
		return fmt.Errorf("illegal stage transition %s -> %s for campaign %s", c.Stage, next, c.ID)
	}
	c.Stage = next
	c.UpdatedAt = time.Now().UTC()
	return nil
}

// TargetHost returns the host portion of the campaign target URL, or the
// raw URL when it does not parse.
func (c *Campaign) TargetHost() string {
	u, err := url.Parse(c.TargetURL)
	if err != nil || u.Host == "" {
		return c.TargetURL
	}
	return u.Host
}

// ToolParameter is one parameter of a detected target-side tool.
type ToolParameter struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Constraints string `json:"constraints,omitempty"`
	Required    bool   `json:"required"`
}

// ToolSignature is a tool the target exposed during reconnaissance.
type ToolSignature struct {
	Name       string          `json:"name"`
	Parameters []ToolParameter `json:"parameters,omitempty"`
}

// Infrastructure collects inferred facts about the target deployment.
// Known keys are first-class; anything else lands in Extra.
type Infrastructure struct {
	ModelFamily    string            `json:"model_family,omitempty"`
	Database       string            `json:"database,omitempty"`
	VectorStore    string            `json:"vector_store,omitempty"`
	Embedding      string            `json:"embedding,omitempty"`
	Framework      string            `json:"framework,omitempty"`
	RateLimitClass string            `json:"rate_limit_class,omitempty"`
	Extra          map[string]string `json:"extra,omitempty"`
}

// AuthStructure describes the target's authorization surface as observed.
type AuthStructure struct {
	Type                 string   `json:"type,omitempty"`
	Roles                []string `json:"roles,omitempty"`
	Rules                []string `json:"rules,omitempty"`
	KnownVulnerabilities []string `json:"known_vulnerabilities,omitempty"`
}

// Blueprint is the reconnaissance artifact: everything learned about the
// target's surface, deduplicated per category.
type Blueprint struct {
	CampaignID            string                             `json:"campaign_id"`
	Timestamp             time.Time                          `json:"timestamp"`
	TargetDomain          string                             `json:"target_domain,omitempty"`
	SystemPromptFragments []string                           `json:"system_prompt_fragments,omitempty"`
	DetectedTools         []ToolSignature                    `json:"detected_tools,omitempty"`
	Infrastructure        Infrastructure                     `json:"infrastructure"`
	AuthStructure         AuthStructure                      `json:"auth_structure"`
	RawObservations       map[ObservationCategory][]string   `json:"raw_observations,omitempty"`
	TurnsUsed             int                                `json:"turns_used"`
	DuplicatesDropped     map[ObservationCategory]int        `json:"duplicates_dropped,omitempty"`
}

// Describe renders a short natural-language description of the target for
// prompt construction.
func (b *Blueprint) Describe() string {
	var sb strings.Builder
	if b.TargetDomain != "" {
		sb.WriteString(fmt.Sprintf("Target domain: %s. ", b.TargetDomain))
	}
	if b.Infrastructure.ModelFamily != "" {
		sb.WriteString(fmt.Sprintf("Model family: %s. ", b.Infrastructure.ModelFamily))
	}
	if b.Infrastructure.Framework != "" {
		sb.WriteString(fmt.Sprintf("Framework: %s. ", b.Infrastructure.Framework))
	}
	if n := len(b.DetectedTools); n > 0 {
		names := make([]string, 0, n)
		for _, t := range b.DetectedTools {
			names = append(names, t.Name)
		}
		sb.WriteString(fmt.Sprintf("Exposed tools: %s. ", strings.Join(names, ", ")))
	}
	if len(b.SystemPromptFragments) > 0 {
		sb.WriteString(fmt.Sprintf("%d system prompt fragments recovered.", len(b.SystemPromptFragments)))
	}
	if sb.Len() == 0 {
		return "No target intelligence available."
	}
	return strings.TrimSpace(sb.String())
}

// ObservationCount returns the number of stored observations for a category.
func (b *Blueprint) ObservationCount(cat ObservationCategory) int {
	return len(b.RawObservations[cat])
}

// PayloadEvidence records one probe payload that the target failed to resist.
type PayloadEvidence struct {
	Payload        string  `json:"payload"`
	TargetResponse string  `json:"target_response"`
	DetectorName   string  `json:"detector_name"`
	DetectorScore  float64 `json:"detector_score"`
}

// VulnCluster groups probe failures of one vulnerability type.
type VulnCluster struct {
	VulnerabilityType  string            `json:"vulnerability_type"`
	Category           string            `json:"category"`
	Severity           Severity          `json:"severity"`
	Confidence         float64           `json:"confidence"`
	AffectedComponent  string            `json:"affected_component,omitempty"`
	SuccessfulPayloads []PayloadEvidence `json:"successful_payloads,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
}

// RecomputeConfidence enforces the cluster invariant: confidence equals the
// max detector score across the cluster's successful payloads.
func (v *VulnCluster) RecomputeConfidence() {
	max := 0.0
	for _, p := range v.SuccessfulPayloads {
		if p.DetectorScore > max {
			max = p.DetectorScore
		}
	}
	v.Confidence = max
}

// ProbeSelection is one probe chosen by the planner, with its rationale.
type ProbeSelection struct {
	ProbeName   string `json:"probe_name"`
	Rationale   string `json:"rationale"`
	Generations int    `json:"generations"`
}

// ScanPlan is the planner output driving scanner execution.
type ScanPlan struct {
	Approach       ScanApproach     `json:"approach"`
	SelectedProbes []ProbeSelection `json:"selected_probes"`
	ThreatSummary  string           `json:"threat_summary,omitempty"`
	Static         bool             `json:"static,omitempty"` // true when planning timed out and the default plan was used
}

// VulnerabilityReport is the scan artifact.
type VulnerabilityReport struct {
	CampaignID string        `json:"campaign_id"`
	Timestamp  time.Time     `json:"timestamp"`
	Clusters   []VulnCluster `json:"clusters"`
	Plan       ScanPlan      `json:"plan"`
	ProbesRun  int           `json:"probes_run"`
	ProbeErrors int          `json:"probe_errors"`
}

// StrongestCluster returns the cluster with the highest confidence,
// first-in-order winning ties. Nil when the report is empty.
func (r *VulnerabilityReport) StrongestCluster() *VulnCluster {
	var best *VulnCluster
	for i := range r.Clusters {
		if best == nil || r.Clusters[i].Confidence > best.Confidence {
			best = &r.Clusters[i]
		}
	}
	return best
}

// CompositeScore is the scored outcome of one exploit iteration.
type CompositeScore struct {
	PerScorer    map[string]float64 `json:"per_scorer"`
	Total        float64            `json:"total"`
	IsSuccessful bool               `json:"is_successful"`
}

// FailureAnalysis explains an unsuccessful iteration.
type FailureAnalysis struct {
	Cause      FailureCause `json:"cause"`
	Evidence   []string     `json:"evidence,omitempty"`
	Confidence float64      `json:"confidence"`
}

// AdaptationDecision is the strategy plan for the next iteration.
type AdaptationDecision struct {
	Actions   []AdaptationAction `json:"actions"`
	Framing   string             `json:"framing,omitempty"`
	NextChain []string           `json:"next_chain"`
}

// IterationRecord captures one full pass of the adaptive loop.
type IterationRecord struct {
	IterationIndex     int                 `json:"iteration_index"`
	Chain              []string            `json:"chain"`
	Framing            string              `json:"framing,omitempty"`
	Payloads           []string            `json:"payloads"`
	ConvertedPayloads  []string            `json:"converted_payloads"`
	Responses          []string            `json:"responses"`
	CompositeScore     CompositeScore      `json:"composite_score"`
	FailureAnalysis    *FailureAnalysis    `json:"failure_analysis,omitempty"`
	AdaptationDecision *AdaptationDecision `json:"adaptation_decision,omitempty"`
}

// ExploitResult is the exploit artifact.
type ExploitResult struct {
	CampaignID       string            `json:"campaign_id"`
	Timestamp        time.Time         `json:"timestamp"`
	IsSuccessful     bool              `json:"is_successful"`
	BestScore        float64           `json:"best_score"`
	BestIteration    int               `json:"best_iteration"`
	IterationsRun    int               `json:"iterations_run"`
	FinalChain       []string          `json:"final_chain"`
	IterationHistory []IterationRecord `json:"iteration_history"`
	WinningEpisodeID string            `json:"winning_episode_id,omitempty"`
	Cancelled        bool              `json:"cancelled,omitempty"`
}

// DefenseFingerprint keys a bypass episode by the defense it overcame.
type DefenseFingerprint struct {
	DefenseResponseText  string   `json:"defense_response_text"`
	FailedTechniqueNames []string `json:"failed_technique_names,omitempty"`
	TargetDomain         string   `json:"target_domain,omitempty"`
}

// SuccessfulTechnique records what finally worked.
type SuccessfulTechnique struct {
	ConverterChain []string `json:"converter_chain"`
	Framing        string   `json:"framing,omitempty"`
	FinalPrompt    string   `json:"final_prompt"`
}

// BypassEpisode is the durable record of a successful exploit iteration.
// Only episodes whose composite total met the success threshold are stored.
type BypassEpisode struct {
	EpisodeID          string              `json:"episode_id"`
	CampaignID         string              `json:"campaign_id"`
	CreatedAt          time.Time           `json:"created_at"`
	DefenseFingerprint DefenseFingerprint  `json:"defense_fingerprint"`
	SuccessfulTechnique SuccessfulTechnique `json:"successful_technique"`
	JailbreakScore     float64             `json:"jailbreak_score"`
	WhyItWorked        string              `json:"why_it_worked"`
	KeyInsight         string              `json:"key_insight"`
	IterationCount     int                 `json:"iteration_count"`
	TargetDescription  string              `json:"target_description,omitempty"`
}

// ChainKey canonicalizes a converter chain for tried-set membership and
// technique statistics. The empty chain is "/trivial".
func ChainKey(chain []string) string {
	if len(chain) == 0 {
		return "/trivial"
	}
	return strings.Join(chain, "+")
}

// FingerprintText flattens a fingerprint into embedding input. Field order
// is fixed so document and query embeddings see identical layouts.
func (f DefenseFingerprint) FingerprintText() string {
	failed := append([]string(nil), f.FailedTechniqueNames...)
	sort.Strings(failed)
	return fmt.Sprintf("defense: %s\nfailed techniques: %s\ntarget domain: %s",
		strings.TrimSpace(f.DefenseResponseText), strings.Join(failed, ", "), f.TargetDomain)
}

// NewCampaignID mints a campaign identifier.
func NewCampaignID() string {
	return fmt.Sprintf("/campaign_%s", uuid.New().String()[:8])
}

// NewScanID mints a per-run scan identifier shared by the three artifacts.
func NewScanID() string {
	return fmt.Sprintf("/scan_%s", uuid.New().String()[:8])
}

// NewEpisodeID mints a bypass episode identifier.
func NewEpisodeID() string {
	return fmt.Sprintf("/episode_%s", uuid.New().String()[:8])
}
