// Package logging provides audit logging that outputs Mangle-queryable facts.
// Audit logs are structured events that can be parsed into Mangle predicates
// for declarative querying of campaign activity after the fact.
package logging

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// =============================================================================
// AUDIT EVENT TYPES - Maps to Mangle predicates
// =============================================================================

// AuditEventType defines the type of audit event (maps to Mangle predicate)
type AuditEventType string

const (
	// Campaign lifecycle events -> campaign_event/5
	AuditCampaignStart    AuditEventType = "campaign_start"
	AuditCampaignPhase    AuditEventType = "campaign_phase"
	AuditCampaignComplete AuditEventType = "campaign_complete"
	AuditCampaignAbort    AuditEventType = "campaign_abort"

	// Probe execution events -> probe_exec/6
	AuditProbeStart    AuditEventType = "probe_start"
	AuditProbeComplete AuditEventType = "probe_complete"
	AuditProbeError    AuditEventType = "probe_error"

	// Target traffic events -> target_request/6
	AuditTargetRequest  AuditEventType = "target_request"
	AuditTargetResponse AuditEventType = "target_response"
	AuditTargetError    AuditEventType = "target_error"

	// LLM gateway events -> llm_call/6
	AuditLLMRequest  AuditEventType = "llm_request"
	AuditLLMResponse AuditEventType = "llm_response"
	AuditLLMError    AuditEventType = "llm_error"

	// Policy gate events -> policy_check/4
	AuditPolicyCheck AuditEventType = "policy_check"
	AuditPolicyBlock AuditEventType = "policy_block"
	AuditPolicyAllow AuditEventType = "policy_allow"

	// Knowledge base events -> knowledge_op/5
	AuditEpisodeStore   AuditEventType = "episode_store"
	AuditEpisodeRecall  AuditEventType = "episode_recall"
	AuditEpisodeReembed AuditEventType = "episode_reembed"

	// Converter events -> converter_op/5
	AuditConvertApply AuditEventType = "convert_apply"
	AuditConvertError AuditEventType = "convert_error"

	// Scoring events -> score_event/5
	AuditScoreComputed AuditEventType = "score_computed"

	// Performance -> perf_metric/4
	AuditPerfMetric AuditEventType = "perf_metric"
	AuditPerfSlow   AuditEventType = "perf_slow"

	// Error events -> error_event/4
	AuditErrorGeneric  AuditEventType = "error_generic"
	AuditErrorCritical AuditEventType = "error_critical"
	AuditErrorRecovery AuditEventType = "error_recovery"
)

// =============================================================================
// AUDIT EVENT STRUCTURE
// =============================================================================

// AuditEvent represents a structured audit log entry that can be parsed to Mangle.
// Format: predicate(timestamp, category, ...args)
type AuditEvent struct {
	Timestamp  int64                  `json:"ts"`       // Unix milliseconds
	EventType  AuditEventType         `json:"event"`    // Maps to Mangle predicate
	Category   string                 `json:"cat"`      // Log category
	CampaignID string                 `json:"campaign"` // Campaign correlation
	RequestID  string                 `json:"req"`      // Request correlation
	Probe      string                 `json:"probe"`    // Probe name if applicable
	Target     string                 `json:"target"`   // Target of operation
	Action     string                 `json:"action"`   // Action being performed
	Success    bool                   `json:"success"`  // Operation succeeded
	DurationMs int64                  `json:"dur_ms"`   // Duration in milliseconds
	Error      string                 `json:"error"`    // Error message if failed
	Message    string                 `json:"msg"`      // Human-readable message
	Fields     map[string]interface{} `json:"fields"`   // Additional structured fields
	MangleFact string                 `json:"mangle"`   // Pre-formatted Mangle fact
}

// =============================================================================
// AUDIT LOGGER
// =============================================================================

var (
	auditFile   *os.File
	auditMu     sync.Mutex
	auditLogger *AuditLogger
)

// AuditLogger writes structured audit events
type AuditLogger struct {
	campaignID string
	category   Category
	probe      string
}

// InitAudit initializes the audit logging system
func InitAudit() error {
	if !IsDebugMode() {
		return nil
	}

	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		return nil // Already initialized
	}

	date := time.Now().Format("2006-01-02")
	auditPath := filepath.Join(logsDir, fmt.Sprintf("%s_audit.log", date))

	file, err := os.OpenFile(auditPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", err)
	}
	auditFile = file

	header := fmt.Sprintf("# Audit log started at %s\n# Format: Mangle-queryable structured events\n", time.Now().Format(time.RFC3339))
	auditFile.WriteString(header)

	return nil
}

// CloseAudit closes the audit log file
func CloseAudit() {
	auditMu.Lock()
	defer auditMu.Unlock()

	if auditFile != nil {
		auditFile.Close()
		auditFile = nil
	}
}

// Audit returns the global audit logger
func Audit() *AuditLogger {
	if auditLogger == nil {
		auditLogger = &AuditLogger{}
	}
	return auditLogger
}

// AuditWithCampaign creates an audit logger scoped to a campaign
func AuditWithCampaign(campaignID string) *AuditLogger {
	return &AuditLogger{campaignID: campaignID}
}

// AuditWithProbe creates an audit logger scoped to a probe
func AuditWithProbe(probe string) *AuditLogger {
	return &AuditLogger{probe: probe}
}

// AuditWithContext creates a fully-scoped audit logger
func AuditWithContext(campaignID, probe string, category Category) *AuditLogger {
	return &AuditLogger{
		campaignID: campaignID,
		probe:      probe,
		category:   category,
	}
}

// =============================================================================
// AUDIT LOGGING METHODS
// =============================================================================

// Log writes an audit event
func (a *AuditLogger) Log(event AuditEvent) {
	if !IsDebugMode() || auditFile == nil {
		return
	}

	// Fill in defaults
	if event.Timestamp == 0 {
		event.Timestamp = time.Now().UnixMilli()
	}
	if event.CampaignID == "" && a.campaignID != "" {
		event.CampaignID = a.campaignID
	}
	if event.Probe == "" && a.probe != "" {
		event.Probe = a.probe
	}
	if event.Category == "" && a.category != "" {
		event.Category = string(a.category)
	}
	if event.Fields == nil {
		event.Fields = make(map[string]interface{})
	}

	event.MangleFact = generateMangleFact(event)

	auditMu.Lock()
	defer auditMu.Unlock()

	data, err := json.Marshal(event)
	if err == nil {
		auditFile.WriteString(string(data) + "\n")
	}
}

// generateMangleFact creates a Mangle-compatible fact string from an event
func generateMangleFact(e AuditEvent) string {
	switch e.EventType {
	case AuditCampaignStart, AuditCampaignPhase, AuditCampaignComplete, AuditCampaignAbort:
		phase := ""
		if p, ok := e.Fields["phase"].(string); ok {
			phase = p
		}
		return fmt.Sprintf("campaign_event(%d, /%s, \"%s\", \"%s\", %v).",
			e.Timestamp, e.EventType, e.CampaignID, phase, e.Success)

	case AuditProbeStart, AuditProbeComplete, AuditProbeError:
		return fmt.Sprintf("probe_exec(%d, /%s, \"%s\", \"%s\", %v, %d).",
			e.Timestamp, e.EventType, e.Probe, e.CampaignID, e.Success, e.DurationMs)

	case AuditTargetRequest, AuditTargetResponse, AuditTargetError:
		status := 0
		if s, ok := e.Fields["status"].(int); ok {
			status = s
		}
		return fmt.Sprintf("target_request(%d, /%s, \"%s\", \"%s\", %d, %d).",
			e.Timestamp, e.EventType, e.Action, escapeString(e.Target), status, e.DurationMs)

	case AuditLLMRequest, AuditLLMResponse, AuditLLMError:
		tokens := 0
		if t, ok := e.Fields["tokens"].(int); ok {
			tokens = t
		}
		return fmt.Sprintf("llm_call(%d, /%s, \"%s\", %v, %d, %d).",
			e.Timestamp, e.EventType, e.Action, e.Success, e.DurationMs, tokens)

	case AuditPolicyCheck, AuditPolicyBlock, AuditPolicyAllow:
		return fmt.Sprintf("policy_check(%d, /%s, \"%s\", %v).",
			e.Timestamp, e.EventType, escapeString(e.Action), e.Success)

	case AuditEpisodeStore, AuditEpisodeRecall, AuditEpisodeReembed:
		count := 0
		if c, ok := e.Fields["count"].(int); ok {
			count = c
		}
		return fmt.Sprintf("knowledge_op(%d, /%s, \"%s\", %v, %d).",
			e.Timestamp, e.EventType, e.Target, e.Success, count)

	case AuditConvertApply, AuditConvertError:
		return fmt.Sprintf("converter_op(%d, /%s, \"%s\", \"%s\", %v).",
			e.Timestamp, e.EventType, escapeString(e.Action), e.CampaignID, e.Success)

	case AuditScoreComputed:
		score := 0.0
		if s, ok := e.Fields["score"].(float64); ok {
			score = s
		}
		return fmt.Sprintf("score_event(%d, \"%s\", \"%s\", %.3f, %v).",
			e.Timestamp, e.CampaignID, e.Action, score, e.Success)

	case AuditPerfMetric, AuditPerfSlow:
		return fmt.Sprintf("perf_metric(%d, \"%s\", \"%s\", %d).",
			e.Timestamp, e.Category, e.Action, e.DurationMs)

	case AuditErrorGeneric, AuditErrorCritical, AuditErrorRecovery:
		return fmt.Sprintf("error_event(%d, /%s, \"%s\", \"%s\").",
			e.Timestamp, e.EventType, e.Category, escapeString(e.Error))

	default:
		return fmt.Sprintf("audit_event(%d, /%s, \"%s\", \"%s\", %v).",
			e.Timestamp, e.EventType, e.Category, escapeString(e.Message), e.Success)
	}
}

func escapeString(s string) string {
	// Escape quotes and backslashes for Mangle strings
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString("\\\"")
		case '\\':
			b.WriteString("\\\\")
		case '\n':
			b.WriteString("\\n")
		case '\r':
			b.WriteString("\\r")
		case '\t':
			b.WriteString("\\t")
		default:
			b.WriteRune(r)
		}
	}
	return b.String()
}

// =============================================================================
// CONVENIENCE METHODS - Common audit patterns
// =============================================================================

// CampaignEvent logs a campaign lifecycle event
func (a *AuditLogger) CampaignEvent(eventType AuditEventType, campaignID, phase string, success bool) {
	a.Log(AuditEvent{
		EventType:  eventType,
		Category:   string(CategoryPipeline),
		CampaignID: campaignID,
		Success:    success,
		Fields:     map[string]interface{}{"phase": phase},
	})
}

// ProbeExec logs probe execution lifecycle
func (a *AuditLogger) ProbeExec(eventType AuditEventType, probe, campaignID string, durationMs int64, success bool, errMsg string) {
	a.Log(AuditEvent{
		EventType:  eventType,
		Category:   string(CategoryScan),
		Probe:      probe,
		CampaignID: campaignID,
		DurationMs: durationMs,
		Success:    success,
		Error:      errMsg,
	})
}

// TargetRequest logs a single request to the target under test.
// Only the method, URL, status and sizes are recorded; payload bodies
// never reach the audit trail.
func (a *AuditLogger) TargetRequest(method, url string, status int, durationMs int64, success bool, errMsg string) {
	eventType := AuditTargetResponse
	if errMsg != "" {
		eventType = AuditTargetError
	}
	a.Log(AuditEvent{
		EventType:  eventType,
		Category:   string(CategoryTarget),
		Action:     method,
		Target:     url,
		DurationMs: durationMs,
		Success:    success,
		Error:      errMsg,
		Fields:     map[string]interface{}{"status": status},
	})
}

// LLMCall logs an LLM gateway call
func (a *AuditLogger) LLMCall(role string, tokens int, durationMs int64, success bool, errMsg string) {
	eventType := AuditLLMResponse
	if errMsg != "" {
		eventType = AuditLLMError
	}
	a.Log(AuditEvent{
		EventType:  eventType,
		Category:   string(CategoryGateway),
		Action:     role,
		DurationMs: durationMs,
		Success:    success,
		Error:      errMsg,
		Fields:     map[string]interface{}{"tokens": tokens},
	})
}

// PolicyCheck logs a policy gate decision
func (a *AuditLogger) PolicyCheck(action string, allowed bool, reason string) {
	eventType := AuditPolicyAllow
	if !allowed {
		eventType = AuditPolicyBlock
	}
	a.Log(AuditEvent{
		EventType: eventType,
		Category:  string(CategoryPolicy),
		Action:    action,
		Success:   allowed,
		Message:   reason,
	})
}

// KnowledgeOp logs a bypass knowledge base operation
func (a *AuditLogger) KnowledgeOp(eventType AuditEventType, episodeID string, success bool, count int) {
	a.Log(AuditEvent{
		EventType: eventType,
		Category:  string(CategoryKnowledge),
		Target:    episodeID,
		Success:   success,
		Fields:    map[string]interface{}{"count": count},
	})
}

// ConverterOp logs a converter chain application
func (a *AuditLogger) ConverterOp(chain string, campaignID string, success bool) {
	eventType := AuditConvertApply
	if !success {
		eventType = AuditConvertError
	}
	a.Log(AuditEvent{
		EventType:  eventType,
		Category:   string(CategoryConverter),
		Action:     chain,
		CampaignID: campaignID,
		Success:    success,
	})
}

// ScoreEvent logs a composite score computation
func (a *AuditLogger) ScoreEvent(campaignID, scorer string, score float64, successful bool) {
	a.Log(AuditEvent{
		EventType:  AuditScoreComputed,
		Category:   string(CategoryScoring),
		CampaignID: campaignID,
		Action:     scorer,
		Success:    successful,
		Fields:     map[string]interface{}{"score": score},
	})
}

// PerfMetric logs a performance measurement
func (a *AuditLogger) PerfMetric(operation string, durationMs int64, threshold int64) {
	eventType := AuditPerfMetric
	if threshold > 0 && durationMs > threshold {
		eventType = AuditPerfSlow
	}
	a.Log(AuditEvent{
		EventType:  eventType,
		Category:   string(a.category),
		Action:     operation,
		DurationMs: durationMs,
		Success:    true,
	})
}

// Error logs an error event
func (a *AuditLogger) Error(category string, err error, critical bool) {
	eventType := AuditErrorGeneric
	if critical {
		eventType = AuditErrorCritical
	}
	errMsg := ""
	if err != nil {
		errMsg = err.Error()
	}
	a.Log(AuditEvent{
		EventType: eventType,
		Category:  category,
		Success:   false,
		Error:     errMsg,
	})
}
