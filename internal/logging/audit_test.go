package logging

import (
	"strings"
	"testing"
)

func TestGenerateMangleFactShapes(t *testing.T) {
	tests := []struct {
		name  string
		event AuditEvent
		want  string
	}{
		{
			name: "campaign event",
			event: AuditEvent{
				Timestamp:  1000,
				EventType:  AuditCampaignPhase,
				CampaignID: "/campaign_ab12cd34",
				Success:    true,
				Fields:     map[string]interface{}{"phase": "/scan"},
			},
			want: `campaign_event(1000, /campaign_phase, "/campaign_ab12cd34", "/scan", true).`,
		},
		{
			name: "probe execution",
			event: AuditEvent{
				Timestamp:  2000,
				EventType:  AuditProbeComplete,
				Probe:      "prompt_injection_basic",
				CampaignID: "/campaign_ab12cd34",
				Success:    true,
				DurationMs: 450,
			},
			want: `probe_exec(2000, /probe_complete, "prompt_injection_basic", "/campaign_ab12cd34", true, 450).`,
		},
		{
			name: "policy block",
			event: AuditEvent{
				Timestamp: 3000,
				EventType: AuditPolicyBlock,
				Action:    "scan_production_host",
				Success:   false,
			},
			want: `policy_check(3000, /policy_block, "scan_production_host", false).`,
		},
		{
			name: "llm call with tokens",
			event: AuditEvent{
				Timestamp:  4000,
				EventType:  AuditLLMResponse,
				Action:     "/reasoning",
				Success:    true,
				DurationMs: 1200,
				Fields:     map[string]interface{}{"tokens": 512},
			},
			want: `llm_call(4000, /llm_response, "/reasoning", true, 1200, 512).`,
		},
		{
			name: "knowledge recall",
			event: AuditEvent{
				Timestamp: 5000,
				EventType: AuditEpisodeRecall,
				Target:    "/episode_12ab34cd",
				Success:   true,
				Fields:    map[string]interface{}{"count": 5},
			},
			want: `knowledge_op(5000, /episode_recall, "/episode_12ab34cd", true, 5).`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := generateMangleFact(tt.event)
			if got != tt.want {
				t.Errorf("generateMangleFact() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEscapeString(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{`plain`, `plain`},
		{`with "quotes"`, `with \"quotes\"`},
		{`back\slash`, `back\\slash`},
		{"multi\nline", `multi\nline`},
		{"tab\there", `tab\there`},
	}

	for _, tt := range tests {
		if got := escapeString(tt.in); got != tt.want {
			t.Errorf("escapeString(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestAuditDisabledIsNoop(t *testing.T) {
	resetLoggingState()

	// Without initialization the audit logger must swallow events silently.
	a := AuditWithCampaign("/campaign_deadbeef")
	a.CampaignEvent(AuditCampaignStart, "/campaign_deadbeef", "/recon", true)
	a.PolicyCheck("anything", true, "")

	if auditFile != nil {
		t.Error("audit file should not be open when logging is disabled")
	}
}

func TestTargetRequestOmitsBody(t *testing.T) {
	// The target_request fact carries method, URL, status and duration only.
	fact := generateMangleFact(AuditEvent{
		Timestamp:  6000,
		EventType:  AuditTargetResponse,
		Action:     "POST",
		Target:     "https://target.example/api/chat",
		DurationMs: 88,
		Success:    true,
		Fields:     map[string]interface{}{"status": 200},
	})

	want := `target_request(6000, /target_response, "POST", "https://target.example/api/chat", 200, 88).`
	if fact != want {
		t.Errorf("got %q, want %q", fact, want)
	}
	if strings.Contains(fact, "payload") {
		t.Error("target_request fact must not embed payload content")
	}
}
