package recon

import (
	"testing"

	"redforge/internal/campaign"
)

func TestParseToolSignatures(t *testing.T) {
	obs := []string{
		"The bot exposed search_kb(query: string, limit: int) when asked",
		"Also saw create_ticket(subject: string, body: string) and ping()",
		"search_kb(query: string) mentioned again",
	}
	tools := parseToolSignatures(obs)
	if len(tools) != 3 {
		t.Fatalf("parsed %d tools, want 3 (duplicates by name collapse)", len(tools))
	}

	kb := tools[0]
	if kb.Name != "search_kb" {
		t.Errorf("Name = %q", kb.Name)
	}
	if len(kb.Parameters) != 2 {
		t.Fatalf("Parameters = %d, want 2", len(kb.Parameters))
	}
	if kb.Parameters[0].Name != "query" || kb.Parameters[0].Type != "string" {
		t.Errorf("first param = %+v", kb.Parameters[0])
	}
	if !kb.Parameters[0].Required {
		t.Error("params default to required")
	}

	if tools[2].Name != "ping" || len(tools[2].Parameters) != 0 {
		t.Errorf("ping = %+v, want no params", tools[2])
	}
}

func TestParseToolParamsOptionalMarker(t *testing.T) {
	params := parseToolParams("account_id: string, note?: string")
	if len(params) != 2 {
		t.Fatalf("params = %d, want 2", len(params))
	}
	if params[1].Name != "note" || params[1].Required {
		t.Errorf("optional param = %+v, want note/optional", params[1])
	}
}

func TestInferInfrastructure(t *testing.T) {
	obs := []string{
		"Error trace mentioned LangChain and a Pinecone index",
		"The model identifies as Claude",
		"Orders live in a MySQL table; strict rate limits after 10 requests",
		"Embeddings via text-embedding-004",
	}
	infra := inferInfrastructure(obs)

	if infra.Framework != "langchain" {
		t.Errorf("Framework = %q", infra.Framework)
	}
	if infra.VectorStore != "pinecone" {
		t.Errorf("VectorStore = %q", infra.VectorStore)
	}
	if infra.ModelFamily != "claude" {
		t.Errorf("ModelFamily = %q", infra.ModelFamily)
	}
	if infra.Database != "mysql" {
		t.Errorf("Database = %q", infra.Database)
	}
	if infra.RateLimitClass != "strict" {
		t.Errorf("RateLimitClass = %q", infra.RateLimitClass)
	}
	if infra.Embedding != "text-embedding" {
		t.Errorf("Embedding = %q", infra.Embedding)
	}
}

func TestInferInfrastructureFirstMatchWins(t *testing.T) {
	infra := inferInfrastructure([]string{
		"Running on postgres",
		"Actually maybe mongodb",
	})
	if infra.Database != "postgres" {
		t.Errorf("Database = %q, first match should win", infra.Database)
	}
}

func TestInferAuthStructure(t *testing.T) {
	obs := []string{
		"Requests carry a Bearer token in the Authorization header",
		"Roles observed: admin, support agent, and guest",
		"Guests cannot access order history",
		"Claimed the admin check can be bypassed with a crafted header",
	}
	auth := inferAuthStructure(obs)

	if auth.Type != "bearer" {
		t.Errorf("Type = %q", auth.Type)
	}
	for _, want := range []string{"admin", "guest"} {
		found := false
		for _, r := range auth.Roles {
			if r == want {
				found = true
			}
		}
		if !found {
			t.Errorf("Roles = %v, missing %q", auth.Roles, want)
		}
	}
	if len(auth.Rules) == 0 {
		t.Error("expected the 'cannot access' observation captured as a rule")
	}
	if len(auth.KnownVulnerabilities) != 1 {
		t.Errorf("KnownVulnerabilities = %v, want the bypass claim", auth.KnownVulnerabilities)
	}
}

func TestAssembleBlueprintCopiesNotebook(t *testing.T) {
	nb := newNotebook(0.8)
	nb.add(campaign.CategorySystemPrompt, "You are a support bot")
	nb.add(campaign.CategoryTools, "lookup(id: string)")
	nb.add(campaign.CategoryTools, "lookup(id: string)") // dup

	bp := assembleBlueprint("cmp-x", "support bot", nb, 7)
	if bp.CampaignID != "cmp-x" || bp.TurnsUsed != 7 {
		t.Errorf("blueprint header = %+v", bp)
	}
	if len(bp.RawObservations[campaign.CategoryTools]) != 1 {
		t.Errorf("raw tools = %v", bp.RawObservations[campaign.CategoryTools])
	}
	if bp.DuplicatesDropped[campaign.CategoryTools] != 1 {
		t.Errorf("DuplicatesDropped = %v", bp.DuplicatesDropped)
	}

	// Mutating the notebook afterwards must not alias the blueprint.
	nb.add(campaign.CategorySystemPrompt, "completely different fragment")
	if len(bp.SystemPromptFragments) != 1 {
		t.Errorf("blueprint aliased the notebook: %v", bp.SystemPromptFragments)
	}
}
