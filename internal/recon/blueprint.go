package recon

import (
	"regexp"
	"strings"
	"time"

	"redforge/internal/campaign"
)

// toolSigRe matches freeform tool signatures of the form
// name(p1: T1, p2: T2). The name may be dotted or hyphenated.
var toolSigRe = regexp.MustCompile(`([A-Za-z_][\w.-]*)\s*\(([^()]*)\)`)

// parseToolSignatures extracts every tool signature found in the
// observation text. Duplicate tool names keep the first occurrence.
func parseToolSignatures(observations []string) []campaign.ToolSignature {
	var tools []campaign.ToolSignature
	seen := make(map[string]bool)

	for _, obs := range observations {
		for _, m := range toolSigRe.FindAllStringSubmatch(obs, -1) {
			name := m[1]
			if seen[name] {
				continue
			}
			seen[name] = true
			tools = append(tools, campaign.ToolSignature{
				Name:       name,
				Parameters: parseToolParams(m[2]),
			})
		}
	}
	return tools
}

func parseToolParams(raw string) []campaign.ToolParameter {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}

	var params []campaign.ToolParameter
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		p := campaign.ToolParameter{Required: true}
		if name, typ, ok := strings.Cut(part, ":"); ok {
			p.Name = strings.TrimSpace(name)
			p.Type = strings.TrimSpace(typ)
		} else {
			p.Name = part
		}
		if strings.HasSuffix(p.Name, "?") {
			p.Name = strings.TrimSuffix(p.Name, "?")
			p.Required = false
		}
		if p.Name == "" {
			continue
		}
		params = append(params, p)
	}
	return params
}

// infrastructure keyword tables. First match per slot wins; everything
// is matched lowercase.
var (
	modelFamilyKeywords = []string{"gpt-4", "gpt-3", "gpt", "claude", "gemini", "llama", "mistral", "mixtral", "palm", "command"}
	databaseKeywords    = []string{"postgres", "postgresql", "mysql", "sqlite", "mongodb", "mongo", "redis", "dynamodb", "mariadb"}
	vectorKeywords      = []string{"pinecone", "weaviate", "chroma", "qdrant", "milvus", "pgvector", "faiss", "vespa"}
	embeddingKeywords   = []string{"text-embedding", "ada-002", "sentence-transformer", "embedding model", "bge-", "e5-"}
	frameworkKeywords   = []string{"langchain", "llamaindex", "llama-index", "semantic kernel", "autogen", "haystack", "rasa", "griptape"}
)

func matchKeyword(text string, keywords []string) string {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return kw
		}
	}
	return ""
}

// inferInfrastructure folds infrastructure observations into the
// blueprint's infrastructure slots by keyword extraction.
func inferInfrastructure(observations []string) campaign.Infrastructure {
	var infra campaign.Infrastructure
	for _, obs := range observations {
		lower := strings.ToLower(obs)
		if infra.ModelFamily == "" {
			infra.ModelFamily = matchKeyword(lower, modelFamilyKeywords)
		}
		if infra.Database == "" {
			infra.Database = matchKeyword(lower, databaseKeywords)
		}
		if infra.VectorStore == "" {
			infra.VectorStore = matchKeyword(lower, vectorKeywords)
		}
		if infra.Embedding == "" {
			infra.Embedding = matchKeyword(lower, embeddingKeywords)
		}
		if infra.Framework == "" {
			infra.Framework = matchKeyword(lower, frameworkKeywords)
		}
		if infra.RateLimitClass == "" && strings.Contains(lower, "rate limit") {
			switch {
			case strings.Contains(lower, "strict"), strings.Contains(lower, "aggressive"):
				infra.RateLimitClass = "strict"
			case strings.Contains(lower, "no rate limit"), strings.Contains(lower, "none"):
				infra.RateLimitClass = "none"
			default:
				infra.RateLimitClass = "standard"
			}
		}
	}
	return infra
}

var (
	authTypeKeywords = []struct {
		keyword string
		authType string
	}{
		{"bearer", "bearer"},
		{"jwt", "jwt"},
		{"oauth", "oauth"},
		{"api key", "api_key"},
		{"api-key", "api_key"},
		{"basic auth", "basic"},
		{"session", "session"},
		{"no auth", "none"},
		{"unauthenticated", "none"},
	}
	roleWords = []string{"admin", "administrator", "user", "guest", "moderator", "support", "agent", "operator", "viewer", "editor"}
	roleRe    = regexp.MustCompile(`(?i)\brole`)
	ruleRe    = regexp.MustCompile(`(?i)\b(only|cannot|must|require|forbid|restrict|denied)\b`)
	vulnRe    = regexp.MustCompile(`(?i)\b(bypass|vulnerab|injection|escalat|leak)`)
)

// inferAuthStructure distills authorization observations into the
// blueprint's auth fields.
func inferAuthStructure(observations []string) campaign.AuthStructure {
	var auth campaign.AuthStructure
	roleSeen := make(map[string]bool)

	for _, obs := range observations {
		lower := strings.ToLower(obs)

		if auth.Type == "" {
			for _, kw := range authTypeKeywords {
				if strings.Contains(lower, kw.keyword) {
					auth.Type = kw.authType
					break
				}
			}
		}

		if roleRe.MatchString(obs) {
			for _, role := range roleWords {
				if strings.Contains(lower, role) && !roleSeen[role] {
					roleSeen[role] = true
					auth.Roles = append(auth.Roles, role)
				}
			}
		}

		if ruleRe.MatchString(obs) {
			auth.Rules = append(auth.Rules, obs)
		}
		if vulnRe.MatchString(obs) {
			auth.KnownVulnerabilities = append(auth.KnownVulnerabilities, obs)
		}
	}
	return auth
}

// assembleBlueprint transforms the raw notebook into the recon
// artifact.
func assembleBlueprint(campaignID, targetDomain string, nb *notebook, turnsUsed int) *campaign.Blueprint {
	bp := &campaign.Blueprint{
		CampaignID:            campaignID,
		Timestamp:             time.Now().UTC(),
		TargetDomain:          targetDomain,
		SystemPromptFragments: append([]string(nil), nb.obs[campaign.CategorySystemPrompt]...),
		DetectedTools:         parseToolSignatures(nb.obs[campaign.CategoryTools]),
		Infrastructure:        inferInfrastructure(nb.obs[campaign.CategoryInfrastructure]),
		AuthStructure:         inferAuthStructure(nb.obs[campaign.CategoryAuthorization]),
		RawObservations:       make(map[campaign.ObservationCategory][]string, len(nb.obs)),
		TurnsUsed:             turnsUsed,
	}
	for cat, list := range nb.obs {
		bp.RawObservations[cat] = append([]string(nil), list...)
	}
	if len(nb.dropped) > 0 {
		bp.DuplicatesDropped = make(map[campaign.ObservationCategory]int, len(nb.dropped))
		for cat, n := range nb.dropped {
			bp.DuplicatesDropped[cat] = n
		}
	}
	return bp
}
