package reflection

import (
	"fmt"
	"strings"
)

// buildGapSystemPrompt instructs the model to enumerate unaddressed aspects.
func buildGapSystemPrompt() string {
	return strings.TrimSpace(`
You are a research-quality auditor. Given a query, an answer, and the available source titles, list aspects of the query the answer does not address. Return ONLY a JSON array of objects:
[{"description":"...","severity":"critical|major|minor","suggestedAction":"..."}]
Return [] when the answer is complete. No prose outside the JSON.`)
}

// buildGapUserPrompt formats the missing-information request.
// At most ten source titles are included.
func buildGapUserPrompt(query, answer string, sources []Source) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query:\n%s\n\nAnswer:\n%s\n", query, answer)
	if len(sources) > 0 {
		b.WriteString("\nAvailable sources:\n")
		limit := len(sources)
		if limit > 10 {
			limit = 10
		}
		for i := 0; i < limit; i++ {
			fmt.Fprintf(&b, "- %s\n", sources[i].Title)
		}
	}
	b.WriteString("\nReturn only the JSON array of missing aspects.")
	return b.String()
}

// buildCritiqueSystemPrompt instructs the model to critique the answer.
func buildCritiqueSystemPrompt() string {
	return strings.TrimSpace(`
You are a rigorous research reviewer. Critique the answer against the query, sources, known gaps, and confidence summary. Return ONLY a JSON object:
{"overallAssessment":"...","strengths":["..."],"weaknesses":["..."],"criticalIssues":["..."],"suggestedImprovements":["..."]}
Be specific; reference sources and gaps where relevant.`)
}

// buildCritiqueUserPrompt embeds query, answer, sources, gaps, and the
// confidence summary.
func buildCritiqueUserPrompt(query, answer string, sources []Source, gaps []Gap, confidence *ConfidenceResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query:\n%s\n\nAnswer:\n%s\n", query, answer)

	if len(sources) > 0 {
		b.WriteString("\nSources:\n")
		for i, src := range sources {
			fmt.Fprintf(&b, "[%d] %s (%s)\n", i+1, src.Title, src.URL)
			if excerpt := truncateForPrompt(src.Content, 200); excerpt != "" {
				fmt.Fprintf(&b, "    %s\n", excerpt)
			}
		}
	}

	if len(gaps) > 0 {
		b.WriteString("\nKnown gaps:\n")
		for _, g := range sortGapsBySeverity(gaps) {
			fmt.Fprintf(&b, "- [%s/%s] %s\n", g.Severity, g.Type, g.Description)
		}
	}

	if confidence != nil {
		lowClaims := 0
		for _, cc := range confidence.ClaimConfidences {
			if cc.Level == "low" || cc.Level == "very_low" {
				lowClaims++
			}
		}
		fmt.Fprintf(&b, "\nConfidence: %.2f (%s), %d claims, %d low-confidence\n",
			confidence.OverallConfidence, confidence.Level, len(confidence.ClaimConfidences), lowClaims)
	}

	b.WriteString("\nReturn only the JSON critique.")
	return b.String()
}

// buildRefineSystemPrompt instructs the model to rewrite the answer.
func buildRefineSystemPrompt() string {
	return strings.TrimSpace(`
You are a research editor. Rewrite the answer to resolve the listed gaps and critique points. Keep accurate content, keep inline [n] citation markers consistent with the source list, and keep roughly the same length unless a gap demands more detail. Return ONLY the improved answer text, no commentary.`)
}

// buildRefineUserPrompt formats one rewrite pass. Prior passes are summarized
// when present.
func buildRefineUserPrompt(query, answer string, critique SelfCritique, gaps []Gap, sources []Source, history []RefinementAttempt) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Query:\n%s\n\nCurrent answer:\n%s\n", query, answer)

	b.WriteString("\nCritique:\n")
	writeList(&b, "Strengths", critique.Strengths)
	writeList(&b, "Weaknesses", critique.Weaknesses)
	writeList(&b, "Critical issues", critique.CriticalIssues)
	writeList(&b, "Suggested improvements", critique.SuggestedImprovements)

	if len(gaps) > 0 {
		b.WriteString("\nOutstanding gaps:\n")
		for _, g := range sortGapsBySeverity(gaps) {
			fmt.Fprintf(&b, "- [%s/%s] %s (fix: %s)\n", g.Severity, g.Type, g.Description, g.SuggestedAction)
		}
	}

	if len(sources) > 0 {
		b.WriteString("\nSources:\n")
		for i, src := range sources {
			fmt.Fprintf(&b, "[%d] %s (%s)\n", i+1, src.Title, src.URL)
		}
	}

	if len(history) > 0 {
		b.WriteString("\nEarlier passes:\n")
		for _, att := range history {
			fmt.Fprintf(&b, "- pass %d: %.0f%% improvement\n", att.Iteration, att.Improvement*100)
		}
	}

	b.WriteString("\nReturn only the improved answer.")
	return b.String()
}

func writeList(b *strings.Builder, label string, items []string) {
	if len(items) == 0 {
		return
	}
	fmt.Fprintf(b, "%s:\n", label)
	for _, it := range items {
		fmt.Fprintf(b, "- %s\n", it)
	}
}

func truncateForPrompt(text string, limit int) string {
	text = strings.TrimSpace(text)
	if limit <= 0 || len(text) <= limit {
		return text
	}
	return text[:limit] + "... [truncated]"
}
