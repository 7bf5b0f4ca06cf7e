package mcp

import (
	"fmt"
	"strings"

	"github.com/pario-ai/relay/pkg/models"
)

// formatSummary formats usage summaries as a text table.
func formatSummary(rows []models.UsageSummary) string {
	if len(rows) == 0 {
		return "No usage data found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-11s %-25s %8s %10s %10s %9s %8s\n",
		"Provider", "Model", "Requests", "Tokens", "Cost", "Avg ms", "Failures")
	b.WriteString(strings.Repeat("-", 87) + "\n")
	for _, r := range rows {
		fmt.Fprintf(&b, "%-11s %-25s %8d %10d %10.4f %9.0f %8d\n",
			r.Provider, r.Model, r.RequestCount, r.TotalTokens, r.TotalCost, r.AvgLatencyMs, r.Failures)
	}
	return b.String()
}

// formatBudgetStatus formats the spend window as text.
func formatBudgetStatus(s models.BudgetStatus) string {
	pct := float64(0)
	if s.Cap > 0 {
		pct = s.Spent / s.Cap * 100
	}
	return fmt.Sprintf("Remote API Budget\n"+
		"  Spent:     $%.4f\n"+
		"  Cap:       $%.2f\n"+
		"  Remaining: $%.4f\n"+
		"  Usage:     %.1f%%\n"+
		"  Resets:    %s\n",
		s.Spent, s.Cap, s.Remaining, pct, s.ResetsAt.Format("2006-01-02 15:04:05"))
}

// formatModels formats model statuses as a text table.
func formatModels(rows []models.ModelStatus) string {
	if len(rows) == 0 {
		return "No models configured."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-25s %-11s %-15s %8s %-7s %-7s\n",
		"Model", "Provider", "Modality", "VRAM GB", "Loaded", "CanRun")
	b.WriteString(strings.Repeat("-", 78) + "\n")
	for _, m := range rows {
		fmt.Fprintf(&b, "%-25s %-11s %-15s %8.1f %-7t %-7t\n",
			m.Name, m.Provider, m.Modality, m.VRAMRequiredGB, m.Loaded, m.CanRun)
	}
	return b.String()
}

func formatDecision(d models.Decision) string {
	return fmt.Sprintf("Model:    %s\nProvider: %s\nReason:   %s\n", d.Model, d.Provider, d.Reason)
}

// formatMemories lists retrieval hits, best first.
func formatMemories(hits []models.ScoredMemory) string {
	if len(hits) == 0 {
		return "No memories found."
	}
	var b strings.Builder
	for i, h := range hits {
		fmt.Fprintf(&b, "%d. [%.3f] (%s) %s\n", i+1, h.Similarity, h.Type, oneLine(h.Content, 160))
	}
	return b.String()
}

// formatAuditEntries formats audit entries as a text table.
func formatAuditEntries(entries []models.AuditEntry) string {
	if len(entries) == 0 {
		return "No audit entries found."
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%-36s %-20s %-10s %-15s %8s %8s %-19s\n",
		"Request ID", "Model", "Provider", "Outcome", "Latency", "Tokens", "Time")
	b.WriteString(strings.Repeat("-", 124) + "\n")
	for _, e := range entries {
		fmt.Fprintf(&b, "%-36s %-20s %-10s %-15s %6dms %8d %-19s\n",
			e.RequestID, e.Model, e.Provider, e.Outcome, e.LatencyMs, e.TokensUsed,
			e.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return b.String()
}

// formatCacheStats formats cache stats as text.
func formatCacheStats(stats models.CacheStats) string {
	total := stats.Hits + stats.Misses
	hitRate := float64(0)
	if total > 0 {
		hitRate = float64(stats.Hits) / float64(total) * 100
	}
	return fmt.Sprintf("Cache Statistics\n"+
		"  Entries:  %d\n"+
		"  Hits:     %d\n"+
		"  Misses:   %d\n"+
		"  Hit Rate: %.1f%%\n",
		stats.Entries, stats.Hits, stats.Misses, hitRate)
}

func oneLine(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) > n {
		return s[:n] + "..."
	}
	return s
}
