package insight

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/oversight-labs/riskwatch/internal/helpers"
)

// triageVerdict is the first-stage model output: a cheap relevance screen
// before the expensive analysis call.
type triageVerdict struct {
	IsRelevant      bool     `json:"is_relevant"`
	RelevanceScore  int      `json:"relevance_score"`
	PrimaryTheme    string   `json:"primary_theme"`
	Reasons         []string `json:"reasons"`
	WhatChangedHint string   `json:"what_changed_hint"`
}

// analysisResult is the second-stage model output. Risk and the list fields
// are optional; absent risk falls back to the store default.
type analysisResult struct {
	Title              string   `json:"title"`
	Summary            string   `json:"summary"`
	Category           string   `json:"category"`
	AffectedSignals    []string `json:"affected_signals"`
	RecommendedActions []string `json:"recommended_actions"`
	RiskScore          *int     `json:"risk_score"`
	Confidence         *float64 `json:"confidence"`
}

const (
	maxListItems   = 5
	maxItemChars   = 200
	maxTitleChars  = 200
	maxSummaryChars = 2000
)

// parseTriage extracts and decodes the triage JSON from a raw model reply,
// tolerating code fences and surrounding prose. A reply missing the verdict
// fields is not a verdict: persisting a placeholder for it would permanently
// mark the change handled on garbage output.
func parseTriage(raw string) (triageVerdict, error) {
	body, err := helpers.ExtractJSON(raw)
	if err != nil {
		return triageVerdict{}, fmt.Errorf("triage response: %w", err)
	}
	var probe struct {
		IsRelevant      *bool    `json:"is_relevant"`
		RelevanceScore  *int     `json:"relevance_score"`
		PrimaryTheme    string   `json:"primary_theme"`
		Reasons         []string `json:"reasons"`
		WhatChangedHint string   `json:"what_changed_hint"`
	}
	if err := json.Unmarshal([]byte(body), &probe); err != nil {
		return triageVerdict{}, fmt.Errorf("decode triage: %w", err)
	}
	if probe.IsRelevant == nil || probe.RelevanceScore == nil {
		return triageVerdict{}, fmt.Errorf("triage reply missing is_relevant or relevance_score")
	}

	v := triageVerdict{
		IsRelevant:      *probe.IsRelevant,
		RelevanceScore:  *probe.RelevanceScore,
		PrimaryTheme:    strings.TrimSpace(probe.PrimaryTheme),
		Reasons:         clampList(probe.Reasons),
		WhatChangedHint: strings.TrimSpace(probe.WhatChangedHint),
	}
	if v.RelevanceScore < 0 {
		v.RelevanceScore = 0
	}
	if v.RelevanceScore > 100 {
		v.RelevanceScore = 100
	}
	return v, nil
}

// parseAnalysis extracts, decodes, and sanitizes the analysis JSON.
func parseAnalysis(raw string) (analysisResult, error) {
	var a analysisResult
	body, err := helpers.ExtractJSON(raw)
	if err != nil {
		return a, fmt.Errorf("analysis response: %w", err)
	}
	if err := json.Unmarshal([]byte(body), &a); err != nil {
		return a, fmt.Errorf("decode analysis: %w", err)
	}

	a.Title = truncateField(strings.TrimSpace(a.Title), maxTitleChars)
	a.Summary = truncateField(strings.TrimSpace(a.Summary), maxSummaryChars)
	a.Category = truncateField(strings.TrimSpace(a.Category), maxItemChars)
	a.AffectedSignals = clampList(a.AffectedSignals)
	a.RecommendedActions = clampList(a.RecommendedActions)

	if a.RiskScore != nil {
		r := *a.RiskScore
		if r < 1 {
			r = 1
		}
		if r > 5 {
			r = 5
		}
		a.RiskScore = &r
	}
	if a.Confidence != nil {
		c := *a.Confidence
		if c < 0 {
			c = 0
		}
		if c > 1 {
			c = 1
		}
		a.Confidence = &c
	}
	return a, nil
}

// clampList drops empty entries, truncates each to maxItemChars, and keeps
// at most maxListItems.
func clampList(items []string) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		it = strings.TrimSpace(it)
		if it == "" {
			continue
		}
		out = append(out, truncateField(it, maxItemChars))
		if len(out) == maxListItems {
			break
		}
	}
	return out
}

func truncateField(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return strings.TrimSpace(s[:max])
}
