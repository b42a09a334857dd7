package insight

import (
	"fmt"
	"strings"
)

const triageSystemPrompt = `You are a risk-monitoring triage assistant. You screen changes detected on
monitored web pages (regulatory notices, vendor status pages, security
advisories, policy documents) and decide whether a change deserves a full
risk analysis.

Respond with ONLY a JSON object, no prose, matching:
{
  "is_relevant": boolean,
  "relevance_score": integer 0-100,
  "primary_theme": "short label for the dominant topic",
  "reasons": ["up to 5 short reasons"],
  "what_changed_hint": "one sentence on what moved"
}

Navigation chrome, cookie banners, dates, share widgets, and cosmetic
reordering are NOT relevant. Substantive wording changes in obligations,
deadlines, prices, security posture, or availability ARE relevant.`

const analysisSystemPrompt = `You are a senior risk analyst. Given changed content from a monitored web
page, produce a concise operational risk assessment.

Respond with ONLY a JSON object, no prose, matching:
{
  "title": "short headline",
  "summary": "2-4 sentence assessment",
  "category": "one of: regulatory, security, availability, commercial, reputational, other",
  "affected_signals": ["up to 5 concrete signals touched by the change"],
  "recommended_actions": ["up to 5 concrete next steps"],
  "risk_score": integer 1 (informational) to 5 (critical),
  "confidence": number 0.0-1.0
}`

const baselineSystemPrompt = `You are a senior risk analyst. This is the FIRST capture of a monitored web
page: there is no earlier version, so do not claim anything changed. Summarize
what the page covers and which standing risks it represents for a team relying
on it.

Respond with ONLY a JSON object, no prose, matching:
{
  "title": "short headline",
  "summary": "2-4 sentence assessment of current coverage",
  "category": "one of: regulatory, security, availability, commercial, reputational, other",
  "affected_signals": ["up to 5 standing signals this page carries"],
  "recommended_actions": ["up to 5 concrete next steps"],
  "risk_score": integer 1 (informational) to 5 (critical),
  "confidence": number 0.0-1.0
}`

func triageUserPrompt(url, material string, baseline bool) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Source URL: %s\n", url)
	if baseline {
		b.WriteString("Kind: first capture (baseline), no prior version exists\n")
	} else {
		b.WriteString("Kind: newly inserted content relative to the previous capture\n")
	}
	b.WriteString("\nContent:\n")
	b.WriteString(material)
	return b.String()
}

func analysisUserPrompt(url, material string, verdict triageVerdict) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Source URL: %s\n", url)
	if verdict.PrimaryTheme != "" {
		fmt.Fprintf(&b, "Triage theme: %s\n", verdict.PrimaryTheme)
	}
	if verdict.WhatChangedHint != "" {
		fmt.Fprintf(&b, "Triage hint: %s\n", verdict.WhatChangedHint)
	}
	b.WriteString("\nContent:\n")
	b.WriteString(material)
	return b.String()
}
