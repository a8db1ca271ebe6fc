package fsm

import (
	"regexp"
	"strings"
)

// Intent is the outcome of classifying one transcript turn.
type Intent struct {
	Event      Event    `json:"event"`
	Label      string   `json:"label"`
	Confidence float64  `json:"confidence"`
	Lead       LeadData `json:"lead"`
}

// Classifier maps a transcript to an Intent. Implementations must treat
// unmatched text as a low-confidence "continue" rather than an error.
type Classifier interface {
	Classify(text string) Intent
}

type rule struct {
	event      Event
	label      string
	confidence float64
	pattern    *regexp.Regexp
}

// RuleClassifier matches transcripts against ordered keyword patterns,
// covering English plus common Hindi transliterations of each intent.
type RuleClassifier struct {
	rules []rule
}

// Rules are checked in order; the more specific intents come first so that
// "not interested in visiting" lands on not_interested, not site_visit.
var defaultRules = []rule{
	{EventNotInterested, "not_interested", 0.95,
		regexp.MustCompile(`\b(not interested|no thanks|nahi chahiye|don'?t call|stop calling|remove my number)\b`)},
	{EventObjection, "objection", 0.9,
		regexp.MustCompile(`\b(too expensive|expensive|costly|mehe?nga|too far|bahut door|no budget|can'?t afford|busy right now|bad time)\b`)},
	{EventSiteVisitRequest, "site_visit_request", 0.9,
		regexp.MustCompile(`\b(site visit|visit the (site|property|flat)|come (and )?see|dekhna (hai|chahta|chahti)|dikhao|show me the (property|flat|site)|schedule a visit)\b`)},
	{EventBookingConfirmed, "booking_confirmed", 0.9,
		regexp.MustCompile(`\b(book (it|the visit)|confirm(ed)? (the )?(visit|booking)|pakka|fix kar do|that works|works for me)\b`)},
	{EventConfused, "confused", 0.85,
		regexp.MustCompile(`\b(what|pardon|sorry|kya|kaun|samajh nahi|didn'?t (under)?stand|repeat|say (that )?again|who is this)\b`)},
	{EventYes, "yes", 0.95,
		regexp.MustCompile(`\b(yes|yeah|yep|sure|go ahead|of course|haan|ha ji|ji haan|theek hai|ok(ay)?|bilkul)\b`)},
	{EventNo, "no", 0.95,
		regexp.MustCompile(`\b(no|nope|nah|nahi|nahin|mat karo)\b`)},
}

// Lead-field extraction patterns; applied independently of the event match.
var (
	buyPattern      = regexp.MustCompile(`\b(buy|purchase|kharee?dna|investment|invest)\b`)
	rentPattern     = regexp.MustCompile(`\b(rent|lease|kiraya|kiraye)\b`)
	propertyPattern = regexp.MustCompile(`\b(apartment|flat|villa|bungalow|plot|penthouse|studio|[1-5]\s?bhk)\b`)
	budgetPattern   = regexp.MustCompile(`\b(\d+(\.\d+)?)\s*(lakhs?|lacs?|crores?|cr|k|thousand|million)\b`)
	timelinePattern = regexp.MustCompile(`\b(this (week|month|year)|next (week|month|year)|immediately|asap|jaldi|within \d+ (days?|weeks?|months?))\b`)
	locationPattern = regexp.MustCompile(`\b(?:in|near|around|at)\s+([a-z][a-z]+(?:\s+[a-z][a-z]+)?)\b`)
)

// NewRuleClassifier builds the default multilingual keyword classifier.
func NewRuleClassifier() *RuleClassifier {
	return &RuleClassifier{rules: defaultRules}
}

// Classify lowercases the transcript, picks the first matching rule, and
// extracts any lead fields present regardless of which rule won.
func (c *RuleClassifier) Classify(text string) Intent {
	lower := strings.ToLower(strings.TrimSpace(text))
	out := Intent{Event: EventContinue, Label: "continue", Confidence: 0.3}
	for _, r := range c.rules {
		if r.pattern.MatchString(lower) {
			out.Event = r.event
			out.Label = r.label
			out.Confidence = r.confidence
			break
		}
	}
	out.Lead = extractLead(lower)
	if out.Event == EventObjection {
		if m := objectionLabel(lower); m != "" {
			out.Lead.Objections = append(out.Lead.Objections, m)
		}
	}
	return out
}

func extractLead(lower string) LeadData {
	var lead LeadData
	switch {
	case buyPattern.MatchString(lower):
		lead.Intent = "buy"
	case rentPattern.MatchString(lower):
		lead.Intent = "rent"
	}
	if m := propertyPattern.FindString(lower); m != "" {
		lead.PropertyType = m
	}
	if m := budgetPattern.FindString(lower); m != "" {
		lead.Budget = m
	}
	if m := timelinePattern.FindString(lower); m != "" {
		lead.Timeline = m
	}
	if m := locationPattern.FindStringSubmatch(lower); m != nil && !locationStop[firstWord(m[1])] {
		lead.Location = m[1]
	}
	return lead
}

// Words that follow "in"/"at" without naming a place.
var locationStop = map[string]bool{
	"buying": true, "renting": true, "visiting": true, "touch": true,
	"the": true, "a": true, "an": true, "this": true, "that": true,
	"my": true, "your": true, "fact": true, "case": true,
}

func firstWord(s string) string {
	if i := strings.IndexByte(s, ' '); i >= 0 {
		return s[:i]
	}
	return s
}

func objectionLabel(lower string) string {
	switch {
	case strings.Contains(lower, "expensive"), strings.Contains(lower, "costly"),
		strings.Contains(lower, "mehnga"), strings.Contains(lower, "mehenga"),
		strings.Contains(lower, "afford"), strings.Contains(lower, "budget"):
		return "price"
	case strings.Contains(lower, "far"), strings.Contains(lower, "door"):
		return "location"
	case strings.Contains(lower, "busy"), strings.Contains(lower, "bad time"):
		return "timing"
	}
	return ""
}
