package pipeline

import "strings"

// noisePatterns are common ASR hallucinations from hold music, line static,
// and breathing on narrowband telephony audio.
var noisePatterns = map[string]bool{
	"crunching": true, "static": true, "silence": true, "noise": true,
	"inaudible": true, "unintelligible": true, "background noise": true,
	"music": true, "typing": true, "breathing": true, "sigh": true,
	"cough": true, "sneeze": true, "laughter": true, "applause": true,
	"you": true, "the": true, "a": true, "um": true, "uh": true,
	"hmm": true, "ah": true, "oh": true, "mhm": true,
	"thank you": true, "thanks for watching": true,
}

// isNoiseTranscript reports whether ASR output is likely background noise
// rather than caller speech.
func isNoiseTranscript(text string) bool {
	if strings.HasPrefix(text, "*") && strings.HasSuffix(text, "*") {
		return true
	}
	if strings.HasPrefix(text, "[") && strings.HasSuffix(text, "]") {
		return true
	}
	if strings.HasPrefix(text, "(") && strings.HasSuffix(text, ")") {
		return true
	}
	lower := strings.ToLower(strings.TrimRight(strings.TrimSpace(text), ".!?"))
	return noisePatterns[lower]
}
