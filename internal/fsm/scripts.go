package fsm

import "fmt"

// Scripted replies for the states where generated text is not wanted: the
// opening greeting, silence reprompts, and the farewell. Keyed by BCP-47-ish
// language prefix; anything unknown falls back to English.

type scriptSet struct {
	greeting string
	reprompt string
	farewell string
	safe     string
}

var scripts = map[string]scriptSet{
	"en": {
		greeting: "Hello! This is %s calling from %s about a property you showed interest in. Do you have a quick minute to talk?",
		reprompt: "Sorry, I could not hear you. Are you still there?",
		farewell: "Thank you for your time. Have a great day, goodbye!",
		safe:     "I see. Could you tell me a little more about what you are looking for?",
	},
	"hi": {
		greeting: "Namaste! Main %s bol rahi hoon %s ki taraf se, aapne ek property mein interest dikhaya tha. Kya aap ek minute baat kar sakte hain?",
		reprompt: "Maaf kijiye, aapki awaaz nahi aa rahi. Kya aap abhi bhi line par hain?",
		farewell: "Aapke samay ke liye dhanyavaad. Aapka din shubh ho, namaste!",
		safe:     "Achha. Kya aap thoda aur bata sakte hain ki aap kya dhoond rahe hain?",
	},
}

func scriptFor(language string) scriptSet {
	if len(language) >= 2 {
		if s, ok := scripts[language[:2]]; ok {
			return s
		}
	}
	return scripts["en"]
}

// Greeting returns the opening line for INTRODUCING.
func Greeting(language, agentName, companyName string) string {
	return fmt.Sprintf(scriptFor(language).greeting, agentName, companyName)
}

// Reprompt returns the line spoken after a first silence timeout.
func Reprompt(language string) string {
	return scriptFor(language).reprompt
}

// Farewell returns the closing line spoken before hangup.
func Farewell(language string) string {
	return scriptFor(language).farewell
}

// SafeReply returns a neutral line used when generation produces nothing
// usable.
func SafeReply(language string) string {
	return scriptFor(language).safe
}

// ScriptedReply returns the deterministic reply for states that bypass
// free-text generation, or "" when the state has none.
func ScriptedReply(state State, language, agentName, companyName string) string {
	switch state {
	case StateIntroducing:
		return Greeting(language, agentName, companyName)
	case StateClosing, StateEndCall:
		return Farewell(language)
	}
	return ""
}
