// Package fsm holds the dialogue state machine driving scripted-yet-adaptive
// phone conversations. State changes happen only through the transition
// table; everything else is bookkeeping around it.
package fsm

import "time"

// State is a dialogue-level conversation state.
type State string

const (
	StateInit                State = "INIT"
	StateIntroducing         State = "INTRODUCING"
	StateWaitingConfirmation State = "WAITING_CONFIRMATION"
	StateQualifyingLead      State = "QUALIFYING_LEAD"
	StateHandlingObjection   State = "HANDLING_OBJECTION"
	StateBookingSiteVisit    State = "BOOKING_SITE_VISIT"
	StateClosing             State = "CLOSING"
	StateEndCall             State = "END_CALL"
)

// Turn is the audio-turn substate mirroring which pipeline stage the
// orchestrator is in. It is orthogonal to the dialogue state.
type Turn string

const (
	TurnListening  Turn = "LISTENING"
	TurnProcessing Turn = "PROCESSING"
	TurnSpeaking   Turn = "SPEAKING"
)

// Event drives transitions. Classifier output and lifecycle signals both
// arrive as events.
type Event string

const (
	EventCallAnswered        Event = "call_answered"
	EventIntroComplete       Event = "intro_complete"
	EventYes                 Event = "yes"
	EventNo                  Event = "no"
	EventNotInterested       Event = "not_interested"
	EventConfused            Event = "confused"
	EventObjection           Event = "objection"
	EventObjectionResolved   Event = "objection_resolved"
	EventPersistentObjection Event = "persistent_objection"
	EventSiteVisitRequest    Event = "site_visit_request"
	EventBookingConfirmed    Event = "booking_confirmed"
	EventCloseComplete       Event = "close_complete"
	EventUserInterrupted     Event = "user_interrupted"
	EventSilenceTimeout      Event = "silence_timeout"
	EventContinue            Event = "continue"
)

type transitionKey struct {
	from  State
	event Event
}

// transitions is the complete dialogue transition table. Combinations not
// listed here are no-ops that report failure.
var transitions = map[transitionKey]State{
	{StateInit, EventCallAnswered}:                  StateIntroducing,
	{StateIntroducing, EventIntroComplete}:          StateWaitingConfirmation,
	{StateWaitingConfirmation, EventYes}:            StateQualifyingLead,
	{StateWaitingConfirmation, EventNo}:             StateClosing,
	{StateWaitingConfirmation, EventNotInterested}:  StateClosing,
	{StateWaitingConfirmation, EventConfused}:       StateIntroducing,
	{StateQualifyingLead, EventObjection}:           StateHandlingObjection,
	{StateQualifyingLead, EventSiteVisitRequest}:    StateBookingSiteVisit,
	{StateQualifyingLead, EventNotInterested}:       StateClosing,
	{StateHandlingObjection, EventObjectionResolved}: StateQualifyingLead,
	{StateHandlingObjection, EventPersistentObjection}: StateClosing,
	{StateBookingSiteVisit, EventBookingConfirmed}:  StateClosing,
	{StateBookingSiteVisit, EventObjection}:         StateHandlingObjection,
	{StateClosing, EventCloseComplete}:              StateEndCall,
}

// TransitionRecord is one entry in the machine's history.
type TransitionRecord struct {
	From  State     `json:"from"`
	To    State     `json:"to"`
	Event Event     `json:"event"`
	At    time.Time `json:"at"`
}

// Snapshot is the serializable view of the machine, persisted at finalize.
type Snapshot struct {
	State          State              `json:"state"`
	Previous       State              `json:"previous"`
	Turn           Turn               `json:"turn"`
	TurnCount      int                `json:"turn_count"`
	SilenceCount   int                `json:"silence_count"`
	InterruptCount int                `json:"interrupt_count"`
	History        []TransitionRecord `json:"history"`
	Lead           LeadData           `json:"lead"`
	CreatedAt      time.Time          `json:"created_at"`
	UpdatedAt      time.Time          `json:"updated_at"`
}

// Machine tracks dialogue progress for one call. Not safe for concurrent
// use; the owning session serializes access.
type Machine struct {
	state          State
	previous       State
	turn           Turn
	history        []TransitionRecord
	turnCount      int
	silenceCount   int
	interruptCount int
	lead           LeadData
	createdAt      time.Time
	updatedAt      time.Time
}

// New creates a machine in INIT, listening.
func New() *Machine {
	now := time.Now().UTC()
	return &Machine{
		state:     StateInit,
		previous:  StateInit,
		turn:      TurnListening,
		createdAt: now,
		updatedAt: now,
	}
}

// State returns the current dialogue state.
func (m *Machine) State() State { return m.state }

// TurnState returns the current audio-turn substate.
func (m *Machine) TurnState() Turn { return m.turn }

// SetTurn mirrors the orchestrator's stage into the substate.
func (m *Machine) SetTurn(t Turn) {
	m.turn = t
	m.updatedAt = time.Now().UTC()
}

// Apply attempts one transition. It returns false and leaves state unchanged
// for unmapped (state, event) combinations.
//
// Two events get special handling: user_interrupted only flips the turn
// substate back to LISTENING (a barge-in does not move the dialogue), and
// silence_timeout escalates to CLOSING on the second consecutive occurrence.
func (m *Machine) Apply(ev Event) bool {
	switch ev {
	case EventUserInterrupted:
		m.interruptCount++
		m.turn = TurnListening
		m.updatedAt = time.Now().UTC()
		return true
	case EventSilenceTimeout:
		return m.applySilence()
	case EventContinue:
		// Generic keep-listening event; resets the silence streak.
		m.silenceCount = 0
		m.updatedAt = time.Now().UTC()
		return true
	}

	m.silenceCount = 0
	next, ok := transitions[transitionKey{m.state, ev}]
	if !ok {
		return false
	}
	m.record(ev, next)
	return true
}

func (m *Machine) applySilence() bool {
	m.silenceCount++
	if m.silenceCount < 2 {
		// First timeout: stay put, caller reprompts.
		m.updatedAt = time.Now().UTC()
		return true
	}
	m.silenceCount = 0
	if m.state == StateClosing || m.state == StateEndCall {
		return true
	}
	m.record(EventSilenceTimeout, StateClosing)
	return true
}

func (m *Machine) record(ev Event, next State) {
	now := time.Now().UTC()
	m.history = append(m.history, TransitionRecord{From: m.state, To: next, Event: ev, At: now})
	m.previous = m.state
	m.state = next
	m.updatedAt = now
}

// RecordTurn bumps the spoken-turn counter.
func (m *Machine) RecordTurn() { m.turnCount++ }

// SilenceStreak returns the consecutive silence-timeout count.
func (m *Machine) SilenceStreak() int { return m.silenceCount }

// MergeLead folds classifier-extracted fields into the lead record.
func (m *Machine) MergeLead(other LeadData) {
	m.lead.Merge(other)
	m.updatedAt = time.Now().UTC()
}

// Lead returns a copy of the accumulated lead data.
func (m *Machine) Lead() LeadData { return m.lead }

// Snapshot captures the machine for persistence.
func (m *Machine) Snapshot() Snapshot {
	history := make([]TransitionRecord, len(m.history))
	copy(history, m.history)
	return Snapshot{
		State:          m.state,
		Previous:       m.previous,
		Turn:           m.turn,
		TurnCount:      m.turnCount,
		SilenceCount:   m.silenceCount,
		InterruptCount: m.interruptCount,
		History:        history,
		Lead:           m.lead,
		CreatedAt:      m.createdAt,
		UpdatedAt:      m.updatedAt,
	}
}

// Terminal reports whether the conversation has reached END_CALL.
func (m *Machine) Terminal() bool { return m.state == StateEndCall }
