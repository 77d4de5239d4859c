package staking

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// StakingStep is a step of the staking wizard.
type StakingStep string

const (
	StepPreview               StakingStep = "PREVIEW"
	StepEOIStakingSlashing    StakingStep = "EOI_STAKING_SLASHING"
	StepEOIUnbondingSlashing  StakingStep = "EOI_UNBONDING_SLASHING"
	StepEOIProofOfPossession  StakingStep = "EOI_PROOF_OF_POSSESSION"
	StepEOISignBBN            StakingStep = "EOI_SIGN_BBN"
	StepEOISendBBN            StakingStep = "EOI_SEND_BBN"
	StepVerifying             StakingStep = "VERIFYING"
	StepVerified              StakingStep = "VERIFIED"
	StepBTCSign               StakingStep = "BTC_SIGN"
	StepBTCSent               StakingStep = "BTC_SENT"
	StepFeedbackSuccess       StakingStep = "FEEDBACK_SUCCESS"
	StepFeedbackCancel        StakingStep = "FEEDBACK_CANCEL"
	stepSubscriberChannelSize             = 32
)

var ErrInvalidStepTransition = errors.New("invalid staking step transition")

// Flow selects the step sequence a machine follows.
type Flow int

const (
	// FlowStaking creates a new delegation and broadcasts its staking tx.
	FlowStaking Flow = iota
	// FlowRegistration registers an already confirmed phase-1 staking tx,
	// so nothing is signed or sent on btc.
	FlowRegistration
)

var stakingFlowSuccessors = map[StakingStep]StakingStep{
	StepPreview:              StepEOIStakingSlashing,
	StepEOIStakingSlashing:   StepEOIUnbondingSlashing,
	StepEOIUnbondingSlashing: StepEOIProofOfPossession,
	StepEOIProofOfPossession: StepEOISignBBN,
	StepEOISignBBN:           StepEOISendBBN,
	StepEOISendBBN:           StepVerifying,
	StepVerifying:            StepVerified,
	StepVerified:             StepBTCSign,
	StepBTCSign:              StepBTCSent,
	StepBTCSent:              StepFeedbackSuccess,
}

func (s StakingStep) isTerminal() bool {
	return s == StepFeedbackSuccess || s == StepFeedbackCancel
}

// nextStep returns the single forward successor of s in flow.
func nextStep(flow Flow, s StakingStep) (StakingStep, bool) {
	if flow == FlowRegistration && s == StepVerified {
		return StepFeedbackSuccess, true
	}
	next, ok := stakingFlowSuccessors[s]
	return next, ok
}

// StepChange is emitted on every transition.
type StepChange struct {
	From StakingStep `json:"from"`
	To   StakingStep `json:"to"`
	At   time.Time   `json:"at"`
	// set when the flow was cancelled because of an error
	Err error `json:"-"`
}

// StepMachine tracks the progress of one staking flow. It is safe for
// concurrent use.
type StepMachine struct {
	mu          sync.Mutex
	flow        Flow
	current     StakingStep
	history     []StepChange
	subscribers map[int]chan StepChange
	nextSubID   int
	now         func() time.Time
}

func NewStepMachine(flow Flow) *StepMachine {
	return &StepMachine{
		flow:        flow,
		current:     StepPreview,
		subscribers: make(map[int]chan StepChange),
		now:         time.Now,
	}
}

func (m *StepMachine) Current() StakingStep {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// History returns every transition since the last reset.
func (m *StepMachine) History() []StepChange {
	m.mu.Lock()
	defer m.mu.Unlock()
	h := make([]StepChange, len(m.history))
	copy(h, m.history)
	return h
}

// CanMoveTo reports whether to is a valid next step.
func (m *StepMachine) CanMoveTo(to StakingStep) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.canMoveTo(to)
}

func (m *StepMachine) canMoveTo(to StakingStep) bool {
	if m.current.isTerminal() {
		return false
	}
	if to == StepFeedbackCancel {
		return true
	}
	next, ok := nextStep(m.flow, m.current)
	return ok && next == to
}

// Advance moves the machine to step to.
func (m *StepMachine) Advance(to StakingStep) error {
	return m.transition(to, nil)
}

// Cancel moves the machine to FEEDBACK_CANCEL recording cause.
func (m *StepMachine) Cancel(cause error) error {
	return m.transition(StepFeedbackCancel, cause)
}

// Reset returns the machine to PREVIEW and clears its history.
func (m *StepMachine) Reset() {
	m.mu.Lock()
	from := m.current
	m.current = StepPreview
	m.history = nil
	m.notifyLocked(StepChange{From: from, To: StepPreview, At: m.now()})
	m.mu.Unlock()
}

func (m *StepMachine) transition(to StakingStep, cause error) error {
	m.mu.Lock()
	if !m.canMoveTo(to) {
		from := m.current
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidStepTransition, from, to)
	}

	change := StepChange{From: m.current, To: to, At: m.now(), Err: cause}
	m.current = to
	m.history = append(m.history, change)
	m.notifyLocked(change)
	m.mu.Unlock()

	return nil
}

// Subscribe returns a channel receiving every following transition and a
// function that ends the subscription. Slow subscribers miss changes, History
// stays complete.
func (m *StepMachine) Subscribe() (<-chan StepChange, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextSubID
	m.nextSubID++
	ch := make(chan StepChange, stepSubscriberChannelSize)
	m.subscribers[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.subscribers, id)
			close(ch)
		})
	}

	return ch, cancel
}

// notifyLocked hands change to every subscriber without blocking. Channels
// are only closed under m.mu, so none is closed while being sent on.
func (m *StepMachine) notifyLocked(change StepChange) {
	for _, ch := range m.subscribers {
		select {
		case ch <- change:
		default:
		}
	}
}
