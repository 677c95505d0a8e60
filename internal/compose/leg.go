package compose

import (
	"github.com/PolymeshAssociation/polymesh-portal-sub002/internal/chain"
)

// Side distinguishes the sending and receiving half of a leg.
type Side uint8

const (
	SideSender Side = iota
	SideReceiver
)

func (s Side) String() string {
	if s == SideReceiver {
		return "receiver"
	}
	return "sender"
}

// ResolutionPhase is the per-side identity resolution state:
// Empty -> Validating -> {Invalid, Resolved}.
type ResolutionPhase uint8

const (
	PhaseEmpty ResolutionPhase = iota
	PhaseValidating
	PhaseInvalid
	PhaseResolved
)

func (p ResolutionPhase) String() string {
	switch p {
	case PhaseValidating:
		return "validating"
	case PhaseInvalid:
		return "invalid"
	case PhaseResolved:
		return "resolved"
	default:
		return "empty"
	}
}

// Inline DID resolution errors.
const (
	MsgDIDRequired      = "DID is required"
	MsgDIDInvalid       = "DID must be a valid DID"
	MsgIdentityNotFound = "Identity does not exist"
)

// SideState is one half of a leg: the entered DID, its resolution state,
// and the resolved portfolios with the user's pick among them.
type SideState struct {
	Input      string
	Phase      ResolutionPhase
	Err        string
	Identity   chain.Identity
	Portfolios []chain.Portfolio
	Selected   *chain.PortfolioID

	// generation tags the latest resolution attempt; a completing fetch
	// whose generation is older is discarded instead of overwriting
	// fresher state.
	generation uint64

	// stale marks resolved portfolio data invalidated by an observed
	// chain movement; the next refresh refetches it.
	stale bool
}

// SelectedPortfolio returns the resolved portfolio matching the selection.
func (s *SideState) SelectedPortfolio() (*chain.Portfolio, bool) {
	if s.Selected == nil || s.Phase != PhaseResolved {
		return nil, false
	}
	for i := range s.Portfolios {
		if s.Portfolios[i].ID.Equal(*s.Selected) {
			return &s.Portfolios[i], true
		}
	}
	return nil, false
}

// clearResolution drops everything derived from a previous resolution.
func (s *SideState) clearResolution() {
	s.Identity = chain.Identity{}
	s.Portfolios = nil
	s.Selected = nil
	s.Err = ""
	s.stale = false
}

// Leg is one row of the composition: two sides plus the per-leg amount
// input state. The chosen asset itself lives in the session's selection
// state, keyed by the leg's slot id.
type Leg struct {
	id   int
	mode TransferMode

	sender   SideState
	receiver SideState

	// amountInput is the raw text of the last fungible amount input;
	// amountErr the inline validation error it produced, if any.
	amountInput string
	amountErr   string
}

// ID returns the leg's stable slot id.
func (l *Leg) ID() int { return l.id }

// Mode returns the leg's current asset selection mode.
func (l *Leg) Mode() TransferMode { return l.mode }

// Sender returns the sender side state.
func (l *Leg) Sender() *SideState { return &l.sender }

// Receiver returns the receiver side state.
func (l *Leg) Receiver() *SideState { return &l.receiver }

// AmountInput returns the raw amount text last entered for this leg.
func (l *Leg) AmountInput() string { return l.amountInput }

// AmountErr returns the inline amount validation error, empty when valid.
func (l *Leg) AmountErr() string { return l.amountErr }

func (l *Leg) side(s Side) *SideState {
	if s == SideReceiver {
		return &l.receiver
	}
	return &l.sender
}

// Ready reports whether both portfolios are selected, which gates asset
// selection: an entry is only meaningful once both ends are known.
func (l *Leg) Ready() bool {
	_, senderOK := l.sender.SelectedPortfolio()
	_, receiverOK := l.receiver.SelectedPortfolio()
	return senderOK && receiverOK
}

func (l *Leg) resetAmountState() {
	l.amountInput = ""
	l.amountErr = ""
}
