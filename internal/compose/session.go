// Package compose implements the multi-leg transfer composition engine:
// per-session leg state, DID and portfolio resolution, fungible and NFT
// selection with incremental validation, and cross-leg balance reservation.
package compose

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/PolymeshAssociation/polymesh-portal-sub002/internal/cache"
	"github.com/PolymeshAssociation/polymesh-portal-sub002/internal/chain"
	"github.com/PolymeshAssociation/polymesh-portal-sub002/internal/observability"
)

// DefaultMaxTokens is the soft per-leg NFT selection limit.
const DefaultMaxTokens = 10

var (
	ErrNoLeg           = errors.New("no such leg")
	ErrFirstLegPinned  = errors.New("the first leg cannot be removed")
	ErrNotResolved     = errors.New("identity not resolved")
	ErrUnknownPortfolio = errors.New("portfolio not found under identity")
	ErrLegNotReady     = errors.New("sender and receiver portfolios must be selected first")
	ErrUnknownAsset    = errors.New("asset not held in sender portfolio")
	ErrWrongMode       = errors.New("operation does not match the leg's asset mode")
	ErrMemoTooLong     = fmt.Errorf("memo exceeds %d characters", MaxMemoLength)
)

// Session is one composition flow: an ordered set of legs being edited into
// a transfer instruction batch. All mutating methods serialize on the
// session lock; chain fetches release it and reconcile results under a
// generation check, so a stale response never overwrites fresher state.
type Session struct {
	ID uuid.UUID

	mu        sync.Mutex
	svc       chain.Service
	details   *cache.DetailsCache
	selection *SelectionState
	legs      map[int]*Leg
	maxTokens int

	log     zerolog.Logger
	metrics *observability.Metrics

	createdAt   time.Time
	lastTouched time.Time
}

// NewSession creates a session with one empty leg.
func NewSession(svc chain.Service, maxTokens int, log zerolog.Logger, metrics *observability.Metrics) *Session {
	if maxTokens <= 0 {
		maxTokens = DefaultMaxTokens
	}
	now := time.Now()
	s := &Session{
		ID:          uuid.New(),
		svc:         svc,
		details:     cache.NewDetailsCache(svc, metrics),
		selection:   NewSelectionState(),
		legs:        make(map[int]*Leg),
		maxTokens:   maxTokens,
		log:         log,
		metrics:     metrics,
		createdAt:   now,
		lastTouched: now,
	}
	s.addLegLocked()
	return s
}

// MaxTokens returns the soft NFT-per-leg limit for this session.
func (s *Session) MaxTokens() int { return s.maxTokens }

// Details exposes the session's asset details cache (read paths only).
func (s *Session) Details() *cache.DetailsCache { return s.details }

func (s *Session) touch() {
	s.lastTouched = time.Now()
}

// IdleSince returns the time of the last mutating access.
func (s *Session) IdleSince() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTouched
}

func (s *Session) addLegLocked() int {
	id := s.selection.Add()
	s.legs[id] = &Leg{id: id}
	if s.metrics != nil {
		s.metrics.LegsActive.Inc()
	}
	return id
}

// AddLeg appends a new empty leg and returns its stable slot id.
func (s *Session) AddLeg() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	return s.addLegLocked()
}

// RemoveLeg deletes a leg and its selection slot. The first leg is pinned:
// a composition always has at least one leg.
func (s *Session) RemoveLeg(id int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if _, ok := s.legs[id]; !ok {
		return ErrNoLeg
	}
	if id == 0 {
		return ErrFirstLegPinned
	}
	delete(s.legs, id)
	s.selection.Remove(id)
	if s.metrics != nil {
		s.metrics.LegsActive.Dec()
	}
	return nil
}

// LegIDs returns live leg ids in ascending slot order.
func (s *Session) LegIDs() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selection.Slots()
}

// Leg returns a point-in-time copy of a leg's state.
func (s *Session) Leg(id int) (Leg, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.legs[id]
	if !ok {
		return Leg{}, false
	}
	return *l, true
}

// Entry returns a copy of the leg's selection entry.
func (s *Session) Entry(id int) (SelectedAssetEntry, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selection.Get(id)
}

// --- Identity resolution -------------------------------------------------

type resolveResult struct {
	identity   chain.Identity
	portfolios []chain.Portfolio
	inlineErr  string
}

// ResolveDID runs the per-side resolution state machine for a leg. Local
// validation failures (empty or malformed DID) are recorded inline without
// touching the chain. Otherwise the identity and its portfolios are
// fetched with the session lock released; the result is applied only if no
// newer attempt began for the same side in the meantime.
//
// The returned error is transport-level only (chain unreachable); inline
// resolution errors land on the side state, not in the error return.
func (s *Session) ResolveDID(ctx context.Context, legID int, side Side, did string) error {
	gen, skip, err := s.beginResolve(legID, side, did)
	if err != nil || skip {
		return err
	}

	start := time.Now()
	res, fetchErr := s.fetchIdentity(ctx, did)
	if s.metrics != nil {
		s.metrics.ResolutionDuration.WithLabelValues(side.String()).Observe(time.Since(start).Seconds())
	}

	applied := s.finishResolve(legID, side, gen, res, fetchErr)
	if !applied {
		if s.metrics != nil {
			s.metrics.StaleDiscards.WithLabelValues(side.String()).Inc()
		}
		s.log.Debug().Int("leg", legID).Str("side", side.String()).
			Msg("discarded superseded resolution response")
		return nil
	}
	return fetchErr
}

// beginResolve validates the input locally and moves the side to
// Validating, returning the generation tag for this attempt. skip is true
// when no fetch is needed (local validation failed, or the DID is already
// resolved for this side).
func (s *Session) beginResolve(legID int, side Side, did string) (gen uint64, skip bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	leg, ok := s.legs[legID]
	if !ok {
		return 0, true, ErrNoLeg
	}
	st := leg.side(side)

	// Re-entering the DID already resolved for this side is a no-op.
	if st.Phase == PhaseResolved && st.Input == did {
		return 0, true, nil
	}

	st.Input = did
	st.generation++

	// A new DID invalidates everything derived from the previous one.
	// For the sender that includes the leg's asset selection: the asset
	// belongs to the old sender portfolio.
	st.clearResolution()
	if side == SideSender {
		s.resetLegSelectionLocked(leg)
	} else {
		st.Selected = nil
	}

	if did == "" {
		st.Phase = PhaseInvalid
		st.Err = MsgDIDRequired
		s.countResolution(side, "required")
		return 0, true, nil
	}
	if !chain.IsValidDID(did) {
		st.Phase = PhaseInvalid
		st.Err = MsgDIDInvalid
		s.countResolution(side, "malformed")
		return 0, true, nil
	}

	st.Phase = PhaseValidating
	return st.generation, false, nil
}

// fetchIdentity performs the chain lookups outside the session lock.
func (s *Session) fetchIdentity(ctx context.Context, did string) (resolveResult, error) {
	identity, err := s.svc.GetIdentity(ctx, did)
	if err != nil {
		if errors.Is(err, chain.ErrIdentityNotFound) {
			return resolveResult{inlineErr: MsgIdentityNotFound}, nil
		}
		return resolveResult{}, fmt.Errorf("resolve identity: %w", err)
	}

	portfolios, err := s.svc.GetPortfolios(ctx, identity)
	if err != nil {
		return resolveResult{}, fmt.Errorf("fetch portfolios: %w", err)
	}

	return resolveResult{identity: identity, portfolios: portfolios}, nil
}

// finishResolve applies a fetch outcome if gen is still the side's latest
// attempt. Returns false when the response was superseded and discarded.
func (s *Session) finishResolve(legID int, side Side, gen uint64, res resolveResult, fetchErr error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	leg, ok := s.legs[legID]
	if !ok {
		return false
	}
	st := leg.side(side)
	if st.generation != gen {
		return false
	}

	switch {
	case fetchErr != nil:
		// Transport failure: drop back to Empty so the user can retry.
		// The error itself is surfaced through the global channel.
		st.Phase = PhaseEmpty
		s.countResolution(side, "error")

	case res.inlineErr != "":
		st.Phase = PhaseInvalid
		st.Err = res.inlineErr
		s.countResolution(side, "not_found")

	default:
		st.Phase = PhaseResolved
		st.Err = ""
		st.Identity = res.identity
		st.Portfolios = res.portfolios
		s.countResolution(side, "resolved")
	}
	return true
}

func (s *Session) countResolution(side Side, outcome string) {
	if s.metrics != nil {
		s.metrics.ResolutionsTotal.WithLabelValues(side.String(), outcome).Inc()
	}
}

// --- Portfolio selection -------------------------------------------------

// SelectPortfolio picks one of the side's resolved portfolios. Selecting a
// new sender portfolio clears the leg's asset selection and amount state:
// a balance chosen against the old portfolio must not carry over.
func (s *Session) SelectPortfolio(legID int, side Side, portfolioID chain.PortfolioID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	leg, ok := s.legs[legID]
	if !ok {
		return ErrNoLeg
	}
	st := leg.side(side)
	if st.Phase != PhaseResolved {
		return ErrNotResolved
	}

	var found *chain.PortfolioID
	for i := range st.Portfolios {
		if st.Portfolios[i].ID.Equal(portfolioID) {
			id := st.Portfolios[i].ID
			found = &id
			break
		}
	}
	if found == nil {
		return ErrUnknownPortfolio
	}

	changed := st.Selected == nil || !st.Selected.Equal(*found)
	st.Selected = found

	if side == SideSender && changed {
		s.resetLegSelectionLocked(leg)
	}
	return nil
}

// resetLegSelectionLocked clears the leg's selection entry and local amount
// state. Used on mode toggle, sender portfolio change, and sender identity
// change.
func (s *Session) resetLegSelectionLocked(leg *Leg) {
	_ = s.selection.Apply(leg.id, ResetSelection{})
	leg.resetAmountState()
}

// SetMode toggles a leg between fungible and non-fungible selection. The
// two modes are mutually exclusive, so toggling fully resets the entry:
// stale fields from the previous mode must not leak into an instruction.
func (s *Session) SetMode(legID int, mode TransferMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	leg, ok := s.legs[legID]
	if !ok {
		return ErrNoLeg
	}
	if leg.mode == mode {
		return nil
	}
	leg.mode = mode
	s.resetLegSelectionLocked(leg)
	return nil
}

// SetMemo sets the leg's optional public memo.
func (s *Session) SetMemo(legID int, text string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	if _, ok := s.legs[legID]; !ok {
		return ErrNoLeg
	}
	if len(text) > MaxMemoLength {
		return ErrMemoTooLong
	}
	return s.selection.Apply(legID, SetMemo{Text: text})
}

// --- Fungible selection --------------------------------------------------

// SelectAsset chooses a fungible asset for the leg. The amount resets to
// zero and any previous validation error is cleared.
func (s *Session) SelectAsset(ctx context.Context, legID int, assetID string) error {
	s.mu.Lock()
	leg, ok := s.legs[legID]
	if !ok {
		s.mu.Unlock()
		return ErrNoLeg
	}
	s.touch()
	if leg.mode != ModeFungible {
		s.mu.Unlock()
		return ErrWrongMode
	}
	if !leg.Ready() {
		s.mu.Unlock()
		return ErrLegNotReady
	}

	pf, _ := leg.sender.SelectedPortfolio()
	if !pf.HasAsset(assetID) {
		s.mu.Unlock()
		return ErrUnknownAsset
	}

	leg.resetAmountState()
	err := s.selection.Apply(legID, SetFungible{AssetID: assetID, Amount: decimal.Zero})
	s.mu.Unlock()
	if err != nil {
		return err
	}

	// Best-effort: make the display metadata available for validation and
	// labels. A miss degrades to showing the raw asset id.
	if _, derr := s.details.GetOrFetch(ctx, assetID); derr != nil {
		s.log.Warn().Err(derr).Str("asset", assetID).Msg("asset details fetch failed")
	}
	return nil
}

// SetAmount validates a raw amount input against the leg's reservation-
// adjusted available balance. Invalid input stores a zero amount with the
// inline error; the stored entry never holds a nonsensical quantity.
func (s *Session) SetAmount(legID int, input string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()
	return s.setAmountLocked(legID, input)
}

func (s *Session) setAmountLocked(legID int, input string) (string, error) {
	leg, ok := s.legs[legID]
	if !ok {
		return "", ErrNoLeg
	}
	if leg.mode != ModeFungible {
		return "", ErrWrongMode
	}
	entry, _ := s.selection.Get(legID)
	if entry.IsEmpty() {
		return "", ErrUnknownAsset
	}

	divisible := true
	if d, ok := s.details.Get(entry.AssetID); ok {
		divisible = d.Divisible
	}

	available := s.availableBalanceLocked(leg, entry.AssetID)
	amount, msg := ValidateAmount(input, available, divisible)

	leg.amountInput = input
	leg.amountErr = msg
	if msg != "" && s.metrics != nil {
		s.metrics.AmountValidationFailures.WithLabelValues(ruleLabel(msg)).Inc()
	}

	if err := s.selection.Apply(legID, SetFungible{AssetID: entry.AssetID, Amount: amount}); err != nil {
		return "", err
	}
	return msg, nil
}

// UseMax sets the amount input to the full available balance and
// re-validates it.
func (s *Session) UseMax(legID int) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	leg, ok := s.legs[legID]
	if !ok {
		return "", ErrNoLeg
	}
	if leg.mode != ModeFungible {
		return "", ErrWrongMode
	}
	entry, _ := s.selection.Get(legID)
	if entry.IsEmpty() {
		return "", ErrUnknownAsset
	}

	available := s.availableBalanceLocked(leg, entry.AssetID)
	return s.setAmountLocked(legID, available.String())
}

func ruleLabel(msg string) string {
	switch msg {
	case MsgAmountNotNumber:
		return "not_number"
	case MsgAmountRequired:
		return "required"
	case MsgAmountNotPositive:
		return "not_positive"
	case MsgInsufficientBal:
		return "insufficient"
	case MsgNoDecimals:
		return "indivisible"
	case MsgTooManyDecimals:
		return "precision"
	default:
		return "other"
	}
}

// --- Cross-leg balance reservation ---------------------------------------

// AvailableBalance returns the balance this leg's picker may offer: the
// sender portfolio's free balance minus amounts already reserved by
// sibling legs moving the same asset out of the same portfolio.
func (s *Session) AvailableBalance(legID int, assetID string) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	leg, ok := s.legs[legID]
	if !ok {
		return decimal.Zero, ErrNoLeg
	}
	return s.availableBalanceLocked(leg, assetID), nil
}

func (s *Session) availableBalanceLocked(leg *Leg, assetID string) decimal.Decimal {
	pf, ok := leg.sender.SelectedPortfolio()
	if !ok {
		return decimal.Zero
	}

	available := pf.FreeBalance(assetID).Sub(s.reservedByOthersLocked(leg.id, assetID, pf.ID))
	if available.Sign() < 0 {
		return decimal.Zero
	}
	return available
}

// reservedByOthersLocked sums sibling legs' amounts for the same asset
// leaving the same sender portfolio. Each picker is otherwise unaware of
// its siblings; without this the legs could jointly overspend one balance.
func (s *Session) reservedByOthersLocked(legID int, assetID string, portfolio chain.PortfolioID) decimal.Decimal {
	reserved := decimal.Zero
	for id, other := range s.legs {
		if id == legID {
			continue
		}
		otherPf, ok := other.sender.SelectedPortfolio()
		if !ok || !otherPf.ID.Equal(portfolio) {
			continue
		}
		entry, ok := s.selection.Get(id)
		if !ok || entry.AssetID != assetID {
			continue
		}
		reserved = reserved.Add(entry.Amount)
	}
	return reserved
}

// --- Staleness from chain movements --------------------------------------

// InvalidatePortfolios marks every resolved side belonging to the given
// identity as stale. Returns the number of sides touched.
func (s *Session) InvalidatePortfolios(did string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	touched := 0
	for _, leg := range s.legs {
		for _, st := range []*SideState{&leg.sender, &leg.receiver} {
			if st.Phase == PhaseResolved && st.Identity.DID == did {
				st.stale = true
				touched++
			}
		}
	}
	return touched
}

// RefreshStale refetches portfolio data for sides invalidated by observed
// chain movements. The selected portfolio is kept when it still exists;
// otherwise the side drops back to no selection and the leg's entry is
// reset (for the sender) since its balances are gone.
func (s *Session) RefreshStale(ctx context.Context) error {
	type staleSide struct {
		legID int
		side  Side
		did   string
		gen   uint64
	}

	s.mu.Lock()
	var pending []staleSide
	for id, leg := range s.legs {
		if leg.sender.stale {
			leg.sender.generation++
			pending = append(pending, staleSide{id, SideSender, leg.sender.Input, leg.sender.generation})
		}
		if leg.receiver.stale {
			leg.receiver.generation++
			pending = append(pending, staleSide{id, SideReceiver, leg.receiver.Input, leg.receiver.generation})
		}
	}
	s.mu.Unlock()

	for _, p := range pending {
		res, err := s.fetchIdentity(ctx, p.did)
		if err != nil {
			return err
		}

		s.mu.Lock()
		leg, ok := s.legs[p.legID]
		if !ok {
			s.mu.Unlock()
			continue
		}
		st := leg.side(p.side)
		if st.generation != p.gen {
			s.mu.Unlock()
			continue
		}
		st.stale = false
		if res.inlineErr != "" {
			st.Phase = PhaseInvalid
			st.Err = res.inlineErr
			st.Portfolios = nil
			st.Selected = nil
			if p.side == SideSender {
				s.resetLegSelectionLocked(leg)
			}
			s.mu.Unlock()
			continue
		}

		st.Portfolios = res.portfolios
		if st.Selected != nil {
			kept := false
			for i := range res.portfolios {
				if res.portfolios[i].ID.Equal(*st.Selected) {
					kept = true
					break
				}
			}
			if !kept {
				st.Selected = nil
				if p.side == SideSender {
					s.resetLegSelectionLocked(leg)
				}
			}
		}
		s.mu.Unlock()
	}
	return nil
}
