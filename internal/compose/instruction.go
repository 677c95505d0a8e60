package compose

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/PolymeshAssociation/polymesh-portal-sub002/internal/chain"
)

// InstructionLeg is one settled row of a composition, ready for direct
// translation into a transfer instruction.
type InstructionLeg struct {
	LegID    int               `json:"leg_id"`
	From     chain.PortfolioID `json:"from"`
	To       chain.PortfolioID `json:"to"`
	AssetID  string            `json:"asset_id"`
	Amount   decimal.Decimal   `json:"amount"`
	TokenIDs []decimal.Decimal `json:"token_ids,omitempty"`
	Memo     string            `json:"memo,omitempty"`
}

// InstructionBatch is the finalized output of a session: the instruction
// set handed to the submission service. This service never submits it.
type InstructionBatch struct {
	BatchID   uuid.UUID        `json:"batch_id"`
	SessionID uuid.UUID        `json:"session_id"`
	CreatedAt time.Time        `json:"created_at"`
	Legs      []InstructionLeg `json:"legs"`
}

// FinalizeError reports which leg blocked finalization and why.
type FinalizeError struct {
	LegID  int
	Reason string
}

func (e *FinalizeError) Error() string {
	return fmt.Sprintf("leg %d: %s", e.LegID, e.Reason)
}

// Snapshot returns a draft row per leg in slot order, including incomplete
// legs with zero-valued fields. Callers wanting a submittable batch use
// Finalize instead.
func (s *Session) Snapshot() []InstructionLeg {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]InstructionLeg, 0, len(s.legs))
	for _, id := range s.selection.Slots() {
		leg := s.legs[id]
		entry, _ := s.selection.Get(id)

		row := InstructionLeg{
			LegID:    id,
			AssetID:  entry.AssetID,
			Amount:   entry.Amount,
			TokenIDs: entry.TokenIDs,
			Memo:     entry.Memo,
		}
		if pf, ok := leg.sender.SelectedPortfolio(); ok {
			row.From = pf.ID
		}
		if pf, ok := leg.receiver.SelectedPortfolio(); ok {
			row.To = pf.ID
		}
		out = append(out, row)
	}
	return out
}

// Finalize validates every leg and assembles the instruction batch.
// Unlike the soft per-leg warnings, this is the hard gate: incomplete
// legs, standing validation errors, over-limit or duplicated token
// selections, and cross-leg overdrafts all refuse the batch.
func (s *Session) Finalize() (*InstructionBatch, error) {
	start := time.Now()
	batch, err := s.finalize()

	if s.metrics != nil {
		outcome := "ok"
		if err != nil {
			outcome = "rejected"
		}
		s.metrics.FinalizeTotal.WithLabelValues(outcome).Inc()
		s.metrics.FinalizeDuration.Observe(time.Since(start).Seconds())
		if batch != nil {
			s.metrics.FinalizeLegs.Observe(float64(len(batch.Legs)))
		}
	}
	return batch, err
}

func (s *Session) finalize() (*InstructionBatch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	batch := &InstructionBatch{
		BatchID:   uuid.New(),
		SessionID: s.ID,
		CreatedAt: time.Now(),
	}

	// Re-checked as a group below: per-leg validation alone cannot catch
	// balances that shrank after the legs were edited.
	type spend struct {
		legID int
		free  decimal.Decimal
		total decimal.Decimal
	}
	spends := make(map[string]*spend)

	for _, id := range s.selection.Slots() {
		leg := s.legs[id]
		entry, _ := s.selection.Get(id)

		from, senderOK := leg.sender.SelectedPortfolio()
		to, receiverOK := leg.receiver.SelectedPortfolio()
		if !senderOK || !receiverOK {
			return nil, &FinalizeError{LegID: id, Reason: "sender and receiver portfolios must be selected"}
		}
		if entry.IsEmpty() {
			return nil, &FinalizeError{LegID: id, Reason: "no asset selected"}
		}

		row := InstructionLeg{
			LegID:   id,
			From:    from.ID,
			To:      to.ID,
			AssetID: entry.AssetID,
			Memo:    entry.Memo,
		}

		switch leg.mode {
		case ModeFungible:
			if leg.amountErr != "" {
				return nil, &FinalizeError{LegID: id, Reason: leg.amountErr}
			}
			if entry.Amount.Sign() <= 0 {
				return nil, &FinalizeError{LegID: id, Reason: MsgAmountNotPositive}
			}
			row.Amount = entry.Amount

			key := entry.AssetID + "|" + spendKey(from.ID)
			sp, ok := spends[key]
			if !ok {
				sp = &spend{legID: id, free: from.FreeBalance(entry.AssetID)}
				spends[key] = sp
			}
			sp.total = sp.total.Add(entry.Amount)

		case ModeNonFungible:
			if len(entry.TokenIDs) == 0 {
				return nil, &FinalizeError{LegID: id, Reason: "no tokens selected"}
			}
			if len(entry.TokenIDs) > s.maxTokens {
				return nil, &FinalizeError{LegID: id, Reason: NFTWarningMessage(s.maxTokens)}
			}
			if hasDuplicateTokens(entry.TokenIDs) {
				return nil, &FinalizeError{LegID: id, Reason: "duplicate token ids selected"}
			}
			row.TokenIDs = entry.TokenIDs
		}

		batch.Legs = append(batch.Legs, row)
	}

	for _, sp := range spends {
		if sp.total.GreaterThan(sp.free) {
			return nil, &FinalizeError{LegID: sp.legID, Reason: MsgInsufficientBal}
		}
	}

	return batch, nil
}

func spendKey(p chain.PortfolioID) string {
	if p.Kind == chain.PortfolioDefault {
		return p.DID + ":default"
	}
	return fmt.Sprintf("%s:%d", p.DID, p.Number)
}

func hasDuplicateTokens(ids []decimal.Decimal) bool {
	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		key := id.String()
		if seen[key] {
			return true
		}
		seen[key] = true
	}
	return false
}
