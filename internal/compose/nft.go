package compose

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/PolymeshAssociation/polymesh-portal-sub002/internal/chain"
)

var (
	ErrUnknownCollection = errors.New("collection not held in sender portfolio")
	ErrTokenUnavailable  = errors.New("token not available for selection")
)

// NFTWarningMessage is the soft-limit warning shown once a leg's token
// selection exceeds maxTokens. It never blocks further selection; Finalize
// is the hard gate.
func NFTWarningMessage(maxTokens int) string {
	return fmt.Sprintf("A single transfer may include at most %d NFTs", maxTokens)
}

// NFTWarning returns the leg's soft-limit warning, empty when within limit.
func (s *Session) NFTWarning(legID int) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.selection.Get(legID)
	if !ok || len(entry.TokenIDs) <= s.maxTokens {
		return ""
	}
	if s.metrics != nil {
		s.metrics.NFTLimitWarnings.Inc()
	}
	return NFTWarningMessage(s.maxTokens)
}

// SelectCollection chooses an NFT collection for the leg, clearing any
// previously selected token ids.
func (s *Session) SelectCollection(ctx context.Context, legID int, collectionID string) error {
	s.mu.Lock()
	leg, ok := s.legs[legID]
	if !ok {
		s.mu.Unlock()
		return ErrNoLeg
	}
	s.touch()
	if leg.mode != ModeNonFungible {
		s.mu.Unlock()
		return ErrWrongMode
	}
	if !leg.Ready() {
		s.mu.Unlock()
		return ErrLegNotReady
	}

	pf, _ := leg.sender.SelectedPortfolio()
	if !pf.HasCollection(collectionID) {
		s.mu.Unlock()
		return ErrUnknownCollection
	}

	err := s.selection.Apply(legID, SetNonFungible{CollectionID: collectionID})
	s.mu.Unlock()
	if err != nil {
		return err
	}

	if _, derr := s.details.GetOrFetch(ctx, collectionID); derr != nil {
		s.log.Warn().Err(derr).Str("collection", collectionID).Msg("collection details fetch failed")
	}
	return nil
}

// AvailableNFTs lists the tokens the leg may still select: the sender
// portfolio's inventory for the chosen collection minus locked tokens,
// minus ids already in this leg's selection, minus ids claimed by sibling
// legs moving the same collection out of the same sender portfolio.
func (s *Session) AvailableNFTs(ctx context.Context, legID int) ([]chain.NFT, error) {
	s.mu.Lock()
	leg, ok := s.legs[legID]
	if !ok {
		s.mu.Unlock()
		return nil, ErrNoLeg
	}
	entry, _ := s.selection.Get(legID)
	if entry.IsEmpty() {
		s.mu.Unlock()
		return nil, ErrUnknownCollection
	}
	pf, ok := leg.sender.SelectedPortfolio()
	if !ok {
		s.mu.Unlock()
		return nil, ErrLegNotReady
	}
	portfolioID := pf.ID
	collectionID := entry.AssetID
	s.mu.Unlock()

	inventory, err := s.svc.GetCollectionInventory(ctx, portfolioID, collectionID)
	if err != nil {
		return nil, fmt.Errorf("fetch collection inventory: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	// Re-read: the selection may have moved while the inventory was in
	// flight. The claim set is always computed against current state.
	leg, ok = s.legs[legID]
	if !ok {
		return nil, ErrNoLeg
	}
	entry, _ = s.selection.Get(legID)
	if entry.AssetID != collectionID {
		return nil, ErrUnknownCollection
	}
	return s.filterAvailableLocked(legID, collectionID, portfolioID, entry, inventory), nil
}

func (s *Session) filterAvailableLocked(
	legID int,
	collectionID string,
	portfolio chain.PortfolioID,
	entry SelectedAssetEntry,
	inventory []chain.NFT,
) []chain.NFT {
	claimed := s.siblingTokenClaimsLocked(legID, collectionID, portfolio)

	out := make([]chain.NFT, 0, len(inventory))
	for _, nft := range inventory {
		if nft.Locked {
			continue
		}
		if entry.HasToken(nft.TokenID) {
			continue
		}
		if claimed[nft.TokenID.String()] {
			continue
		}
		out = append(out, nft)
	}
	return out
}

// siblingTokenClaimsLocked collects token ids claimed by other legs moving
// the same collection out of the same sender portfolio. Mirrors the
// fungible cross-leg reservation for NFTs.
func (s *Session) siblingTokenClaimsLocked(legID int, collectionID string, portfolio chain.PortfolioID) map[string]bool {
	claimed := make(map[string]bool)
	for id, other := range s.legs {
		if id == legID {
			continue
		}
		otherPf, ok := other.sender.SelectedPortfolio()
		if !ok || !otherPf.ID.Equal(portfolio) {
			continue
		}
		entry, ok := s.selection.Get(id)
		if !ok || entry.AssetID != collectionID {
			continue
		}
		for _, tid := range entry.TokenIDs {
			claimed[tid.String()] = true
		}
	}
	return claimed
}

// AddToken appends one available token to the leg's selection, preserving
// insertion order. Adding an id already selected is a no-op. The soft
// limit does not block the add.
func (s *Session) AddToken(ctx context.Context, legID int, tokenID decimal.Decimal) error {
	available, err := s.AvailableNFTs(ctx, legID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	entry, ok := s.selection.Get(legID)
	if !ok {
		return ErrNoLeg
	}
	if entry.HasToken(tokenID) {
		return nil
	}

	found := false
	for _, nft := range available {
		if nft.TokenID.Equal(tokenID) {
			found = true
			break
		}
	}
	if !found {
		return ErrTokenUnavailable
	}

	return s.selection.Apply(legID, SetNonFungible{
		CollectionID: entry.AssetID,
		TokenIDs:     append(entry.TokenIDs, tokenID),
	})
}

// RemoveToken drops one token id from the leg's selection.
func (s *Session) RemoveToken(legID int, tokenID decimal.Decimal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	entry, ok := s.selection.Get(legID)
	if !ok {
		return ErrNoLeg
	}
	if entry.IsEmpty() {
		return ErrUnknownCollection
	}

	kept := make([]decimal.Decimal, 0, len(entry.TokenIDs))
	for _, id := range entry.TokenIDs {
		if !id.Equal(tokenID) {
			kept = append(kept, id)
		}
	}
	return s.selection.Apply(legID, SetNonFungible{
		CollectionID: entry.AssetID,
		TokenIDs:     kept,
	})
}

// SelectAllTokens unions every currently-available token into the leg's
// selection. Availability is computed as a true set difference at call
// time, so repeated invocations cannot introduce duplicates.
func (s *Session) SelectAllTokens(ctx context.Context, legID int) error {
	available, err := s.AvailableNFTs(ctx, legID)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	entry, ok := s.selection.Get(legID)
	if !ok {
		return ErrNoLeg
	}

	ids := entry.TokenIDs
	for _, nft := range available {
		if !entry.HasToken(nft.TokenID) {
			ids = append(ids, nft.TokenID)
		}
	}
	return s.selection.Apply(legID, SetNonFungible{
		CollectionID: entry.AssetID,
		TokenIDs:     ids,
	})
}

// ClearTokens empties the leg's token selection, keeping the collection.
func (s *Session) ClearTokens(legID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.touch()

	entry, ok := s.selection.Get(legID)
	if !ok {
		return ErrNoLeg
	}
	if entry.IsEmpty() {
		return ErrUnknownCollection
	}
	return s.selection.Apply(legID, SetNonFungible{CollectionID: entry.AssetID})
}
