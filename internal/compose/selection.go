package compose

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
)

// MaxMemoLength is the public memo character limit.
const MaxMemoLength = 32

// TransferMode is the per-leg asset selection mode.
type TransferMode uint8

const (
	ModeFungible TransferMode = iota
	ModeNonFungible
)

func (m TransferMode) String() string {
	if m == ModeNonFungible {
		return "non_fungible"
	}
	return "fungible"
}

// SelectedAssetEntry is one leg's chosen asset and quantity. Exactly one of
// Amount / TokenIDs carries meaning at a time: applying a fungible update
// clears the token list and applying a non-fungible update zeroes the amount.
type SelectedAssetEntry struct {
	AssetID  string
	Memo     string
	Amount   decimal.Decimal
	TokenIDs []decimal.Decimal
}

// IsEmpty reports whether no asset has been chosen yet.
func (e *SelectedAssetEntry) IsEmpty() bool {
	return e.AssetID == ""
}

// HasToken reports whether the entry already holds the given token id.
func (e *SelectedAssetEntry) HasToken(tokenID decimal.Decimal) bool {
	for _, id := range e.TokenIDs {
		if id.Equal(tokenID) {
			return true
		}
	}
	return false
}

// SelectionUpdate is a command applied to one slot's entry. Updates replace
// whole variants rather than merging fields, so a slot never mixes stale
// fungible and non-fungible values.
type SelectionUpdate interface {
	applyTo(e *SelectedAssetEntry)
}

// ResetSelection clears the slot back to an empty entry.
type ResetSelection struct{}

func (ResetSelection) applyTo(e *SelectedAssetEntry) {
	*e = SelectedAssetEntry{}
}

// SetFungible selects a fungible asset with an amount. The memo is kept.
type SetFungible struct {
	AssetID string
	Amount  decimal.Decimal
}

func (u SetFungible) applyTo(e *SelectedAssetEntry) {
	e.AssetID = u.AssetID
	e.Amount = u.Amount
	e.TokenIDs = nil
}

// SetNonFungible selects an NFT collection with a token id list. Duplicate
// ids are dropped, keeping first-occurrence order. The memo is kept.
type SetNonFungible struct {
	CollectionID string
	TokenIDs     []decimal.Decimal
}

func (u SetNonFungible) applyTo(e *SelectedAssetEntry) {
	e.AssetID = u.CollectionID
	e.Amount = decimal.Zero
	e.TokenIDs = dedupTokenIDs(u.TokenIDs)
}

// SetMemo updates only the memo text.
type SetMemo struct {
	Text string
}

func (u SetMemo) applyTo(e *SelectedAssetEntry) {
	e.Memo = u.Text
}

func dedupTokenIDs(ids []decimal.Decimal) []decimal.Decimal {
	if len(ids) == 0 {
		return nil
	}
	seen := make(map[string]bool, len(ids))
	out := make([]decimal.Decimal, 0, len(ids))
	for _, id := range ids {
		key := id.String()
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, id)
	}
	return out
}

// SelectionState holds the per-slot entries of one composition. Slot ids are
// allocated monotonically and never reused, so removing a middle slot cannot
// collide with a later Add.
type SelectionState struct {
	next    int
	entries map[int]*SelectedAssetEntry
}

func NewSelectionState() *SelectionState {
	return &SelectionState{
		entries: make(map[int]*SelectedAssetEntry),
	}
}

// Add allocates a new slot with an empty entry and returns its id.
func (s *SelectionState) Add() int {
	id := s.next
	s.next++
	s.entries[id] = &SelectedAssetEntry{}
	return id
}

// Remove deletes a slot. Remaining slots keep their ids.
func (s *SelectionState) Remove(id int) {
	delete(s.entries, id)
}

// Apply runs an update command against a slot's entry.
func (s *SelectionState) Apply(id int, update SelectionUpdate) error {
	e, ok := s.entries[id]
	if !ok {
		return fmt.Errorf("no selection slot %d", id)
	}
	update.applyTo(e)
	return nil
}

// Get returns a copy of the slot's entry.
func (s *SelectionState) Get(id int) (SelectedAssetEntry, bool) {
	e, ok := s.entries[id]
	if !ok {
		return SelectedAssetEntry{}, false
	}
	out := *e
	out.TokenIDs = append([]decimal.Decimal(nil), e.TokenIDs...)
	return out, true
}

// Slots returns all slot ids in ascending order.
func (s *SelectionState) Slots() []int {
	ids := make([]int, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Len returns the number of live slots.
func (s *SelectionState) Len() int {
	return len(s.entries)
}
