package compose

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestSelectionState_SlotIDsNeverReused(t *testing.T) {
	s := NewSelectionState()

	a := s.Add()
	b := s.Add()
	c := s.Add()
	if a != 0 || b != 1 || c != 2 {
		t.Fatalf("expected ids 0,1,2, got %d,%d,%d", a, b, c)
	}

	s.Remove(b)
	d := s.Add()
	if d != 3 {
		t.Errorf("expected next id 3 after removing slot 1, got %d", d)
	}

	slots := s.Slots()
	if len(slots) != 3 || slots[0] != 0 || slots[1] != 2 || slots[2] != 3 {
		t.Errorf("unexpected slots: %v", slots)
	}
}

func TestSelectionState_ApplyUnknownSlot(t *testing.T) {
	s := NewSelectionState()
	if err := s.Apply(7, ResetSelection{}); err == nil {
		t.Error("expected error applying to unknown slot")
	}
}

func TestSetFungible_ClearsTokenList(t *testing.T) {
	s := NewSelectionState()
	id := s.Add()

	s.Apply(id, SetNonFungible{CollectionID: "PUNKS", TokenIDs: []decimal.Decimal{dec("1"), dec("2")}})
	s.Apply(id, SetFungible{AssetID: "ACME", Amount: dec("5")})

	e, _ := s.Get(id)
	if e.AssetID != "ACME" || !e.Amount.Equal(dec("5")) {
		t.Errorf("unexpected entry: %+v", e)
	}
	if e.TokenIDs != nil {
		t.Errorf("fungible update must clear token ids, got %v", e.TokenIDs)
	}
}

func TestSetNonFungible_ZeroesAmountAndDedups(t *testing.T) {
	s := NewSelectionState()
	id := s.Add()

	s.Apply(id, SetFungible{AssetID: "ACME", Amount: dec("5")})
	s.Apply(id, SetNonFungible{
		CollectionID: "PUNKS",
		TokenIDs:     []decimal.Decimal{dec("3"), dec("1"), dec("3"), dec("2"), dec("1")},
	})

	e, _ := s.Get(id)
	if e.AssetID != "PUNKS" {
		t.Errorf("expected collection PUNKS, got %q", e.AssetID)
	}
	if !e.Amount.IsZero() {
		t.Errorf("non-fungible update must zero the amount, got %s", e.Amount)
	}
	want := []string{"3", "1", "2"}
	if len(e.TokenIDs) != len(want) {
		t.Fatalf("expected %d token ids, got %v", len(want), e.TokenIDs)
	}
	for i, w := range want {
		if e.TokenIDs[i].String() != w {
			t.Errorf("token %d: expected %s, got %s", i, w, e.TokenIDs[i])
		}
	}
}

func TestSetMemo_SurvivesAssetUpdates(t *testing.T) {
	s := NewSelectionState()
	id := s.Add()

	s.Apply(id, SetMemo{Text: "invoice 42"})
	s.Apply(id, SetFungible{AssetID: "ACME", Amount: dec("1")})
	e, _ := s.Get(id)
	if e.Memo != "invoice 42" {
		t.Errorf("memo lost on fungible update: %q", e.Memo)
	}

	s.Apply(id, SetNonFungible{CollectionID: "PUNKS"})
	e, _ = s.Get(id)
	if e.Memo != "invoice 42" {
		t.Errorf("memo lost on non-fungible update: %q", e.Memo)
	}

	s.Apply(id, ResetSelection{})
	e, _ = s.Get(id)
	if e.Memo != "" {
		t.Errorf("reset must clear the memo, got %q", e.Memo)
	}
}

func TestSelectionState_GetReturnsCopy(t *testing.T) {
	s := NewSelectionState()
	id := s.Add()
	s.Apply(id, SetNonFungible{CollectionID: "PUNKS", TokenIDs: []decimal.Decimal{dec("1")}})

	e, _ := s.Get(id)
	e.TokenIDs[0] = dec("99")

	again, _ := s.Get(id)
	if !again.TokenIDs[0].Equal(dec("1")) {
		t.Error("mutating a returned entry must not affect stored state")
	}
}
