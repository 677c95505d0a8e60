package compose

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/PolymeshAssociation/polymesh-portal-sub002/internal/chain"
	"github.com/PolymeshAssociation/polymesh-portal-sub002/internal/testutil"
)

var (
	didAlice = "0x" + strings.Repeat("a", 64)
	didBob   = "0x" + strings.Repeat("b", 64)
	didCarol = "0x" + strings.Repeat("c", 64)
)

func defaultPf(did string) chain.PortfolioID {
	return chain.PortfolioID{DID: did, Kind: chain.PortfolioDefault}
}

func numberedPf(did string, n int64) chain.PortfolioID {
	return chain.PortfolioID{DID: did, Kind: chain.PortfolioNumbered, Number: n}
}

// fixtureChain builds the standard test world: Alice holds a divisible
// asset, an indivisible asset and an NFT collection across two portfolios;
// Bob and Carol exist as receivers.
func fixtureChain() *testutil.FakeChain {
	fc := testutil.NewFakeChain()

	fc.AddIdentity(didAlice,
		chain.Portfolio{
			ID:   defaultPf(didAlice),
			Name: "Default",
			Balances: []chain.AssetBalance{
				{AssetID: "0xusd", Free: dec("100"), Total: dec("100")},
				{AssetID: "0xgold", Free: dec("50"), Locked: dec("5"), Total: dec("55")},
			},
			Collections: []chain.Collection{
				{CollectionID: "0xpunks", Count: 5},
			},
		},
		chain.Portfolio{
			ID:   numberedPf(didAlice, 1),
			Name: "Trading",
			Balances: []chain.AssetBalance{
				{AssetID: "0xusd", Free: dec("30"), Total: dec("30")},
			},
		},
	)
	fc.AddIdentity(didBob, chain.Portfolio{ID: defaultPf(didBob), Name: "Default"})
	fc.AddIdentity(didCarol, chain.Portfolio{ID: defaultPf(didCarol), Name: "Default"})

	fc.AddDetails(chain.AssetDetails{AssetID: "0xusd", Name: "Stable Dollar", Ticker: "USD", Divisible: true})
	fc.AddDetails(chain.AssetDetails{AssetID: "0xgold", Name: "Gold Bar", Ticker: "GOLD", Divisible: false})
	fc.AddDetails(chain.AssetDetails{AssetID: "0xpunks", Name: "Punk Collection", Ticker: "PUNK"})

	fc.SetInventory("0xpunks",
		testutil.Token(1),
		testutil.Token(2),
		testutil.Token(3),
		testutil.Token(4),
		testutil.LockedToken(5),
	)
	return fc
}

func newTestSession(t *testing.T) (*Session, *testutil.FakeChain) {
	t.Helper()
	fc := fixtureChain()
	return NewSession(fc, 0, zerolog.Nop(), nil), fc
}

// readyLeg resolves Alice as sender (default portfolio) and Bob as
// receiver on the given leg, leaving it ready for asset selection.
func readyLeg(t *testing.T, s *Session, legID int) {
	t.Helper()
	ctx := context.Background()

	if err := s.ResolveDID(ctx, legID, SideSender, didAlice); err != nil {
		t.Fatalf("resolve sender: %v", err)
	}
	if err := s.SelectPortfolio(legID, SideSender, defaultPf(didAlice)); err != nil {
		t.Fatalf("select sender portfolio: %v", err)
	}
	if err := s.ResolveDID(ctx, legID, SideReceiver, didBob); err != nil {
		t.Fatalf("resolve receiver: %v", err)
	}
	if err := s.SelectPortfolio(legID, SideReceiver, defaultPf(didBob)); err != nil {
		t.Fatalf("select receiver portfolio: %v", err)
	}
}

func TestNewSession_HasOneLeg(t *testing.T) {
	s, _ := newTestSession(t)

	ids := s.LegIDs()
	if len(ids) != 1 || ids[0] != 0 {
		t.Fatalf("expected single leg 0, got %v", ids)
	}
	if s.MaxTokens() != DefaultMaxTokens {
		t.Errorf("expected default max tokens, got %d", s.MaxTokens())
	}
}

func TestRemoveLeg_FirstLegPinned(t *testing.T) {
	s, _ := newTestSession(t)

	if err := s.RemoveLeg(0); !errors.Is(err, ErrFirstLegPinned) {
		t.Errorf("expected ErrFirstLegPinned, got %v", err)
	}
	if err := s.RemoveLeg(42); !errors.Is(err, ErrNoLeg) {
		t.Errorf("expected ErrNoLeg, got %v", err)
	}
}

func TestLegIDs_StableAfterMiddleRemoval(t *testing.T) {
	s, _ := newTestSession(t)

	a := s.AddLeg() // 1
	b := s.AddLeg() // 2
	if a != 1 || b != 2 {
		t.Fatalf("expected legs 1,2, got %d,%d", a, b)
	}

	if err := s.RemoveLeg(a); err != nil {
		t.Fatalf("remove leg: %v", err)
	}
	c := s.AddLeg()
	if c != 3 {
		t.Errorf("expected fresh id 3, got %d", c)
	}

	ids := s.LegIDs()
	want := []int{0, 2, 3}
	if len(ids) != len(want) {
		t.Fatalf("unexpected leg ids: %v", ids)
	}
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("leg ids: got %v, want %v", ids, want)
		}
	}
}

func TestResolveDID_LocalValidation(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()

	tests := []struct {
		name    string
		did     string
		wantErr string
	}{
		{"empty", "", MsgDIDRequired},
		{"malformed", "0x123", MsgDIDInvalid},
		{"bad charset", "0x" + strings.Repeat("z", 64), MsgDIDInvalid},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := s.ResolveDID(ctx, 0, SideSender, tt.did); err != nil {
				t.Fatalf("unexpected transport error: %v", err)
			}
			leg, _ := s.Leg(0)
			if leg.Sender().Phase != PhaseInvalid {
				t.Errorf("expected Invalid phase, got %s", leg.Sender().Phase)
			}
			if leg.Sender().Err != tt.wantErr {
				t.Errorf("expected %q, got %q", tt.wantErr, leg.Sender().Err)
			}
		})
	}
}

func TestResolveDID_NotFound(t *testing.T) {
	s, _ := newTestSession(t)
	unknown := "0x" + strings.Repeat("d", 64)

	if err := s.ResolveDID(context.Background(), 0, SideSender, unknown); err != nil {
		t.Fatalf("unexpected transport error: %v", err)
	}
	leg, _ := s.Leg(0)
	if leg.Sender().Phase != PhaseInvalid || leg.Sender().Err != MsgIdentityNotFound {
		t.Errorf("expected inline not-found, got phase %s err %q", leg.Sender().Phase, leg.Sender().Err)
	}
}

func TestResolveDID_Resolved(t *testing.T) {
	s, _ := newTestSession(t)

	if err := s.ResolveDID(context.Background(), 0, SideSender, didAlice); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	leg, _ := s.Leg(0)
	sender := leg.Sender()
	if sender.Phase != PhaseResolved {
		t.Fatalf("expected Resolved, got %s", sender.Phase)
	}
	if len(sender.Portfolios) != 2 {
		t.Errorf("expected 2 portfolios, got %d", len(sender.Portfolios))
	}
	if sender.Selected != nil {
		t.Error("no portfolio should be selected right after resolution")
	}
}

func TestResolveDID_ReenterSameDIDIsNoop(t *testing.T) {
	s, fc := newTestSession(t)
	ctx := context.Background()

	if err := s.ResolveDID(ctx, 0, SideSender, didAlice); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	before := fc.PortfolioCalls()

	if err := s.ResolveDID(ctx, 0, SideSender, didAlice); err != nil {
		t.Fatalf("re-resolve: %v", err)
	}
	if fc.PortfolioCalls() != before {
		t.Error("re-entering the resolved DID must not refetch")
	}
}

func TestResolveDID_StaleResponseDiscarded(t *testing.T) {
	s, fc := newTestSession(t)
	ctx := context.Background()

	// While Alice's fetch is in flight, a newer attempt switches the side
	// to Carol. Alice's response completes last and must be discarded.
	fired := false
	fc.SetPortfoliosHook(func(did string) {
		if did == didAlice && !fired {
			fired = true
			fc.SetPortfoliosHook(nil)
			if err := s.ResolveDID(ctx, 0, SideSender, didCarol); err != nil {
				t.Errorf("inner resolve: %v", err)
			}
		}
	})

	if err := s.ResolveDID(ctx, 0, SideSender, didAlice); err != nil {
		t.Fatalf("outer resolve: %v", err)
	}

	leg, _ := s.Leg(0)
	sender := leg.Sender()
	if sender.Phase != PhaseResolved {
		t.Fatalf("expected Resolved, got %s", sender.Phase)
	}
	if sender.Identity.DID != didCarol {
		t.Errorf("stale response overwrote newer state: resolved %s", sender.Identity.DID)
	}
}

func TestSelectPortfolio_RequiresResolution(t *testing.T) {
	s, _ := newTestSession(t)

	err := s.SelectPortfolio(0, SideSender, defaultPf(didAlice))
	if !errors.Is(err, ErrNotResolved) {
		t.Errorf("expected ErrNotResolved, got %v", err)
	}
}

func TestSelectPortfolio_UnknownPortfolio(t *testing.T) {
	s, _ := newTestSession(t)

	if err := s.ResolveDID(context.Background(), 0, SideSender, didAlice); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	err := s.SelectPortfolio(0, SideSender, numberedPf(didAlice, 9))
	if !errors.Is(err, ErrUnknownPortfolio) {
		t.Errorf("expected ErrUnknownPortfolio, got %v", err)
	}
}

func TestSelectAsset_Gates(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()

	if err := s.SelectAsset(ctx, 0, "0xusd"); !errors.Is(err, ErrLegNotReady) {
		t.Errorf("expected ErrLegNotReady before portfolios, got %v", err)
	}

	readyLeg(t, s, 0)

	if err := s.SelectAsset(ctx, 0, "0xmissing"); !errors.Is(err, ErrUnknownAsset) {
		t.Errorf("expected ErrUnknownAsset, got %v", err)
	}
	if err := s.SelectAsset(ctx, 0, "0xusd"); err != nil {
		t.Fatalf("select asset: %v", err)
	}

	entry, _ := s.Entry(0)
	if entry.AssetID != "0xusd" || !entry.Amount.IsZero() {
		t.Errorf("unexpected entry after selection: %+v", entry)
	}
}

func TestSetAmount_ValidatesAndStores(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()
	readyLeg(t, s, 0)
	if err := s.SelectAsset(ctx, 0, "0xusd"); err != nil {
		t.Fatalf("select asset: %v", err)
	}

	msg, err := s.SetAmount(0, "40")
	if err != nil || msg != "" {
		t.Fatalf("valid amount rejected: msg=%q err=%v", msg, err)
	}
	entry, _ := s.Entry(0)
	if !entry.Amount.Equal(dec("40")) {
		t.Errorf("expected stored amount 40, got %s", entry.Amount)
	}

	msg, err = s.SetAmount(0, "150")
	if err != nil {
		t.Fatalf("set amount: %v", err)
	}
	if msg != MsgInsufficientBal {
		t.Errorf("expected %q, got %q", MsgInsufficientBal, msg)
	}
	entry, _ = s.Entry(0)
	if !entry.Amount.IsZero() {
		t.Errorf("invalid input must store zero, got %s", entry.Amount)
	}
	leg, _ := s.Leg(0)
	if leg.AmountInput() != "150" || leg.AmountErr() != MsgInsufficientBal {
		t.Errorf("raw input state not kept: input=%q err=%q", leg.AmountInput(), leg.AmountErr())
	}
}

func TestSetAmount_IndivisibleAsset(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()
	readyLeg(t, s, 0)
	if err := s.SelectAsset(ctx, 0, "0xgold"); err != nil {
		t.Fatalf("select asset: %v", err)
	}

	msg, err := s.SetAmount(0, "1.5")
	if err != nil {
		t.Fatalf("set amount: %v", err)
	}
	if msg != MsgNoDecimals {
		t.Errorf("expected %q, got %q", MsgNoDecimals, msg)
	}
}

func TestCrossLegReservation(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()

	readyLeg(t, s, 0)
	leg1 := s.AddLeg()
	readyLeg(t, s, leg1)

	for _, id := range []int{0, leg1} {
		if err := s.SelectAsset(ctx, id, "0xusd"); err != nil {
			t.Fatalf("select asset on leg %d: %v", id, err)
		}
	}

	if msg, err := s.SetAmount(0, "60"); err != nil || msg != "" {
		t.Fatalf("leg 0 amount: msg=%q err=%v", msg, err)
	}

	// Leg 1 sees the sibling's 60 reserved out of the shared 100.
	avail, err := s.AvailableBalance(leg1, "0xusd")
	if err != nil {
		t.Fatalf("available balance: %v", err)
	}
	if !avail.Equal(dec("40")) {
		t.Errorf("expected 40 available, got %s", avail)
	}
	if msg, _ := s.SetAmount(leg1, "41"); msg != MsgInsufficientBal {
		t.Errorf("expected insufficient balance at 41, got %q", msg)
	}
	if msg, _ := s.SetAmount(leg1, "40"); msg != "" {
		t.Errorf("40 should fit exactly, got %q", msg)
	}

	// Shrinking leg 0 releases its reservation.
	if msg, _ := s.SetAmount(0, "30"); msg != "" {
		t.Fatalf("reducing leg 0 failed: %q", msg)
	}
	avail, _ = s.AvailableBalance(leg1, "0xusd")
	if !avail.Equal(dec("70")) {
		t.Errorf("expected 70 available after reduction, got %s", avail)
	}
}

func TestReservation_DistinctPortfoliosIndependent(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()

	readyLeg(t, s, 0)
	leg1 := s.AddLeg()
	if err := s.ResolveDID(ctx, leg1, SideSender, didAlice); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := s.SelectPortfolio(leg1, SideSender, numberedPf(didAlice, 1)); err != nil {
		t.Fatalf("select portfolio: %v", err)
	}
	if err := s.ResolveDID(ctx, leg1, SideReceiver, didBob); err != nil {
		t.Fatalf("resolve receiver: %v", err)
	}
	if err := s.SelectPortfolio(leg1, SideReceiver, defaultPf(didBob)); err != nil {
		t.Fatalf("select receiver: %v", err)
	}

	for _, id := range []int{0, leg1} {
		if err := s.SelectAsset(ctx, id, "0xusd"); err != nil {
			t.Fatalf("select asset on leg %d: %v", id, err)
		}
	}
	if msg, _ := s.SetAmount(0, "100"); msg != "" {
		t.Fatalf("leg 0: %q", msg)
	}

	// Same asset, different sender portfolio: no reservation crossover.
	avail, _ := s.AvailableBalance(leg1, "0xusd")
	if !avail.Equal(dec("30")) {
		t.Errorf("expected numbered portfolio's own 30, got %s", avail)
	}
}

func TestUseMax(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()

	readyLeg(t, s, 0)
	leg1 := s.AddLeg()
	readyLeg(t, s, leg1)

	for _, id := range []int{0, leg1} {
		if err := s.SelectAsset(ctx, id, "0xusd"); err != nil {
			t.Fatalf("select asset on leg %d: %v", id, err)
		}
	}
	if msg, _ := s.SetAmount(0, "57.5"); msg != "" {
		t.Fatalf("leg 0: %q", msg)
	}

	msg, err := s.UseMax(leg1)
	if err != nil || msg != "" {
		t.Fatalf("use max: msg=%q err=%v", msg, err)
	}
	entry, _ := s.Entry(leg1)
	if !entry.Amount.Equal(dec("42.5")) {
		t.Errorf("expected max 42.5, got %s", entry.Amount)
	}
	leg, _ := s.Leg(leg1)
	if leg.AmountInput() != "42.5" {
		t.Errorf("expected input text 42.5, got %q", leg.AmountInput())
	}
}

func TestSenderPortfolioChange_ResetsSelection(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()
	readyLeg(t, s, 0)

	if err := s.SelectAsset(ctx, 0, "0xusd"); err != nil {
		t.Fatalf("select asset: %v", err)
	}
	if msg, _ := s.SetAmount(0, "10"); msg != "" {
		t.Fatalf("set amount: %q", msg)
	}

	if err := s.SelectPortfolio(0, SideSender, numberedPf(didAlice, 1)); err != nil {
		t.Fatalf("switch portfolio: %v", err)
	}

	entry, _ := s.Entry(0)
	if !entry.IsEmpty() {
		t.Errorf("asset selection must reset on sender portfolio change, got %+v", entry)
	}
	leg, _ := s.Leg(0)
	if leg.AmountInput() != "" || leg.AmountErr() != "" {
		t.Error("amount state must reset on sender portfolio change")
	}
}

func TestSenderDIDChange_ResetsSelection(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()
	readyLeg(t, s, 0)

	if err := s.SelectAsset(ctx, 0, "0xusd"); err != nil {
		t.Fatalf("select asset: %v", err)
	}
	if err := s.ResolveDID(ctx, 0, SideSender, didCarol); err != nil {
		t.Fatalf("resolve new sender: %v", err)
	}

	entry, _ := s.Entry(0)
	if !entry.IsEmpty() {
		t.Errorf("asset selection must reset on sender change, got %+v", entry)
	}
}

func TestReceiverChange_KeepsSelection(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()
	readyLeg(t, s, 0)

	if err := s.SelectAsset(ctx, 0, "0xusd"); err != nil {
		t.Fatalf("select asset: %v", err)
	}
	if err := s.ResolveDID(ctx, 0, SideReceiver, didCarol); err != nil {
		t.Fatalf("resolve new receiver: %v", err)
	}

	entry, _ := s.Entry(0)
	if entry.AssetID != "0xusd" {
		t.Errorf("receiver change must not reset the asset, got %+v", entry)
	}
}

func TestSetMode_TogglesAndResets(t *testing.T) {
	s, _ := newTestSession(t)
	ctx := context.Background()
	readyLeg(t, s, 0)

	if err := s.SelectAsset(ctx, 0, "0xusd"); err != nil {
		t.Fatalf("select asset: %v", err)
	}
	if err := s.SetMode(0, ModeNonFungible); err != nil {
		t.Fatalf("set mode: %v", err)
	}

	entry, _ := s.Entry(0)
	if !entry.IsEmpty() {
		t.Errorf("mode toggle must clear the entry, got %+v", entry)
	}
	if _, err := s.SetAmount(0, "1"); !errors.Is(err, ErrWrongMode) {
		t.Errorf("expected ErrWrongMode, got %v", err)
	}
}

func TestSetMemo(t *testing.T) {
	s, _ := newTestSession(t)

	if err := s.SetMemo(0, "payment ref 7"); err != nil {
		t.Fatalf("set memo: %v", err)
	}
	entry, _ := s.Entry(0)
	if entry.Memo != "payment ref 7" {
		t.Errorf("memo not stored: %q", entry.Memo)
	}

	if err := s.SetMemo(0, strings.Repeat("x", MaxMemoLength+1)); !errors.Is(err, ErrMemoTooLong) {
		t.Errorf("expected ErrMemoTooLong, got %v", err)
	}
	if err := s.SetMemo(0, strings.Repeat("x", MaxMemoLength)); err != nil {
		t.Errorf("memo at the limit must pass: %v", err)
	}
}

func TestInvalidateAndRefreshStale(t *testing.T) {
	s, fc := newTestSession(t)
	ctx := context.Background()
	readyLeg(t, s, 0)

	if err := s.SelectAsset(ctx, 0, "0xusd"); err != nil {
		t.Fatalf("select asset: %v", err)
	}
	if msg, _ := s.SetAmount(0, "90"); msg != "" {
		t.Fatalf("set amount: %q", msg)
	}

	// A movement drains the default portfolio and removes the numbered one.
	fc.SetPortfolios(didAlice, chain.Portfolio{
		ID:   defaultPf(didAlice),
		Name: "Default",
		Balances: []chain.AssetBalance{
			{AssetID: "0xusd", Free: dec("20"), Total: dec("20")},
		},
	})

	if n := s.InvalidatePortfolios(didAlice); n != 1 {
		t.Fatalf("expected 1 stale side, got %d", n)
	}
	if err := s.RefreshStale(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	leg, _ := s.Leg(0)
	if len(leg.Sender().Portfolios) != 1 {
		t.Errorf("expected refreshed portfolio list, got %d entries", len(leg.Sender().Portfolios))
	}
	avail, _ := s.AvailableBalance(0, "0xusd")
	if !avail.Equal(dec("20")) {
		t.Errorf("expected refreshed balance 20, got %s", avail)
	}
}

func TestRefreshStale_DropsVanishedPortfolio(t *testing.T) {
	s, fc := newTestSession(t)
	ctx := context.Background()

	if err := s.ResolveDID(ctx, 0, SideSender, didAlice); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	if err := s.SelectPortfolio(0, SideSender, numberedPf(didAlice, 1)); err != nil {
		t.Fatalf("select portfolio: %v", err)
	}

	fc.SetPortfolios(didAlice, chain.Portfolio{ID: defaultPf(didAlice), Name: "Default"})

	s.InvalidatePortfolios(didAlice)
	if err := s.RefreshStale(ctx); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	leg, _ := s.Leg(0)
	if leg.Sender().Selected != nil {
		t.Error("vanished portfolio must be deselected")
	}
}
