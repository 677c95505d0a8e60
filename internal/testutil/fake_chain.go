package testutil

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/PolymeshAssociation/polymesh-portal-sub002/internal/chain"
)

// FakeChain is an in-memory chain.Service for tests. All maps may be
// mutated between calls; access is mutex-guarded so tests can change
// balances while a session is live.
type FakeChain struct {
	mu          sync.Mutex
	identities  map[string]chain.Identity
	portfolios  map[string][]chain.Portfolio
	details     map[string]chain.AssetDetails
	inventories map[string][]chain.NFT

	detailsCalls   int
	portfolioCalls int
	detailsErr     map[string]error
	portfoliosHook func(did string)
}

func NewFakeChain() *FakeChain {
	return &FakeChain{
		identities:  make(map[string]chain.Identity),
		portfolios:  make(map[string][]chain.Portfolio),
		details:     make(map[string]chain.AssetDetails),
		inventories: make(map[string][]chain.NFT),
		detailsErr:  make(map[string]error),
	}
}

func (f *FakeChain) AddIdentity(did string, portfolios ...chain.Portfolio) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.identities[did] = chain.Identity{DID: did}
	f.portfolios[did] = portfolios
}

func (f *FakeChain) SetPortfolios(did string, portfolios ...chain.Portfolio) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.portfolios[did] = portfolios
}

func (f *FakeChain) AddDetails(d chain.AssetDetails) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.details[d.AssetID] = d
}

func (f *FakeChain) SetDetailsErr(assetID string, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailsErr[assetID] = err
}

func (f *FakeChain) SetInventory(collectionID string, tokens ...chain.NFT) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inventories[collectionID] = tokens
}

// SetPortfoliosHook installs a callback invoked on every GetPortfolios
// call before the result is read. Tests use it to interleave edits with
// in-flight resolutions.
func (f *FakeChain) SetPortfoliosHook(hook func(did string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.portfoliosHook = hook
}

func (f *FakeChain) DetailsCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.detailsCalls
}

func (f *FakeChain) PortfolioCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.portfolioCalls
}

func (f *FakeChain) GetIdentity(ctx context.Context, did string) (chain.Identity, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, ok := f.identities[did]
	if !ok {
		return chain.Identity{}, chain.ErrIdentityNotFound
	}
	return id, nil
}

func (f *FakeChain) GetPortfolios(ctx context.Context, identity chain.Identity) ([]chain.Portfolio, error) {
	f.mu.Lock()
	hook := f.portfoliosHook
	f.mu.Unlock()
	if hook != nil {
		hook(identity.DID)
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.portfolioCalls++
	pfs, ok := f.portfolios[identity.DID]
	if !ok {
		return nil, fmt.Errorf("no portfolios for %s", identity.DID)
	}
	out := make([]chain.Portfolio, len(pfs))
	copy(out, pfs)
	return out, nil
}

func (f *FakeChain) GetAssetDetails(ctx context.Context, assetID string) (chain.AssetDetails, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.detailsCalls++
	if err := f.detailsErr[assetID]; err != nil {
		return chain.AssetDetails{}, err
	}
	d, ok := f.details[assetID]
	if !ok {
		return chain.AssetDetails{}, fmt.Errorf("unknown asset %s", assetID)
	}
	return d, nil
}

func (f *FakeChain) GetCollectionInventory(ctx context.Context, portfolio chain.PortfolioID, collectionID string) ([]chain.NFT, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	tokens, ok := f.inventories[collectionID]
	if !ok {
		return nil, fmt.Errorf("unknown collection %s", collectionID)
	}
	out := make([]chain.NFT, len(tokens))
	copy(out, tokens)
	return out, nil
}

// Token builds an unlocked NFT with the given id.
func Token(id int64) chain.NFT {
	return chain.NFT{TokenID: decimal.NewFromInt(id)}
}

// LockedToken builds a locked NFT with the given id.
func LockedToken(id int64) chain.NFT {
	return chain.NFT{TokenID: decimal.NewFromInt(id), Locked: true}
}
