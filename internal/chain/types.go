package chain

import (
	"github.com/shopspring/decimal"
)

// Identity is a resolved on-chain identity handle.
type Identity struct {
	DID string
}

// PortfolioKind distinguishes the default portfolio from numbered ones.
type PortfolioKind uint8

const (
	PortfolioDefault PortfolioKind = iota
	PortfolioNumbered
)

// PortfolioID identifies one portfolio under an identity.
// The default portfolio has Kind PortfolioDefault and Number 0.
type PortfolioID struct {
	DID    string
	Kind   PortfolioKind
	Number int64
}

// Equal reports whether two portfolio ids refer to the same portfolio:
// same owner, default matches default, numbered matches by number.
func (p PortfolioID) Equal(other PortfolioID) bool {
	if p.DID != other.DID || p.Kind != other.Kind {
		return false
	}
	if p.Kind == PortfolioDefault {
		return true
	}
	return p.Number == other.Number
}

// Label renders the dropdown label: the default portfolio by name,
// numbered portfolios as "id / name".
func (p PortfolioID) Label(name string) string {
	if p.Kind == PortfolioDefault {
		return name
	}
	return formatNumbered(p.Number, name)
}

// AssetBalance is one fungible holding within a portfolio. Zero-balance
// entries are filtered out before the portfolio is returned.
type AssetBalance struct {
	AssetID string
	Free    decimal.Decimal
	Locked  decimal.Decimal
	Total   decimal.Decimal
}

// Collection is an NFT collection held within a portfolio.
type Collection struct {
	CollectionID string
	Count        int64
}

// Portfolio is one portfolio with its holdings, as returned by the chain.
type Portfolio struct {
	ID          PortfolioID
	Name        string
	Custodian   string
	Balances    []AssetBalance
	Collections []Collection
}

// FreeBalance returns the free balance for an asset, zero if not held.
func (p *Portfolio) FreeBalance(assetID string) decimal.Decimal {
	for _, b := range p.Balances {
		if b.AssetID == assetID {
			return b.Free
		}
	}
	return decimal.Zero
}

// HasAsset reports whether the portfolio holds the given fungible asset.
func (p *Portfolio) HasAsset(assetID string) bool {
	for _, b := range p.Balances {
		if b.AssetID == assetID {
			return true
		}
	}
	return false
}

// HasCollection reports whether the portfolio holds the given collection.
func (p *Portfolio) HasCollection(collectionID string) bool {
	for _, c := range p.Collections {
		if c.CollectionID == collectionID {
			return true
		}
	}
	return false
}

// AssetDetails is per-asset display and validation metadata.
type AssetDetails struct {
	AssetID   string
	Name      string
	Ticker    string
	Divisible bool
}

// NFT is one token within a collection's portfolio inventory. Locked tokens
// (frozen or escrowed) are rendered but never selectable.
type NFT struct {
	TokenID  decimal.Decimal
	ImageURL string
	Locked   bool
}
