package chain

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// ErrIdentityNotFound is returned by GetIdentity when the DID is well formed
// but does not resolve to an existing identity.
var ErrIdentityNotFound = errors.New("identity not found")

// Service is the chain lookup surface the composition engine consumes.
// Implementations live outside this repository (the chain SDK gateway);
// the engine only depends on this interface.
type Service interface {
	// GetIdentity resolves a DID to an identity handle. Returns
	// ErrIdentityNotFound (possibly wrapped) for unknown identities.
	GetIdentity(ctx context.Context, did string) (Identity, error)

	// GetPortfolios lists an identity's portfolios: default portfolio
	// first, numbered portfolios sorted ascending by number, balances
	// pre-filtered to exclude zero-balance entries.
	GetPortfolios(ctx context.Context, identity Identity) ([]Portfolio, error)

	// GetAssetDetails fetches display metadata for a single asset.
	GetAssetDetails(ctx context.Context, assetID string) (AssetDetails, error)

	// GetCollectionInventory lists the tokens of a collection held in a
	// portfolio, including locked ones.
	GetCollectionInventory(ctx context.Context, portfolio PortfolioID, collectionID string) ([]NFT, error)
}

var didPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)

// IsValidDID reports whether s is a syntactically valid DID
// (0x followed by 64 hex characters).
func IsValidDID(s string) bool {
	return didPattern.MatchString(s)
}

func formatNumbered(number int64, name string) string {
	return fmt.Sprintf("%d / %s", number, name)
}
