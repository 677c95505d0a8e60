package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"
)

var errGatewayNotFound = errors.New("gateway: not found")

// GatewayClient implements Service against the portal's chain gateway, a
// thin REST facade over the chain SDK.
type GatewayClient struct {
	baseURL string
	client  *http.Client
	log     zerolog.Logger
}

func NewGatewayClient(baseURL string, log zerolog.Logger) *GatewayClient {
	return &GatewayClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		log:     log.With().Str("component", "gateway").Logger(),
	}
}

func (g *GatewayClient) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+path, nil)
	if err != nil {
		return err
	}

	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("gateway request %s: %w", path, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return json.NewDecoder(resp.Body).Decode(out)
	case http.StatusNotFound:
		return errGatewayNotFound
	default:
		return fmt.Errorf("gateway request %s: status %d", path, resp.StatusCode)
	}
}

func (g *GatewayClient) GetIdentity(ctx context.Context, did string) (Identity, error) {
	var identity Identity
	if err := g.get(ctx, "/identities/"+url.PathEscape(did), &identity); err != nil {
		if errors.Is(err, errGatewayNotFound) {
			return Identity{}, ErrIdentityNotFound
		}
		return Identity{}, err
	}
	return identity, nil
}

func (g *GatewayClient) GetPortfolios(ctx context.Context, identity Identity) ([]Portfolio, error) {
	var portfolios []Portfolio
	path := "/identities/" + url.PathEscape(identity.DID) + "/portfolios"
	if err := g.get(ctx, path, &portfolios); err != nil {
		return nil, err
	}
	return portfolios, nil
}

func (g *GatewayClient) GetAssetDetails(ctx context.Context, assetID string) (AssetDetails, error) {
	var details AssetDetails
	if err := g.get(ctx, "/assets/"+url.PathEscape(assetID), &details); err != nil {
		return AssetDetails{}, err
	}
	return details, nil
}

func (g *GatewayClient) GetCollectionInventory(ctx context.Context, portfolio PortfolioID, collectionID string) ([]NFT, error) {
	var nfts []NFT
	path := fmt.Sprintf("/identities/%s/portfolios/%d/collections/%s/nfts",
		url.PathEscape(portfolio.DID), portfolio.Number, url.PathEscape(collectionID))
	if err := g.get(ctx, path, &nfts); err != nil {
		return nil, err
	}
	return nfts, nil
}
