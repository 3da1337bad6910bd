// Package identity looks up display profiles for ledger addresses. Profiles
// decorate responses only; a failed lookup never changes what is returned.
package identity

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"

	"ticketchain-backend/models"
)

type Resolver interface {
	// Resolve returns nil, nil when address has no profile.
	Resolve(ctx context.Context, address common.Address) (*models.Profile, error)
}

// Nop resolves nothing.
type Nop struct{}

func (Nop) Resolve(context.Context, common.Address) (*models.Profile, error) {
	return nil, nil
}

// HTTPResolver reads profiles from GET <baseURL>/profiles/<address>.
type HTTPResolver struct {
	// baseURL is the identity service root, without trailing slash.
	baseURL string

	// hc is the http client.
	hc *http.Client
}

func NewHTTPResolver(baseURL string, timeout time.Duration) *HTTPResolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPResolver{
		baseURL: strings.TrimRight(baseURL, "/"),
		hc:      &http.Client{Timeout: timeout},
	}
}

func (r *HTTPResolver) Resolve(ctx context.Context, address common.Address) (*models.Profile, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.baseURL+"/profiles/"+address.Hex(), nil)
	if err != nil {
		return nil, fmt.Errorf("resolveProfile: NewRequest: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("resolveProfile: Do: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, nil
	case resp.StatusCode != http.StatusOK:
		return nil, fmt.Errorf("resolveProfile: unexpected status %d", resp.StatusCode)
	}

	var profile models.Profile
	if err := json.NewDecoder(resp.Body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("resolveProfile: Decode: %w", err)
	}
	if profile.Address == "" {
		profile.Address = address.Hex()
	}
	return &profile, nil
}

// ResolveAll looks up profiles for addresses concurrently. Addresses whose
// lookup fails or finds nothing are absent from the result.
func ResolveAll(ctx context.Context, r Resolver, addresses []common.Address, logger *slog.Logger) map[common.Address]*models.Profile {
	profiles := make([]*models.Profile, len(addresses))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, addr := range addresses {
		g.Go(func() error {
			p, err := r.Resolve(gctx, addr)
			if err != nil {
				logger.Warn("profile lookup failed", "address", addr.Hex(), "error", err)
				return nil
			}
			profiles[i] = p
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[common.Address]*models.Profile, len(addresses))
	for i, p := range profiles {
		if p != nil {
			out[addresses[i]] = p
		}
	}
	return out
}
