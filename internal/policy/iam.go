package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2/clientcredentials"
)

// IAMConfig carries what the IAM source needs: an OIDC issuer whose
// discovery document locates the token endpoint, client credentials for
// this tool, and the entitlement endpoint to query.
type IAMConfig struct {
	Issuer         string
	ClientID       string
	ClientSecret   string
	EntitlementURL string
}

// IAM queries a REST entitlement endpoint guarded by OAuth2 client
// credentials. Lookup results are cached for the lifetime of the source,
// which by construction is a single run, so each distinct username costs
// one request.
type IAM struct {
	httpClient     *http.Client
	entitlementURL *url.URL

	mu    sync.Mutex
	cache map[string]bool
}

// NewIAM discovers the issuer's endpoints and prepares an authenticated
// HTTP client. ctx must outlive the source: token refreshes reuse it.
func NewIAM(ctx context.Context, cfg IAMConfig) (*IAM, error) {
	provider, err := oidc.NewProvider(ctx, cfg.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover OIDC issuer: %w", err)
	}

	entURL, err := url.Parse(cfg.EntitlementURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse entitlement_url: %w", err)
	}

	cc := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     provider.Endpoint().TokenURL,
	}
	return &IAM{
		httpClient:     cc.Client(ctx),
		entitlementURL: entURL,
		cache:          make(map[string]bool),
	}, nil
}

func (s *IAM) AllowedToVPN(ctx context.Context, username string) (bool, error) {
	s.mu.Lock()
	allowed, ok := s.cache[username]
	s.mu.Unlock()
	if ok {
		return allowed, nil
	}

	allowed, err := s.lookup(ctx, username)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	s.cache[username] = allowed
	s.mu.Unlock()
	return allowed, nil
}

func (s *IAM) lookup(ctx context.Context, username string) (bool, error) {
	u := *s.entitlementURL
	q := u.Query()
	q.Set("user", username)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return false, fmt.Errorf("failed to build entitlement request: %w", err)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("entitlement request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return false, fmt.Errorf("entitlement endpoint returned %s", resp.Status)
	}
	var body struct {
		Allowed bool `json:"allowed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return false, fmt.Errorf("failed to decode entitlement response: %w", err)
	}
	return body.Allowed, nil
}
