package oauthmgr

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"golang.org/x/oauth2"
)

// RefreshTokenSource wraps a standard oauth2.Config refresh_token exchange
// (spec §4.4 "standard refresh_token" mode).
type RefreshTokenSource struct {
	Config       *oauth2.Config
	RefreshToken string
}

func (s *RefreshTokenSource) Token(ctx context.Context) (*oauth2.Token, error) {
	ts := s.Config.TokenSource(ctx, &oauth2.Token{RefreshToken: s.RefreshToken})
	return ts.Token()
}

// ServiceAccountPool rotates round-robin across multiple JWT service-account
// configs, each minting its own access token, so request volume is spread
// across several service-account identities and their independent quotas
// (spec §4.4 "service-account JWT round-robin").
type ServiceAccountPool struct {
	configs []oauth2.TokenSource
	mu      sync.Mutex
	next    uint32
}

// NewServiceAccountPool builds a pool from pre-constructed token sources,
// typically built with golang.org/x/oauth2/jwt.Config.TokenSource(ctx) or
// golang.org/x/oauth2/google.JWTConfigFromJSON(...).TokenSource(ctx) per
// service-account key file.
func NewServiceAccountPool(sources ...oauth2.TokenSource) (*ServiceAccountPool, error) {
	if len(sources) == 0 {
		return nil, fmt.Errorf("oauthmgr: service account pool requires at least one source")
	}
	return &ServiceAccountPool{configs: sources}, nil
}

func (p *ServiceAccountPool) Token(ctx context.Context) (*oauth2.Token, error) {
	idx := atomic.AddUint32(&p.next, 1) - 1
	src := p.configs[int(idx)%len(p.configs)]
	return src.Token()
}
