package dyndns

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"google.golang.org/api/idtoken"
	"google.golang.org/api/option"
)

// tokenExpiryMargin is how long before expiry a cached token is renewed.
// Renewing early keeps a token from expiring mid-request.
const tokenExpiryMargin = 5 * time.Minute

// TokenIssuer is the narrow capability "produce a fresh identity token".
// Tests substitute a deterministic issuer; production code uses
// [GoogleIDTokenIssuer].
type TokenIssuer interface {
	Issue(ctx context.Context) (*oauth2.Token, error)
}

// GoogleIDTokenIssuer exchanges a service-account credential file for an
// identity token whose audience is the update function's URL. The credential
// file's contents are opaque to this package.
type GoogleIDTokenIssuer struct {
	Audience        string
	CredentialsFile string
}

// Issue builds a fresh token source on every call rather than holding one:
// the SDK source caches internally, which would defeat a forced renewal
// after the remote function rejects a token.
func (g *GoogleIDTokenIssuer) Issue(ctx context.Context) (*oauth2.Token, error) {
	ts, err := idtoken.NewTokenSource(ctx, g.Audience, option.WithCredentialsFile(g.CredentialsFile))
	if err != nil {
		return nil, fmt.Errorf("error creating identity token source: %w", err)
	}
	tok, err := ts.Token()
	if err != nil {
		return nil, fmt.Errorf("error fetching identity token: %w", err)
	}
	return tok, nil
}

// TokenProvider hands out a bearer identity token, renewing it through its
// issuer whenever the cached token is missing or within [tokenExpiryMargin]
// of expiry. It never returns an expired token.
//
// At most one renewal is in flight at a time; concurrent callers observe
// either the pre-renewal or post-renewal token.
type TokenProvider struct {
	mu     sync.Mutex
	issuer TokenIssuer
	tok    *oauth2.Token
	now    func() time.Time
}

func NewTokenProvider(issuer TokenIssuer) *TokenProvider {
	return &TokenProvider{issuer: issuer, now: time.Now}
}

// Token implements TokenSource.
func (p *TokenProvider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.tok != nil && p.now().Before(p.tok.Expiry.Add(-tokenExpiryMargin)) {
		return p.tok.AccessToken, nil
	}

	tok, err := p.issuer.Issue(ctx)
	if err != nil {
		return "", fmt.Errorf("error obtaining identity token: %w", err)
	}
	if tok == nil || tok.AccessToken == "" {
		return "", fmt.Errorf("token issuer returned an empty token")
	}
	if !tok.Expiry.IsZero() && !p.now().Before(tok.Expiry) {
		return "", fmt.Errorf("token issuer returned a token that already expired at %s", tok.Expiry)
	}
	p.tok = tok
	return tok.AccessToken, nil
}

// Invalidate drops the cached token so the next call to Token issues a fresh
// one. Called when the remote function rejects the current token.
func (p *TokenProvider) Invalidate() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tok = nil
}
