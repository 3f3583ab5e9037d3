package dyndns

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// IPResolver discovers the machine's current public IPv4 address.
type IPResolver interface {
	Resolve(ctx context.Context) (ObservedIP, error)
}

// RecordReader reports the address currently published in DNS for a hostname.
type RecordReader interface {
	Lookup(ctx context.Context, hostname string) (PublishedIP, error)
}

// TokenSource hands out a valid bearer token for the update function and can
// be told to discard its cached token.
type TokenSource interface {
	Token(ctx context.Context) (string, error)
	Invalidate()
}

// Updater pushes a record change to the remote update function.
type Updater interface {
	Update(ctx context.Context, ip netip.Addr, token string) (UpdateResult, error)
}

// RecordConfig is the immutable runtime configuration for the managed
// record. It is loaded once at startup and shared read-only.
type RecordConfig struct {
	ZoneName        string
	ZoneDNSName     string
	Hostname        string
	FunctionURL     string
	RecordTTL       int // seconds; forwarded to the function, not a loop cadence
	CheckInterval   time.Duration
	CredentialsFile string
}

// Client performs one drift-detection-and-update pass per call.
type Client interface {
	Reconcile(ctx context.Context) error
}

// New builds a Client for the given record. Every collaborator has a
// production default (the built-in source catalogue, public DNS resolvers,
// a Google identity token provider, the function updater) and can be
// replaced through options.
func New(cfg RecordConfig, options ...Option) (Client, error) {
	if cfg.Hostname == "" {
		return nil, errors.New("dyndns.New: hostname cannot be empty")
	}
	if !strings.Contains(cfg.Hostname, ".") {
		return nil, errors.New("dyndns.New: hostname must have at least one dot")
	}
	if cfg.FunctionURL == "" {
		return nil, errors.New("dyndns.New: function URL cannot be empty")
	}
	if cfg.RecordTTL <= 0 {
		return nil, fmt.Errorf("dyndns.New: record TTL must be positive; got %d", cfg.RecordTTL)
	}

	c := &client{
		resolver: NewPublicIPResolver(),
		reader:   DNSReader(),
		tokens: NewTokenProvider(&GoogleIDTokenIssuer{
			Audience:        cfg.FunctionURL,
			CredentialsFile: cfg.CredentialsFile,
		}),
		updater: &FunctionUpdater{
			URL:         cfg.FunctionURL,
			ZoneName:    cfg.ZoneName,
			ZoneDNSName: cfg.ZoneDNSName,
			Hostname:    cfg.Hostname,
			TTL:         cfg.RecordTTL,
		},
		hostname: cfg.Hostname,
		logger:   zerolog.Nop(),
	}
	for i, opt := range options {
		if err := opt(c); err != nil {
			return nil, fmt.Errorf("dyndns.New: option %d returned an error: %w", i, err)
		}
	}
	return c, nil
}

type Option func(*client) error

// UsingResolver replaces the public IP resolver.
func UsingResolver(r IPResolver) Option {
	return func(c *client) error {
		if r == nil {
			return errors.New("resolver cannot be nil")
		}
		c.resolver = r
		return nil
	}
}

// UsingRecordReader replaces the DNS record reader.
func UsingRecordReader(r RecordReader) Option {
	return func(c *client) error {
		if r == nil {
			return errors.New("record reader cannot be nil")
		}
		c.reader = r
		return nil
	}
}

// UsingTokenSource replaces the identity token source.
func UsingTokenSource(ts TokenSource) Option {
	return func(c *client) error {
		if ts == nil {
			return errors.New("token source cannot be nil")
		}
		c.tokens = ts
		return nil
	}
}

// UsingUpdater replaces the update function client.
func UsingUpdater(u Updater) Option {
	return func(c *client) error {
		if u == nil {
			return errors.New("updater cannot be nil")
		}
		c.updater = u
		return nil
	}
}

// UsingHTTPClient sets the HTTP client used by collaborators that make
// outbound HTTP calls. Must come after any option that replaces them.
func UsingHTTPClient(httpclient *http.Client) Option {
	return func(c *client) error {
		if httpclient == nil {
			httpclient = http.DefaultClient
		}
		if r, ok := c.resolver.(*PublicIPResolver); ok {
			r.httpClient = httpclient
		}
		if u, ok := c.updater.(*FunctionUpdater); ok {
			u.HTTPClient = httpclient
		}
		return nil
	}
}

// WithLogger sets the logger for the client. The default discards messages.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *client) error {
		c.logger = logger
		return nil
	}
}

type client struct {
	resolver IPResolver
	reader   RecordReader
	tokens   TokenSource
	updater  Updater
	hostname string
	logger   zerolog.Logger
}

// Reconcile runs one tick: resolve the public IP, read the published
// record, and push an update when they differ or no record exists. A failed
// resolution or lookup skips the update entirely rather than writing from
// incomplete information.
func (c *client) Reconcile(ctx context.Context) error {
	observed, err := c.resolver.Resolve(ctx)
	if err != nil {
		return fmt.Errorf("resolving public IP: %w", err)
	}
	c.logger.Info().
		Str("ip", observed.Addr.String()).
		Str("source", observed.Source).
		Msg("resolved public IP")

	published, err := c.reader.Lookup(ctx, c.hostname)
	if err != nil {
		return fmt.Errorf("looking up published record: %w", err)
	}

	switch {
	case published.Exists && published.Addr == observed.Addr:
		c.logger.Info().Int("ip_change", 0).Msg("public IP has not changed")
		return nil
	case published.Exists:
		c.logger.Info().
			Int("ip_change", 1).
			Str("from", published.Addr.String()).
			Str("to", observed.Addr.String()).
			Msg("public IP has changed")
	default:
		c.logger.Info().
			Int("ip_change", 1).
			Str("to", observed.Addr.String()).
			Msgf("no A record is published for %s", c.hostname)
	}

	return c.push(ctx, observed.Addr)
}

func (c *client) push(ctx context.Context, ip netip.Addr) error {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return fmt.Errorf("authenticating: %w", err)
	}

	result, err := c.updater.Update(ctx, ip, token)
	if result == UpdateAuthRejected {
		// The cached token went stale between renewals. Force a renewal and
		// retry exactly once within this tick; a second rejection fails it.
		c.logger.Warn().Err(err).Msg("identity token rejected; renewing and retrying once")
		c.tokens.Invalidate()
		token, err = c.tokens.Token(ctx)
		if err != nil {
			return fmt.Errorf("renewing identity token: %w", err)
		}
		result, err = c.updater.Update(ctx, ip, token)
	}

	switch result {
	case UpdateOK:
		c.logger.Info().Str("ip", ip.String()).Msgf("updated the %s DNS A record", c.hostname)
		return nil
	case UpdateRequestRejected:
		// Not retryable; the zone or hostname configuration needs attention.
		c.logger.Error().Err(err).Msg("update request rejected by the function; check zone and record configuration")
		return fmt.Errorf("updating record: %w", err)
	default:
		return fmt.Errorf("updating record: %w", err)
	}
}

// RunDaemon reconciles once immediately and then on every interval tick
// until ctx is cancelled. Errors are logged and never terminate the loop;
// the next tick retries.
func RunDaemon(ctx context.Context, c Client, interval time.Duration, logger zerolog.Logger) {
	if interval < 1*time.Minute {
		interval = 1 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		logger.Info().Str("metric", "dyndns.count").Int("value", 1).Msg("checking for public IP changes")
		if err := c.Reconcile(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error().Err(err).Str("metric", "dyndns.error").Int("value", 1).
				Msg("failed to check for public IP changes or update DNS")
		} else {
			logger.Info().Str("metric", "dyndns.success").Int("value", 1).
				Msg("checked for public IP changes and updated DNS where needed")
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
