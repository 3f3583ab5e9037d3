package dyndns

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// ObservedIP is a public IPv4 address as reported by one of the lookup
// services, along with which service reported it and when.
type ObservedIP struct {
	Addr   netip.Addr
	Source string
	Time   time.Time
}

// ResolutionError reports that every configured public IP source either
// failed or was ineligible for polling this cycle. It is recoverable: the
// caller retries on its normal interval.
type ResolutionError struct {
	errs []error
}

func (e *ResolutionError) Error() string {
	if len(e.errs) == 0 {
		return "no public IP source was eligible for polling"
	}
	return fmt.Sprintf("all public IP sources failed: %s", errors.Join(e.errs...))
}

func (e *ResolutionError) Unwrap() []error { return e.errs }

// ParseFunc extracts the IPv4 string from a lookup service's response body.
type ParseFunc func(body string) (string, error)

const (
	// sourceTimeout bounds a single request to a lookup service.
	sourceTimeout = 5 * time.Second
	// sourceMaxInactive disables a source whose last success is too old.
	sourceMaxInactive = 30 * 24 * time.Hour
	// throttleBackoffFactor grows the extra wait after consecutive HTTP 429s.
	throttleBackoffFactor = 1.5

	maxResponseBytes = 64 << 10
)

// Source is one third-party "what is my IP" service together with its
// polling state. Each source carries its own poll TTL so that cheap services
// can be asked often and rate-limited ones rarely, independent of the
// reconcile interval.
//
// Source state is owned by the resolver that holds it; resolvers are not
// safe for concurrent use, matching the one-tick-at-a-time loop.
type Source struct {
	Name    string
	URL     string
	PollTTL time.Duration
	Parse   ParseFunc

	disabled        bool
	nextPoll        time.Time
	lastSuccess     time.Time
	firstPoll       time.Time
	consecutive429s int
}

func (s *Source) pollable(now time.Time) bool {
	return !s.disabled && !now.Before(s.nextPoll)
}

func (s *Source) fetch(ctx context.Context, httpclient *http.Client, now time.Time) (netip.Addr, error) {
	if s.firstPoll.IsZero() {
		s.firstPoll = now
	}
	s.nextPoll = now.Add(s.PollTTL)

	ctx, cancel := context.WithTimeout(ctx, sourceTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return netip.Addr{}, fmt.Errorf("error creating request: %w", err)
	}
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := httpclient.Do(req)
	if err != nil {
		s.checkInactive(now)
		return netip.Addr{}, fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		// Throttled. Back off this source harder each consecutive time,
		// on top of its normal TTL.
		s.consecutive429s++
		backoff := time.Duration(math.Pow(throttleBackoffFactor, float64(s.consecutive429s)) * float64(time.Second))
		s.nextPoll = now.Add(s.PollTTL + backoff)
		s.checkInactive(now)
		return netip.Addr{}, fmt.Errorf("throttled (HTTP 429), backing off %s", backoff)
	}
	s.consecutive429s = 0

	if resp.StatusCode != http.StatusOK {
		s.checkInactive(now)
		return netip.Addr{}, fmt.Errorf("http request returned %s", resp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		s.checkInactive(now)
		return netip.Addr{}, fmt.Errorf("error reading response body: %w", err)
	}

	ipstring, err := s.Parse(string(body))
	if err != nil {
		s.checkInactive(now)
		return netip.Addr{}, fmt.Errorf("error extracting IP from response body: %w", err)
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ipstring))
	if err != nil {
		s.checkInactive(now)
		return netip.Addr{}, fmt.Errorf("error parsing IP address %q: %w", ipstring, err)
	}
	if !isGlobalIPv4(addr) {
		s.checkInactive(now)
		return netip.Addr{}, fmt.Errorf("%s is not a globally routable IPv4 address", addr)
	}

	s.lastSuccess = now
	return addr, nil
}

// checkInactive disables the source for the life of the process once it has
// gone sourceMaxInactive without a successful answer.
func (s *Source) checkInactive(now time.Time) {
	since := s.lastSuccess
	if since.IsZero() {
		since = s.firstPoll
	}
	if now.Sub(since) > sourceMaxInactive {
		s.disabled = true
	}
}

var sharedAddressSpace = netip.MustParsePrefix("100.64.0.0/10") // RFC 6598 CGNAT

func isGlobalIPv4(a netip.Addr) bool {
	if !a.Is4() {
		return false
	}
	switch {
	case a.IsPrivate(),
		a.IsLoopback(),
		a.IsLinkLocalUnicast(),
		a.IsMulticast(),
		a.IsUnspecified(),
		sharedAddressSpace.Contains(a):
		return false
	}
	return true
}

// PublicIPResolver discovers the machine's public IPv4 address by asking
// third-party lookup services until one of them gives a usable answer.
type PublicIPResolver struct {
	sources    []*Source
	httpClient *http.Client
	next       int
	seeded     bool
	now        func() time.Time
}

// NewPublicIPResolver constructs a resolver over the given sources.
// With no arguments it uses [DefaultSources].
func NewPublicIPResolver(sources ...*Source) *PublicIPResolver {
	if len(sources) == 0 {
		sources = DefaultSources()
	}
	return &PublicIPResolver{
		sources:    sources,
		httpClient: cleanhttp.DefaultPooledClient(),
		now:        time.Now,
	}
}

// Resolve returns the first usable public IPv4 answer.
//
// Sources are tried round-robin starting from a random offset so no single
// provider is hammered. A source that errors, times out, returns an
// unparseable body, or is inside its poll TTL is skipped; the error is
// a *ResolutionError only when every source has been exhausted.
func (r *PublicIPResolver) Resolve(ctx context.Context) (ObservedIP, error) {
	if len(r.sources) == 0 {
		return ObservedIP{}, errors.New("no public IP lookup sources were provided")
	}
	if !r.seeded {
		r.next = rand.Intn(len(r.sources))
		r.seeded = true
	}

	var errs []error
	for {
		if err := ctx.Err(); err != nil {
			return ObservedIP{}, err
		}
		src := r.nextSource()
		if src == nil {
			return ObservedIP{}, &ResolutionError{errs: errs}
		}
		now := r.now()
		addr, err := src.fetch(ctx, r.httpClient, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", src.Name, err))
			continue
		}
		return ObservedIP{Addr: addr, Source: src.Name, Time: now}, nil
	}
}

// nextSource returns the next pollable source in rotation, or nil when none
// is currently eligible. Fetching stamps a source's nextPoll before the
// request goes out, so a failing source is not reselected within one cycle.
func (r *PublicIPResolver) nextSource() *Source {
	now := r.now()
	for i := 0; i < len(r.sources); i++ {
		src := r.sources[(r.next+i)%len(r.sources)]
		if src.pollable(now) {
			r.next = (r.next + i + 1) % len(r.sources)
			return src
		}
	}
	return nil
}
