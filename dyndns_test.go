package dyndns_test

import (
	"context"
	"errors"
	"fmt"
	"net/netip"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skrifle/dyndns"
)

type fakeResolver struct {
	ip  netip.Addr
	err error
}

func (f fakeResolver) Resolve(ctx context.Context) (dyndns.ObservedIP, error) {
	if f.err != nil {
		return dyndns.ObservedIP{}, f.err
	}
	return dyndns.ObservedIP{Addr: f.ip, Source: "fake", Time: time.Now()}, nil
}

type fakeReader struct {
	published dyndns.PublishedIP
	err       error
}

func (f fakeReader) Lookup(ctx context.Context, hostname string) (dyndns.PublishedIP, error) {
	return f.published, f.err
}

type fakeTokens struct {
	issued      int
	invalidated int
	err         error
}

func (f *fakeTokens) Token(ctx context.Context) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.issued++
	return fmt.Sprintf("token-%d", f.issued), nil
}

func (f *fakeTokens) Invalidate() { f.invalidated++ }

type updateCall struct {
	ip    netip.Addr
	token string
}

type fakeUpdater struct {
	results []dyndns.UpdateResult
	calls   []updateCall
}

func (f *fakeUpdater) Update(ctx context.Context, ip netip.Addr, token string) (dyndns.UpdateResult, error) {
	f.calls = append(f.calls, updateCall{ip: ip, token: token})
	i := len(f.calls) - 1
	if i >= len(f.results) {
		i = len(f.results) - 1
	}
	result := f.results[i]
	if result == dyndns.UpdateOK {
		return result, nil
	}
	return result, fmt.Errorf("remote function answered: %s", result)
}

func testConfig() dyndns.RecordConfig {
	return dyndns.RecordConfig{
		ZoneName:    "home-zone",
		ZoneDNSName: "example.com.",
		Hostname:    "home.example.com",
		FunctionURL: "https://example.cloudfunctions.net/dyndns",
		RecordTTL:   300,
	}
}

func newTestClient(t *testing.T, resolver dyndns.IPResolver, reader dyndns.RecordReader, tokens dyndns.TokenSource, updater dyndns.Updater) dyndns.Client {
	t.Helper()
	c, err := dyndns.New(testConfig(),
		dyndns.UsingResolver(resolver),
		dyndns.UsingRecordReader(reader),
		dyndns.UsingTokenSource(tokens),
		dyndns.UsingUpdater(updater),
	)
	require.NoError(t, err)
	return c
}

func TestReconcileNoChange(t *testing.T) {
	ip := netip.MustParseAddr("203.0.113.5")
	tokens := &fakeTokens{}
	updater := &fakeUpdater{results: []dyndns.UpdateResult{dyndns.UpdateOK}}
	c := newTestClient(t,
		fakeResolver{ip: ip},
		fakeReader{published: dyndns.PublishedIP{Addr: ip, Exists: true}},
		tokens, updater)

	err := c.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Empty(t, updater.calls, "no update may be issued when nothing drifted")
	assert.Zero(t, tokens.issued, "no token is needed when nothing drifted")
}

func TestReconcileDrift(t *testing.T) {
	tokens := &fakeTokens{}
	updater := &fakeUpdater{results: []dyndns.UpdateResult{dyndns.UpdateOK}}
	c := newTestClient(t,
		fakeResolver{ip: netip.MustParseAddr("203.0.113.9")},
		fakeReader{published: dyndns.PublishedIP{Addr: netip.MustParseAddr("203.0.113.5"), Exists: true}},
		tokens, updater)

	err := c.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, updater.calls, 1)
	assert.Equal(t, netip.MustParseAddr("203.0.113.9"), updater.calls[0].ip)
	assert.Equal(t, "token-1", updater.calls[0].token)
}

func TestReconcileAbsentRecord(t *testing.T) {
	updater := &fakeUpdater{results: []dyndns.UpdateResult{dyndns.UpdateOK}}
	c := newTestClient(t,
		fakeResolver{ip: netip.MustParseAddr("203.0.113.9")},
		fakeReader{published: dyndns.PublishedIP{}},
		&fakeTokens{}, updater)

	err := c.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, updater.calls, 1, "an absent record is treated like a changed IP")
	assert.Equal(t, netip.MustParseAddr("203.0.113.9"), updater.calls[0].ip)
}

func TestReconcileResolutionFailureSkipsUpdate(t *testing.T) {
	tokens := &fakeTokens{}
	updater := &fakeUpdater{results: []dyndns.UpdateResult{dyndns.UpdateOK}}
	c := newTestClient(t,
		fakeResolver{err: errors.New("all sources failed")},
		fakeReader{published: dyndns.PublishedIP{Addr: netip.MustParseAddr("203.0.113.5"), Exists: true}},
		tokens, updater)

	err := c.Reconcile(context.Background())
	require.Error(t, err)
	assert.Empty(t, updater.calls, "no DNS write may happen without a resolved public IP")
	assert.Zero(t, tokens.issued)
}

func TestReconcileLookupFailureSkipsUpdate(t *testing.T) {
	updater := &fakeUpdater{results: []dyndns.UpdateResult{dyndns.UpdateOK}}
	c := newTestClient(t,
		fakeResolver{ip: netip.MustParseAddr("203.0.113.9")},
		fakeReader{err: errors.New("resolver timeout")},
		&fakeTokens{}, updater)

	err := c.Reconcile(context.Background())
	require.Error(t, err)
	assert.Empty(t, updater.calls, "no DNS write may happen without knowing the published state")
}

func TestReconcileAuthRejectedRenewsAndRetriesOnce(t *testing.T) {
	tokens := &fakeTokens{}
	updater := &fakeUpdater{results: []dyndns.UpdateResult{dyndns.UpdateAuthRejected, dyndns.UpdateOK}}
	c := newTestClient(t,
		fakeResolver{ip: netip.MustParseAddr("203.0.113.9")},
		fakeReader{published: dyndns.PublishedIP{}},
		tokens, updater)

	err := c.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, updater.calls, 2)
	assert.Equal(t, 1, tokens.invalidated)
	assert.NotEqual(t, updater.calls[0].token, updater.calls[1].token, "the retry must use a freshly issued token")
}

func TestReconcileSecondAuthRejectionFailsTheTick(t *testing.T) {
	tokens := &fakeTokens{}
	updater := &fakeUpdater{results: []dyndns.UpdateResult{dyndns.UpdateAuthRejected, dyndns.UpdateAuthRejected}}
	c := newTestClient(t,
		fakeResolver{ip: netip.MustParseAddr("203.0.113.9")},
		fakeReader{published: dyndns.PublishedIP{}},
		tokens, updater)

	err := c.Reconcile(context.Background())
	require.Error(t, err)
	assert.Len(t, updater.calls, 2, "exactly one retry; never a third attempt")
	assert.Equal(t, 1, tokens.invalidated)
}

func TestReconcileRequestRejected(t *testing.T) {
	updater := &fakeUpdater{results: []dyndns.UpdateResult{dyndns.UpdateRequestRejected}}
	c := newTestClient(t,
		fakeResolver{ip: netip.MustParseAddr("203.0.113.9")},
		fakeReader{published: dyndns.PublishedIP{}},
		&fakeTokens{}, updater)

	err := c.Reconcile(context.Background())
	require.Error(t, err)
	assert.Len(t, updater.calls, 1, "a rejected request is not retried")
}

func TestReconcileTransientFailure(t *testing.T) {
	updater := &fakeUpdater{results: []dyndns.UpdateResult{dyndns.UpdateTransientFailure}}
	c := newTestClient(t,
		fakeResolver{ip: netip.MustParseAddr("203.0.113.9")},
		fakeReader{published: dyndns.PublishedIP{}},
		&fakeTokens{}, updater)

	err := c.Reconcile(context.Background())
	require.Error(t, err)
	assert.Len(t, updater.calls, 1, "transient failures wait for the next tick")
}

func TestReconcileAuthFailure(t *testing.T) {
	updater := &fakeUpdater{results: []dyndns.UpdateResult{dyndns.UpdateOK}}
	c := newTestClient(t,
		fakeResolver{ip: netip.MustParseAddr("203.0.113.9")},
		fakeReader{published: dyndns.PublishedIP{}},
		&fakeTokens{err: errors.New("issuing service unreachable")},
		updater)

	err := c.Reconcile(context.Background())
	require.Error(t, err)
	assert.Empty(t, updater.calls, "no unauthenticated update may be attempted")
}

func TestNewValidation(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*dyndns.RecordConfig)
	}{
		{"empty hostname", func(c *dyndns.RecordConfig) { c.Hostname = "" }},
		{"hostname without dot", func(c *dyndns.RecordConfig) { c.Hostname = "localhost" }},
		{"empty function URL", func(c *dyndns.RecordConfig) { c.FunctionURL = "" }},
		{"zero TTL", func(c *dyndns.RecordConfig) { c.RecordTTL = 0 }},
		{"negative TTL", func(c *dyndns.RecordConfig) { c.RecordTTL = -1 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(&cfg)
			_, err := dyndns.New(cfg)
			assert.Error(t, err)
		})
	}
}

type reconcileFunc func(ctx context.Context) error

func (f reconcileFunc) Reconcile(ctx context.Context) error { return f(ctx) }

func TestRunDaemonStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	ticks := 0
	c := reconcileFunc(func(ctx context.Context) error {
		ticks++
		cancel()
		return nil
	})

	done := make(chan struct{})
	go func() {
		dyndns.RunDaemon(ctx, c, time.Minute, zerolog.Nop())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("RunDaemon did not stop after context cancellation")
	}
	assert.Equal(t, 1, ticks, "the first tick runs immediately; no further ticks after cancel")
}
