package dyndns

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
)

// UpdateResult classifies the remote function's answer to an update request.
type UpdateResult int

const (
	// UpdateOK means the remote record was changed.
	UpdateOK UpdateResult = iota
	// UpdateAuthRejected means the bearer token was refused (401/403).
	// The caller should renew the token and may retry once in the same tick.
	UpdateAuthRejected
	// UpdateRequestRejected means the function refused the request itself
	// (other 4xx). Retrying won't help; the configuration needs attention.
	UpdateRequestRejected
	// UpdateTransientFailure covers 5xx and transport errors. The next
	// scheduled tick retries.
	UpdateTransientFailure
)

func (r UpdateResult) String() string {
	switch r {
	case UpdateOK:
		return "ok"
	case UpdateAuthRejected:
		return "auth rejected"
	case UpdateRequestRejected:
		return "request rejected"
	case UpdateTransientFailure:
		return "transient failure"
	default:
		return fmt.Sprintf("UpdateResult(%d)", int(r))
	}
}

const updateTimeout = 30 * time.Second

type updateRequest struct {
	ZoneName    string `json:"zone_name"`
	ZoneDNSName string `json:"zone_dns_name"`
	Hostname    string `json:"hostname"`
	IPAddress   string `json:"ip_address"`
	TTL         int    `json:"ttl"`
}

// FunctionUpdater pushes record changes to the remote update function over
// authenticated HTTPS. The remote record is mutated only on UpdateOK; the
// updater itself holds no mutable state.
type FunctionUpdater struct {
	URL         string
	ZoneName    string
	ZoneDNSName string
	Hostname    string
	TTL         int // seconds the published record may be cached

	// HTTPClient overrides the default pooled client when non-nil.
	HTTPClient *http.Client
}

// Update implements Updater.
func (u *FunctionUpdater) Update(ctx context.Context, ip netip.Addr, token string) (UpdateResult, error) {
	payload, err := json.Marshal(updateRequest{
		ZoneName:    u.ZoneName,
		ZoneDNSName: u.ZoneDNSName,
		Hostname:    u.Hostname,
		IPAddress:   ip.String(),
		TTL:         u.TTL,
	})
	if err != nil {
		return UpdateRequestRejected, fmt.Errorf("error encoding update request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, updateTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.URL, bytes.NewReader(payload))
	if err != nil {
		return UpdateRequestRejected, fmt.Errorf("error creating update request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	httpclient := u.HTTPClient
	if httpclient == nil {
		httpclient = cleanhttp.DefaultPooledClient()
	}
	resp, err := httpclient.Do(req)
	if err != nil {
		return UpdateTransientFailure, fmt.Errorf("update request failed: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return UpdateOK, nil
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return UpdateAuthRejected, fmt.Errorf("update function rejected the identity token: %s", resp.Status)
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		return UpdateRequestRejected, fmt.Errorf("update function rejected the request: %s: %s", resp.Status, firstLine(body))
	default:
		return UpdateTransientFailure, fmt.Errorf("update function returned %s", resp.Status)
	}
}

func firstLine(b []byte) string {
	s, _, _ := strings.Cut(string(b), "\n")
	return strings.TrimSpace(s)
}
