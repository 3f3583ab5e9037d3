package dyndns

import (
	"errors"
	"regexp"
	"strings"
	"time"
)

// checkip.dyndns.org wraps the address in an HTML sentence.
var dyndnsOrgPattern = regexp.MustCompile(`Current IP Address: (?P<ip>\d{1,3}\.\d{1,3}\.\d{1,3}\.\d{1,3})`)

// ParsePlainText returns the response body stripped of surrounding
// whitespace, for services that answer with a bare address.
func ParsePlainText(body string) (string, error) {
	return strings.TrimSpace(body), nil
}

// ParseDynDNSOrg extracts the address from checkip.dyndns.org's HTML body.
func ParseDynDNSOrg(body string) (string, error) {
	m := dyndnsOrgPattern.FindStringSubmatch(body)
	if m == nil {
		return "", errors.New("response body did not contain an IP address")
	}
	return m[dyndnsOrgPattern.SubexpIndex("ip")], nil
}

// DefaultSources returns the built-in public IP source catalogue.
//
// Poll TTLs respect each provider's published automation policy;
// checkip.dyndns.org in particular asks not to be queried more than once
// every ten minutes (https://help.dyn.com/remote-access-api/checkip-tool/).
func DefaultSources() []*Source {
	return []*Source{
		{
			Name:    "AWS",
			URL:     "https://checkip.amazonaws.com",
			PollTTL: 60 * time.Second,
			Parse:   ParsePlainText,
		},
		{
			Name:    "DynDNS",
			URL:     "http://checkip.dyndns.org",
			PollTTL: 600 * time.Second,
			Parse:   ParseDynDNSOrg,
		},
		{
			Name:    "WtfIsMyIP",
			URL:     "https://ipv4.wtfismyip.com/text",
			PollTTL: 60 * time.Second,
			Parse:   ParsePlainText,
		},
		{
			Name:    "ICanHazIP", // operated by Cloudflare since ~2021
			URL:     "https://ipv4.icanhazip.com",
			PollTTL: 60 * time.Second,
			Parse:   ParsePlainText,
		},
		{
			Name:    "My-IP.io",
			URL:     "https://api4.my-ip.io/ip",
			PollTTL: 60 * time.Second,
			Parse:   ParsePlainText,
		},
	}
}
