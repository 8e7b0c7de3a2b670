// Package catalog normalises monitored URLs and tags known vendors.
package catalog

import (
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
)

var (
	ErrInvalidURL = errors.New("catalog: invalid url")
	ErrBadScheme  = errors.New("catalog: scheme must be http or https")
)

// Tracking parameters stripped during canonicalisation. Anything starting
// with utm_ or __cf_chl is dropped as well.
var strippedParams = map[string]bool{
	"fbclid":    true,
	"gclid":     true,
	"msclkid":   true,
	"ref":       true,
	"mc_cid":    true,
	"mc_eid":    true,
	"igshid":    true,
	"_ga":       true,
	"spm":       true,
	"aff":       true,
	"affid":     true,
	"affiliate": true,
}

// vendorHosts maps registrable host suffixes to vendor tags.
var vendorHosts = map[string]string{
	"dmit.io":           "dmit",
	"racknerd.com":      "racknerd",
	"bandwagonhost.com": "bandwagonhost",
	"bwh81.net":         "bandwagonhost",
	"cloudcone.com":     "cloudcone",
	"vultr.com":         "vultr",
	"linode.com":        "linode",
	"greencloudvps.com": "greencloud",
	"virmach.com":       "virmach",
	"hetzner.com":       "hetzner",
	"ovhcloud.com":      "ovh",
}

// Canonicalize normalises a raw URL so equal product pages map to equal
// strings: lowercase scheme and host, default ports removed, tracking
// parameters stripped, remaining query sorted, fragment dropped.
func Canonicalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return "", ErrInvalidURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	scheme := strings.ToLower(u.Scheme)
	if scheme != "http" && scheme != "https" {
		return "", ErrBadScheme
	}
	if u.Host == "" {
		return "", ErrInvalidURL
	}
	u.Scheme = scheme
	u.Host = strings.ToLower(u.Host)
	u.Host = strings.TrimSuffix(u.Host, ":80")
	if scheme == "https" {
		u.Host = strings.TrimSuffix(u.Host, ":443")
	}
	u.Fragment = ""
	u.User = nil

	q := u.Query()
	for k := range q {
		lk := strings.ToLower(k)
		if strippedParams[lk] || strings.HasPrefix(lk, "utm_") || strings.HasPrefix(lk, "__cf_chl") {
			q.Del(k)
		}
	}
	u.RawQuery = sortedEncode(q)

	if u.Path == "" {
		u.Path = "/"
	}
	if len(u.Path) > 1 {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}
	return u.String(), nil
}

// sortedEncode is url.Values.Encode with deterministic key order, which it
// already guarantees; kept separate so multi-value keys keep insertion order.
func sortedEncode(q url.Values) string {
	keys := make([]string, 0, len(q))
	for k := range q {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	for _, k := range keys {
		for _, v := range q[k] {
			if b.Len() > 0 {
				b.WriteByte('&')
			}
			b.WriteString(url.QueryEscape(k))
			b.WriteByte('=')
			b.WriteString(url.QueryEscape(v))
		}
	}
	return b.String()
}

// Host returns the lowercased host (without port) of a canonical URL.
func Host(canonical string) string {
	u, err := url.Parse(canonical)
	if err != nil {
		return ""
	}
	return strings.ToLower(u.Hostname())
}

// VendorTag returns the vendor tag for a host, or "" for unknown vendors.
func VendorTag(host string) string {
	host = strings.ToLower(strings.TrimPrefix(host, "www."))
	for suffix, tag := range vendorHosts {
		if host == suffix || strings.HasSuffix(host, "."+suffix) {
			return tag
		}
	}
	return ""
}
