package server

import (
	"fmt"
	"net"
	"net/url"
	"strings"
)

// devHosts are always allow-listed unless disabled in configuration.
var devHosts = []string{"localhost", "127.0.0.1"}

// AllowListEntry binds an allow-listed site id to the origin trusted to receive tokens.
type AllowListEntry struct {
	Hostname      string
	TrustedOrigin string
	Dev           bool
}

// AllowList resolves caller supplied site ids to trusted origins.
type AllowList struct {
	entries        map[string]AllowListEntry
	relaxLocalhost bool
	requireReferer bool
}

// NewAllowList parses configured site ids. Each entry is either a bare hostname
// (trusted origin https://<host>) or an absolute http(s) origin URL.
func NewAllowList(cfg AllowListConfig) (*AllowList, error) {
	al := &AllowList{
		entries:        make(map[string]AllowListEntry),
		relaxLocalhost: cfg.RelaxLocalhost,
		requireReferer: cfg.RequireReferer,
	}

	for i, raw := range cfg.SiteIDs {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		entry, err := parseAllowListEntry(raw)
		if err != nil {
			return nil, &ConfigError{Field: fmt.Sprintf("allow_list.site_ids[%d]", i), Reason: err.Error()}
		}
		if existing, ok := al.entries[entry.Hostname]; ok && existing.TrustedOrigin != entry.TrustedOrigin {
			return nil, &ConfigError{
				Field:  fmt.Sprintf("allow_list.site_ids[%d]", i),
				Reason: fmt.Sprintf("host %s already bound to %s", entry.Hostname, existing.TrustedOrigin),
			}
		}
		al.entries[entry.Hostname] = entry
	}

	if !cfg.DisableDevHosts {
		for _, host := range devHosts {
			if _, ok := al.entries[host]; ok {
				continue
			}
			al.entries[host] = AllowListEntry{Hostname: host, TrustedOrigin: "http://" + host, Dev: true}
		}
	}

	return al, nil
}

// Len reports the number of allow-listed hosts.
func (al *AllowList) Len() int {
	return len(al.entries)
}

// Resolve validates siteID against the allow list and, when present, cross-checks the
// Referer header. The returned origin is never taken from siteID itself.
func (al *AllowList) Resolve(siteID, referer string) (AllowListEntry, error) {
	siteID = strings.ToLower(strings.TrimSpace(siteID))
	if siteID == "" {
		return AllowListEntry{}, invalidInput(msgInvalidSiteID, "site_id missing")
	}
	entry, ok := al.entries[siteID]
	if !ok {
		return AllowListEntry{}, invalidInput(msgInvalidSiteID, "site_id not allow-listed")
	}

	if referer == "" {
		if al.requireReferer {
			return AllowListEntry{}, invalidInput(msgInvalidReferer, "referer missing")
		}
		return entry, nil
	}

	ref, err := url.Parse(referer)
	if err != nil || (ref.Scheme != "http" && ref.Scheme != "https") || ref.Hostname() == "" {
		return AllowListEntry{}, invalidInput(msgInvalidReferer, "referer unparseable")
	}
	if strings.ToLower(ref.Hostname()) != entry.Hostname {
		return AllowListEntry{}, invalidInput(msgInvalidReferer, "referer host does not match site_id")
	}

	if entry.Dev && al.relaxLocalhost {
		entry.TrustedOrigin = canonicalOrigin(ref)
	}
	return entry, nil
}

func parseAllowListEntry(raw string) (AllowListEntry, error) {
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return AllowListEntry{}, fmt.Errorf("parse %q: %w", raw, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return AllowListEntry{}, fmt.Errorf("%q: scheme must be http or https", raw)
	}
	if u.User != nil {
		return AllowListEntry{}, fmt.Errorf("%q: userinfo not allowed", raw)
	}
	if u.RawQuery != "" || u.Fragment != "" {
		return AllowListEntry{}, fmt.Errorf("%q: query and fragment not allowed", raw)
	}
	if u.Hostname() == "" {
		return AllowListEntry{}, fmt.Errorf("%q: host required", raw)
	}

	host := strings.ToLower(u.Hostname())
	return AllowListEntry{
		Hostname:      host,
		TrustedOrigin: canonicalOrigin(u),
		Dev:           host == "localhost" || host == "127.0.0.1",
	}, nil
}

// canonicalOrigin renders scheme://host[:port] the way browsers report event.origin:
// lower-case host, default ports omitted.
func canonicalOrigin(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Hostname())
	port := u.Port()
	if (scheme == "https" && port == "443") || (scheme == "http" && port == "80") {
		port = ""
	}
	if port == "" {
		if strings.Contains(host, ":") {
			return scheme + "://[" + host + "]"
		}
		return scheme + "://" + host
	}
	return scheme + "://" + net.JoinHostPort(host, port)
}
