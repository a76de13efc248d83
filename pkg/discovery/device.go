// Package discovery implements the concurrent CDP crawl: the Frontier,
// Device Session, and worker-pool Engine that drive it.
package discovery

import (
	"regexp"
	"strings"
	"time"
)

// Device is the identity and discovered attributes of one infrastructure
// node. It is assembled inside a Session and handed to the Store only after
// the Session succeeds.
type Device struct {
	Hostname     string // normalized
	IPAddress    string
	Platform     string
	SerialNumber string
	DeviceType   string
	DiscoveredAt time.Time
	LastUpdated  time.Time
}

// QueueEntry is a pending or in-flight work item. It is never deleted; its
// presence is the de-dup record for a (hostname, ip) pair.
type QueueEntry struct {
	Hostname     string
	IPAddress    string
	IsProcessing bool
	IsProcessed  bool
	AddedAt      time.Time
	ProcessedAt  time.Time
}

// NeighborRecord is the transient output of a CDP neighbors detail parse.
// It survives only long enough to be admitted to the Store and enqueued on
// the Frontier, or rejected.
type NeighborRecord struct {
	Hostname        string // normalized
	Platform        string
	DeviceType      string
	IPAddress       string
	LocalInterface  string
	RemoteInterface string
	Capabilities    string
}

// serialAnnotationRe strips "(Serial:...)" suffixes some CDP/show version
// output appends to a hostname.
var serialAnnotationRe = regexp.MustCompile(`\s*\([Ss]erial:[^)]*\)\s*`)

// NormalizeHostname lowercases, keeps only the first DNS label, strips
// "(Serial:...)" annotations, and trims whitespace. Idempotent: normalizing
// an already-normalized hostname is a no-op.
func NormalizeHostname(hostname string) string {
	h := serialAnnotationRe.ReplaceAllString(hostname, "")
	if i := strings.IndexByte(h, '.'); i >= 0 {
		h = h[:i]
	}
	return strings.ToLower(strings.TrimSpace(h))
}

// platformFamily describes one entry in the closed device-type taxonomy:
// the substrings that identify it in a platform string, the transport
// device-type key it maps to, and the template directory that parses its
// command output. A lookup table, not scattered conditionals.
type platformFamily struct {
	deviceType   string
	matches      []string
	transportKey string
	templateDir  string
}

var builtinFamilies = []platformFamily{
	{deviceType: "cisco_nxos", matches: []string{"nx-os", "nexus"}, transportKey: "cisco_nxos", templateDir: "nxos"},
	{deviceType: "cisco_xe", matches: []string{"ios-xe", "ios xe"}, transportKey: "cisco_xe", templateDir: "ios"},
	{deviceType: "cisco_ios", matches: []string{"ios"}, transportKey: "cisco_ios", templateDir: "ios"},
}

// DefaultTransportKey and DefaultTemplateDir are used before a device's
// platform has been identified: a session connects assuming IOS framing
// and reconfigures once "show version" reveals the real platform.
const (
	DefaultTransportKey = "cisco_ios"
	DefaultTemplateDir  = "ios"
)

// Classify determines a device type from a platform string, honoring
// operator exclude/include filters. It depends only on platform and the
// configured filter lists — no hidden state.
func Classify(platform string, filters FilterConfig) string {
	lower := strings.ToLower(platform)

	for _, pattern := range filters.ExcludePlatforms {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return "excluded"
		}
	}

	for _, fam := range builtinFamilies {
		for _, m := range fam.matches {
			if strings.Contains(lower, m) {
				return fam.deviceType
			}
		}
	}

	for _, pattern := range filters.IncludePlatforms {
		if strings.Contains(lower, strings.ToLower(pattern)) {
			return pattern
		}
	}

	return "unknown"
}

// IsInfrastructure reports whether deviceType is admitted to the crawl:
// neither "excluded" nor "unknown".
func IsInfrastructure(deviceType string) bool {
	return deviceType != "excluded" && deviceType != "unknown"
}

// transportKeyFor returns the transport device-type string for a classified
// device type. The second result is false for types outside the built-in
// Cisco families (excluded, unknown, custom include patterns); the Session
// then leaves the transport on its IOS default.
func transportKeyFor(deviceType string) (string, bool) {
	for _, fam := range builtinFamilies {
		if fam.deviceType == deviceType {
			return fam.transportKey, true
		}
	}
	return "", false
}

// templateDirFor returns the template directory prefix for a classified
// device type, defaulting to "ios" for anything not NX-OS.
func templateDirFor(deviceType string) string {
	for _, fam := range builtinFamilies {
		if fam.deviceType == deviceType {
			return fam.templateDir
		}
	}
	return DefaultTemplateDir
}
