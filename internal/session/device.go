package session

import (
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Device is the parsed descriptor of the client that opened a session.
type Device struct {
	Kind    string `json:"kind"` // desktop, mobile, tablet, bot, unknown
	OS      string `json:"os"`
	Browser string `json:"browser"`
}

// DeviceParser derives a coarse device descriptor from a User-Agent
// string. Agents repeat heavily across logins, so parsed results are
// kept in a bounded LRU cache.
type DeviceParser struct {
	cache *lru.Cache[string, Device]
}

const deviceCacheSize = 1024

func NewDeviceParser() *DeviceParser {
	cache, _ := lru.New[string, Device](deviceCacheSize)
	return &DeviceParser{cache: cache}
}

func (p *DeviceParser) Parse(userAgent string) Device {
	if userAgent == "" {
		return Device{Kind: "unknown", OS: "unknown", Browser: "unknown"}
	}
	if d, ok := p.cache.Get(userAgent); ok {
		return d
	}
	d := parseUserAgent(userAgent)
	p.cache.Add(userAgent, d)
	return d
}

func parseUserAgent(ua string) Device {
	lower := strings.ToLower(ua)
	d := Device{Kind: "desktop", OS: "unknown", Browser: "unknown"}

	switch {
	case strings.Contains(lower, "bot"), strings.Contains(lower, "crawler"),
		strings.Contains(lower, "spider"), strings.Contains(lower, "curl"),
		strings.Contains(lower, "wget"):
		d.Kind = "bot"
	case strings.Contains(lower, "ipad"), strings.Contains(lower, "tablet"):
		d.Kind = "tablet"
	case strings.Contains(lower, "mobile"), strings.Contains(lower, "iphone"),
		strings.Contains(lower, "android"):
		d.Kind = "mobile"
	}

	switch {
	case strings.Contains(lower, "windows"):
		d.OS = "windows"
	case strings.Contains(lower, "android"):
		d.OS = "android"
	case strings.Contains(lower, "iphone"), strings.Contains(lower, "ipad"),
		strings.Contains(lower, "ios"):
		d.OS = "ios"
	case strings.Contains(lower, "mac os"), strings.Contains(lower, "macintosh"):
		d.OS = "macos"
	case strings.Contains(lower, "linux"):
		d.OS = "linux"
	}

	// Order matters: Chrome UAs contain "safari", Edge UAs contain "chrome".
	switch {
	case strings.Contains(lower, "edg/"), strings.Contains(lower, "edge"):
		d.Browser = "edge"
	case strings.Contains(lower, "firefox"):
		d.Browser = "firefox"
	case strings.Contains(lower, "chrome"):
		d.Browser = "chrome"
	case strings.Contains(lower, "safari"):
		d.Browser = "safari"
	case strings.Contains(lower, "curl"):
		d.Browser = "curl"
	}

	return d
}
