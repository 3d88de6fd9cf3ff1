package session

import (
	"encoding/json"
	"fmt"
	"strings"

	"pubdesk/internal/user"
)

// Fingerprint is the explicit overlay applied to a launched browser so the
// page sees a consistent identity across runs. Empty fields are left at the
// browser's native value rather than spoofed.
type Fingerprint struct {
	UserAgent     string
	Platform      string
	Timezone      string
	Locale        string
	ViewportW     int
	ViewportH     int
	Languages     []string
	WebGLVendor   string
	WebGLRenderer string
	Geolocation   *Geolocation
}

// Geolocation overrides the browser's reported position.
type Geolocation struct {
	Latitude  float64
	Longitude float64
}

// FingerprintFromEnvironment maps a stored environment preset onto a launch
// fingerprint.
func FingerprintFromEnvironment(env user.Environment) *Fingerprint {
	fp := &Fingerprint{
		UserAgent:     env.Agent,
		Platform:      env.Platform,
		Timezone:      env.Timezone,
		Locale:        env.Locale,
		ViewportW:     env.ViewportW,
		ViewportH:     env.ViewportH,
		WebGLVendor:   env.WebGLVendor,
		WebGLRenderer: env.WebGLRenderer,
	}
	if env.Locale != "" {
		fp.Languages = []string{env.Locale, "en-US"}
	}
	if env.GeoLatitude != 0 || env.GeoLongitude != 0 {
		fp.Geolocation = &Geolocation{Latitude: env.GeoLatitude, Longitude: env.GeoLongitude}
	}
	return fp
}

// ProxyFromEnvironment maps stored proxy settings, returning nil when the
// environment has none.
func ProxyFromEnvironment(env user.Environment) *Proxy {
	if strings.TrimSpace(env.ProxyServer) == "" {
		return nil
	}
	return &Proxy{
		Server:   env.ProxyServer,
		Username: env.ProxyUsername,
		Password: env.ProxyPassword,
	}
}

// InitScript builds the stealth script injected before any page script runs.
// It hides the automation flag and pins the overlay values the platform's
// fingerprinting checks read.
func (fp *Fingerprint) InitScript() string {
	var b strings.Builder
	b.WriteString("(() => {\n")
	b.WriteString("  Object.defineProperty(navigator, 'webdriver', { get: () => undefined });\n")
	if fp.Platform != "" {
		fmt.Fprintf(&b, "  Object.defineProperty(navigator, 'platform', { get: () => %s });\n", jsString(fp.Platform))
	}
	if len(fp.Languages) > 0 {
		langs, _ := json.Marshal(fp.Languages)
		fmt.Fprintf(&b, "  Object.defineProperty(navigator, 'languages', { get: () => %s });\n", langs)
	}

	// UNMASKED_VENDOR_WEBGL (37445) and UNMASKED_RENDERER_WEBGL (37446)
	// leak the real GPU; pin them to the environment's values.
	vendor := fp.WebGLVendor
	if vendor == "" {
		vendor = "Intel Open Source Technology Center"
	}
	renderer := fp.WebGLRenderer
	if renderer == "" {
		renderer = "Mesa DRI Intel(R) HD Graphics (SKL GT2)"
	}
	b.WriteString("  const getParameter = WebGLRenderingContext.prototype.getParameter;\n")
	b.WriteString("  WebGLRenderingContext.prototype.getParameter = function(parameter) {\n")
	fmt.Fprintf(&b, "    if (parameter === 37445) { return %s; }\n", jsString(vendor))
	fmt.Fprintf(&b, "    if (parameter === 37446) { return %s; }\n", jsString(renderer))
	b.WriteString("    return getParameter.apply(this, arguments);\n")
	b.WriteString("  };\n")

	b.WriteString("  window.chrome = window.chrome || { runtime: {} };\n")
	b.WriteString("})();")
	return b.String()
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

// browserArgs assembles the launch flag set. "compat" adds flags some older
// platforms need at the cost of looking less like a stock browser.
func browserArgs(mode string) []string {
	args := []string{
		"--disable-blink-features=AutomationControlled",
		"--no-first-run",
		"--no-default-browser-check",
	}
	if strings.TrimSpace(mode) == "compat" {
		args = append(args,
			"--disable-dev-shm-usage",
			"--disable-gpu",
			"--no-sandbox",
		)
	}
	return args
}
