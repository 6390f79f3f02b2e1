package browser

import (
	"os"

	"github.com/go-rod/rod/lib/launcher"

	"github.com/casoon/auditmysite-studio-sub003/pkg/config"
)

// LaunchOptions describe how Chromium processes are started. The zero value
// is not useful; start from DefaultLaunchOptions or LaunchOptionsFromEnv.
type LaunchOptions struct {
	// BinPath overrides launcher auto-detection of the Chromium binary.
	BinPath string
	// Headless runs Chromium without a display. Disable only for debugging.
	Headless bool
	// DisableGPU passes --disable-gpu, required on hosts without GPU devices.
	DisableGPU bool
	// ProxyURL routes all page traffic through the given proxy.
	ProxyURL string
	// NoProxy lists hosts that bypass the proxy, comma separated.
	NoProxy string
}

// DefaultLaunchOptions returns headless defaults suitable for containers.
func DefaultLaunchOptions() LaunchOptions {
	return LaunchOptions{Headless: true}
}

// LaunchOptionsFromEnv builds launch options from the process environment.
// CHROME_PATH selects the binary, DISABLE_GPU toggles GPU, and the standard
// proxy variables (HTTPS_PROXY, HTTP_PROXY, NO_PROXY) configure the proxy.
func LaunchOptionsFromEnv() LaunchOptions {
	return LaunchOptions{
		BinPath:    config.GetEnv("CHROME_PATH", ""),
		Headless:   config.GetEnvBool("HEADLESS", true),
		DisableGPU: config.GetEnvBool("DISABLE_GPU", false),
		ProxyURL:   firstEnv("HTTPS_PROXY", "https_proxy", "HTTP_PROXY", "http_proxy"),
		NoProxy:    firstEnv("NO_PROXY", "no_proxy"),
	}
}

func firstEnv(keys ...string) string {
	for _, key := range keys {
		if v := os.Getenv(key); v != "" {
			return v
		}
	}
	return ""
}

// buildLauncher translates options into a single-use Rod launcher.
// Launchers cannot be reused, so every session builds a fresh one.
func (o LaunchOptions) buildLauncher() *launcher.Launcher {
	l := launcher.New().
		Headless(o.Headless).
		Set("no-sandbox").
		Set("disable-dev-shm-usage").
		Set("disable-background-networking").
		Set("no-first-run").
		Set("no-default-browser-check").
		Set("mute-audio").
		Set("window-size", "1366,900")

	if o.BinPath != "" {
		l = l.Bin(o.BinPath)
	}
	if o.DisableGPU {
		l = l.Set("disable-gpu")
	}
	if o.ProxyURL != "" {
		l = l.Set("proxy-server", o.ProxyURL)
	}
	if o.NoProxy != "" {
		l = l.Set("proxy-bypass-list", o.NoProxy)
	}

	return l
}
