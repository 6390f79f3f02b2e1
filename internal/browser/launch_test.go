package browser

import (
	"testing"

	"github.com/go-rod/rod/lib/launcher/flags"
	"github.com/stretchr/testify/assert"
)

func TestLaunchOptionsFromEnv(t *testing.T) {
	t.Setenv("CHROME_PATH", "/opt/chromium/chrome")
	t.Setenv("DISABLE_GPU", "true")
	t.Setenv("HTTPS_PROXY", "http://proxy.internal:3128")
	t.Setenv("NO_PROXY", "localhost,10.0.0.0/8")

	opts := LaunchOptionsFromEnv()

	assert.Equal(t, "/opt/chromium/chrome", opts.BinPath)
	assert.True(t, opts.Headless)
	assert.True(t, opts.DisableGPU)
	assert.Equal(t, "http://proxy.internal:3128", opts.ProxyURL)
	assert.Equal(t, "localhost,10.0.0.0/8", opts.NoProxy)
}

func TestLaunchOptionsFromEnvFallsBackToHTTPProxy(t *testing.T) {
	t.Setenv("HTTPS_PROXY", "")
	t.Setenv("https_proxy", "")
	t.Setenv("HTTP_PROXY", "http://fallback:8080")

	opts := LaunchOptionsFromEnv()
	assert.Equal(t, "http://fallback:8080", opts.ProxyURL)
}

func TestBuildLauncherFlags(t *testing.T) {
	opts := LaunchOptions{
		BinPath:    "/usr/bin/chromium",
		Headless:   true,
		DisableGPU: true,
		ProxyURL:   "http://proxy:3128",
		NoProxy:    "localhost",
	}

	l := opts.buildLauncher()

	assert.Equal(t, "/usr/bin/chromium", l.Get(flags.Bin))
	assert.Equal(t, "http://proxy:3128", l.Get(flags.ProxyServer))
	assert.True(t, l.Has("disable-gpu"))
	assert.True(t, l.Has("no-sandbox"))
	assert.Equal(t, "localhost", l.Get("proxy-bypass-list"))
}

func TestBuildLauncherOmitsOptionalFlags(t *testing.T) {
	l := DefaultLaunchOptions().buildLauncher()

	assert.False(t, l.Has("disable-gpu"))
	assert.False(t, l.Has(flags.ProxyServer))
	assert.Equal(t, "", l.Get(flags.Bin))
}
