package monitoring

import (
	"errors"
	"testing"
)

type fakePool struct {
	capacity  int
	live      int
	launchErr error
}

func (p *fakePool) Size() (int, int) { return p.capacity, p.live }

func (p *fakePool) LastLaunchError() error { return p.launchErr }

func TestHealthChecker_Basic(t *testing.T) {
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: "healthy"} })
	status := hc.CheckHealth()
	if status.Status != "healthy" {
		t.Fatalf("expected healthy")
	}
}

func TestHealthCheckerAggregatesWorstStatus(t *testing.T) {
	hc := NewHealthChecker("svc", "v1")
	hc.AddCheck("ok", func() CheckResult { return CheckResult{Status: StatusHealthy} })
	hc.AddCheck("slow", func() CheckResult { return CheckResult{Status: StatusDegraded} })
	if got := hc.CheckHealth().Status; got != StatusDegraded {
		t.Fatalf("expected degraded overall, got %q", got)
	}

	hc.AddCheck("down", func() CheckResult { return CheckResult{Status: StatusUnhealthy} })
	if got := hc.CheckHealth().Status; got != StatusUnhealthy {
		t.Fatalf("expected unhealthy overall, got %q", got)
	}
}

func TestBrowserPoolHealthCheck(t *testing.T) {
	res := BrowserPoolHealthCheck(nil)()
	if res.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy for nil pool, got %q", res.Status)
	}

	res = BrowserPoolHealthCheck(&fakePool{capacity: 4, live: 0})()
	if res.Status != StatusHealthy {
		t.Fatalf("expected healthy for idle pool, got %q", res.Status)
	}

	res = BrowserPoolHealthCheck(&fakePool{capacity: 4, live: 2, launchErr: errors.New("no chromium")})()
	if res.Status != StatusUnhealthy {
		t.Fatalf("expected unhealthy for failing launches, got %q", res.Status)
	}

	res = BrowserPoolHealthCheck(&fakePool{capacity: 4, live: 4})()
	if res.Status != StatusHealthy {
		t.Fatalf("expected healthy for full pool, got %q", res.Status)
	}
}

func TestOutputDirHealthCheck(t *testing.T) {
	res := OutputDirHealthCheck(t.TempDir())()
	if res.Status != StatusHealthy {
		t.Fatalf("expected healthy for temp dir, got %q: %s", res.Status, res.Message)
	}

	res = OutputDirHealthCheck("")()
	if res.Status != StatusDegraded {
		t.Fatalf("expected degraded for empty dir, got %q", res.Status)
	}
}
