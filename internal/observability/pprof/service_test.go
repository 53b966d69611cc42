package pprof

import (
	"context"
	"net/http"
	"testing"
	"time"

	logx "recur/pkg/logx"
)

func waitForHTTP(ctx context.Context, url string, wantStatus int) error {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		reqCtx, cancel := context.WithTimeout(ctx, 200*time.Millisecond)
		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, url, http.NoBody)
		if err != nil {
			cancel()
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		cancel()
		if err == nil && resp != nil {
			_ = resp.Body.Close()
			if resp.StatusCode == wantStatus {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func waitForAddr(s *Service, within time.Duration) string {
	deadline := time.Now().Add(within)
	for time.Now().Before(deadline) {
		if addr := s.Addr(); addr != "" {
			return addr
		}
		time.Sleep(20 * time.Millisecond)
	}
	return ""
}

func TestServiceStartStop(t *testing.T) {
	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0"}, logx.Nop())
	t.Cleanup(func() { svc.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	svc.Start(ctx)
	addr := waitForAddr(svc, 3*time.Second)
	if addr == "" {
		t.Fatal("expected a bound address")
	}
	if err := waitForHTTP(ctx, "http://"+addr+"/debug/pprof/", http.StatusOK); err != nil {
		t.Fatalf("pprof endpoint not reachable: %v", err)
	}

	// Disabling via Reconfigure shuts the listener down.
	svc.Reconfigure(ctx, Config{Enabled: false})
	deadline := time.Now().Add(3 * time.Second)
	for svc.Addr() != "" && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if addr := svc.Addr(); addr != "" {
		t.Fatalf("listener still bound after disable: %s", addr)
	}
}

func TestServiceTokenAuth(t *testing.T) {
	svc := New(Config{Enabled: true, Addr: "127.0.0.1:0", Token: "sekrit"}, logx.Nop())
	t.Cleanup(func() { svc.Stop(context.Background()) })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	svc.Start(ctx)
	addr := waitForAddr(svc, 3*time.Second)
	if addr == "" {
		t.Fatal("expected a bound address")
	}

	if err := waitForHTTP(ctx, "http://"+addr+"/debug/pprof/", http.StatusUnauthorized); err != nil {
		t.Fatalf("expected 401 without token: %v", err)
	}
	if err := waitForHTTP(ctx, "http://"+addr+"/debug/pprof/?token=sekrit", http.StatusOK); err != nil {
		t.Fatalf("expected 200 with token: %v", err)
	}
}

func TestRefusesInsecureBind(t *testing.T) {
	cases := []struct {
		addr string
		want bool
	}{
		{"127.0.0.1:6060", true},
		{"localhost:6060", true},
		{"0.0.0.0:6060", false},
		{":6060", false},
		{"192.168.1.5:6060", false},
	}
	for _, tc := range cases {
		if got := isLoopbackAddr(tc.addr); got != tc.want {
			t.Errorf("isLoopbackAddr(%q) = %v, want %v", tc.addr, got, tc.want)
		}
	}
}

func TestNormalizePrefix(t *testing.T) {
	cases := []struct {
		in, want string
	}{
		{"", "/debug/pprof/"},
		{"debug/pprof", "/debug/pprof/"},
		{"/custom", "/custom/"},
		{"/custom/", "/custom/"},
	}
	for _, tc := range cases {
		if got := normalizePrefix(tc.in); got != tc.want {
			t.Errorf("normalizePrefix(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}
