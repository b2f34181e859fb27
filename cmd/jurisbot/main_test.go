package main

import (
	"bytes"
	"context"
	"net"
	"os"
	"strings"
	"syscall"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/stellarlinkco/jurisbot/internal/bus"
	"github.com/stellarlinkco/jurisbot/internal/config"
	"github.com/stellarlinkco/jurisbot/internal/domain"
	"github.com/stellarlinkco/jurisbot/internal/orchestrator"
)

func setupHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("JURISBOT_HOME", home)
	t.Setenv("JURISBOT_JWT_SECRET", "")
	t.Setenv("JURISBOT_STORE_DRIVER", "")
	t.Setenv("JURISBOT_DATABASE_URL", "")
	t.Setenv("JURISBOT_REDIS_URL", "")
	t.Setenv("JURISBOT_CREDIT_BACKEND", "")
	return home
}

func execute(t *testing.T, c *cli, args ...string) (string, error) {
	t.Helper()
	if c == nil {
		c = &cli{}
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	var out bytes.Buffer
	root := newRootCmd(c)
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func TestOnboard(t *testing.T) {
	setupHome(t)

	out, err := execute(t, nil, "onboard")
	if err != nil {
		t.Fatalf("onboard error: %v", err)
	}
	if !strings.Contains(out, "Created config") {
		t.Errorf("output = %q", out)
	}

	cfg, err := config.LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig error: %v", err)
	}
	if len(cfg.Auth.JWTSecret) != 64 {
		t.Errorf("secret length = %d, want 64", len(cfg.Auth.JWTSecret))
	}

	out, err = execute(t, nil, "onboard")
	if err != nil {
		t.Fatalf("second onboard error: %v", err)
	}
	if !strings.Contains(out, "already exists") {
		t.Errorf("output = %q", out)
	}
}

func TestTenantSetAndStatus(t *testing.T) {
	setupHome(t)
	if _, err := execute(t, nil, "onboard"); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, nil, "tenant", "set", "escritorio-silva", "--name", "Silva Advogados", "--granted", "3")
	if err != nil {
		t.Fatalf("tenant set error: %v", err)
	}
	if !strings.Contains(out, `"granted": 3`) {
		t.Errorf("output = %q", out)
	}

	// Updating the quota keeps the name.
	out, err = execute(t, nil, "tenant", "set", "escritorio-silva", "--granted", "1")
	if err != nil {
		t.Fatalf("tenant set error: %v", err)
	}
	if !strings.Contains(out, "Silva Advogados") || !strings.Contains(out, `"granted": 1`) {
		t.Errorf("output = %q", out)
	}

	if _, err := execute(t, nil, "tenant", "set", "x", "--granted", "-1"); err == nil {
		t.Error("expected error for negative quota")
	}

	out, err = execute(t, nil, "tenant", "list")
	if err != nil {
		t.Fatalf("tenant list error: %v", err)
	}
	if !strings.Contains(out, "escritorio-silva") {
		t.Errorf("output = %q", out)
	}

	out, err = execute(t, nil, "status")
	if err != nil {
		t.Fatalf("status error: %v", err)
	}
	for _, want := range []string{"JWT secret: set", "Store: sqlite", "escritorio-silva (Silva Advogados) 0/1 bots, active"} {
		if !strings.Contains(out, want) {
			t.Errorf("status output missing %q:\n%s", want, out)
		}
	}
}

func TestToken(t *testing.T) {
	setupHome(t)

	if _, err := execute(t, nil, "token", "--role", "admin"); err == nil {
		t.Error("expected error without a secret")
	}
	if _, err := execute(t, nil, "onboard"); err != nil {
		t.Fatal(err)
	}

	out, err := execute(t, nil, "token", "--role", "admin")
	if err != nil {
		t.Fatalf("token error: %v", err)
	}
	if strings.Count(strings.TrimSpace(out), ".") != 2 {
		t.Errorf("token = %q, want a JWT", out)
	}

	if _, err := execute(t, nil, "token", "--role", "tenant"); err == nil {
		t.Error("expected error for tenant token without --tenant")
	}
	if _, err := execute(t, nil, "token", "--role", "root"); err == nil {
		t.Error("expected error for unknown role")
	}
	if _, err := execute(t, nil, "token", "--tenant", "escritorio-silva"); err != nil {
		t.Errorf("tenant token error: %v", err)
	}
}

func TestCatalog(t *testing.T) {
	setupHome(t)

	out, err := execute(t, nil, "catalog", "validate")
	if err != nil {
		t.Fatalf("validate error: %v", err)
	}
	if !strings.HasPrefix(out, "ok: ") {
		t.Errorf("output = %q", out)
	}

	out, err = execute(t, nil, "catalog", "print")
	if err != nil {
		t.Fatalf("print error: %v", err)
	}
	if !strings.Contains(out, "(trabalhista)") {
		t.Errorf("output missing trabalhista entry:\n%s", out)
	}

	if _, err := execute(t, nil, "catalog", "validate", "/nonexistent/catalog.yaml"); err == nil {
		t.Error("expected error for missing file")
	}
}

type nopChannel struct{}

func (nopChannel) Connect(context.Context, string) error { return nil }

func (nopChannel) Disconnect(context.Context, string) error { return nil }

func (nopChannel) Send(context.Context, string, string, string) error { return nil }

func (nopChannel) SetPresence(context.Context, string, string, domain.Presence) error {
	return nil
}

func (nopChannel) Close() error { return nil }

func TestGateway_StopsOnSignal(t *testing.T) {
	setupHome(t)
	if _, err := execute(t, nil, "onboard"); err != nil {
		t.Fatal(err)
	}

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	sig := make(chan os.Signal, 1)
	c := &cli{opts: orchestrator.Options{
		Listener:   ln,
		SignalChan: sig,
		ChannelFactory: func(config.WhatsAppConfig, *bus.MessageBus, *zap.Logger) (orchestrator.Channel, error) {
			return nopChannel{}, nil
		},
	}}

	done := make(chan error, 1)
	go func() {
		_, err := execute(t, c, "gateway")
		done <- err
	}()

	time.Sleep(200 * time.Millisecond)
	sig <- syscall.SIGTERM

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("gateway error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("gateway did not stop")
	}
}

func TestGateway_RequiresSecret(t *testing.T) {
	setupHome(t)
	if _, err := execute(t, nil, "gateway"); err == nil {
		t.Error("expected error without a JWT secret")
	}
}
