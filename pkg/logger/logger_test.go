package logger

import (
	"bytes"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestRedactAttrHidesSecrets(t *testing.T) {
	var buf bytes.Buffer
	log := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{ReplaceAttr: redactAttr}))
	log.Info("signer loaded", slog.String("secret_key", "5Kb8kLf9zgWQnogidDA76Mz"), slog.String("address", "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"))

	out := buf.String()
	if strings.Contains(out, "5Kb8kLf9zgWQnogidDA76Mz") {
		t.Fatalf("secret leaked into log output: %s", out)
	}
	if !strings.Contains(out, "[REDACTED]") {
		t.Fatalf("expected redaction marker: %s", out)
	}
	if !strings.Contains(out, "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin") {
		t.Fatalf("non sensitive attrs must be kept: %s", out)
	}
}

func TestMask(t *testing.T) {
	if got := Mask("short"); got != "short" {
		t.Fatalf("short values stay intact, got %q", got)
	}
	if got := Mask("9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin"); got != "9xQeWv...VFin" {
		t.Fatalf("unexpected mask: %q", got)
	}
}

func TestInitWritesAuditToSeparateFile(t *testing.T) {
	dir := t.TempDir()
	appPath := filepath.Join(dir, "app.log")
	auditPath := filepath.Join(dir, "audit", "audit.log")
	if err := Init(Config{
		Level:       "debug",
		OutputPaths: []string{appPath},
		Audit:       AuditConfig{Enabled: true, Path: auditPath},
	}); err != nil {
		t.Fatalf("init: %v", err)
	}
	t.Cleanup(func() {
		_ = Sync()
		_ = Init(Config{OutputPaths: []string{"stderr"}})
	})

	Named("issuance").Debug("step submitted", slog.String("signature", "5sig"))
	Audit().Info("transaction signed", slog.String("private_key", "should-not-appear"))
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	app, err := os.ReadFile(appPath)
	if err != nil {
		t.Fatalf("read app log: %v", err)
	}
	if !strings.Contains(string(app), `"component":"issuance"`) || strings.Contains(string(app), "transaction signed") {
		t.Fatalf("unexpected app log: %s", app)
	}
	audit, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(audit), "transaction signed") || strings.Contains(string(audit), "should-not-appear") {
		t.Fatalf("unexpected audit log: %s", audit)
	}
}

func TestInitRejectsAuditWithoutPath(t *testing.T) {
	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatal("expected error for enabled audit without path")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{"": slog.LevelInfo, "DEBUG": slog.LevelDebug, "warning": slog.LevelWarn, "error": slog.LevelError, "bogus": slog.LevelInfo}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}
