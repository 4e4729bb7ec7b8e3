package cli

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func runCLI(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := NewRootCmd()
	cmd.SetArgs(append([]string{"--log-level", "error"}, args...))
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func registryArgs(t *testing.T) []string {
	t.Helper()
	return []string{"--env-file", "", "registry", "--driver", "sqlite", "--dsn", filepath.Join(t.TempDir(), "registry.db")}
}

func TestRegistryCommands(t *testing.T) {
	base := registryArgs(t)
	with := func(extra ...string) []string {
		return append(append([]string(nil), base...), extra...)
	}

	out, err := runCLI(t, with("migrate")...)
	if err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if !strings.Contains(out, "up to date") {
		t.Errorf("migrate output = %q", out)
	}

	out, err = runCLI(t, with("add", "p-orders", "orders", "--refresh", "incremental", "--primary-key", "order_id")...)
	if err != nil {
		t.Fatalf("add: %v", err)
	}
	if !strings.Contains(out, "orders -> orders_processed (INCREMENTAL)") {
		t.Errorf("add output = %q", out)
	}
	if _, err := runCLI(t, with("add", "p-hidden", "hidden", "--skip")...); err != nil {
		t.Fatalf("add skipped: %v", err)
	}

	out, err = runCLI(t, with("list")...)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !strings.Contains(out, "p-orders") || strings.Contains(out, "p-hidden") {
		t.Errorf("list output = %q", out)
	}

	out, err = runCLI(t, with("history", "p-orders")...)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if !strings.Contains(out, "No runs recorded.") {
		t.Errorf("history output = %q", out)
	}

	if _, err := runCLI(t, with("history", "p-missing")...); err == nil {
		t.Error("history of an unknown pipeline should fail")
	}
}

func TestRegistryAddRequiresArgs(t *testing.T) {
	if _, err := runCLI(t, append(registryArgs(t), "add", "only-id")...); err == nil {
		t.Error("add with one argument should fail")
	}
}

func TestControllerRejectsInvalidConfig(t *testing.T) {
	t.Setenv("STAGING_BUCKET", "")
	t.Setenv("JOB_IMAGE", "")
	_, err := runCLI(t, "--env-file", "", "controller", "--no-server")
	if err == nil || !strings.Contains(err.Error(), "invalid configuration") {
		t.Fatalf("controller error = %v", err)
	}
}

func TestExtractRequiresTask(t *testing.T) {
	t.Setenv("TABLE_NAME", "")
	_, err := runCLI(t, "--env-file", "", "extract")
	if err == nil || !strings.Contains(err.Error(), "TABLE_NAME is required") {
		t.Fatalf("extract error = %v", err)
	}
}

func TestLoadRequiresTable(t *testing.T) {
	t.Setenv("TABLE_NAME", "")
	_, err := runCLI(t, "--env-file", "", "load")
	if err == nil || !strings.Contains(err.Error(), "TABLE_NAME is required") {
		t.Fatalf("load error = %v", err)
	}
}

func TestEnvFileIsApplied(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, "test.env")
	dsn := filepath.Join(dir, "from-env.db")
	if err := os.WriteFile(envFile, []byte("REGISTRY_DRIVER=sqlite\nREGISTRY_DSN="+dsn+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	// godotenv does not override variables that are already set.
	t.Setenv("REGISTRY_DRIVER", "")
	os.Unsetenv("REGISTRY_DRIVER")
	t.Setenv("REGISTRY_DSN", "")
	os.Unsetenv("REGISTRY_DSN")

	if _, err := runCLI(t, "--env-file", envFile, "registry", "migrate"); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	if _, err := os.Stat(dsn); err != nil {
		t.Errorf("registry from env file not created: %v", err)
	}
}

func TestMissingEnvFileIsIgnored(t *testing.T) {
	args := append([]string{"--env-file", filepath.Join(t.TempDir(), "absent.env")}, registryArgs(t)[2:]...)
	if _, err := runCLI(t, append(args, "migrate")...); err != nil {
		t.Fatalf("migrate: %v", err)
	}
}
