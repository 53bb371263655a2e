package testutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

type recordingFatal struct{ msg string }

func (r *recordingFatal) Fatalf(format string, args ...any) { r.msg = fmt.Sprintf(format, args...) }

func writeGo(t *testing.T, dir, name, src string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(src), 0o600); err != nil {
		t.Fatalf("write %s: %v", name, err)
	}
}

func TestBackendImportForbidden(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"omnipost/internal/infra/kv/sqlite", true},
		{"omnipost/internal/infra/kv/s3", true},
		{"omnipost/internal/kv", false},
		{"omnipost/internal/kv/core", false},
		{"example.com/infrastructure", false},
		{"", false},
	}
	for _, c := range cases {
		if got := BackendImportForbidden(c.in); got != c.want {
			t.Fatalf("BackendImportForbidden(%q)=%v want %v", c.in, got, c.want)
		}
	}
}

func TestTransportImportForbidden(t *testing.T) {
	cases := []struct {
		in   string
		want bool
	}{
		{"omnipost/internal/adapters/httpapi", true},
		{"omnipost/cmd/omnipost", true},
		{"omnipost/internal/app", false},
		{"github.com/gorilla/mux", false},
	}
	for _, c := range cases {
		if got := TransportImportForbidden(c.in); got != c.want {
			t.Fatalf("TransportImportForbidden(%q)=%v want %v", c.in, got, c.want)
		}
	}
}

func TestDirectImportViolations(t *testing.T) {
	dir := t.TempDir()
	writeGo(t, dir, "ok.go", "package tmp\nimport \"fmt\"\nfunc X() { fmt.Println(1) }\n")
	writeGo(t, dir, "bad.go", "package tmp\nimport (\n\t\"os\"\n\tkvs \"omnipost/internal/infra/kv/memory\"\n)\nvar _ = os.Args\nvar _ = kvs.New\n")
	writeGo(t, dir, "bad_test.go", "package tmp\nimport _ \"omnipost/internal/infra/kv/fs\"\n")
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("import \"omnipost/internal/infra/kv/s3\""), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	sub := filepath.Join(dir, "sub")
	if err := os.Mkdir(sub, 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	writeGo(t, sub, "sub.go", "package sub\nimport _ \"omnipost/internal/infra/kv/bolt\"\n")

	viols, err := directImportViolations(dir, BackendImportForbidden)
	if err != nil {
		t.Fatalf("scan: %v", err)
	}
	if len(viols) != 1 || viols[0] != "omnipost/internal/infra/kv/memory (in bad.go)" {
		t.Fatalf("unexpected violations %v", viols)
	}

	rec := &recordingFatal{}
	failIfDirectViolations(rec, "backends stay behind the factory", viols)
	if !strings.Contains(rec.msg, "backends stay behind the factory") || !strings.Contains(rec.msg, "bad.go") {
		t.Fatalf("unexpected failure message %q", rec.msg)
	}
}

func TestDirectImportViolationsErrors(t *testing.T) {
	if _, err := directImportViolations(filepath.Join(t.TempDir(), "missing"), BackendImportForbidden); err == nil {
		t.Fatalf("expected error for missing dir")
	}
	dir := t.TempDir()
	writeGo(t, dir, "broken.go", "package\n")
	if _, err := directImportViolations(dir, BackendImportForbidden); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestAssertNoDirectImportsPasses(t *testing.T) {
	dir := t.TempDir()
	writeGo(t, dir, "x.go", "package tmp\nimport \"omnipost/internal/kv\"\nvar _ = kv.NewMemory\n")
	AssertNoDirectImports(t, dir, BackendImportForbidden, "none")
}

func TestTransitiveDependencyViolations(t *testing.T) {
	orig := goListDeps
	t.Cleanup(func() { goListDeps = orig })

	goListDeps = func(string) ([]byte, error) {
		return []byte("fmt\nomnipost/internal/app\n\nomnipost/internal/adapters/httpapi\n"), nil
	}
	viols, _, err := transitiveDependencyViolations("./...", TransportImportForbidden)
	if err != nil || len(viols) != 1 || viols[0] != "omnipost/internal/adapters/httpapi" {
		t.Fatalf("unexpected result %v %v", viols, err)
	}
	rec := &recordingFatal{}
	failIfTransitiveViolations(rec, "layering", viols)
	if !strings.Contains(rec.msg, "layering") {
		t.Fatalf("unexpected failure message %q", rec.msg)
	}

	goListDeps = func(string) ([]byte, error) { return []byte("boom"), errors.New("exit 1") }
	if _, out, err := transitiveDependencyViolations(".", TransportImportForbidden); err == nil || string(out) != "boom" {
		t.Fatalf("expected go list failure to surface, got %q %v", out, err)
	}
}
