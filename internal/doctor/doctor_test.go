package doctor

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/mattjoyce/parallelpark/internal/config"
	"github.com/mattjoyce/parallelpark/internal/controller"
	"github.com/mattjoyce/parallelpark/internal/materialize"
	"github.com/mattjoyce/parallelpark/internal/worker"
)

func TestMain(m *testing.M) {
	if worker.IsWorkerProcess() {
		os.Exit(worker.Main(materialize.NewLua()))
	}
	os.Exit(m.Run())
}

func validConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Journal.Path = filepath.Join(t.TempDir(), "journal.db")
	cfg.Jobs.Concurrency = 1
	return cfg
}

func TestValidate_ValidConfig(t *testing.T) {
	t.Parallel()
	r := New(validConfig(t)).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
	if len(r.Warnings) != 0 {
		t.Fatalf("expected no warnings, got: %v", r.Warnings)
	}
}

func TestValidate_MissingWorker(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Worker.Path = filepath.Join(t.TempDir(), "no-such-worker")
	r := New(cfg).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "worker", "not found")
}

func TestValidate_WorkerOnPath(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Worker.Path = "sh"
	r := New(cfg).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
}

func TestValidate_ReservedEnv(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Worker.Env = map[string]string{worker.EnvCallID: "fixed", "FOO": "bar"}
	r := New(cfg).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "worker", worker.EnvCallID)
	if len(r.Errors) != 1 {
		t.Fatalf("expected exactly one error, got: %v", r.Errors)
	}
}

func TestValidate_JournalPath(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	file := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg.Journal.Path = filepath.Join(file, "journal.db")
	r := New(cfg).Validate()
	if r.Valid {
		t.Fatal("expected invalid")
	}
	assertHasError(t, r, "journal", "not a directory")
}

func TestValidate_JournalDisabled(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Journal.Enabled = false
	cfg.Journal.Path = ""
	r := New(cfg).Validate()
	if !r.Valid {
		t.Fatalf("expected valid, got errors: %v", r.Errors)
	}
}

func TestValidate_JournalPathRequired(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Journal.Path = ""
	r := New(cfg).Validate()
	assertHasError(t, r, "journal", "journal.path is required")
}

func TestValidate_MissingEnvVars(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Worker.Args = []string{"--token", "${PARALLELPARK_DOCTOR_UNSET_VAR}"}
	r := New(cfg).Validate()
	if !r.Valid {
		t.Fatalf("warnings only, got errors: %v", r.Errors)
	}
	assertHasWarning(t, r, "env_vars", "PARALLELPARK_DOCTOR_UNSET_VAR")
}

func TestValidate_SuspiciousGrace(t *testing.T) {
	t.Parallel()
	for _, grace := range []time.Duration{10 * time.Millisecond, 5 * time.Minute} {
		cfg := validConfig(t)
		cfg.Worker.TerminationGrace = grace
		r := New(cfg).Validate()
		assertHasWarning(t, r, "worker", "termination grace")
	}
}

func TestValidate_Oversubscribed(t *testing.T) {
	t.Parallel()
	cfg := validConfig(t)
	cfg.Jobs.Concurrency = 4*runtime.NumCPU() + 1
	r := New(cfg).Validate()
	assertHasWarning(t, r, "jobs", "per CPU")
}

func TestProbe(t *testing.T) {
	cfg := validConfig(t)
	d := New(cfg)
	r := d.Validate()
	d.Probe(context.Background(), controller.New(controller.Options{}), r)
	if !r.Valid {
		t.Fatalf("expected probe to pass, got errors: %v", r.Errors)
	}
}

func TestProbe_SpawnFailure(t *testing.T) {
	d := New(validConfig(t))
	r := &Result{Valid: true}
	d.Probe(context.Background(), controller.New(controller.Options{WorkerPath: filepath.Join(t.TempDir(), "missing")}), r)
	if r.Valid {
		t.Fatal("expected probe to fail")
	}
	assertHasError(t, r, "probe", "failed to spawn")
}

func TestFormatHuman(t *testing.T) {
	t.Parallel()
	out := FormatHuman(&Result{Valid: true})
	if out != "Configuration valid.\n" {
		t.Fatalf("unexpected output: %q", out)
	}

	out = FormatHuman(&Result{
		Valid:    false,
		Errors:   []Issue{{Category: "worker", Field: "worker.path", Message: "missing"}},
		Warnings: []Issue{{Category: "jobs", Message: "busy"}},
	})
	for _, want := range []string{
		"Configuration invalid (1 error(s), 1 warning(s))",
		"ERROR [worker] worker.path: missing",
		"WARN  [jobs] busy",
	} {
		if !strings.Contains(out, want) {
			t.Fatalf("output missing %q:\n%s", want, out)
		}
	}
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()
	out, err := FormatJSON(&Result{Valid: true})
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, `"valid": true`) {
		t.Fatalf("unexpected JSON: %s", out)
	}
}

func assertHasError(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, e := range r.Errors {
		if e.Category == category && strings.Contains(e.Message, substring) {
			return
		}
	}
	t.Fatalf("expected error with category=%q containing %q, got: %v", category, substring, r.Errors)
}

func assertHasWarning(t *testing.T, r *Result, category, substring string) {
	t.Helper()
	for _, w := range r.Warnings {
		if w.Category == category && strings.Contains(w.Message, substring) {
			return
		}
	}
	t.Fatalf("expected warning with category=%q containing %q, got: %v", category, substring, r.Warnings)
}
