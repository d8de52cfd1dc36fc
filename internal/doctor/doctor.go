// Package doctor checks a parallelpark configuration and the environment it
// will run in.
package doctor

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/mattjoyce/parallelpark/internal/config"
	"github.com/mattjoyce/parallelpark/internal/controller"
	"github.com/mattjoyce/parallelpark/internal/journal"
	"github.com/mattjoyce/parallelpark/internal/worker"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration.
type Doctor struct {
	cfg *config.Config
}

// New creates a Doctor from a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg}
}

// Validate runs all static checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateWorker(r)
	d.validateReservedEnv(r)
	d.validateJournal(r)
	d.warnMissingEnvVars(r)
	d.warnSuspiciousGrace(r)
	d.warnOversubscribed(r)

	r.Valid = len(r.Errors) == 0
	return r
}

// Probe delegates a trivial Lua call through c and records whether the round
// trip worked.
func (d *Doctor) Probe(ctx context.Context, c *controller.Controller, r *Result) {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	raw, err := c.DelegateNoInput(ctx, controller.Lua(`function() return "ok" end`))
	switch {
	case err != nil:
		d.addError(r, "probe", "", fmt.Sprintf("delegated call failed: %v", err))
	case string(raw) != `"ok"`:
		d.addError(r, "probe", "", fmt.Sprintf("delegated call returned %s, want \"ok\"", raw))
	}
	r.Valid = len(r.Errors) == 0
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateWorker checks that the configured worker executable can be started.
func (d *Doctor) validateWorker(r *Result) {
	path := d.cfg.Worker.Path
	if path == "" {
		return
	}
	resolved, err := exec.LookPath(path)
	if err != nil {
		d.addError(r, "worker", "worker.path", fmt.Sprintf("worker executable %q not found: %v", path, err))
		return
	}
	if !filepath.IsAbs(resolved) {
		d.addWarning(r, "worker", "worker.path",
			fmt.Sprintf("worker executable %q resolves relative to the working directory", path))
	}
}

// validateReservedEnv rejects worker.env entries that would clobber the
// variables the controller sets itself.
func (d *Doctor) validateReservedEnv(r *Result) {
	reserved := []string{worker.EnvWorker, worker.EnvCallID, worker.EnvLogLevel}
	for _, name := range reserved {
		if _, ok := d.cfg.Worker.Env[name]; ok {
			d.addError(r, "worker", "worker.env."+name,
				fmt.Sprintf("%s is set by the controller and cannot be configured", name))
		}
	}
}

// validateJournal checks the journal path is usable.
func (d *Doctor) validateJournal(r *Result) {
	if !d.cfg.Journal.Enabled {
		return
	}
	if d.cfg.Journal.Path == "" {
		d.addError(r, "journal", "journal.path", "journal.path is required when the journal is enabled")
		return
	}
	if err := journal.CheckPath(d.cfg.Journal.Path); err != nil {
		d.addError(r, "journal", "journal.path", err.Error())
	}
}

// warnMissingEnvVars warns about ${VAR} references where VAR is not set.
func (d *Doctor) warnMissingEnvVars(r *Result) {
	envVarRe := regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

	for i, arg := range d.cfg.Worker.Args {
		for _, m := range envVarRe.FindAllStringSubmatch(arg, -1) {
			if _, ok := os.LookupEnv(m[1]); !ok {
				d.addWarning(r, "env_vars", fmt.Sprintf("worker.args[%d]", i),
					fmt.Sprintf("environment variable ${%s} not set", m[1]))
			}
		}
	}
	if envVarRe.MatchString(d.cfg.Journal.Path) {
		d.addWarning(r, "env_vars", "journal.path", "journal.path contains an unresolved environment variable")
	}
}

// warnSuspiciousGrace warns about termination grace periods that seem too
// short or too long.
func (d *Doctor) warnSuspiciousGrace(r *Result) {
	grace := d.cfg.Worker.TerminationGrace
	if grace > 0 && grace < 100*time.Millisecond {
		d.addWarning(r, "worker", "worker.termination_grace",
			fmt.Sprintf("termination grace %s is very short; workers may be killed before cleaning up", grace))
	}
	if grace > time.Minute {
		d.addWarning(r, "worker", "worker.termination_grace",
			fmt.Sprintf("termination grace %s is long; cancelled calls may take that long to return", grace))
	}
}

// warnOversubscribed warns when batch concurrency is far above the CPU count.
func (d *Doctor) warnOversubscribed(r *Result) {
	limit := 4 * runtime.NumCPU()
	if d.cfg.Jobs.Concurrency > limit {
		d.addWarning(r, "jobs", "jobs.concurrency",
			fmt.Sprintf("concurrency %d is more than 4 worker processes per CPU", d.cfg.Jobs.Concurrency))
	}
}

// FormatHuman returns a human-readable validation report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid && len(r.Warnings) > 0 {
		b.WriteString("Configuration valid")
		fmt.Fprintf(&b, " (%d warning(s))\n", len(r.Warnings))
	}

	if !r.Valid {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		if e.Field != "" {
			fmt.Fprintf(&b, "  ERROR [%s] %s: %s\n", e.Category, e.Field, e.Message)
		} else {
			fmt.Fprintf(&b, "  ERROR [%s] %s\n", e.Category, e.Message)
		}
	}
	for _, w := range r.Warnings {
		if w.Field != "" {
			fmt.Fprintf(&b, "  WARN  [%s] %s: %s\n", w.Category, w.Field, w.Message)
		} else {
			fmt.Fprintf(&b, "  WARN  [%s] %s\n", w.Category, w.Message)
		}
	}

	return b.String()
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
