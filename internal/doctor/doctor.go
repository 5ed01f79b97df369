// Package doctor checks a loaded slotd configuration against the host it is
// about to run on.
package doctor

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"os/exec"
	"sort"
	"strings"

	"github.com/mattjoyce/slotd/internal/auth"
	"github.com/mattjoyce/slotd/internal/config"
	"github.com/mattjoyce/slotd/internal/storage"
)

// Result holds the outcome of a validation run.
type Result struct {
	Valid    bool    `json:"valid"`
	Hash     string  `json:"hash,omitempty"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single validation error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor validates configuration beyond what config.Validate can see.
type Doctor struct {
	cfg *config.Config

	lookPath func(string) (string, error)
	stat     func(string) (os.FileInfo, error)
	localFS  func(path, what string) error
	hashFile func(string) (string, error)
}

// New creates a Doctor for a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{
		cfg:      cfg,
		lookPath: exec.LookPath,
		stat:     os.Stat,
		localFS:  storage.RequireLocalFilesystem,
		hashFile: config.Digest,
	}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	if err := config.Validate(d.cfg); err != nil {
		d.addError(r, "config", "", err.Error())
	}
	d.validateAgentCommands(r)
	d.validateWorkspace(r)
	d.validateStatePath(r)
	d.validateTokenScopes(r)
	d.warnAuth(r)
	d.warnTimeouts(r)

	if d.cfg.SourcePath != "" {
		if h, err := d.hashFile(d.cfg.SourcePath); err == nil {
			r.Hash = h
		}
	}

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateAgentCommands warns when a launch command is not on PATH. The
// binary may be installed later, so this is not fatal.
func (d *Doctor) validateAgentCommands(r *Result) {
	if cmd := strings.TrimSpace(d.cfg.Agents.Command); cmd != "" {
		if _, err := d.lookPath(cmd); err != nil {
			d.addWarning(r, "agents", "agents.command",
				fmt.Sprintf("command %q not found in PATH", cmd))
		}
	}

	keys := make([]string, 0, len(d.cfg.Agents.Overrides))
	for k := range d.cfg.Agents.Overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		ov := d.cfg.Agents.Overrides[k]
		if ov.Command == "" {
			continue
		}
		if _, err := d.lookPath(ov.Command); err != nil {
			d.addWarning(r, "agents", "agents.overrides."+k+".command",
				fmt.Sprintf("command %q not found in PATH", ov.Command))
		}
	}
}

func (d *Doctor) validateWorkspace(r *Result) {
	if tmpl := d.cfg.Workspace.TemplateDir; tmpl != "" {
		info, err := d.stat(tmpl)
		switch {
		case err != nil:
			d.addError(r, "workspace", "workspace.template_dir",
				fmt.Sprintf("template directory %q is not readable: %v", tmpl, err))
		case !info.IsDir():
			d.addError(r, "workspace", "workspace.template_dir",
				fmt.Sprintf("%q is not a directory", tmpl))
		}
	}
	if base := d.cfg.Workspace.BaseDir; base != "" {
		if err := d.localFS(base, "workspace directory"); err != nil {
			d.addWarning(r, "workspace", "workspace.base_dir", err.Error())
		}
	}
}

// validateStatePath rejects network filesystems; SQLite locking and the PID
// lock are unreliable there.
func (d *Doctor) validateStatePath(r *Result) {
	if d.cfg.State.Path == "" {
		return
	}
	if err := d.localFS(d.cfg.State.Path, "state database"); err != nil {
		d.addError(r, "state", "state.path", err.Error())
	}
}

func (d *Doctor) validateTokenScopes(r *Result) {
	seen := make(map[string]int, len(d.cfg.API.Auth.Tokens))
	for i, tok := range d.cfg.API.Auth.Tokens {
		if prev, ok := seen[tok.Token]; ok && tok.Token != "" {
			d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].token", i),
				fmt.Sprintf("duplicate of api.auth.tokens[%d]", prev))
		}
		seen[tok.Token] = i
		if tok.Token != "" && tok.Token == d.cfg.API.Auth.APIKey {
			d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].token", i),
				"token is the same as api.auth.api_key")
		}

		for j, scope := range tok.Scopes {
			if !auth.KnownScope(scope) {
				d.addError(r, "token_scopes", fmt.Sprintf("api.auth.tokens[%d].scopes[%d]", i, j),
					fmt.Sprintf("unknown scope %q (expected *, jobs:ro, jobs:rw, runs:ro, runs:rw or events:ro)", scope))
			}
		}
	}
}

func (d *Doctor) warnAuth(r *Result) {
	if d.cfg.API.Auth.APIKey != "" || len(d.cfg.API.Auth.Tokens) > 0 {
		return
	}
	d.addWarning(r, "api", "api.auth",
		"no api_key or tokens configured; every protected route will return 401")
	if !isLoopback(d.cfg.API.Listen) {
		d.addWarning(r, "api", "api.listen",
			fmt.Sprintf("listening on non-loopback address %q", d.cfg.API.Listen))
	}
}

func (d *Doctor) warnTimeouts(r *Result) {
	if d.cfg.Agents.InactivityTimeout == 0 {
		d.addWarning(r, "agents", "agents.inactivity_timeout",
			"inactivity timeout disabled; an idle session holds its agent until ended")
	}
	if d.cfg.Events.MaxAge > 0 && d.cfg.Events.MaxAge < d.cfg.Events.Retention {
		d.addWarning(r, "events", "events.max_age",
			"max_age is shorter than retention; late subscribers to a closed run may see only the close event")
	}
}

func isLoopback(listen string) bool {
	host, _, err := net.SplitHostPort(listen)
	if err != nil {
		return false
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// FormatHuman renders a result for a terminal.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
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
	if r.Hash != "" {
		fmt.Fprintf(&b, "blake3: %s\n", r.Hash)
	}

	return b.String()
}

func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
