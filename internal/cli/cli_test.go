package cli

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/config"
	"github.com/go-git/go-git/v5/plumbing/object"
	"gopkg.in/yaml.v3"

	"mog/internal/run"
)

func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	var out, errOut bytes.Buffer
	cmd := newRootCmd()
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&errOut)
	err := cmd.Execute()
	return out.String(), errOut.String(), err
}

// inRepo makes a committed git repository the working directory.
func inRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	repo, err := git.PlainInit(dir, false)
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := repo.CreateRemote(&config.RemoteConfig{Name: "origin", URLs: []string{"git@github.com:org/repo.git"}}); err != nil {
		t.Fatalf("remote: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "job.sh"), []byte("echo job\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	wt, _ := repo.Worktree()
	if _, err := wt.Add("job.sh"); err != nil {
		t.Fatalf("add: %v", err)
	}
	if _, err := wt.Commit("initial", &git.CommitOptions{
		Author: &object.Signature{Name: "test", Email: "test@example.com", When: time.Now()},
	}); err != nil {
		t.Fatalf("commit: %v", err)
	}
	t.Chdir(dir)
	return dir
}

func isolate(t *testing.T) string {
	t.Helper()
	for _, k := range []string{"MOG_DATABASE", "DATABASE_URL", "MOG_PROFILE", "MOG_STORAGE", "MOG_SLACK_URL", "MLMD_EXECUTION_ID", "MLMD_CONTEXT_ID"} {
		t.Setenv(k, "")
		os.Unsetenv(k)
	}
	t.Setenv("HOME", t.TempDir())
	return "sqlite://" + filepath.Join(t.TempDir(), "mlmd.db")
}

func TestDBInit(t *testing.T) {
	db := isolate(t)
	out, _, err := execute(t, "db", "init", "--db", db)
	if err != nil {
		t.Fatalf("db init: %v", err)
	}
	if !strings.Contains(out, "ok: schema applied (sqlite)") {
		t.Fatalf("out = %q", out)
	}
	if _, _, err := execute(t, "db", "init", "--db", db); err != nil {
		t.Fatalf("second db init: %v", err)
	}
}

func TestMissingDatabase(t *testing.T) {
	isolate(t)
	t.Chdir(t.TempDir())
	_, _, err := execute(t, "get", "executions")
	if err == nil || !strings.Contains(err.Error(), "missing --db") {
		t.Fatalf("err = %v", err)
	}
}

func TestRunThenGet(t *testing.T) {
	db := isolate(t)
	inRepo(t)

	out, _, err := execute(t, "run", "--db", db, "--context", "exp", "-e", "MODE=fast", "--name", "first",
		"--temp-dir", t.TempDir(), "--", "sh", "-c", `echo "hello $MODE"`)
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if out != "hello fast\n" {
		t.Fatalf("passthrough = %q", out)
	}

	out, _, err = execute(t, "get", "executions", "--db", db)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	var execs []map[string]any
	if err := json.Unmarshal([]byte(out), &execs); err != nil {
		t.Fatalf("decode %q: %v", out, err)
	}
	if len(execs) != 1 || execs[0]["state"] != "COMPLETE" || execs[0]["name"] != "first" {
		t.Fatalf("executions = %v", execs)
	}
	props := execs[0]["properties"].(map[string]any)
	if props["envvars"] != `{"MODE":"fast"}` || props["exit_code"].(float64) != 0 || props["git_url"] != "https://github.com/org/repo" {
		t.Fatalf("properties = %v", props)
	}

	out, _, err = execute(t, "get", "contexts", "--db", db, "-o", "yaml")
	if err != nil {
		t.Fatalf("get contexts: %v", err)
	}
	var contexts []map[string]any
	if err := yaml.Unmarshal([]byte(out), &contexts); err != nil {
		t.Fatalf("decode yaml %q: %v", out, err)
	}
	if len(contexts) != 1 || contexts[0]["name"] != "exp" {
		t.Fatalf("contexts = %v", contexts)
	}

	out, _, err = execute(t, "get", "executions", "--db", db, "-o", "table")
	if err != nil {
		t.Fatalf("get table: %v", err)
	}
	for _, want := range []string{"STATE", "COMPLETE", "first", "sh -c"} {
		if !strings.Contains(out, want) {
			t.Fatalf("table missing %q:\n%s", want, out)
		}
	}

	out, _, err = execute(t, "get", "artifacts", "--db", db)
	if err != nil {
		t.Fatalf("get artifacts: %v", err)
	}
	if strings.TrimSpace(out) != "[]" {
		t.Fatalf("artifacts without storage = %q", out)
	}
}

func TestRunPropagatesExitCode(t *testing.T) {
	db := isolate(t)
	inRepo(t)
	_, _, err := execute(t, "run", "--db", db, "--temp-dir", t.TempDir(), "sh", "-c", "exit 4")
	var exitErr *run.ExitError
	if !errors.As(err, &exitErr) || exitErr.Code != 4 {
		t.Fatalf("err = %v, want exit code 4", err)
	}
}

func TestRunForbidDirtyFromConfigFile(t *testing.T) {
	db := isolate(t)
	dir := inRepo(t)
	if err := os.WriteFile(filepath.Join(dir, ".mog.yaml"), []byte("forbid_dirty: true\ndatabase: "+db+"\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	_, _, err := execute(t, "run", "--temp-dir", t.TempDir(), "true")
	if !errors.Is(err, run.ErrDirtyTree) {
		t.Fatalf("err = %v, want dirty tree", err)
	}
	if _, _, err := execute(t, "run", "--ignore-untracked", "--temp-dir", t.TempDir(), "true"); err != nil {
		t.Fatalf("run ignoring untracked config file: %v", err)
	}
}

func TestRunFlagValidation(t *testing.T) {
	db := isolate(t)
	inRepo(t)
	cases := map[string][]string{
		"sweep without dir": {"run", "--db", db, "--sweep", "true"},
		"missing env value": {"run", "--db", db, "-e", "MOG_TEST_SURELY_UNSET", "true"},
		"no command":        {"run", "--db", db},
		"bad output":        {"get", "executions", "--db", db, "-o", "xml"},
		"bad id variable":   {"run", "--db", db, "--execution-id-env", "1-x", "true"},
	}
	for name, args := range cases {
		if _, _, err := execute(t, args...); err == nil {
			t.Fatalf("%s: expected error", name)
		}
	}
}
