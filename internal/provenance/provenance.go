// Package provenance turns a run's configuration and git state into the
// typed properties recorded on its execution.
package provenance

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"os/user"
	"sort"
	"strings"

	"mog/internal/gitinfo"
	"mog/internal/store"
)

const Redacted = "<redacted>"

// Property names on the mog_run execution type.
const (
	PropUser          = "user"
	PropHostname      = "hostname"
	PropCommand       = "command"
	PropExitCode      = "exit_code"
	PropEnvVars       = "envvars"
	PropEnvVarsSecret = "envvars_secret"
	PropGitCommit     = "git_commit"
	PropGitURL        = "git_url"
	PropGitCwd        = "git_cwd"
	PropGitDirty      = "git_dirty"
	PropStorage       = "storage"
	PropStdoutURI     = "stdout_uri"
	PropStderrURI     = "stderr_uri"
	PropResultURI     = "result_uri"
)

// EnvVar is a KEY=VALUE assignment given on the command line.
type EnvVar struct {
	Key   string
	Value string
}

// ParseEnvVar parses KEY=VALUE. A bare KEY takes its value from lookup and
// fails when the variable is unset.
func ParseEnvVar(s string, lookup func(string) (string, bool)) (EnvVar, error) {
	key, value, ok := strings.Cut(s, "=")
	key = strings.TrimSpace(key)
	if key == "" {
		return EnvVar{}, fmt.Errorf("invalid assignment %q: empty key", s)
	}
	if ok {
		return EnvVar{Key: key, Value: value}, nil
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	v, found := lookup(key)
	if !found {
		return EnvVar{}, fmt.Errorf("%s is not set in the environment", key)
	}
	return EnvVar{Key: key, Value: v}, nil
}

// ParseEnvVars parses every assignment, stopping at the first error.
func ParseEnvVars(in []string, lookup func(string) (string, bool)) ([]EnvVar, error) {
	out := make([]EnvVar, 0, len(in))
	for _, s := range in {
		ev, err := ParseEnvVar(s, lookup)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, nil
}

// Input is everything the builder needs before the child starts.
type Input struct {
	Command   string
	Args      []string
	Env       []EnvVar
	SecretEnv []EnvVar
	Custom    []EnvVar
	User      string
	Hostname  string
	Git       *gitinfo.Snapshot
}

// Outcome carries the values known only after the child exits.
type Outcome struct {
	ExitCode  *int
	Storage   string
	StdoutURI string
	StderrURI string
	ResultURI string
}

type Builder struct {
	in       Input
	replacer *strings.Replacer
}

func NewBuilder(in Input) *Builder {
	return &Builder{in: in, replacer: secretReplacer(in.SecretEnv)}
}

// PropertyTypes is the manifest declared for mog_run on every run.
func PropertyTypes() store.PropertyTypes {
	return store.PropertyTypes{
		PropUser:          store.PropertyString,
		PropHostname:      store.PropertyString,
		PropCommand:       store.PropertyString,
		PropExitCode:      store.PropertyInt,
		PropEnvVars:       store.PropertyString,
		PropEnvVarsSecret: store.PropertyString,
		PropGitCommit:     store.PropertyString,
		PropGitURL:        store.PropertyString,
		PropGitCwd:        store.PropertyString,
		PropGitDirty:      store.PropertyInt,
		PropStorage:       store.PropertyString,
		PropStdoutURI:     store.PropertyString,
		PropStderrURI:     store.PropertyString,
		PropResultURI:     store.PropertyString,
	}
}

// CommandLine is the command name followed by its arguments joined by single
// spaces. It is informational and not shell-safe.
func (b *Builder) CommandLine() string {
	if len(b.in.Args) == 0 {
		return b.in.Command
	}
	return b.in.Command + " " + strings.Join(b.in.Args, " ")
}

// Values returns the properties attached when the execution is created.
func (b *Builder) Values() (store.Properties, error) {
	props := store.Properties{}
	setString(props, PropCommand, b.Redact(b.CommandLine()))
	setString(props, PropUser, b.in.User)
	setString(props, PropHostname, b.in.Hostname)

	plain := make([]EnvVar, 0, len(b.in.Env))
	for _, ev := range b.in.Env {
		plain = append(plain, EnvVar{Key: ev.Key, Value: b.Redact(ev.Value)})
	}
	envvars, err := orderedJSON(plain)
	if err != nil {
		return nil, err
	}
	setString(props, PropEnvVars, envvars)

	// Key names are recorded as given even when a secret value occurs in one.
	secretKeys, err := jsonText(b.SecretKeys())
	if err != nil {
		return nil, fmt.Errorf("encode secret keys: %w", err)
	}
	setString(props, PropEnvVarsSecret, secretKeys)

	if g := b.in.Git; g != nil {
		setString(props, PropGitCommit, g.Commit)
		setString(props, PropGitURL, g.HTTPSURL())
		setString(props, PropGitCwd, g.RelativeDir)
		dirty := int64(0)
		if g.Dirty {
			dirty = 1
		}
		props[PropGitDirty] = store.IntValue(dirty)
	}
	return props, nil
}

// CustomValues returns the caller's --property assignments as string
// properties outside the typed manifest.
func (b *Builder) CustomValues() store.Properties {
	props := store.Properties{}
	for _, ev := range b.in.Custom {
		props[ev.Key] = store.StringValue(b.Redact(ev.Value))
	}
	return props
}

// FinalValues returns the properties attached with the terminal state.
func (b *Builder) FinalValues(o Outcome) store.Properties {
	props := store.Properties{}
	if o.ExitCode != nil {
		props[PropExitCode] = store.IntValue(int64(*o.ExitCode))
	}
	setString(props, PropStorage, o.Storage)
	setString(props, PropStdoutURI, o.StdoutURI)
	setString(props, PropStderrURI, o.StderrURI)
	setString(props, PropResultURI, o.ResultURI)
	return props
}

// Redact replaces every secret value in s.
func (b *Builder) Redact(s string) string {
	if b.replacer == nil {
		return s
	}
	return b.replacer.Replace(s)
}

// SecretKeys lists the secret variable names, safe to log.
func (b *Builder) SecretKeys() []string {
	keys := make([]string, 0, len(b.in.SecretEnv))
	for _, ev := range b.in.SecretEnv {
		keys = append(keys, ev.Key)
	}
	return keys
}

// ChildEnv returns the plain then secret assignments as KEY=VALUE.
func (b *Builder) ChildEnv() []string {
	out := make([]string, 0, len(b.in.Env)+len(b.in.SecretEnv))
	for _, ev := range b.in.Env {
		out = append(out, ev.Key+"="+ev.Value)
	}
	for _, ev := range b.in.SecretEnv {
		out = append(out, ev.Key+"="+ev.Value)
	}
	return out
}

func setString(props store.Properties, name, value string) {
	if value == "" {
		return
	}
	props[name] = store.StringValue(value)
}

// secretReplacer matches longer secrets first so a secret containing another
// is never partially revealed.
func secretReplacer(secrets []EnvVar) *strings.Replacer {
	values := make([]string, 0, len(secrets))
	seen := map[string]bool{}
	for _, ev := range secrets {
		if ev.Value == "" || seen[ev.Value] {
			continue
		}
		seen[ev.Value] = true
		values = append(values, ev.Value)
	}
	if len(values) == 0 {
		return nil
	}
	sort.SliceStable(values, func(i, j int) bool { return len(values[i]) > len(values[j]) })
	pairs := make([]string, 0, 2*len(values))
	for _, v := range values {
		pairs = append(pairs, v, Redacted)
	}
	return strings.NewReplacer(pairs...)
}

// orderedJSON encodes assignments as a JSON object in first-seen key order;
// a repeated key keeps its first position and takes its last value.
func orderedJSON(env []EnvVar) (string, error) {
	order := make([]string, 0, len(env))
	values := map[string]string{}
	for _, ev := range env {
		if _, ok := values[ev.Key]; !ok {
			order = append(order, ev.Key)
		}
		values[ev.Key] = ev.Value
	}
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range order {
		if i > 0 {
			buf.WriteByte(',')
		}
		kb, err := jsonText(k)
		if err != nil {
			return "", fmt.Errorf("encode env key: %w", err)
		}
		vb, err := jsonText(values[k])
		if err != nil {
			return "", fmt.Errorf("encode env value: %w", err)
		}
		buf.WriteString(kb)
		buf.WriteByte(':')
		buf.WriteString(vb)
	}
	buf.WriteByte('}')
	return buf.String(), nil
}

// jsonText encodes v without escaping <, > and &.
func jsonText(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSuffix(buf.String(), "\n"), nil
}

// CurrentUser returns the login name, or "" when it cannot be determined.
func CurrentUser() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return os.Getenv("USER")
}

func Hostname() string {
	h, _ := os.Hostname()
	return h
}
