package sandbox

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/isdmx/nbharvest/envcache"
	"github.com/isdmx/nbharvest/unit"
)

// Result is the immutable record of one execution attempt
type Result struct {
	Kind       Kind
	ExitCode   int
	Elapsed    time.Duration
	Message    string
	ErrorType  string
	LogPath    string
	OutputPath string
}

// Executor runs one unit inside a provisioned environment. The returned error
// is non-nil only when ctx was cancelled by the caller; every other failure
// is reported through Result.Kind.
type Executor interface {
	Execute(ctx context.Context, u unit.Unit, env *envcache.Handle, timeout time.Duration) (Result, error)
}

// Command template placeholders
const (
	PlaceholderInterpreter = "{interpreter}"
	PlaceholderBody        = "{body}"
	PlaceholderOutput      = "{output}"
	PlaceholderDir         = "{dir}"
	PlaceholderKernel      = "{kernel}"
)

// File permission constants
const (
	DirPermission  = 0o755
	FilePermission = 0o644
)

// ExpandCommand substitutes the placeholders in template
func ExpandCommand(template []string, vars map[string]string) ([]string, error) {
	if len(template) == 0 {
		return nil, fmt.Errorf("empty command template")
	}

	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, k, v)
	}
	replacer := strings.NewReplacer(pairs...)

	args := make([]string, len(template))
	for i, arg := range template {
		args[i] = replacer.Replace(arg)
	}
	if args[0] == "" {
		return nil, fmt.Errorf("command template expands to an empty program: %q", template[0])
	}
	return args, nil
}

// CommandVars returns the placeholder values for running u in env
func CommandVars(u unit.Unit, env *envcache.Handle, outputPath string) map[string]string {
	body := u.BodyPath()
	return map[string]string{
		PlaceholderInterpreter: env.Interpreter,
		PlaceholderBody:        body,
		PlaceholderOutput:      outputPath,
		PlaceholderDir:         filepath.Dir(body),
		PlaceholderKernel:      env.Kernel,
	}
}

// EnvironmentVariables returns the process environment for a unit running in
// env: the parent environment with the virtualenv activated.
func EnvironmentVariables(env *envcache.Handle) []string {
	bin := filepath.Dir(env.Interpreter)
	vars := make([]string, 0, len(os.Environ())+2)
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, "PATH=") || strings.HasPrefix(kv, "VIRTUAL_ENV=") || strings.HasPrefix(kv, "PYTHONHOME=") {
			continue
		}
		vars = append(vars, kv)
	}
	return append(vars,
		"VIRTUAL_ENV="+env.Root,
		"PATH="+bin+string(os.PathListSeparator)+os.Getenv("PATH"),
	)
}

// LogFileName returns the log file name for u
func LogFileName(u unit.Unit) string {
	return unit.Slug(u.Key()) + ".log"
}

// OutputFileName returns the executed-notebook file name for u
func OutputFileName(u unit.Unit) string {
	return unit.SourceSlug(u.Identity) + "_" + unit.Slug(u.Path) + ".ipynb"
}
