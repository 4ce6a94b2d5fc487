package recipe

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Parameters of the canonical WSGI application recipe.
type Options struct {
	Name          string   // Resource name.
	PythonVersion string   // Interpreter "major.minor".
	BaseImage     string   // Defaults to "python:<version>-slim".
	AppDir        string   // Application directory and module search root.
	Requirements  string   // Dependency manifest, relative to the build context.
	UID           int      // Runtime account uid.
	GID           int      // Runtime account gid.
	UserName      string   // Runtime account name.
	GroupName     string   // Runtime account group name.
	Port          int      // Listening port declared on the image.
	HealthPath    string   // Path probed by the healthcheck.
	Command       []string // Default startup command.
}

// Literal values of the canonical recipe.
const (
	DefaultPythonVersion = "3.11"
	DefaultAppDir        = "/app"
	DefaultRequirements  = "requirements.txt"
	DefaultUID           = 1001
	DefaultGID           = 1001
	DefaultUserName      = "appuser"
	DefaultGroupName     = "appgroup"
	DefaultPort          = 5000
	DefaultHealthPath    = "/health"

	DefaultHealthInterval    = 30 * time.Second
	DefaultHealthTimeout     = 10 * time.Second
	DefaultHealthStartPeriod = 40 * time.Second
	DefaultHealthRetries     = 3
)

// System packages needed to compile native extensions and link against TLS.
// curl backs the healthcheck.
var systemPackages = []string{"gcc", "g++", "libssl-dev", "curl"}

// Patterns excluded from copies of the build context.
var defaultIgnore = []string{".git", "__pycache__", "*.pyc", ".venv", ".env"}

// Returns the canonical three-stage recipe for a WSGI application.
//
// The base stage pins the interpreter, installs the compiler and TLS
// libraries, and sets the environment every later stage and runtime process
// inherits. The deps stage installs the requirements. The production stage
// derives from base, not deps, and takes only the installed packages and
// console scripts from deps, so no compiler residue reaches the runtime
// image. It runs as an unprivileged account and declares the port, the
// healthcheck, and the startup command.
func Default(opts Options) *Recipe {
	opts = opts.withDefaults()

	site := SitePackages(opts.PythonVersion)
	account := fmt.Sprintf("%d:%d", opts.UID, opts.GID)

	base := Stage{
		Name:      "base",
		From:      opts.BaseImage,
		Transient: true,
		Steps: []Step{
			{Env: map[string]string{
				"PYTHONDONTWRITEBYTECODE": "1",
				"PYTHONUNBUFFERED":        "1",
				"PYTHONPATH":              opts.AppDir,
				"PIP_NO_CACHE_DIR":        "1",
			}},
			{Workdir: opts.AppDir},
			{Run: "apt-get update" +
				" && apt-get install -y --no-install-recommends " + strings.Join(systemPackages, " ") +
				" && rm -rf /var/lib/apt/lists/*"},
		},
	}

	deps := Stage{
		Name:      "deps",
		From:      "base",
		Transient: true,
		Outputs:   []string{site, ScriptsDir},
		Steps: []Step{
			{Copy: opts.Requirements + " " + opts.AppDir + "/" + opts.Requirements},
			{Run: "pip install --upgrade pip && pip install -r " + opts.Requirements},
		},
	}

	production := Stage{
		Name: "production",
		From: "base",
		Steps: []Step{
			{Run: fmt.Sprintf("groupadd -g %d %s && useradd -u %d -g %s -m %s",
				opts.GID, opts.GroupName, opts.UID, opts.GroupName, opts.UserName)},
			{Copy: "deps:" + site + " " + site},
			{Copy: "deps:" + ScriptsDir + " " + ScriptsDir},
			{Copy: ". " + opts.AppDir},
			{Run: fmt.Sprintf("chown -R %s:%s %s", opts.UserName, opts.GroupName, opts.AppDir)},
			{User: account},
		},
	}

	healthURL := "http://localhost:" + strconv.Itoa(opts.Port) + opts.HealthPath

	return &Recipe{
		Name:   opts.Name,
		Python: Python{Version: opts.PythonVersion},
		Ignore: append([]string(nil), defaultIgnore...),
		Stages: []Stage{base, deps, production},
		Image: ImageConfig{
			Ports: []int{opts.Port},
			Cmd:   opts.Command,
			Healthcheck: &Healthcheck{
				Test:        []string{"CMD-SHELL", "curl -f " + healthURL + " || exit 1"},
				Interval:    DefaultHealthInterval,
				Timeout:     DefaultHealthTimeout,
				StartPeriod: DefaultHealthStartPeriod,
				Retries:     DefaultHealthRetries,
			},
		},
	}
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "app"
	}
	if o.PythonVersion == "" {
		o.PythonVersion = DefaultPythonVersion
	}
	if o.BaseImage == "" {
		o.BaseImage = "python:" + o.PythonVersion + "-slim"
	}
	if o.AppDir == "" {
		o.AppDir = DefaultAppDir
	}
	if o.Requirements == "" {
		o.Requirements = DefaultRequirements
	}
	if o.UID == 0 {
		o.UID = DefaultUID
	}
	if o.GID == 0 {
		o.GID = DefaultGID
	}
	if o.UserName == "" {
		o.UserName = DefaultUserName
	}
	if o.GroupName == "" {
		o.GroupName = DefaultGroupName
	}
	if o.Port == 0 {
		o.Port = DefaultPort
	}
	if o.HealthPath == "" {
		o.HealthPath = DefaultHealthPath
	}
	return o
}
