package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// ErrConfig marks a bad or contradictory experiment config. It is always raised before any remote action.
var ErrConfig = errors.New("config: invalid experiment config")

const (
	DefaultBaseDir    = "~/experiments"
	DefaultVenvDir    = "venv"
	DefaultDirectives = "#SBATCH --job-name={exp_name}"
)

// PushTarget selects where files.push entries land remotely.
type PushTarget string

const (
	PushToBase PushTarget = "base"
	PushToRun  PushTarget = "run"
)

// Reserved placeholder names bound by the engine; parameters may not shadow them.
var reservedNames = map[string]struct{}{
	"exp_name":   {},
	"remote_dir": {},
	"run_dir":    {},
}

var paramNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config is the validated experiment config.
type Config struct {
	Remote Remote
	Files  Files
	Slurm  Slurm
	Run    Run
}

type Remote struct {
	BaseDir string
	VenvDir string
	Setup   Setup
}

type Setup struct {
	CreateVenv   bool
	Requirements string
}

type Files struct {
	Push   []string
	PushTo PushTarget
	// Fetch is nil when the whole run directory should be fetched.
	Fetch []string
}

type Slurm struct {
	Directives string
}

type Run struct {
	Command     string
	Experiments Source
}

// Source is either a GridSpec or an ExplicitList.
type Source interface {
	isSource()
}

// GridSpec expands to the Cartesian product of its parameter sequences.
type GridSpec struct {
	Params map[string][]any
}

// ExplicitList is an ordered list of parameter bindings.
type ExplicitList struct {
	Items []map[string]any
}

func (GridSpec) isSource()     {}
func (ExplicitList) isSource() {}

type fileConfig struct {
	Remote struct {
		BaseDir string `yaml:"base_dir"`
		VenvDir string `yaml:"venv_dir"`
		Setup   *struct {
			CreateVenv   *bool  `yaml:"create_venv"`
			Requirements string `yaml:"requirements"`
		} `yaml:"setup"`
	} `yaml:"remote"`
	Files struct {
		Push   []string  `yaml:"push"`
		PushTo string    `yaml:"push_to"`
		Fetch  yaml.Node `yaml:"fetch"`
	} `yaml:"files"`
	Slurm struct {
		Directives string `yaml:"directives"`
	} `yaml:"slurm"`
	Run struct {
		Command     string           `yaml:"command"`
		Grid        map[string][]any `yaml:"grid"`
		Experiments []map[string]any `yaml:"experiments"`
	} `yaml:"run"`
}

// Load reads and validates an experiment config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("config load failed (%s): %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return Config{}, fmt.Errorf("%s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes YAML bytes, applies defaults and validates the result.
func Parse(data []byte) (Config, error) {
	var raw fileConfig
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Config{}, fmt.Errorf("%w: parse yaml: %v", ErrConfig, err)
	}

	cfg := Config{
		Remote: Remote{
			BaseDir: strings.TrimSpace(raw.Remote.BaseDir),
			VenvDir: strings.TrimSpace(raw.Remote.VenvDir),
			Setup:   Setup{CreateVenv: true},
		},
		Files: Files{
			Push:   normalizeList(raw.Files.Push),
			PushTo: PushTarget(strings.ToLower(strings.TrimSpace(raw.Files.PushTo))),
		},
		Slurm: Slurm{Directives: raw.Slurm.Directives},
		Run:   Run{Command: strings.TrimSpace(raw.Run.Command)},
	}
	if cfg.Remote.BaseDir == "" {
		cfg.Remote.BaseDir = DefaultBaseDir
	}
	cfg.Remote.BaseDir = strings.TrimRight(cfg.Remote.BaseDir, "/")
	if cfg.Remote.BaseDir == "" {
		cfg.Remote.BaseDir = "/"
	}
	if cfg.Remote.VenvDir == "" {
		cfg.Remote.VenvDir = DefaultVenvDir
	}
	if raw.Remote.Setup != nil {
		if raw.Remote.Setup.CreateVenv != nil {
			cfg.Remote.Setup.CreateVenv = *raw.Remote.Setup.CreateVenv
		}
		cfg.Remote.Setup.Requirements = strings.TrimSpace(raw.Remote.Setup.Requirements)
	}
	if cfg.Files.PushTo == "" {
		cfg.Files.PushTo = PushToBase
	}
	if strings.TrimSpace(cfg.Slurm.Directives) == "" {
		cfg.Slurm.Directives = DefaultDirectives
	}

	fetch, err := decodeFetch(&raw.Files.Fetch)
	if err != nil {
		return Config{}, err
	}
	cfg.Files.Fetch = fetch

	hasGrid := raw.Run.Grid != nil
	hasList := raw.Run.Experiments != nil
	switch {
	case hasGrid && hasList:
		return Config{}, fmt.Errorf("%w: run.grid and run.experiments are mutually exclusive", ErrConfig)
	case hasGrid:
		cfg.Run.Experiments = GridSpec{Params: raw.Run.Grid}
	case hasList:
		cfg.Run.Experiments = ExplicitList{Items: raw.Run.Experiments}
	default:
		return Config{}, fmt.Errorf("%w: run must provide either grid or experiments", ErrConfig)
	}

	if err := Validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants Parse relies on. It is exported for configs built in code.
func Validate(cfg Config) error {
	if cfg.Run.Command == "" {
		return fmt.Errorf("%w: run.command is required", ErrConfig)
	}
	if strings.TrimSpace(cfg.Remote.BaseDir) == "" {
		return fmt.Errorf("%w: remote.base_dir is required", ErrConfig)
	}
	switch cfg.Files.PushTo {
	case PushToBase, PushToRun:
	default:
		return fmt.Errorf("%w: files.push_to must be %q or %q, got %q", ErrConfig, PushToBase, PushToRun, cfg.Files.PushTo)
	}
	for _, p := range cfg.Files.Push {
		if strings.HasPrefix(p, "/") || strings.HasPrefix(p, "..") {
			return fmt.Errorf("%w: files.push entry %q must be a relative path inside the project", ErrConfig, p)
		}
	}

	switch src := cfg.Run.Experiments.(type) {
	case GridSpec:
		if len(src.Params) == 0 {
			return fmt.Errorf("%w: run.grid is empty", ErrConfig)
		}
		for name, values := range src.Params {
			if err := validateParamName(name); err != nil {
				return err
			}
			if len(values) == 0 {
				return fmt.Errorf("%w: run.grid.%s has no values", ErrConfig, name)
			}
			for i, v := range values {
				if !IsScalar(v) {
					return fmt.Errorf("%w: run.grid.%s[%d] is not a scalar", ErrConfig, name, i)
				}
			}
		}
	case ExplicitList:
		if len(src.Items) == 0 {
			return fmt.Errorf("%w: run.experiments is empty", ErrConfig)
		}
		for i, item := range src.Items {
			if len(item) == 0 {
				return fmt.Errorf("%w: run.experiments[%d] has no parameters", ErrConfig, i)
			}
			for name, v := range item {
				if err := validateParamName(name); err != nil {
					return fmt.Errorf("run.experiments[%d]: %w", i, err)
				}
				if !IsScalar(v) {
					return fmt.Errorf("%w: run.experiments[%d].%s is not a scalar", ErrConfig, i, name)
				}
			}
		}
	case nil:
		return fmt.Errorf("%w: run must provide either grid or experiments", ErrConfig)
	default:
		return fmt.Errorf("%w: unsupported experiment source %T", ErrConfig, src)
	}
	return nil
}

// IsScalar reports whether v is a YAML scalar usable as a parameter value.
func IsScalar(v any) bool {
	switch v.(type) {
	case string, bool, int, int64, uint64, float64:
		return true
	default:
		return false
	}
}

func validateParamName(name string) error {
	if !paramNamePattern.MatchString(name) {
		return fmt.Errorf("%w: parameter name %q must match %s", ErrConfig, name, paramNamePattern.String())
	}
	if _, ok := reservedNames[name]; ok {
		return fmt.Errorf("%w: parameter name %q is reserved", ErrConfig, name)
	}
	return nil
}

func decodeFetch(node *yaml.Node) ([]string, error) {
	if node.Kind == 0 {
		return nil, nil
	}
	if node.Kind == yaml.ScalarNode && node.Tag == "!!null" {
		return nil, nil
	}
	var list []string
	if err := node.Decode(&list); err != nil {
		return nil, fmt.Errorf("%w: files.fetch must be a list of paths: %v", ErrConfig, err)
	}
	list = normalizeList(list)
	if len(list) == 0 {
		return nil, nil
	}
	return list, nil
}

func normalizeList(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		out = append(out, v)
	}
	return out
}
