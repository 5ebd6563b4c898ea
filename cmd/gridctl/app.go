package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/danmuck/gridctl/internal/config"
	"github.com/danmuck/gridctl/internal/engine"
	"github.com/danmuck/gridctl/internal/logging"
	"github.com/danmuck/gridctl/internal/registry"
	"github.com/danmuck/gridctl/internal/remote"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

var errUsage = errors.New("usage")

const usageText = `usage: gridctl <command> [flags]

commands:
  init     write a starter experiment config (and settings with -settings PATH)
  submit   submit every experiment of the grid and follow their logs
  monitor  follow the log of one or more runs (-exp / -job, repeatable)
  status   show scheduler state of unfetched runs (-all for every run)
  fetch    download results of finished runs (-exp for one)
  cancel   cancel a run (-exp or -job)

run "gridctl <command> -h" for command flags`

// commonFlags are accepted by every command that talks to the cluster.
type commonFlags struct {
	configPath   string
	settingsPath string
	connect      connectFlags
}

type connectFlags struct {
	host          string
	user          string
	port          string
	key           string
	passwordEnv   string
	passphraseEnv string
	noAgent       bool
	local         bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "config.yaml", "experiment config (YAML)")
	fs.StringVar(&c.settingsPath, "settings", "", "tool settings (TOML, default "+defaultSettingsPath()+")")
	fs.StringVar(&c.connect.host, "host", "", "SSH host ("+envHost+")")
	fs.StringVar(&c.connect.user, "user", "", "SSH user ("+envUser+")")
	fs.StringVar(&c.connect.port, "port", "", "SSH port (default 22)")
	fs.StringVar(&c.connect.key, "key", "", "SSH private key (default ~/.ssh/id_ed25519, id_rsa, id_ecdsa)")
	fs.StringVar(&c.connect.passwordEnv, "password-env", "", "env var holding the SSH password (default "+envPassword+")")
	fs.StringVar(&c.connect.passphraseEnv, "passphrase-env", "", "env var holding the private key passphrase")
	fs.BoolVar(&c.connect.noAgent, "no-agent", false, "do not use ssh-agent")
	fs.BoolVar(&c.connect.local, "local", false, "run against this machine instead of SSH")
}

// stringList is a repeatable string flag.
type stringList []string

func (s *stringList) String() string {
	return strings.Join(*s, ",")
}

func (s *stringList) Set(v string) error {
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			*s = append(*s, part)
		}
	}
	return nil
}

func run(ctx context.Context, args []string, stdout io.Writer, stderr io.Writer) error {
	if len(args) == 0 {
		fmt.Fprintln(stderr, usageText)
		return errUsage
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "init":
		return runInit(rest, stdout, stderr)
	case "submit":
		return runSubmit(ctx, rest, stdout, stderr)
	case "monitor":
		return runMonitor(ctx, rest, stdout, stderr)
	case "status":
		return runStatus(ctx, rest, stdout, stderr)
	case "fetch":
		return runFetch(ctx, rest, stdout, stderr)
	case "cancel":
		return runCancel(ctx, rest, stdout, stderr)
	case "help", "-h", "--help":
		fmt.Fprintln(stdout, usageText)
		return nil
	default:
		fmt.Fprintln(stderr, usageText)
		return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
	}
}

func newFlagSet(name string, stderr io.Writer) *flag.FlagSet {
	fs := flag.NewFlagSet("gridctl "+name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	return fs
}

func parseFlags(fs *flag.FlagSet, args []string) error {
	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return errUsage
		}
		return fmt.Errorf("%w: %v", errUsage, err)
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("%w: unexpected arguments %q", errUsage, fs.Args())
	}
	return nil
}

// invocation owns the per-command session, registry and engine. Close releases all of them.
type invocation struct {
	cfg      config.Config
	settings settings
	remote   engine.Remote
	closeFn  func() error
	reg      *registry.Registry
	engine   *engine.Engine
}

// loadInputs reads settings and the experiment config. Both are validated before any remote action.
func loadInputs(common commonFlags) (config.Config, settings, error) {
	settingsPath := common.settingsPath
	explicit := settingsPath != ""
	if !explicit {
		settingsPath = defaultSettingsPath()
	}
	st, err := loadSettings(settingsPath, explicit)
	if err != nil {
		return config.Config{}, settings{}, err
	}
	cfg, err := config.Load(common.configPath)
	if err != nil {
		return config.Config{}, settings{}, err
	}
	return cfg, st, nil
}

func openInvocation(ctx context.Context, name string, common commonFlags, cfg config.Config, st settings, stderr io.Writer) (*invocation, error) {
	logging.WithInvocation(name, uuid.NewString())
	loadDotEnv()

	inv := &invocation{cfg: cfg, settings: st}
	var user, host string
	if common.connect.local {
		user, host = localIdentity()
		local := remote.NewLocal()
		inv.remote = local
		inv.closeFn = local.Close
	} else {
		opts, err := resolveOptions(common.connect, st, stderr)
		if err != nil {
			return nil, err
		}
		session, err := remote.Dial(ctx, opts, st.Remote)
		if err != nil {
			return nil, err
		}
		user, host = opts.User, opts.Host
		inv.remote = session
		inv.closeFn = session.Close
	}

	ws, err := registry.OpenWorkspace(filepath.Join(st.WorkspaceRoot, "workspaces"), user, host, cfg.Remote.BaseDir)
	if err != nil {
		inv.Close()
		return nil, err
	}
	inv.reg, err = ws.OpenRegistry(st.RegistryBackend)
	if err != nil {
		inv.Close()
		return nil, err
	}
	log.Debug().Str("workspace", ws.Dir).Int("runs", inv.reg.Len()).Msg("gridctl.workspace opened")

	inv.engine, err = engine.New(ctx, inv.remote, inv.reg, ws, cfg, st.Engine)
	if err != nil {
		inv.Close()
		return nil, err
	}
	return inv, nil
}

func (inv *invocation) Close() error {
	var errs []error
	if inv.reg != nil {
		errs = append(errs, inv.reg.Close())
	}
	if inv.closeFn != nil {
		errs = append(errs, inv.closeFn())
	}
	return errors.Join(errs...)
}
