package main

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/user"
	"strings"

	"github.com/danmuck/gridctl/internal/remote"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

const (
	envHost     = "GRIDCTL_HOST"
	envUser     = "GRIDCTL_USER"
	envPassword = "GRIDCTL_PASSWORD"
)

// loadDotEnv reads .env from the working directory without overriding variables already set.
func loadDotEnv() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Warn().Err(err).Msg("gridctl.env could not read .env")
	}
}

// resolveOptions builds SSH options from flags, environment and settings.
// Auth sources: --key (or a default key), ssh-agent, a password from --password-env,
// and as a last resort an interactive prompt when stdin is a terminal.
func resolveOptions(f connectFlags, s settings, stderr io.Writer) (remote.Options, error) {
	host := firstNonEmpty(f.host, os.Getenv(envHost))
	username := firstNonEmpty(f.user, os.Getenv(envUser))
	if host == "" || username == "" {
		return remote.Options{}, fmt.Errorf("%w: --host and --user are required (or %s / %s)", errUsage, envHost, envUser)
	}

	opts := remote.Options{
		Host:                        host,
		Port:                        strings.TrimSpace(f.port),
		User:                        username,
		UseAgent:                    !f.noAgent,
		KnownHostsPath:              s.KnownHosts,
		InsecureSkipHostKeyChecking: s.InsecureIgnoreHostKey,
	}

	opts.KeyPath = expandLocalHome(strings.TrimSpace(f.key))
	if opts.KeyPath == "" && f.passwordEnv == "" {
		opts.KeyPath = remote.DefaultKeyPath()
	}
	if opts.KeyPath != "" && f.passphraseEnv != "" {
		opts.Passphrase = []byte(os.Getenv(f.passphraseEnv))
	}

	passwordEnv := firstNonEmpty(f.passwordEnv, envPassword)
	opts.Password = os.Getenv(passwordEnv)
	if f.passwordEnv != "" && opts.Password == "" {
		log.Warn().Str("env", f.passwordEnv).Msg("gridctl.auth password variable is empty")
	}

	hasAgent := opts.UseAgent && os.Getenv("SSH_AUTH_SOCK") != ""
	if opts.Password == "" && opts.KeyPath == "" && !hasAgent {
		password, err := promptPassword(opts.Target(), stderr)
		if err != nil {
			return remote.Options{}, err
		}
		opts.Password = password
	}
	return opts, nil
}

func promptPassword(target string, stderr io.Writer) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", fmt.Errorf("%w: no key, agent, or password available and stdin is not a terminal", remote.ErrAuth)
	}
	fmt.Fprintf(stderr, "SSH password for %s: ", target)
	password, err := term.ReadPassword(fd)
	fmt.Fprintln(stderr)
	if err != nil {
		return "", fmt.Errorf("%w: read password: %v", remote.ErrAuth, err)
	}
	return string(password), nil
}

// localIdentity names the workspace for --local runs.
func localIdentity() (string, string) {
	name := os.Getenv("USER")
	if u, err := user.Current(); err == nil && u.Username != "" {
		name = u.Username
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return name, host
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
