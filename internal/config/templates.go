package config

import (
	"fmt"
	"os"
	"strings"
)

// Template returns a starter file for kind: "experiment" (YAML) or "settings" (TOML).
func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "experiment", "experiments":
		return experimentTemplate, nil
	case "settings":
		return settingsTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const experimentTemplate = `remote:
  base_dir: ~/experiments
  venv_dir: venv
  setup:
    create_venv: true
    requirements: requirements.txt

files:
  push:
    - train.py
  push_to: base
  # Omit fetch to download the whole run directory.
  fetch:
    - "{exp_name}.pth"
    - stdout.log

slurm:
  directives: |
    #SBATCH --job-name={exp_name}
    #SBATCH --time=00:30:00
    #SBATCH --mem=4G

run:
  command: python {remote_dir}/train.py --lr {lr} --epochs {epochs} --out {exp_name}.pth
  grid:
    lr: [0.1, 0.01]
    epochs: [1, 2]
`

const settingsTemplate = `# gridctl settings
workspace_root = "~/.gridctl"
registry_backend = "file"
connect_timeout = "10s"
reconnect_attempts = 1
reconnect_backoff = "500ms"
known_hosts = ""
insecure_ignore_host_key = false
poll_interval = "10s"
drain_grace = "2s"
# Lines of history shown when monitor attaches; 0 starts at the end of the log.
tail_lines = 0
`
