package engine

import (
	"fmt"
	"path"
	"strings"

	"github.com/danmuck/gridctl/internal/remote"
)

// Files the job script and engine maintain inside each run dir.
const (
	ScriptFile    = "job.sh"
	LogFile       = "stdout.log"
	MarkerPending = ".pending"
	MarkerRunning = ".running"
	MarkerDone    = ".finished"
	MarkerExit    = ".exitcode"
)

const defaultOutputDirectives = "#SBATCH --output={run_dir}/slurm-%j.out\n#SBATCH --error={run_dir}/slurm-%j.err"

// WithDefaultOutput routes scheduler output into the run dir unless the directives already choose a file.
func WithDefaultOutput(directives string) string {
	directives = strings.TrimSpace(directives)
	if strings.Contains(directives, "--output=") {
		return directives
	}
	if directives == "" {
		return defaultOutputDirectives
	}
	return directives + "\n" + defaultOutputDirectives
}

// JobScript is the rendered per-run batch script.
type JobScript struct {
	Directives string
	BaseDir    string
	RunDir     string
	VenvDir    string
	Command    string
}

// RenderJobScript fills the directive and command templates for one experiment.
func RenderJobScript(directives, command string, expName string, params map[string]string, layout Layout) (JobScript, error) {
	b := bindings(expName, params, layout)
	renderedDirectives, err := Render(WithDefaultOutput(directives), b)
	if err != nil {
		return JobScript{}, fmt.Errorf("slurm.directives: %w", err)
	}
	renderedCommand, err := Render(strings.TrimSpace(command), b)
	if err != nil {
		return JobScript{}, fmt.Errorf("run.command: %w", err)
	}
	return JobScript{
		Directives: renderedDirectives,
		BaseDir:    layout.BaseDir,
		RunDir:     layout.RunDir(expName),
		VenvDir:    layout.VenvDir,
		Command:    renderedCommand,
	}, nil
}

func (s JobScript) LogPath() string {
	return path.Join(s.RunDir, LogFile)
}

func (s JobScript) Path() string {
	return path.Join(s.RunDir, ScriptFile)
}

// String renders the script. Output of the command is appended to stdout.log and the
// exit code is written to .exitcode before the script exits with it.
func (s JobScript) String() string {
	runDir := remote.Quote(s.RunDir)
	activate := remote.Quote(path.Join(s.VenvDir, "bin", "activate"))

	var b strings.Builder
	b.WriteString("#!/bin/bash\n")
	b.WriteString(s.Directives)
	b.WriteString("\n#SBATCH --chdir=" + s.BaseDir + "\n\n")
	b.WriteString("set -uo pipefail\n\n")
	b.WriteString("RUN_DIR=" + runDir + "\n")
	b.WriteString("mkdir -p \"$RUN_DIR\"\n")
	b.WriteString("rm -f \"$RUN_DIR/" + MarkerPending + "\"\n")
	b.WriteString("touch \"$RUN_DIR/" + MarkerRunning + "\"\n\n")
	b.WriteString("if [ -f " + activate + " ]; then\n")
	b.WriteString("  source " + activate + "\n")
	b.WriteString("fi\n\n")
	b.WriteString("cd \"$RUN_DIR\"\n")
	b.WriteString("( " + s.Command + " ) >> \"$RUN_DIR/" + LogFile + "\" 2>&1\n")
	b.WriteString("exit_code=$?\n\n")
	b.WriteString("rm -f \"$RUN_DIR/" + MarkerRunning + "\"\n")
	b.WriteString("touch \"$RUN_DIR/" + MarkerDone + "\"\n")
	b.WriteString("echo \"$exit_code\" > \"$RUN_DIR/" + MarkerExit + "\"\n")
	b.WriteString("exit \"$exit_code\"\n")
	return b.String()
}
