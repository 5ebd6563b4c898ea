package engine

import (
	"bufio"
	"context"
	"fmt"
	"path"
	"strconv"
	"strings"

	"github.com/danmuck/gridctl/internal/remote"
)

func quoteAll(values []string) string {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = remote.Quote(v)
	}
	return strings.Join(quoted, " ")
}

// exitCodes reads the exit marker of every run dir in one round-trip.
// Dirs without a marker are absent from the result; an unreadable marker maps to -1.
func (e *Engine) exitCodes(ctx context.Context, runDirs []string) (map[string]int, error) {
	out := make(map[string]int)
	if len(runDirs) == 0 {
		return out, nil
	}

	marker := MarkerExit
	cmd := fmt.Sprintf(`for d in %s; do if [ -f "$d/%s" ]; then printf '%%s|%%s\n' "$d" "$(cat "$d/%s")"; fi; done`,
		quoteAll(runDirs), marker, marker)
	res, err := e.remote.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, commandError(ErrScheduler, "read exit markers", res)
	}

	scanner := bufio.NewScanner(strings.NewReader(string(res.Stdout)))
	for scanner.Scan() {
		line := scanner.Text()
		i := strings.LastIndex(line, "|")
		if i < 0 {
			continue
		}
		code, err := strconv.Atoi(strings.TrimSpace(line[i+1:]))
		if err != nil {
			code = -1
		}
		out[path.Clean(line[:i])] = code
	}
	return out, nil
}

// missingPaths returns the subset of paths that do not exist remotely, in input order.
func (e *Engine) missingPaths(ctx context.Context, paths []string) ([]string, error) {
	if len(paths) == 0 {
		return nil, nil
	}
	cmd := fmt.Sprintf(`for p in %s; do [ -e "$p" ] || printf '%%s\n' "$p"; done`, quoteAll(paths))
	res, err := e.remote.Run(ctx, cmd)
	if err != nil {
		return nil, err
	}
	if res.ExitCode != 0 {
		return nil, commandError(ErrFetch, "check remote files", res)
	}

	var missing []string
	scanner := bufio.NewScanner(strings.NewReader(string(res.Stdout)))
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			missing = append(missing, line)
		}
	}
	return missing, nil
}

// fileSize returns the current size of a remote file, or 0 when it does not exist yet.
func (e *Engine) fileSize(ctx context.Context, p string) (int64, error) {
	res, err := e.remote.Run(ctx, "wc -c 2>/dev/null < "+remote.Quote(p)+" || echo 0")
	if err != nil {
		return 0, err
	}
	size, err := strconv.ParseInt(strings.TrimSpace(string(res.Stdout)), 10, 64)
	if err != nil {
		return 0, nil
	}
	return size, nil
}
