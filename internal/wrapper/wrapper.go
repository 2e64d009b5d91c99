// Package wrapper provides the opaque WrapperBuilder collaborator
// referenced by the spec (§1, §4.4): something that turns a script task
// into a launchable shell command. Its shape is not designed by the
// spec — BashWrapperBuilder is "treated as an opaque builder producing a
// shell command" — this is one concrete, minimal implementation good
// enough to drive the rest of the system end to end.
package wrapper

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/afero"

	"github.com/taskmesh/fleetexec/internal/protocol"
)

const launcherName = ".command.run"

// Shell writes the task's script body (and, if present, stdin) to a
// launcher file in scratch and returns its path.
type Shell struct {
	Fs afero.Fs
}

func NewShell(fs afero.Fs) *Shell { return &Shell{Fs: fs} }

func (b *Shell) Build(task *protocol.TaskRun, scratchDir string) (string, error) {
	launcher := filepath.Join(scratchDir, launcherName)

	f, err := b.Fs.OpenFile(launcher, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o755)
	if err != nil {
		return "", err
	}
	defer f.Close()

	fmt.Fprintln(f, "#!/bin/sh")
	fmt.Fprintln(f, "set -e")
	if len(task.Stdin) > 0 {
		stdinPath := filepath.Join(scratchDir, ".command.in")
		if err := afero.WriteFile(b.Fs, stdinPath, task.Stdin, 0o644); err != nil {
			return "", err
		}
		fmt.Fprintf(f, "exec <%q\n", stdinPath)
	}
	fmt.Fprintln(f, task.Script)

	return launcher, nil
}
