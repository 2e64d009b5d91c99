package envelope

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/spf13/afero"

	"github.com/taskmesh/fleetexec/internal/codec"
	"github.com/taskmesh/fleetexec/internal/localcache"
	"github.com/taskmesh/fleetexec/internal/protocol"
)

// Well-known artifact file names under a task's scratch and shared
// working directory (spec §6).
const (
	ExitStatusFile = ".command.exit"
	StdoutFile     = ".command.out"
	StderrFile     = ".command.err"
	TraceFile      = ".command.trace"
)

// WrapperBuilder is the opaque collaborator that turns a ScriptTask into
// a launcher command. Its output shape is not designed here: only that
// it returns a path to a script the shell can execute.
type WrapperBuilder interface {
	Build(task *protocol.TaskRun, scratchDir string) (launcherPath string, err error)
}

// ScriptTask runs a shell script via a subprocess and reports its exit
// status (spec §4.4).
type ScriptTask struct {
	base

	fs      afero.Fs
	builder WrapperBuilder

	shell       []string
	container   string
	executable  bool
	environment map[string]string
	stdin       []byte
	script      string

	mu   sync.Mutex
	proc *exec.Cmd
}

// NewScriptTask constructs a script envelope on the submitter side. The
// envelope is immutable once built: the environment map is copied so the
// caller cannot mutate it out from under a parallel submission sharing
// the same TaskRun.
func NewScriptTask(task *protocol.TaskRun, sessionID string, c codec.Codec, cache *localcache.LocalCache, scratch *localcache.ScratchSpace, fs afero.Fs, builder WrapperBuilder) (*ScriptTask, error) {
	b, err := newBase(protocol.AttributesOf(task), sessionID, c, cache, scratch)
	if err != nil {
		return nil, err
	}

	env := make(map[string]string, len(task.Environment))
	for k, v := range task.Environment {
		env[k] = v
	}

	return &ScriptTask{
		base:        b,
		fs:          fs,
		builder:     builder,
		shell:       append([]string(nil), task.Shell...),
		container:   task.Container,
		executable:  task.Executable,
		environment: env,
		stdin:       append([]byte(nil), task.Stdin...),
		script:      task.Script,
	}, nil
}

// Call runs the script lifecycle and returns the exit status.
func (s *ScriptTask) Call(ctx context.Context) (any, error) {
	result, err := s.run(ctx, s.fs, s.execute0)
	if err != nil {
		return nil, err
	}

	if err := s.copyScriptArtifacts(); err != nil {
		attrs, _ := s.hydrate()
		return nil, &ProcessExecutionError{TaskName: attrs.Name, Cause: err}
	}
	return result, nil
}

func (s *ScriptTask) execute0(ctx context.Context, scratchDir string) (any, error) {
	attrs, err := s.hydrate()
	if err != nil {
		return nil, err
	}

	task := &protocol.TaskRun{
		Name:       attrs.Name,
		Script:     s.script,
		Stdin:      s.stdin,
		Shell:      s.shell,
		Container:  s.container,
		Executable: s.executable,
	}

	launcher, err := s.builder.Build(task, scratchDir)
	if err != nil {
		return nil, fmt.Errorf("building wrapper: %w", err)
	}

	// os/exec works on OS paths: translate the afero paths when the
	// filesystem is rooted below "/".
	execDir, execLauncher := scratchDir, launcher
	if bp, ok := s.fs.(*afero.BasePathFs); ok {
		if execDir, err = bp.RealPath(scratchDir); err != nil {
			return nil, err
		}
		if execLauncher, err = bp.RealPath(launcher); err != nil {
			return nil, err
		}
	}

	args := append(append([]string(nil), s.shell...), execLauncher)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = execDir

	outPath := filepath.Join(scratchDir, StdoutFile)
	out, err := s.fs.Create(outPath)
	if err != nil {
		return nil, err
	}
	defer out.Close()

	cmd.Stdout = out
	cmd.Stderr = out

	cmd.Env = make([]string, 0, len(s.environment))
	for k, v := range s.environment {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	s.mu.Lock()
	s.proc = cmd
	s.mu.Unlock()

	if err := cmd.Start(); err != nil {
		return nil, err
	}
	waitErr := cmd.Wait()

	s.mu.Lock()
	s.proc = nil
	s.mu.Unlock()

	exitStatus := 0
	if waitErr != nil {
		if exitErr, ok := waitErr.(*exec.ExitError); ok {
			exitStatus = exitErr.ExitCode()
		} else {
			return nil, waitErr
		}
	}

	exitFile, err := s.fs.Create(filepath.Join(scratchDir, ExitStatusFile))
	if err != nil {
		return nil, err
	}
	defer exitFile.Close()
	fmt.Fprintf(exitFile, "%d", exitStatus)

	return exitStatus, nil
}

// copyScriptArtifacts copies the well-known script artifact files from
// scratch into the task's shared working directory, in addition to the
// pattern-based un-staging performed by run(). The exit-status and
// stdout files are required; stderr and trace are optional.
func (s *ScriptTask) copyScriptArtifacts() error {
	attrs, err := s.hydrate()
	if err != nil {
		return err
	}

	if err := s.fs.MkdirAll(attrs.WorkDir, 0o755); err != nil {
		return err
	}

	required := []string{ExitStatusFile, StdoutFile}
	optional := []string{StderrFile, TraceFile}

	for _, name := range required {
		if err := copyPreservingPath(s.fs, filepath.Join(s.scratchDir, name), filepath.Join(attrs.WorkDir, name)); err != nil {
			return fmt.Errorf("copying required artifact %s: %w", name, err)
		}
	}
	for _, name := range optional {
		src := filepath.Join(s.scratchDir, name)
		if _, err := s.fs.Stat(src); err != nil {
			continue
		}
		copyPreservingPath(s.fs, src, filepath.Join(attrs.WorkDir, name))
	}

	return nil
}

// Cancel destroys the running subprocess, if any. No-op otherwise.
func (s *ScriptTask) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.proc == nil || s.proc.Process == nil {
		return nil
	}
	return s.proc.Process.Kill()
}
