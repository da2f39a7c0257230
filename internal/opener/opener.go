// Package opener hands files and folders to the desktop's default handler.
package opener

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"runtime"

	"github.com/spf13/afero"

	"dman/internal/logging"
)

var (
	// ErrMissing indicates the file or folder no longer exists
	ErrMissing = errors.New("missing_on_disk")
	// ErrWrongKind indicates a folder where a file was expected or vice versa
	ErrWrongKind = errors.New("wrong_kind")
)

// Runner starts an external command without waiting for it.
type Runner func(ctx context.Context, name string, args ...string) error

type Opener struct {
	fs  afero.Fs
	run Runner
	os  string
	log *slog.Logger
}

// New opens paths on the real filesystem with the platform opener.
func New(log *slog.Logger) *Opener {
	return NewWithFS(afero.NewOsFs(), StartDetached, runtime.GOOS, log)
}

// NewWithFS is New with the filesystem, runner and target OS injected.
func NewWithFS(fs afero.Fs, run Runner, goos string, log *slog.Logger) *Opener {
	if log == nil {
		log = logging.With(context.Background())
	}
	return &Opener{fs: fs, run: run, os: goos, log: log.With("component", "opener")}
}

// OpenFile opens an existing regular file.
func (o *Opener) OpenFile(ctx context.Context, path string) error {
	if err := o.check(path, false); err != nil {
		return err
	}
	return o.open(ctx, path)
}

// OpenDir opens an existing folder.
func (o *Opener) OpenDir(ctx context.Context, dir string) error {
	if err := o.check(dir, true); err != nil {
		return err
	}
	return o.open(ctx, dir)
}

func (o *Opener) check(path string, wantDir bool) error {
	info, err := o.fs.Stat(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("%w: %s", ErrMissing, path)
		}
		return fmt.Errorf("stat %s: %w", path, err)
	}
	if info.IsDir() != wantDir {
		return fmt.Errorf("%w: %s", ErrWrongKind, path)
	}
	return nil
}

func (o *Opener) open(ctx context.Context, path string) error {
	name, args := Command(o.os, path)
	o.log.Debug("open_path", "command", name, "path", path)
	if err := o.run(ctx, name, args...); err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	return nil
}

// Command returns the opener invocation for goos.
func Command(goos, path string) (string, []string) {
	switch goos {
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", path}
	case "darwin":
		return "open", []string{path}
	default:
		return "xdg-open", []string{path}
	}
}

// StartDetached starts the command and reaps it in the background.
func StartDetached(ctx context.Context, name string, args ...string) error {
	cmd := exec.Command(name, args...)
	if err := cmd.Start(); err != nil {
		return err
	}
	go func() { _ = cmd.Wait() }()
	return nil
}
