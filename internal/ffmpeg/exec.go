package ffmpeg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog"

	"github.com/satindergrewal/stagesplit/internal/logging"
)

// ErrBadName is returned for file names that would escape the working dir.
var ErrBadName = errors.New("file name must be a plain base name")

// ExecService runs the ffmpeg binary as a child process per Exec call, with
// a private working directory standing in for the tool's virtual filesystem.
type ExecService struct {
	bin     string
	baseDir string // configured dir; empty means a temp dir per Load
	logger  zerolog.Logger
	hub     logHub

	mu      sync.Mutex
	loaded  bool
	dir     string
	ownsDir bool
}

// NewExecService creates an unloaded service. workDir may be empty.
func NewExecService(bin, workDir string, logger zerolog.Logger) *ExecService {
	return &ExecService{
		bin:     bin,
		baseDir: workDir,
		logger:  logging.Component(logger, "ffmpeg"),
	}
}

// Load resolves the binary and prepares the working directory. It is
// memoized: later calls are no-ops until Reset.
func (s *ExecService) Load(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	path, err := exec.LookPath(s.bin)
	if err != nil {
		return fmt.Errorf("locate %s: %w", s.bin, err)
	}

	dir := s.baseDir
	owns := false
	if dir == "" {
		dir, err = os.MkdirTemp("", "stagesplit-*")
		if err != nil {
			return fmt.Errorf("create work dir: %w", err)
		}
		owns = true
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create work dir: %w", err)
	}

	s.bin = path
	s.dir = dir
	s.ownsDir = owns
	s.loaded = true
	s.logger.Debug().Str("bin", path).Str("dir", dir).Msg("decode service loaded")
	return nil
}

// Loaded reports whether Load has succeeded since the last Reset.
func (s *ExecService) Loaded() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

// Reset terminates the service: the next call must Load again. A temp
// working directory is removed.
func (s *ExecService) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return
	}
	if s.ownsDir {
		if err := os.RemoveAll(s.dir); err != nil {
			s.logger.Debug().Err(err).Msg("remove work dir")
		}
	}
	s.loaded = false
	s.dir = ""
	s.ownsDir = false
}

// Dir returns the current working directory, empty when unloaded.
func (s *ExecService) Dir() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dir
}

func (s *ExecService) resolve(name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.loaded {
		return "", ErrNotLoaded
	}
	if name == "" || name == "." || name == ".." || filepath.Base(name) != name {
		return "", fmt.Errorf("%q: %w", name, ErrBadName)
	}
	return filepath.Join(s.dir, name), nil
}

// WriteFile stages data under name.
func (s *ExecService) WriteFile(ctx context.Context, name string, data []byte) error {
	p, err := s.resolve(name)
	if err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

// ReadFile returns the bytes of a file in the working dir.
func (s *ExecService) ReadFile(ctx context.Context, name string) ([]byte, error) {
	p, err := s.resolve(name)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

// DeleteFile removes a file from the working dir.
func (s *ExecService) DeleteFile(ctx context.Context, name string) error {
	p, err := s.resolve(name)
	if err != nil {
		return err
	}
	return os.Remove(p)
}

// Subscribe registers a log listener.
func (s *ExecService) Subscribe(fn func(LogEvent)) func() {
	return s.hub.Subscribe(fn)
}

// Exec runs the binary with args inside the working dir and returns its
// exit code. A non-zero exit is not an error; failing to run at all is.
func (s *ExecService) Exec(ctx context.Context, args []string) (int, error) {
	s.mu.Lock()
	if !s.loaded {
		s.mu.Unlock()
		return -1, ErrNotLoaded
	}
	bin, dir := s.bin, s.dir
	s.mu.Unlock()

	cmd := exec.CommandContext(ctx, bin, args...)
	cmd.Dir = dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return -1, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return -1, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return -1, fmt.Errorf("start %s: %w", bin, err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go s.pump(&wg, stdout, Stdout)
	go s.pump(&wg, stderr, Stderr)
	wg.Wait()

	err = cmd.Wait()
	var exitErr *exec.ExitError
	switch {
	case err == nil:
		return 0, nil
	case ctx.Err() != nil:
		return -1, ctx.Err()
	case errors.As(err, &exitErr):
		return exitErr.ExitCode(), nil
	default:
		return -1, fmt.Errorf("wait %s: %w", bin, err)
	}
}

func (s *ExecService) pump(wg *sync.WaitGroup, r io.Reader, ch Channel) {
	defer wg.Done()
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		s.hub.emit(LogEvent{Channel: ch, Text: sc.Text()})
	}
}
