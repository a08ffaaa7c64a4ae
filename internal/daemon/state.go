package daemon

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"

	"github.com/quinnbmay/zenflo-sub001/pkg/models"
)

// StateFileName is the daemon state file inside the zenflo home directory.
const StateFileName = "daemon.state.json"

// errLocked means another open file description holds the lock.
var errLocked = errors.New("daemon: lock held")

// StatePath returns the state file path inside dir.
func StatePath(dir string) string { return filepath.Join(dir, StateFileName) }

// LockPath returns the companion lock file for a state file.
func LockPath(statePath string) string { return statePath + ".lock" }

// lockFile is an exclusive flock(2) on the companion lock file. The kernel
// drops it when the holder exits, however it exits.
type lockFile struct {
	f *os.File
}

// acquireLock takes the lock without blocking, or returns errLocked.
func acquireLock(path string) (*lockFile, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, errLocked
		}
		return nil, fmt.Errorf("flock %s: %w", path, err)
	}

	// holder pid, for humans
	_ = f.Truncate(0)
	_, _ = f.WriteAt([]byte(strconv.Itoa(os.Getpid())+"\n"), 0)
	return &lockFile{f: f}, nil
}

func (l *lockFile) release() error {
	if l == nil || l.f == nil {
		return nil
	}
	f := l.f
	l.f = nil
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// lockHeld reports whether some live process holds the lock at path.
func lockHeld(path string) bool {
	l, err := acquireLock(path)
	if errors.Is(err, errLocked) {
		return true
	}
	if err == nil {
		l.release()
	}
	return false
}

// WriteState persists st atomically: a temp file in the same directory,
// renamed over the old one.
func WriteState(path string, st models.DaemonState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return err
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".daemon.state-*")
	if err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("write state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	return nil
}

// ReadState loads the state file. A missing file returns (nil, nil).
func ReadState(path string) (*models.DaemonState, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read state: %w", err)
	}
	var st models.DaemonState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("read state %s: %w", path, err)
	}
	return &st, nil
}

// ReadStatus reports whether a daemon owns the state file at path. The
// state only counts while its pid is alive, is the program that wrote it,
// and the lock is held; anything else is a leftover from an unclean exit,
// which is removed and reported as stopped.
func ReadStatus(path string) (models.DaemonStatus, *models.DaemonState, error) {
	st, err := ReadState(path)
	if err != nil || st == nil {
		return models.DaemonStopped, nil, err
	}

	if !stateLive(st) || !lockHeld(LockPath(path)) {
		log.Info().Int("pid", st.PID).Str("path", path).Msg("Removing stale daemon state")
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			return models.DaemonStopped, nil, fmt.Errorf("remove stale state: %w", err)
		}
		return models.DaemonStopped, nil, nil
	}
	return models.DaemonRunning, st, nil
}

func stateLive(st *models.DaemonState) bool {
	return processAlive(st.PID) && processMatches(st.PID, st.Executable)
}

// processAlive probes pid with signal 0.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// processMatches compares the running program name of pid with name. It
// is only checked where /proc exists; elsewhere liveness has to do.
func processMatches(pid int, name string) bool {
	if name == "" {
		return true
	}
	comm, err := os.ReadFile(filepath.Join("/proc", strconv.Itoa(pid), "comm"))
	if err != nil {
		return true
	}
	// the kernel truncates comm to 15 bytes
	if len(name) > 15 {
		name = name[:15]
	}
	return strings.TrimSpace(string(comm)) == name
}

// executableName is recorded in the state file for processMatches. It is
// the name the program was invoked as, which is what the kernel reports.
func executableName() string {
	return filepath.Base(os.Args[0])
}
