package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// ErrLaunch marks a failure to start the browser executable.
var ErrLaunch = errors.New("failed to launch browser")

// DefaultGracePeriod bounds how long Close waits for a voluntary exit
// before killing the process.
const DefaultGracePeriod = 30 * time.Second

// shutdown states of the two-phase close sequence
type state int

const (
	stateRunning state = iota
	stateGracefulWait
	stateTerminated
)

// Options configures a launch.
type Options struct {
	ExecPath string
	Args     []string
	Env      []string // passed verbatim; includes the cookie jar path for the child

	DownloadsDir   string
	TempProfileDir string // created (and removed after exit) when empty

	GracePeriod time.Duration

	// HandleSignals intercepts INT/TERM/HUP, runs the graceful close
	// sequence on the child, then re-raises the signal.
	HandleSignals bool

	// GracefulClose is the protocol-level close hook invoked before the
	// pipe is severed. Its error never aborts shutdown.
	GracefulClose func(context.Context) error

	// OnExit fires exactly once when the process is observed to exit.
	OnExit func(code int, signal string)

	Log *zap.SugaredLogger
}

// Handle owns the spawned browser process and its pipe descriptors. It is
// the only component allowed to signal or wait on the process.
type Handle struct {
	PID int

	// Parent-side halves of the protocol pipe pair. The child sees the
	// other halves as fds 3 (read) and 4 (write).
	PipeWrite *os.File
	PipeRead  *os.File

	DownloadsDir   string
	TempProfileDir string

	log          *zap.SugaredLogger
	cmd          *exec.Cmd
	ownedProfile bool
	grace        time.Duration
	closeHook    func(context.Context) error

	mu    sync.Mutex
	state state

	exited chan struct{} // closed once Wait returns

	sigCh chan os.Signal
}

// Launch starts the browser executable with the protocol pipe pair wired to
// the child's fds 3 and 4.
func Launch(opts Options) (*Handle, error) {
	log := opts.Log.Named("supervisor")

	grace := opts.GracePeriod
	if grace == 0 {
		grace = DefaultGracePeriod
	}

	profileDir := opts.TempProfileDir
	ownedProfile := false
	if profileDir == "" {
		dir, err := os.MkdirTemp("", "browsermux-profile-")
		if err != nil {
			return nil, fmt.Errorf("%w: creating temp profile: %v", ErrLaunch, err)
		}
		profileDir = dir
		ownedProfile = true
	}

	// child reads fd 3, writes fd 4
	childRead, parentWrite, err := osPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}
	parentRead, childWrite, err := osPipe()
	if err != nil {
		parentWrite.Close()
		childRead.Close()
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	cmd := exec.Command(opts.ExecPath, opts.Args...)
	cmd.Env = opts.Env
	cmd.ExtraFiles = []*os.File{childRead, childWrite}

	if err := cmd.Start(); err != nil {
		parentWrite.Close()
		parentRead.Close()
		childRead.Close()
		childWrite.Close()
		if ownedProfile {
			os.RemoveAll(profileDir)
		}
		return nil, fmt.Errorf("%w: %v", ErrLaunch, err)
	}

	// child owns its halves now
	childRead.Close()
	childWrite.Close()

	h := &Handle{
		PID:            cmd.Process.Pid,
		PipeWrite:      parentWrite,
		PipeRead:       parentRead,
		DownloadsDir:   opts.DownloadsDir,
		TempProfileDir: profileDir,
		log:            log,
		cmd:            cmd,
		ownedProfile:   ownedProfile,
		grace:          grace,
		closeHook:      opts.GracefulClose,
		exited:         make(chan struct{}),
	}

	log.Infow("browser process launched", "pid", h.PID, "exec", opts.ExecPath)

	go h.wait(opts.OnExit)

	if opts.HandleSignals {
		h.sigCh = make(chan os.Signal, 1)
		signal.Notify(h.sigCh, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
		go h.forwardSignals()
	}

	return h, nil
}

// wait blocks until process exit, then tears down process-owned resources
// and fires OnExit.
func (h *Handle) wait(onExit func(int, string)) {
	err := h.cmd.Wait()

	h.mu.Lock()
	h.state = stateTerminated
	h.mu.Unlock()

	code, sig := exitStatus(h.cmd, err)
	h.log.Infow("browser process exited", "pid", h.PID, "code", code, "signal", sig)

	if h.ownedProfile {
		if err := os.RemoveAll(h.TempProfileDir); err != nil {
			h.log.Warnw("failed to remove temp profile", "dir", h.TempProfileDir, "error", err)
		}
	}

	close(h.exited)

	if onExit != nil {
		onExit(code, sig)
	}
}

// Close runs the two-phase shutdown: invoke the graceful close hook, wait
// up to the grace period for a voluntary exit, then kill. Returns once the
// process is gone.
func (h *Handle) Close(ctx context.Context) error {
	h.mu.Lock()
	if h.state != stateRunning {
		h.mu.Unlock()
		<-h.exited
		return nil
	}
	h.state = stateGracefulWait
	h.mu.Unlock()

	if h.closeHook != nil {
		hookCtx, cancel := context.WithTimeout(ctx, h.grace)
		if err := h.closeHook(hookCtx); err != nil {
			h.log.Warnw("graceful close hook failed", "error", err)
		}
		cancel()
	}

	select {
	case <-h.exited:
		return nil
	case <-time.After(h.grace):
	case <-ctx.Done():
	}

	h.log.Warnw("graceful close window elapsed, killing", "pid", h.PID)
	if err := h.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("killing browser process: %w", err)
	}
	<-h.exited
	return nil
}

// Exited is closed once the process exit has been observed.
func (h *Handle) Exited() <-chan struct{} {
	return h.exited
}

// forwardSignals turns host termination signals into a graceful close of
// the child, then re-raises the original signal.
func (h *Handle) forwardSignals() {
	sig, ok := <-h.sigCh
	if !ok {
		return
	}
	h.log.Infow("forwarding termination signal to browser", "signal", sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), h.grace+time.Second)
	defer cancel()
	if err := h.Close(ctx); err != nil {
		h.log.Warnw("close on signal failed", "error", err)
	}

	signal.Stop(h.sigCh)
	if s, isSyscall := sig.(syscall.Signal); isSyscall {
		syscall.Kill(os.Getpid(), s)
	}
}

func osPipe() (*os.File, *os.File, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, fmt.Errorf("creating pipe pair: %w", err)
	}
	return r, w, nil
}

// exitStatus extracts exit code and terminating signal name, mirroring what
// the wait syscall reports.
func exitStatus(cmd *exec.Cmd, waitErr error) (int, string) {
	ps := cmd.ProcessState
	if ps == nil {
		if waitErr != nil {
			return -1, ""
		}
		return 0, ""
	}
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return -1, ws.Signal().String()
	}
	return ps.ExitCode(), ""
}
