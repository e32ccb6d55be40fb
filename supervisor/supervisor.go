// Package supervisor spawns and supervises a single Chrome/Chromium
// subprocess in an isolated profile, waiting for its DevTools remote
// debugging endpoint to come up and tearing it down deterministically.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// Error is a supervisor error.
type Error string

// Error satisfies the error interface.
func (err Error) Error() string { return string(err) }

const (
	// ErrStartupTimeout is returned by Start when the readiness endpoint
	// never produced a usable about:blank target within startupTimeout.
	ErrStartupTimeout Error = "chrome startup timeout"

	// ErrAlreadyStarted is returned by Start when called twice.
	ErrAlreadyStarted Error = "supervisor already started"
)

const (
	readinessPollInterval = 500 * time.Millisecond
	startupTimeout        = 600 * time.Second
	gracefulPollInterval  = 500 * time.Millisecond
	reSigtermAfter        = 10 * time.Second
	shutdownTimeout       = 300 * time.Second

	windowWidth  = 1100
	windowHeight = 900
)

// Supervisor owns one Chrome subprocess, its temporary home and profile
// directories, and the debug port it was told to listen on.
type Supervisor struct {
	port             int
	execPath         string
	proxy            string
	ignoreCertErrors bool

	homeDir string
	dataDir string

	cmd       *exec.Cmd
	startedAt time.Time

	waitStarted int32
	done        chan struct{}

	log *logrus.Entry
}

// Option configures a Supervisor at construction time.
type Option func(*Supervisor)

// WithExecPath overrides the chrome/chromium executable to run.
func WithExecPath(path string) Option {
	return func(s *Supervisor) { s.execPath = path }
}

// WithProxy sets an upstream proxy in HOST:PORT form.
func WithProxy(proxy string) Option {
	return func(s *Supervisor) { s.proxy = proxy }
}

// WithIgnoreCertErrors toggles --ignore-certificate-errors.
func WithIgnoreCertErrors(ignore bool) Option {
	return func(s *Supervisor) { s.ignoreCertErrors = ignore }
}

// WithLogger attaches a logrus logger; defaults to logrus.StandardLogger().
func WithLogger(log *logrus.Entry) Option {
	return func(s *Supervisor) { s.log = log }
}

// New creates a Supervisor bound to port, not yet started.
func New(port int, opts ...Option) *Supervisor {
	s := &Supervisor{
		port:     port,
		execPath: findExecPath(),
		log:      logrus.WithField("component", "supervisor"),
	}
	for _, o := range opts {
		o(s)
	}
	s.log = s.log.WithField("port", s.port)
	return s
}

// Port returns the debug port this supervisor was constructed with.
func (s *Supervisor) Port() int { return s.port }

// findExecPath performs a best-effort search of common chrome/chromium
// binary names on PATH, in order: chromium first, then google-chrome,
// then headless_shell-style binaries.
func findExecPath() string {
	for _, name := range [...]string{
		"chromium-browser",
		"chromium",
		"google-chrome",
		"google-chrome-stable",
		"headless-shell",
		"headless_shell",
	} {
		if found, err := exec.LookPath(name); err == nil {
			return found
		}
	}
	return "chromium-browser"
}

type targetDescriptor struct {
	URL                 string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// Start spawns the chrome subprocess and blocks until its DevTools
// endpoint exposes a unique about:blank target, returning that target's
// websocket URL. If no such target appears within startupTimeout, Start
// returns ErrStartupTimeout; the caller should still call Stop to reap
// whatever process was spawned.
func (s *Supervisor) Start(ctx context.Context) (string, error) {
	if s.cmd != nil {
		return "", ErrAlreadyStarted
	}

	homeDir, err := os.MkdirTemp("", "browsedriver-home-")
	if err != nil {
		return "", fmt.Errorf("create home dir: %w", err)
	}
	dataDir := filepath.Join(homeDir, "chrome-user-data")

	args := buildArgs(s.port, dataDir, s.proxy, s.ignoreCertErrors)

	cmd := exec.Command(s.execPath, args...)
	cmd.Env = append(os.Environ(), "HOME="+homeDir)
	setProcessGroup(cmd)

	s.log.WithField("args", args).Info("starting chrome")
	if err := cmd.Start(); err != nil {
		os.RemoveAll(homeDir)
		return "", fmt.Errorf("start chrome: %w", err)
	}

	s.cmd = cmd
	s.homeDir = homeDir
	s.dataDir = dataDir
	s.startedAt = time.Now()

	s.log.WithField("pid", cmd.Process.Pid).Info("chrome running")

	wsURL, err := s.pollReadiness(ctx)
	if err != nil {
		return "", err
	}
	return wsURL, nil
}

func buildArgs(port int, dataDir, proxy string, ignoreCertErrors bool) []string {
	args := []string{
		"--use-mock-keychain",
		"--user-data-dir=" + dataDir,
		fmt.Sprintf("--remote-debugging-port=%d", port),
		"--disable-web-sockets",
		"--disable-cache",
		fmt.Sprintf("--window-size=%d,%d", windowWidth, windowHeight),
		"--no-default-browser-check",
		"--disable-first-run-ui",
		"--no-first-run",
		"--homepage=about:blank",
		"--disable-direct-npapi-requests",
		"--disable-web-security",
	}
	if ignoreCertErrors {
		args = append(args, "--ignore-certificate-errors")
	}
	if proxy != "" {
		args = append(args, "--proxy-server="+proxy)
	}
	args = append(args, "about:blank")
	return args
}

func (s *Supervisor) pollReadiness(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()

	jsonURL := fmt.Sprintf("http://localhost:%d/json", s.port)
	ticker := time.NewTicker(readinessPollInterval)
	defer ticker.Stop()

	for {
		if url, ok := fetchAboutBlank(ctx, jsonURL); ok {
			s.log.WithField("ws_url", url).Info("chrome websocket debug url ready")
			return url, nil
		}
		select {
		case <-ctx.Done():
			return "", ErrStartupTimeout
		case <-ticker.C:
		}
	}
}

func fetchAboutBlank(ctx context.Context, jsonURL string) (string, bool) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, jsonURL, nil)
	if err != nil {
		return "", false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return "", false
	}
	defer resp.Body.Close()

	var targets []targetDescriptor
	if err := json.NewDecoder(resp.Body).Decode(&targets); err != nil {
		return "", false
	}
	for _, t := range targets {
		if t.URL == "about:blank" && t.WebSocketDebuggerURL != "" {
			return t.WebSocketDebuggerURL, true
		}
	}
	return "", false
}

// Stop terminates the chrome subprocess with escalating signals and
// always removes the temporary directories, on every return path. Stop
// only returns a non-nil error when ctx is cancelled before the process
// exits; signal and reap failures are logged and swallowed so cleanup
// always proceeds.
func (s *Supervisor) Stop(ctx context.Context) error {
	defer s.removeTempDirs()

	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	pid := s.cmd.Process.Pid
	s.log.WithField("pid", pid).Info("terminating chrome")

	if err := signalGraceful(s.cmd); err != nil {
		s.log.WithError(err).Warn("failed to send graceful termination signal")
	}
	lastSignal := time.Now()
	deadline := time.Now().Add(shutdownTimeout)

	ticker := time.NewTicker(gracefulPollInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		if exited, status := s.pollExit(); exited {
			if status == 0 {
				s.log.WithField("pid", pid).Info("chrome exited normally")
			} else {
				s.log.WithFields(logrus.Fields{"pid": pid, "status": status}).Warn("chrome exited with nonzero status")
			}
			return nil
		}
		if time.Since(lastSignal) > reSigtermAfter {
			if err := signalGraceful(s.cmd); err == nil {
				lastSignal = time.Now()
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	s.log.WithField("pid", pid).Warn("chrome still alive after shutdown timeout, sending SIGKILL")
	if err := killForce(s.cmd); err != nil {
		s.log.WithError(err).Error("failed to SIGKILL chrome")
	}
	<-s.waitDone()
	status := s.exitStatus()
	s.log.WithFields(logrus.Fields{"pid": pid, "status": status}).Warn("chrome reaped after SIGKILL")
	return nil
}

// pollExit performs a non-blocking check for process exit via Wait run
// in a background goroutine the first time it's needed; subsequent calls
// observe the cached result. This mirrors subprocess.Popen.poll()'s
// non-blocking semantics using Go's blocking Wait plus a done channel.
func (s *Supervisor) pollExit() (exited bool, status int) {
	select {
	case <-s.waitDone():
		return true, s.exitStatus()
	default:
		return false, 0
	}
}

func (s *Supervisor) waitDone() <-chan struct{} {
	s.onceWait()
	return s.done
}

func (s *Supervisor) exitStatus() int {
	if s.cmd.ProcessState == nil {
		return -1
	}
	return s.cmd.ProcessState.ExitCode()
}

// onceWait lazily starts a single background goroutine that calls
// cmd.Wait() and closes done when the process exits, so repeated polling
// never double-calls Wait (which is not safe to call twice).
func (s *Supervisor) onceWait() {
	if atomic.CompareAndSwapInt32(&s.waitStarted, 0, 1) {
		s.done = make(chan struct{})
		go func() {
			s.cmd.Wait()
			close(s.done)
		}()
	}
}

func (s *Supervisor) removeTempDirs() {
	if s.homeDir != "" {
		if err := os.RemoveAll(s.homeDir); err != nil {
			s.log.WithError(err).Warn("failed to remove temp home dir")
		}
		s.homeDir = ""
	}
}
