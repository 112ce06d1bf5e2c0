package tts

import (
	"os/exec"
	"sync/atomic"
	"syscall"
)

// playback categories. Scroll readouts may interrupt each other but
// never agent speech.
const (
	categoryAgent  = "agent"
	categoryScroll = "scroll"
)

// playback tracks one audio player subprocess from spawn to reap.
type playback struct {
	cmd       *exec.Cmd
	category  string
	urgent    bool
	done      chan struct{}
	preempted atomic.Bool
	exitErr   error
}

// startPlayer spawns the audio player in its own process group so a later
// kill reaches wrapper scripts and descendants. Never called on the UI
// goroutine: spawn latency can run to hundreds of milliseconds on some
// hosts.
func startPlayer(player, path, category string, urgent bool) (*playback, error) {
	cmd := exec.Command(player, path)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := cmd.Start(); err != nil {
		return nil, err
	}
	return &playback{
		cmd:      cmd,
		category: category,
		urgent:   urgent,
		done:     make(chan struct{}),
	}, nil
}

// kill terminates the playback's whole process group. Kill is a syscall
// that can stall on hostile schedulers, so callers must not hold the
// speech gate while invoking it.
func (p *playback) kill() {
	p.preempted.Store(true)
	pid := p.cmd.Process.Pid
	if err := syscall.Kill(-pid, syscall.SIGKILL); err != nil {
		// Group kill failed (already reaped, or setpgid raced); fall back
		// to the direct process.
		_ = p.cmd.Process.Kill()
	}
}

// wait blocks until the player exits, recording the exit error.
func (p *playback) wait() {
	p.exitErr = p.cmd.Wait()
	close(p.done)
}

// failed reports whether the player exited abnormally on its own. A
// playback killed by preemption is not a device failure.
func (p *playback) failed() bool {
	return p.exitErr != nil && !p.preempted.Load()
}
