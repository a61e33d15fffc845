package workerpool

import (
	"bufio"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/wationgarbarad/ouroboros/internal/model"
	"github.com/wationgarbarad/ouroboros/pkg/protocol"
)

// procHandle wraps one spawned worker OS process: assignments are written
// as JSON lines on its stdin, WorkerFrames are read off its stdout by a
// dedicated reader goroutine.
type procHandle struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser

	encMu sync.Mutex
	enc   *json.Encoder

	done chan struct{}
}

// ExecSpawner returns the default SpawnFunc: re-invoke this binary as
// `<self> worker` with extraArgs (config path etc.) appended. Workers
// inherit the parent environment.
func ExecSpawner(extraArgs ...string) SpawnFunc {
	return func(workerID string, deliver func(ev model.Event), onReady func()) (Proc, error) {
		self, err := os.Executable()
		if err != nil {
			return nil, err
		}
		args := append([]string{"worker", "--worker-id", workerID}, extraArgs...)
		cmd := exec.Command(self, args...)
		cmd.Stderr = os.Stderr
		cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, err
		}
		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return nil, err
		}
		if err := cmd.Start(); err != nil {
			return nil, err
		}

		h := &procHandle{
			cmd:   cmd,
			stdin: stdin,
			enc:   json.NewEncoder(stdin),
			done:  make(chan struct{}),
		}

		go h.readFrames(workerID, stdout, deliver, onReady)
		go func() {
			cmd.Wait()
			close(h.done)
		}()
		return h, nil
	}
}

// readFrames decodes WorkerFrame lines until the pipe closes. Events from
// one worker are delivered in emission order (spec §5 ordering guarantee —
// a single pipe read loop preserves it by construction).
func (h *procHandle) readFrames(workerID string, r io.Reader, deliver func(model.Event), onReady func()) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var frame protocol.WorkerFrame
		if err := json.Unmarshal(line, &frame); err != nil {
			slog.Debug("workerpool.bad_frame", "worker_id", workerID, "error", err)
			continue
		}
		switch frame.Type {
		case protocol.FrameReady:
			onReady()
		case protocol.FrameEvent:
			if frame.Event != nil {
				deliver(*frame.Event)
			}
		}
	}
}

func (h *procHandle) PID() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *procHandle) Alive() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

func (h *procHandle) Assign(task *model.Task) error {
	h.encMu.Lock()
	defer h.encMu.Unlock()
	return h.enc.Encode(protocol.AssignmentFrame{Type: protocol.AssignTask, Task: task})
}

// Kill sends SIGTERM, escalating to SIGKILL after a 2s grace when force is
// set (spec §4.4, scenario S2's ≤2s bound).
func (h *procHandle) Kill(force bool) {
	if h.cmd.Process == nil {
		return
	}
	h.encMu.Lock()
	h.enc.Encode(protocol.AssignmentFrame{Type: protocol.AssignShutdown})
	h.encMu.Unlock()

	h.cmd.Process.Signal(syscall.SIGTERM)
	if !force {
		return
	}

	select {
	case <-h.done:
	case <-time.After(2 * time.Second):
		syscall.Kill(-h.cmd.Process.Pid, syscall.SIGKILL)
	}
}
