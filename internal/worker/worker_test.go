package worker

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/wationgarbarad/ouroboros/internal/config"
	"github.com/wationgarbarad/ouroboros/internal/model"
	"github.com/wationgarbarad/ouroboros/pkg/protocol"
)

// runProtocol feeds frames into a Runner over in-memory pipes and collects
// everything it writes back until stdin closes.
func runProtocol(t *testing.T, frames []protocol.AssignmentFrame) []protocol.WorkerFrame {
	t.Helper()

	inR, inW := io.Pipe()
	outR, outW := io.Pipe()

	cfg := config.Default()
	cfg.Repo.Path = t.TempDir()
	cfg.Store.DataDir = t.TempDir()
	cfg.Safety.Enabled = false

	runner, err := New(Options{
		WorkerID:       "w-test",
		Config:         cfg,
		HeartbeatEvery: time.Hour, // not under test
		In:             inR,
		Out:            outW,
	})
	if err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		err := runner.Run(context.Background())
		outW.Close()
		done <- err
	}()

	go func() {
		enc := json.NewEncoder(inW)
		for _, f := range frames {
			enc.Encode(f)
		}
		inW.Close()
	}()

	var got []protocol.WorkerFrame
	scanner := bufio.NewScanner(outR)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var frame protocol.WorkerFrame
		if err := json.Unmarshal(scanner.Bytes(), &frame); err != nil {
			t.Fatalf("bad frame: %v", err)
		}
		got = append(got, frame)
	}
	if err := <-done; err != nil {
		t.Fatalf("runner: %v", err)
	}
	return got
}

func TestRunner_EmitsReadyOnStartAndAfterTask(t *testing.T) {
	task := &model.Task{ID: "t1", Type: model.TaskUserRequest, Instruction: "hello"}
	frames := runProtocol(t, []protocol.AssignmentFrame{
		{Type: protocol.AssignTask, Task: task},
		{Type: protocol.AssignShutdown},
	})

	if len(frames) == 0 || frames[0].Type != protocol.FrameReady {
		t.Fatal("first frame must be ready")
	}

	var readies int
	var sawTerminal bool
	for _, f := range frames {
		switch f.Type {
		case protocol.FrameReady:
			readies++
		case protocol.FrameEvent:
			if f.Event == nil {
				t.Fatal("event frame without event")
			}
			if f.Event.WorkerID != "w-test" {
				t.Errorf("event worker id = %q", f.Event.WorkerID)
			}
			if f.Event.Kind == model.EventTaskFailed || f.Event.Kind == model.EventTaskComplete {
				sawTerminal = true
			}
		}
	}
	if readies < 2 {
		t.Errorf("readies = %d, want start + post-task", readies)
	}
	// With no providers configured, the loop fails the task — either way a
	// terminal event must cross the pipe.
	if !sawTerminal {
		t.Error("no terminal task event emitted")
	}
}

func TestRunner_ShutdownFrameStops(t *testing.T) {
	frames := runProtocol(t, []protocol.AssignmentFrame{{Type: protocol.AssignShutdown}})
	if len(frames) != 1 || frames[0].Type != protocol.FrameReady {
		t.Fatalf("frames = %+v, want only the initial ready", frames)
	}
}

func TestRunner_RequiresWorkerID(t *testing.T) {
	if _, err := New(Options{Config: config.Default()}); err == nil {
		t.Error("expected an error without a worker id")
	}
}
