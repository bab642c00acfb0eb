package daemon

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
)

// WorkerIndexEnv is the environment variable a spawned child reads to
// learn which worker index it is — the Go stand-in for
// totoserver.py's run_daemon_server(port, pidfile, index) closure,
// since Go execs a fresh process instead of forking the running one.
const WorkerIndexEnv = "TOTO_WORKER_INDEX"

// Spawner starts one worker process. cmd/totoserver and
// cmd/totoworker each supply their own: re-exec os.Args[0] with the
// same arguments and WorkerIndexEnv set; the child sees WorkerIndexEnv
// and runs the same binary's foreground server path.
type Spawner func(index int) (*exec.Cmd, error)

// Supervisor runs Start/Stop/Restart over a fixed-size pool of worker
// processes, the Go rendering of totoserver.py's run()/path_with_id
// daemon mode.
type Supervisor struct {
	Layout  PIDFileLayout
	Spawn   Spawner
	Count   int
	// StopTimeout bounds how long Stop waits after SIGTERM before
	// giving up on a worker exiting (spec's Python version never
	// waited at all; a bounded wait here avoids Stop returning while
	// a worker is still mid-shutdown without hanging forever on one
	// that never exits).
	StopTimeout time.Duration
}

// Start spawns Count workers, skipping any index whose PID file
// already exists — same "Skipping %d, pidfile exists" short-circuit
// as totoserver.py's run().
func (s *Supervisor) Start() error {
	for i := 0; i < s.Count; i++ {
		path := s.Layout.WorkerPath(i)
		if _, err := os.Stat(path); err == nil {
			log.Warn().Int("worker", i).Str("pidfile", path).Msg("toto: skipping, pidfile exists")
			continue
		}
		cmd, err := s.Spawn(i)
		if err != nil {
			return fmt.Errorf("daemon: spawn worker %d: %w", i, err)
		}
		if err := cmd.Start(); err != nil {
			return fmt.Errorf("daemon: start worker %d: %w", i, err)
		}
		if err := WritePID(path, cmd.Process.Pid); err != nil {
			return fmt.Errorf("daemon: write pidfile for worker %d: %w", i, err)
		}
		log.Info().Int("worker", i).Int("pid", cmd.Process.Pid).Msg("toto: started worker")
		// Released, not waited: the child outlives this process the
		// same way totoserver.py's forked grandchild outlives its
		// parent once the parent has recorded its pid.
		_ = cmd.Process.Release()
	}
	return nil
}

// Stop sends SIGTERM to every worker found via Layout.Glob and
// removes its PID file, mirroring run()'s daemon == 'stop' branch —
// including its tolerance for a PID that's already gone.
func (s *Supervisor) Stop() error {
	paths, err := s.Layout.Glob()
	if err != nil {
		return err
	}
	for _, path := range paths {
		pid, err := ReadPID(path)
		if err != nil {
			log.Warn().Str("pidfile", path).Err(err).Msg("toto: unreadable pidfile, removing")
			os.Remove(path)
			continue
		}
		if err := signalProcess(pid, syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			log.Warn().Int("pid", pid).Err(err).Msg("toto: failed to signal worker")
		} else {
			log.Info().Int("pid", pid).Msg("toto: stopped worker")
		}
		os.Remove(path)
	}
	return nil
}

// Restart stops every running worker, waits up to StopTimeout for the
// stopped processes to exit, then starts a fresh Count.
func (s *Supervisor) Restart() error {
	paths, err := s.Layout.Glob()
	if err != nil {
		return err
	}
	var pids []int
	for _, path := range paths {
		if pid, err := ReadPID(path); err == nil {
			pids = append(pids, pid)
		}
	}
	if err := s.Stop(); err != nil {
		return err
	}
	deadline := time.Now().Add(s.StopTimeout)
	for _, pid := range pids {
		for processAlive(pid) && time.Now().Before(deadline) {
			time.Sleep(50 * time.Millisecond)
		}
	}
	return s.Start()
}

func processAlive(pid int) bool {
	return signalProcess(pid, syscall.Signal(0)) == nil
}

func signalProcess(pid int, sig syscall.Signal) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return proc.Signal(sig)
}
