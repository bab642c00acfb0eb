package daemon

import (
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"testing"
)

func TestFileLayoutPathWithID(t *testing.T) {
	layout := FileLayout{Stem: "toto.pid"}
	worker0 := layout.WorkerPath(0)
	master := layout.MasterPath()

	if filepath.Base(worker0) != "toto.0.pid" {
		t.Fatalf("expected toto.0.pid, got %s", filepath.Base(worker0))
	}
	if filepath.Base(master) != "toto.master.pid" {
		t.Fatalf("expected toto.master.pid, got %s", filepath.Base(master))
	}
}

func TestFileLayoutGlobExcludesMaster(t *testing.T) {
	dir := t.TempDir()
	layout := FileLayout{Stem: filepath.Join(dir, "toto.pid")}

	for i := 0; i < 3; i++ {
		if err := WritePID(layout.WorkerPath(i), 100+i); err != nil {
			t.Fatalf("WritePID: %v", err)
		}
	}
	if err := WritePID(layout.MasterPath(), 999); err != nil {
		t.Fatalf("WritePID master: %v", err)
	}

	paths, err := layout.Glob()
	if err != nil {
		t.Fatalf("Glob: %v", err)
	}
	sort.Strings(paths)
	if len(paths) != 3 {
		t.Fatalf("expected 3 worker pidfiles, got %d: %v", len(paths), paths)
	}
	for _, p := range paths {
		if filepath.Base(p) == "toto.master.pid" {
			t.Fatalf("Glob leaked the master pidfile: %v", paths)
		}
	}
}

func TestWritePIDReadPIDRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "x.0.pid")
	if err := WritePID(path, 4242); err != nil {
		t.Fatalf("WritePID: %v", err)
	}
	pid, err := ReadPID(path)
	if err != nil {
		t.Fatalf("ReadPID: %v", err)
	}
	if pid != 4242 {
		t.Fatalf("expected pid 4242, got %d", pid)
	}
}

// TestSupervisorStartWritesExpectedPIDFiles spawns real short-lived
// child processes ("sleep 5") to exercise Start's bookkeeping
// without depending on cmd/totoserver.
func TestSupervisorStartWritesExpectedPIDFiles(t *testing.T) {
	dir := t.TempDir()
	layout := FileLayout{Stem: filepath.Join(dir, "toto.pid")}

	sup := &Supervisor{
		Layout: layout,
		Count:  2,
		Spawn: func(index int) (*exec.Cmd, error) {
			cmd := exec.Command("sleep", "5")
			return cmd, nil
		},
	}

	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer sup.Stop()

	for i := 0; i < 2; i++ {
		if _, err := os.Stat(layout.WorkerPath(i)); err != nil {
			t.Fatalf("expected pidfile for worker %d: %v", i, err)
		}
	}
}

func TestSupervisorStartSkipsExistingPIDFile(t *testing.T) {
	dir := t.TempDir()
	layout := FileLayout{Stem: filepath.Join(dir, "toto.pid")}
	if err := WritePID(layout.WorkerPath(0), os.Getpid()); err != nil {
		t.Fatalf("WritePID: %v", err)
	}

	spawned := 0
	sup := &Supervisor{
		Layout: layout,
		Count:  1,
		Spawn: func(index int) (*exec.Cmd, error) {
			spawned++
			return exec.Command("sleep", "5"), nil
		},
	}
	if err := sup.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if spawned != 0 {
		t.Fatalf("expected Start to skip the existing pidfile, spawned %d", spawned)
	}
}

func TestSupervisorStopRemovesPIDFilesAndSignalsProcess(t *testing.T) {
	dir := t.TempDir()
	layout := FileLayout{Stem: filepath.Join(dir, "toto.pid")}

	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Fatalf("start sleep: %v", err)
	}
	if err := WritePID(layout.WorkerPath(0), cmd.Process.Pid); err != nil {
		t.Fatalf("WritePID: %v", err)
	}

	sup := &Supervisor{Layout: layout, Count: 1}
	if err := sup.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	if _, err := os.Stat(layout.WorkerPath(0)); !os.IsNotExist(err) {
		t.Fatalf("expected pidfile to be removed, stat err = %v", err)
	}
	cmd.Wait()
}
