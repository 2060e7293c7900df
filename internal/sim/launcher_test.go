package sim

import (
	"context"
	"path/filepath"
	"slices"
	"testing"
)

func TestExecLauncherCommandLine(t *testing.T) {
	l := &ExecLauncher{Program: "/opt/meshtasticd", DataDir: "/var/mesh"}

	cmd := l.Command(LaunchSpec{ID: 3, HWID: 19, Port: 4407})
	if cmd.Path != filepath.Join("/opt/meshtasticd", "program") {
		t.Fatalf("path = %s", cmd.Path)
	}
	want := []string{filepath.Join("/opt/meshtasticd", "program"), "-s", "-d", "/var/mesh/node3", "-h", "19", "-p", "4407"}
	if !slices.Equal(cmd.Args, want) {
		t.Fatalf("args = %q, want %q", cmd.Args, want)
	}

	reset := l.Command(LaunchSpec{ID: 0, HWID: 16, Port: 4404, ResetConfig: true})
	if reset.Args[len(reset.Args)-1] != "-e" {
		t.Fatalf("reset flag missing: %q", reset.Args)
	}
}

func TestExpandHome(t *testing.T) {
	t.Setenv("HOME", "/home/tester")
	if got := expandHome("~/.portduino"); got != "/home/tester/.portduino" {
		t.Fatalf("expandHome = %s", got)
	}
	if got := expandHome("/abs/path"); got != "/abs/path" {
		t.Fatalf("absolute path changed to %s", got)
	}
}

func TestNewLauncherSelectsMode(t *testing.T) {
	if _, ok := NewLauncher(LauncherConfig{Mode: LauncherExternal}, nil).(ExternalLauncher); !ok {
		t.Fatal("external mode did not give an ExternalLauncher")
	}
	if _, ok := NewLauncher(LauncherConfig{Mode: LauncherExec, Program: "."}, nil).(*ExecLauncher); !ok {
		t.Fatal("exec mode did not give an ExecLauncher")
	}
	p, err := ExternalLauncher{}.Launch(context.Background(), LaunchSpec{})
	if err != nil || p.Stop() != nil {
		t.Fatalf("external launch = %v, %v", p, err)
	}
}
