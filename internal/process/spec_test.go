package process

import (
	"path/filepath"
	"reflect"
	"testing"
)

func TestArgvWithoutInterpreter(t *testing.T) {
	s := Spec{Name: "idx", Cwd: "/srv/app", Script: "cargo", Interpreter: InterpreterNone,
		Args: []string{"run", "--release"}}
	want := []string{"cargo", "run", "--release"}
	if got := s.Argv(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Argv() = %#v, want %#v", got, want)
	}
}

func TestArgvWithInterpreterResolvesScriptAgainstCwd(t *testing.T) {
	s := Spec{Name: "web", Cwd: "/srv/web", Script: filepath.Join("bin", "server.js"),
		Interpreter: "node", InterpreterArgs: []string{"--max-old-space-size=512"}, Args: []string{"--port", "8080"}}
	want := []string{"node", "--max-old-space-size=512", "/srv/web/bin/server.js", "--port", "8080"}
	if got := s.Argv(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Argv() = %#v, want %#v", got, want)
	}
}

func TestInstanceNames(t *testing.T) {
	if got := (&Spec{Name: "w", Instances: 1}).InstanceNames(); !reflect.DeepEqual(got, []string{"w"}) {
		t.Fatalf("single: %#v", got)
	}
	if got := (&Spec{Name: "w", Instances: 3}).InstanceNames(); !reflect.DeepEqual(got, []string{"w-1", "w-2", "w-3"}) {
		t.Fatalf("replicas: %#v", got)
	}
}

func TestLogPathsPerReplica(t *testing.T) {
	s := Spec{Name: "w", Instances: 2, OutFile: "/var/log/w-out.log", ErrorFile: "/var/log/w-error.log"}
	out, errp := s.LogPaths(2)
	if out != "/var/log/w-out-2.log" || errp != "/var/log/w-error-2.log" {
		t.Fatalf("got %q %q", out, errp)
	}
	s.MergeLogs = true
	out, _ = s.LogPaths(2)
	if out != "/var/log/w-out.log" {
		t.Fatalf("merged replicas must share a file, got %q", out)
	}
	s.MergeLogs = false
	s.OutFile = "/dev/null"
	if out, _ = s.LogPaths(1); out != "/dev/null" {
		t.Fatalf("/dev/null must not be suffixed, got %q", out)
	}
}

func TestCloneIsDeep(t *testing.T) {
	s := Spec{Name: "a", Args: []string{"x"}, Env: map[string]string{"K": "V"}}
	c := s.Clone()
	c.Args[0] = "y"
	c.Env["K"] = "W"
	if s.Args[0] != "x" || s.Env["K"] != "V" {
		t.Fatalf("clone shares state with original: %+v", s)
	}
}

func TestKnownInterpreter(t *testing.T) {
	for _, ok := range []string{"", "none", "node", "python3", "bash"} {
		if !KnownInterpreter(ok) {
			t.Fatalf("%q should be accepted", ok)
		}
	}
	if KnownInterpreter("cobol") {
		t.Fatal("cobol should be rejected")
	}
}

func TestIsSafeName(t *testing.T) {
	valid := []string{"worker", "sudo-raffle-indexer", "a.b_c-1"}
	invalid := []string{"", "../etc", "a/b", "a b", "a;b"}
	for _, v := range valid {
		if !IsSafeName(v) {
			t.Errorf("%q should be valid", v)
		}
	}
	for _, v := range invalid {
		if IsSafeName(v) {
			t.Errorf("%q should be invalid", v)
		}
	}
}
