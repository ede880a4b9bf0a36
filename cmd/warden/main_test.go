package main

import (
	"testing"
)

func TestBuildRootCommands(t *testing.T) {
	root := buildRoot()
	want := map[string]bool{
		"serve": false, "status": false, "start": false,
		"stop": false, "restart": false, "shutdown": false, "ping": false,
	}
	for _, c := range root.Commands() {
		if _, ok := want[c.Name()]; ok {
			want[c.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Fatalf("command %q not registered", name)
		}
	}
}

func TestStopRequiresArgs(t *testing.T) {
	root := buildRoot()
	root.SetArgs([]string{"stop"})
	if err := root.Execute(); err == nil {
		t.Fatalf("stop without args accepted")
	}
}

func TestDefaultDataDir(t *testing.T) {
	if defaultDataDir() == "" {
		t.Fatalf("empty default data dir")
	}
}
