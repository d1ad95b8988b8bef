package main

import (
	"bytes"
	"strings"
	"testing"
)

func TestRootCmd_Subcommands(t *testing.T) {
	root := newRootCmd()
	want := []string{"version", "db", "migrate", "serve", "worker"}
	for _, name := range want {
		found := false
		for _, sub := range root.Commands() {
			if sub.Name() == name {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("subcommand %q not registered", name)
		}
	}
}

func TestVersionCmd(t *testing.T) {
	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})

	if err := root.Execute(); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !strings.Contains(out.String(), "sb dev") {
		t.Errorf("output = %q", out.String())
	}
}

func TestServeCmd_MissingConfig(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"serve", "--config", "/nonexistent/switchboard.yaml"})

	if err := root.Execute(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}

func TestDBCreateCmd_MissingConfig(t *testing.T) {
	root := newRootCmd()
	root.SetOut(&bytes.Buffer{})
	root.SetErr(&bytes.Buffer{})
	root.SetArgs([]string{"db", "create", "--config", "/nonexistent/switchboard.yaml"})

	if err := root.Execute(); err == nil {
		t.Fatal("expected error for missing config file")
	}
}
