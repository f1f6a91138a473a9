package main

import "testing"

func TestBuildRootCmdIncludesSubcommands(t *testing.T) {
	cmd := buildRootCmd()
	names := map[string]bool{}
	for _, sub := range cmd.Commands() {
		names[sub.Name()] = true
	}

	required := []string{"serve", "migrate"}
	for _, name := range required {
		if !names[name] {
			t.Fatalf("expected subcommand %q to be registered", name)
		}
	}
}

func TestBuildMigrateCmdIncludesUp(t *testing.T) {
	cmd := buildMigrateCmd()
	found := false
	for _, sub := range cmd.Commands() {
		if sub.Name() == "up" {
			found = true
		}
	}
	if !found {
		t.Fatal("expected migrate subcommand to include up")
	}
}

func TestServeCmdFlags(t *testing.T) {
	cmd := buildServeCmd()
	if cmd.Flags().Lookup("config") == nil {
		t.Fatal("expected --config flag")
	}
	if cmd.Flags().Lookup("debug") == nil {
		t.Fatal("expected --debug flag")
	}
}
