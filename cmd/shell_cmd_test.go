package cmd

import "testing"

func TestNewShellCmd(t *testing.T) {
	shellCmd := newShellCmd()

	if shellCmd.Use != "shell" {
		t.Errorf("Expected Use to be 'shell', got %s", shellCmd.Use)
	}
	if shellCmd.RunE == nil {
		t.Error("Expected RunE function to be set")
	}
	if shellCmd.Flags().Lookup("storage") == nil {
		t.Error("Expected --storage flag to be registered")
	}
	if shellCmd.Flags().Lookup("log-level") == nil {
		t.Error("Expected --log-level flag to be registered")
	}
}
