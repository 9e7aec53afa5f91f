// Package shell implements the interactive administration shell (C15): a
// readline-based REPL driving a framework.Framework's programmatic bundle
// and service registry API, with table-formatted output. Grounded on
// muster's internal/agent REPL (chzyer/readline config, command-registry
// dispatch, prompt/history/completion setup), generalized from an
// MCP-client REPL to a bundle-lifecycle admin shell, and on muster's
// cmd/list.go for go-pretty table rendering conventions.
package shell

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/jedib0t/go-pretty/v6/table"

	"module/internal/bundle"
	"module/internal/framework"
	modstrings "module/pkg/strings"
)

// locationColumnMaxLen bounds the LOCATION column so a long archive path
// doesn't blow out the table width in a terminal.
const locationColumnMaxLen = 48

// Prompt is the shell's static prompt string.
const Prompt = "module> "

// Shell is the readline-driven REPL wrapping a Framework.
type Shell struct {
	fw *framework.Framework
	rl *readline.Instance
}

// New returns a Shell ready to drive fw.
func New(fw *framework.Framework) *Shell {
	return &Shell{fw: fw}
}

func completer() readline.AutoCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("install"),
		readline.PcItem("start"),
		readline.PcItem("stop"),
		readline.PcItem("uninstall"),
		readline.PcItem("bundles"),
		readline.PcItem("services"),
		readline.PcItem("help"),
		readline.PcItem("exit"),
	)
}

// Run starts the REPL and blocks until the user exits or ctx is cancelled.
func (s *Shell) Run(ctx context.Context) error {
	historyFile := filepath.Join(os.TempDir(), ".module_shell_history")
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          Prompt,
		HistoryFile:     historyFile,
		AutoComplete:    completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("create readline instance: %w", err)
	}
	defer rl.Close()
	s.rl = rl

	fmt.Println("interactive shell started. type 'help' for available commands.")

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		line, err := rl.Readline()
		if err == readline.ErrInterrupt {
			if len(line) == 0 {
				continue
			}
			continue
		} else if err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("readline error: %w", err)
		}

		input := strings.TrimSpace(line)
		if input == "" {
			continue
		}
		if input == "exit" || input == "quit" {
			return nil
		}

		if err := s.dispatch(input); err != nil {
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

func (s *Shell) dispatch(input string) error {
	fields := strings.Fields(input)
	cmd, args := fields[0], fields[1:]

	switch cmd {
	case "help":
		s.printHelp()
		return nil
	case "bundles":
		s.printBundles()
		return nil
	case "services":
		s.printServices()
		return nil
	case "install":
		return s.cmdInstall(args)
	case "start":
		return s.cmdStart(args)
	case "stop":
		return s.cmdStop(args)
	case "uninstall":
		return s.cmdUninstall(args)
	default:
		return fmt.Errorf("unknown command %q; type 'help' for available commands", cmd)
	}
}

func (s *Shell) printHelp() {
	fmt.Println(`available commands:
  install <archive-path>   install every bundle contained in an archive
  start <bundle-id>        start an installed bundle
  stop <bundle-id>         stop an active bundle
  uninstall <bundle-id>    uninstall a resolved/installed bundle
  bundles                  list every installed bundle
  services                 list every published service
  help                     show this message
  exit                     leave the shell`)
}

func (s *Shell) printBundles() {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "SYMBOLIC NAME", "VERSION", "STATE", "LOCATION"})
	for _, b := range s.fw.Bundles.Bundles() {
		location := modstrings.TruncateDescription(b.Location(), locationColumnMaxLen)
		t.AppendRow(table.Row{b.ID(), b.SymbolicName(), b.Version(), b.State().String(), location})
	}
	t.Render()
}

func (s *Shell) printServices() {
	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"ID", "BUNDLE", "INTERFACES", "RANKING"})
	for _, ref := range s.fw.Registry.AllReferences() {
		t.AppendRow(table.Row{ref.ID, ref.BundleID(), strings.Join(ref.Interfaces(), ", "), ref.Ranking})
	}
	t.Render()
}

func (s *Shell) cmdInstall(args []string) error {
	if len(args) != 1 {
		return fmt.Errorf("usage: install <archive-path>")
	}
	bundles, err := s.fw.Bundles.Install(args[0])
	if err != nil {
		return err
	}
	for _, b := range bundles {
		fmt.Printf("installed bundle %d: %s %s (%s)\n", b.ID(), b.SymbolicName(), b.Version(), b.State())
	}
	return nil
}

func (s *Shell) cmdStart(args []string) error {
	b, err := s.bundleArg(args)
	if err != nil {
		return err
	}
	if err := s.fw.Bundles.Start(b); err != nil {
		return err
	}
	fmt.Printf("started bundle %d (%s)\n", b.ID(), b.State())
	return nil
}

func (s *Shell) cmdStop(args []string) error {
	b, err := s.bundleArg(args)
	if err != nil {
		return err
	}
	if err := s.fw.Bundles.Stop(b); err != nil {
		return err
	}
	fmt.Printf("stopped bundle %d (%s)\n", b.ID(), b.State())
	return nil
}

func (s *Shell) cmdUninstall(args []string) error {
	b, err := s.bundleArg(args)
	if err != nil {
		return err
	}
	if err := s.fw.Bundles.Uninstall(b); err != nil {
		return err
	}
	fmt.Printf("uninstalled bundle %d\n", b.ID())
	return nil
}

func (s *Shell) bundleArg(args []string) (*bundle.Bundle, error) {
	if len(args) != 1 {
		return nil, fmt.Errorf("usage: <command> <bundle-id>")
	}
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid bundle id %q", args[0])
	}
	b, found := s.fw.Bundles.Bundle(id)
	if !found {
		return nil, fmt.Errorf("no such bundle: %d", id)
	}
	return b, nil
}
