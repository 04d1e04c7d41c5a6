package main

import (
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/chzyer/readline"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

func newShellCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "shell",
		Short: "Run commands interactively against one open store",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if a.shared != nil {
				return errors.New("already in a shell")
			}
			s, err := openSession(&a.flags)
			if err != nil {
				return err
			}
			defer func() { err = multierr.Append(err, s.close()) }()

			historyFile := ""
			if !a.flags.ephemeral {
				historyFile = filepath.Join(s.cfg.Home, ".graphstore_history")
			}
			rl, err := readline.NewEx(&readline.Config{
				Prompt:          "graphstore> ",
				HistoryFile:     historyFile,
				AutoComplete:    shellCompleter(cmd.Root()),
				InterruptPrompt: "^C",
				EOFPrompt:       "exit",
				Stdout:          cmd.OutOrStdout(),
			})
			if err != nil {
				return err
			}
			defer rl.Close()

			fmt.Fprintln(rl.Stdout(), "graphstore shell. Type 'help' for commands, 'exit' or 'quit' to leave.")
			shellApp := &app{shared: s}
			for {
				line, err := rl.Readline()
				if errors.Is(err, readline.ErrInterrupt) {
					continue
				}
				if errors.Is(err, io.EOF) {
					return nil
				}
				if err != nil {
					return err
				}
				done, err := runShellLine(shellApp, rl.Stdout(), line)
				if err != nil {
					fmt.Fprintln(rl.Stdout(), "Error:", err)
				}
				if done {
					return nil
				}
			}
		},
	}
}

// runShellLine runs one shell line on a fresh command tree, so flags set
// by one line do not leak into the next. It reports whether the shell
// should end.
func runShellLine(a *app, out io.Writer, line string) (bool, error) {
	args, err := splitArgs(line)
	if err != nil || len(args) == 0 {
		return false, err
	}
	switch strings.ToLower(args[0]) {
	case "exit", "quit":
		return true, nil
	case "shell":
		return false, errors.New("already in a shell")
	}
	root := buildRootCmd(a)
	root.SetArgs(args)
	root.SetOut(out)
	root.SetErr(out)
	return false, root.Execute()
}

func shellCompleter(root *cobra.Command) *readline.PrefixCompleter {
	var items []readline.PrefixCompleterInterface
	for _, c := range root.Commands() {
		if c.Name() != "shell" && !c.Hidden {
			items = append(items, readline.PcItem(c.Name()))
		}
	}
	items = append(items, readline.PcItem("exit"), readline.PcItem("quit"))
	return readline.NewPrefixCompleter(items...)
}

// splitArgs splits a shell line on blanks, keeping quoted text together.
// Interval notation needs no quotes when written without spaces, but
// "[1, 5)" must be quoted.
func splitArgs(line string) ([]string, error) {
	var (
		args    []string
		cur     strings.Builder
		quote   rune
		inToken bool
	)
	for _, r := range line {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				cur.WriteRune(r)
			}
		case r == '"' || r == '\'':
			quote, inToken = r, true
		case r == ' ' || r == '\t':
			if inToken {
				args = append(args, cur.String())
				cur.Reset()
				inToken = false
			}
		default:
			cur.WriteRune(r)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated %c quote", quote)
	}
	if inToken {
		args = append(args, cur.String())
	}
	return args, nil
}
