// Package cli runs interactive line oriented commands.
// Terminal gets go-prompt with completion, pipe input is executed line by line.
package cli

import (
	"bufio"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/mattn/go-isatty"
)

// MainLoop returns on stdin EOF or first signal, after calling onSignal.
func MainLoop(tag string, exec prompt.Executor, complete prompt.Completer, onSignal func(os.Signal)) error {
	signalCh := make(chan os.Signal, 1)
	signal.Notify(signalCh,
		syscall.SIGHUP,
		syscall.SIGINT,
		syscall.SIGTERM,
		syscall.SIGQUIT)
	defer signal.Stop(signalCh)
	go func() {
		s, ok := <-signalCh
		if ok && onSignal != nil {
			onSignal(s)
		}
	}()

	if isatty.IsTerminal(os.Stdin.Fd()) || isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		prompt.New(exec, complete,
			prompt.OptionPrefix(tag+"> "),
			prompt.OptionTitle(tag),
		).Run()
		return nil
	}
	return ExecLines(os.Stdin, exec)
}

// ExecLines calls exec for each non-empty trimmed line. Lines starting with # are skipped.
func ExecLines(r io.Reader, exec func(line string)) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		exec(line)
	}
	return errors.Annotate(scanner.Err(), "cli read")
}

// Fields splits line into command and arguments.
func Fields(line string) (string, []string) {
	fs := strings.Fields(line)
	if len(fs) == 0 {
		return "", nil
	}
	return strings.ToLower(fs[0]), fs[1:]
}

// Complete suggests commands for first word only.
func Complete(suggests []prompt.Suggest) prompt.Completer {
	return func(d prompt.Document) []prompt.Suggest {
		if strings.Contains(d.TextBeforeCursor(), " ") {
			return nil
		}
		return prompt.FilterHasPrefix(suggests, d.GetWordBeforeCursor(), true)
	}
}
