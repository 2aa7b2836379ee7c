// Support sub-commands in gravity application.
package subcmd

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/nuru/hellogravity/internal/config"
	"github.com/nuru/hellogravity/log2"
	"github.com/temoto/alive/v2"
)

type Env struct {
	Log    *log2.Log
	Config *config.Config
	// Command arguments, without global flags and command name.
	Args []string
	// Stopped by signal.
	Alive *alive.Alive
}

type Mod struct {
	Name  string
	Usage string
	Main  func(context.Context, *Env) error
}

func Parse(command string, modules []Mod) (*Mod, error) {
	if command == "" {
		return nil, fmt.Errorf("empty command")
	}

	var found *Mod
	for i := range modules {
		m := &modules[i]
		if m.Name == "" {
			panic(fmt.Sprintf("code error Name='' module=%#v", m))
		}
		if command == m.Name {
			found = m
			break
		}
	}
	if found == nil {
		return nil, errors.NotFoundf("command='%s'", command)
	}
	return found, nil
}

func Usage(modules []Mod) string {
	lines := make([]string, 0, len(modules))
	for _, m := range modules {
		lines = append(lines, fmt.Sprintf("  %-12s %s", m.Name, m.Usage))
	}
	sort.Strings(lines)
	return strings.Join(lines, "\n")
}

// SdNotify returns true when running under systemd.
func SdNotify(log *log2.Log, s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Fatal("sdnotify: ", errors.ErrorStack(err))
	}
	return ok
}
