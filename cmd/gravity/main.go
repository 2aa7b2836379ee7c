package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/juju/errors"
	"github.com/nuru/hellogravity/cmd/gravity/console"
	"github.com/nuru/hellogravity/cmd/gravity/discover"
	"github.com/nuru/hellogravity/cmd/gravity/mock"
	"github.com/nuru/hellogravity/cmd/gravity/run"
	"github.com/nuru/hellogravity/cmd/gravity/subcmd"
	"github.com/nuru/hellogravity/internal/config"
	"github.com/nuru/hellogravity/log2"
	"github.com/temoto/alive/v2"
)

var log = log2.NewStderr(log2.LInfo)

var modules = []subcmd.Mod{
	run.Mod,
	discover.Mod,
	console.Mod,
	mock.Mod,
}

func main() {
	cmdline := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	flagConfig := cmdline.String("config", config.DefaultPath, "")
	flagDebug := cmdline.Bool("debug", false, "verbose logging, same as config log_debug")
	cmdline.Usage = func() {
		fmt.Fprintf(cmdline.Output(), "Usage: %s [-config gravity.hcl] [-debug] command [args]\n\nCommands:\n%s\n",
			os.Args[0], subcmd.Usage(modules))
		cmdline.PrintDefaults()
	}
	_ = cmdline.Parse(os.Args[1:])
	command := cmdline.Arg(0)
	if command == "" {
		command = run.Mod.Name
	}
	mod, err := subcmd.Parse(command, modules)
	if err != nil {
		log.Error(err)
		cmdline.Usage()
		os.Exit(2)
	}

	if subcmd.SdNotify(log, "STATUS=starting") {
		// under systemd, journal adds timestamp
		log.SetFlags(log2.LServiceFlags)
	} else {
		log.SetFlags(log2.LInteractiveFlags)
	}

	cfg := mustConfig(cmdline, *flagConfig)
	if *flagDebug || cfg.LogDebug {
		log.SetLevel(log2.LDebug)
	}
	log.Debugf("config=%+v", cfg)

	a := alive.NewAlive()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	go func() {
		s := <-sigCh
		log.Infof("signal=%v stopping", s)
		a.Stop()
	}()

	env := &subcmd.Env{
		Log:    log,
		Config: cfg,
		Args:   commandArgs(cmdline),
		Alive:  a,
	}
	if err := mod.Main(context.Background(), env); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	subcmd.SdNotify(log, "STOPPING=1")
}

// Arguments after command name.
func commandArgs(cmdline *flag.FlagSet) []string {
	if cmdline.NArg() == 0 {
		return nil
	}
	return cmdline.Args()[1:]
}

// Default config path may be absent, explicit one is required.
func mustConfig(cmdline *flag.FlagSet, path string) *config.Config {
	explicit := false
	cmdline.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicit = true
		}
	})
	if !explicit {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			log.Debugf("config path=%s not found, using defaults", path)
			return &config.Config{}
		}
	}
	fs, err := config.NewOsFullReader("")
	if err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
	return config.MustReadConfig(log, fs, path)
}
