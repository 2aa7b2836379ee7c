// Minimal lights server for development: beacon, control and sample sink.
package mock

import (
	"context"
	"flag"
	"net"
	"strconv"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/nuru/hellogravity/cmd/gravity/subcmd"
	"github.com/nuru/hellogravity/internal/control"
	"github.com/nuru/hellogravity/internal/discovery"
	"github.com/nuru/hellogravity/internal/mockserver"
	"github.com/nuru/hellogravity/internal/uplink"
)

const modName = "mock-server"

var Mod = subcmd.Mod{Name: modName, Usage: "run minimal server: beacon, control, sample sink", Main: Main}

func Main(ctx context.Context, env *subcmd.Env) error {
	opt := Options(env)
	flags := flag.NewFlagSet(modName, flag.ContinueOnError)
	flags.StringVar(&opt.ControlAddr, "control", opt.ControlAddr, "control listen address")
	flags.StringVar(&opt.TelemetryAddr, "telemetry", opt.TelemetryAddr, "sample sink address")
	flags.StringVar(&opt.BeaconAddr, "beacon", opt.BeaconAddr, "beacon destination, empty disables")
	flags.BoolVar(&opt.ControlFirst, "control-first", opt.ControlFirst, "first client becomes controlling")
	flagPrint := flags.Duration("print", time.Second, "log last sample interval, 0 disables")
	if err := flags.Parse(env.Args); err != nil {
		return errors.Annotate(err, modName)
	}

	s := mockserver.New(opt)
	ctx, cancel := subcmd.StopContext(ctx, env)
	defer cancel()
	if err := s.Start(ctx); err != nil {
		return errors.Annotate(err, modName)
	}
	defer s.Close()
	env.Log.Infof("mock-server control=%s telemetry=%s beacon=%s", s.ControlAddr(), s.TelemetryAddr(), opt.BeaconAddr)
	subcmd.SdNotify(env.Log, daemon.SdNotifyReady)

	var tick <-chan time.Time
	if *flagPrint > 0 {
		t := time.NewTicker(*flagPrint)
		defer t.Stop()
		tick = t.C
	}
	var printed int64
	for {
		select {
		case <-tick:
			st := s.Stat()
			if n := st.Samples.Value(); n != printed {
				printed = n
				last, _ := s.LastSample()
				state := s.State()
				env.Log.Infof("samples=%d invalid=%d state=%s last %s",
					n, st.Invalid.Value(), state.String(), last.String())
			}
		case <-ctx.Done():
			return nil
		}
	}
}

// Options maps config mock section to server options, defaults are standard ports on all interfaces.
func Options(env *subcmd.Env) mockserver.Options {
	mc := env.Config.Mock
	opt := mockserver.Options{
		Log:            env.Log,
		ControlAddr:    mc.ControlAddr,
		TelemetryAddr:  mc.TelemetryAddr,
		BeaconAddr:     mc.BeaconAddr,
		BeaconMagic:    env.Config.Discovery.Magic,
		BeaconInterval: mc.BeaconInterval(),
		ControlFirst:   mc.ControlFirst,
		ReadLimit:      env.Config.Control.ReadLimit,
	}
	if opt.ControlAddr == "" {
		opt.ControlAddr = ":" + strconv.Itoa(portOr(env.Config.Control.Port, control.DefaultPort))
	}
	if opt.TelemetryAddr == "" {
		opt.TelemetryAddr = ":" + strconv.Itoa(portOr(env.Config.Telemetry.Port, uplink.DefaultPort))
	}
	if opt.BeaconAddr == "" {
		port := portOr(env.Config.Discovery.Port, discovery.DefaultPort)
		opt.BeaconAddr = net.JoinHostPort(net.IPv4bcast.String(), strconv.Itoa(port))
	}
	return opt
}

func portOr(port, def int) int {
	if port == 0 {
		return def
	}
	return port
}
