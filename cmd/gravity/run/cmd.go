// Stream samples to discovered or fixed server until stopped.
package run

import (
	"bufio"
	"context"
	"flag"
	"io"
	"os"
	"time"

	"github.com/coreos/go-systemd/daemon"
	"github.com/juju/errors"
	"github.com/nuru/hellogravity/cmd/gravity/subcmd"
	"github.com/nuru/hellogravity/helpers"
	"github.com/nuru/hellogravity/internal/synth"
	"github.com/nuru/hellogravity/log2"
	"github.com/nuru/hellogravity/wire"
)

const modName = "run"

var Mod = subcmd.Mod{Name: modName, Usage: "stream synthetic samples, or text samples from stdin", Main: Main}

func Main(ctx context.Context, env *subcmd.Env) error {
	flags := flag.NewFlagSet(modName, flag.ContinueOnError)
	flagServer := flags.String("server", "", "fixed server host, overrides config server_host")
	flagSynthetic := flags.Bool("synthetic", true, "generate samples; false reads one sample per stdin line")
	flagRate := flags.Float64("rate", synth.DefaultRate, "samples per second")
	flagStatus := flags.Duration("status", 5*time.Second, "status log interval, 0 disables")
	if err := flags.Parse(env.Args); err != nil {
		return errors.Annotate(err, modName)
	}
	if *flagServer != "" {
		env.Config.ServerHost = *flagServer
	}

	cl, err := subcmd.NewClient(env)
	if err != nil {
		return errors.Annotate(err, modName)
	}
	defer cl.Close()
	ctx, cancel := subcmd.StopContext(ctx, env)
	defer cancel()
	if err = cl.Start(ctx); err != nil {
		return errors.Annotate(err, modName)
	}
	subcmd.SdNotify(env.Log, daemon.SdNotifyReady)
	go subcmd.StatusLoop(ctx, env, cl, *flagStatus)

	send := func(s *wire.Sample) { cl.SendSensordata(s) }
	if *flagSynthetic {
		err = synth.New(synth.Options{Rate: *flagRate}).Run(ctx, send)
	} else {
		err = Replay(ctx, env.Log, os.Stdin, *flagRate, send)
	}
	if errors.Cause(err) == context.Canceled {
		err = nil
	}
	env.Log.Infof("stopping status %s", cl.Status())
	return err
}

// Replay parses text samples from r and calls f at rate per second.
// Invalid lines are logged and skipped. Returns nil on EOF.
func Replay(ctx context.Context, log *log2.Log, r io.Reader, rate float64, f func(*wire.Sample)) error {
	if rate <= 0 {
		rate = synth.DefaultRate
	}
	period := time.Duration(float64(time.Second) / rate)
	scanner := bufio.NewScanner(r)
	lineno := 0
	for scanner.Scan() {
		lineno++
		s, err := wire.ParseSampleText(scanner.Text())
		if err != nil {
			log.Errorf("replay line=%d err=%v", lineno, err)
			continue
		}
		f(&s)
		if !helpers.SleepChan(period, ctx.Done()) {
			return ctx.Err()
		}
	}
	return errors.Annotate(scanner.Err(), "replay")
}
