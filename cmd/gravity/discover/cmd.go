// Listen for server beacons and print discovered address.
package discover

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/juju/errors"
	"github.com/nuru/hellogravity/cmd/gravity/subcmd"
	"github.com/nuru/hellogravity/internal/discovery"
)

const modName = "discover"

var Mod = subcmd.Mod{Name: modName, Usage: "wait for server beacon, print address", Main: Main}

func Main(ctx context.Context, env *subcmd.Env) error {
	flags := flag.NewFlagSet(modName, flag.ContinueOnError)
	flagFollow := flags.Bool("follow", false, "keep listening, print every change")
	flagListen := flags.String("listen", env.Config.Discovery.Listen, "beacon listen address, default :port")
	if err := flags.Parse(env.Args); err != nil {
		return errors.Annotate(err, modName)
	}
	dc := env.Config.Discovery
	ctx, cancel := subcmd.StopContext(ctx, env)
	defer cancel()
	return Discover(ctx, discovery.Options{
		Log:     env.Log,
		Addr:    *flagListen,
		Port:    dc.Port,
		Magic:   dc.Magic,
		Timeout: dc.Timeout(),
	}, *flagFollow, os.Stdout)
}

// Discover prints "server=<ip>" per discovered server and "server=null" on timeout.
// Without follow, returns after first server or timeout error.
func Discover(ctx context.Context, opt discovery.Options, follow bool, w io.Writer) error {
	found := make(chan string, 1)
	opt.OnServer = func(e *discovery.Endpoint) {
		if e == nil {
			return
		}
		select {
		case found <- e.String():
		default:
		}
	}
	l := discovery.NewListener(opt)
	if err := l.Start(ctx); err != nil {
		return errors.Annotate(err, modName)
	}
	defer l.Stop()
	opt.Log.Debugf("discover listening addr=%s", l.LocalAddr())

	period := opt.Tick
	if period == 0 {
		period = discovery.DefaultTick
	}
	tick := time.NewTicker(period)
	defer tick.Stop()
	timedOut := false
	for {
		select {
		case host := <-found:
			timedOut = false
			fmt.Fprintf(w, "server=%s\n", host)
			if !follow {
				return nil
			}
		case <-tick.C:
			if l.Error() != discovery.ErrorTimeout || timedOut {
				continue
			}
			timedOut = true
			if !follow {
				return errors.Timeoutf("discover %s", l.Status().Error)
			}
			fmt.Fprintln(w, "server=null")
		case <-ctx.Done():
			return nil
		}
	}
}
