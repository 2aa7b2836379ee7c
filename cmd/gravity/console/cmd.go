// Interactive client control: change server and flags, watch status.
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/juju/errors"
	"github.com/nuru/hellogravity/cmd/gravity/subcmd"
	"github.com/nuru/hellogravity/helpers/cli"
	"github.com/nuru/hellogravity/internal/client"
	"github.com/nuru/hellogravity/internal/synth"
	"github.com/nuru/hellogravity/wire"
)

const modName = "console"

var Mod = subcmd.Mod{Name: modName, Usage: "interactive client, type help", Main: Main}

const usage = `commands:
- status                  one line client status
- server [HOST]           fixed server host, empty returns to discovery
- coordinate on|off       stream only while controlling
- stream on|off           stream samples at all
- send [gx gy gz ...]     one sample, synthetic when values omitted
- stat                    counters
- quit
`

var suggests = []prompt.Suggest{
	{Text: "status", Description: "one line client status"},
	{Text: "server", Description: "fixed server host"},
	{Text: "coordinate", Description: "on|off"},
	{Text: "stream", Description: "on|off"},
	{Text: "send", Description: "one sample"},
	{Text: "stat", Description: "counters"},
	{Text: "help"},
	{Text: "quit"},
}

func Main(ctx context.Context, env *subcmd.Env) error {
	cl, err := subcmd.NewClient(env)
	if err != nil {
		return errors.Annotate(err, modName)
	}
	ctx, cancel := subcmd.StopContext(ctx, env)
	defer cancel()
	if err = cl.Start(ctx); err != nil {
		_ = cl.Close()
		return errors.Annotate(err, modName)
	}

	quit := func() {
		_ = cl.Close()
		os.Exit(0)
	}
	exec := NewExecutor(cl, synth.New(synth.Options{}), os.Stdout, quit)
	err = cli.MainLoop(modName, exec, cli.Complete(suggests), func(os.Signal) { quit() })
	_ = cl.Close()
	return err
}

// NewExecutor runs one console line against cl, output goes to w.
func NewExecutor(cl *client.Client, gen *synth.Generator, w io.Writer, quit func()) func(string) {
	return func(line string) {
		cmd, args := cli.Fields(line)
		switch cmd {
		case "":
		case "help", "?":
			fmt.Fprint(w, usage)
		case "status":
			fmt.Fprintln(w, cl.Status())
		case "server":
			host := ""
			if len(args) > 0 {
				host = args[0]
			}
			cl.SetServerHost(host)
			fmt.Fprintf(w, "server_host=%s\n", host)
		case "coordinate", "stream":
			v, err := parseOnOff(args)
			if err != nil {
				fmt.Fprintln(w, err)
				return
			}
			coordinate, stream := cl.Flags()
			if cmd == "coordinate" {
				coordinate = v
			} else {
				stream = v
			}
			cl.SetFlags(coordinate, stream)
			fmt.Fprintf(w, "coordinate=%t stream=%t\n", coordinate, stream)
		case "send":
			var s wire.Sample
			if len(args) == 0 {
				s = gen.Sample(time.Now())
			} else {
				var err error
				if s, err = wire.ParseSampleText(strings.Join(args, " ")); err != nil {
					fmt.Fprintln(w, err)
					return
				}
			}
			fmt.Fprintf(w, "sent=%t %s\n", cl.SendSensordata(&s), s.String())
		case "stat":
			ss := cl.Session().Stat()
			us := cl.Uplink().Stat()
			fmt.Fprintf(w, "control %s\nudp sent=%d errors=%d dropped=%d bytes=%d\n",
				ss.String(), us.Sent.Value(), us.Errors.Value(), us.Dropped.Value(), us.Bytes.Value())
		case "quit", "exit":
			quit()
		default:
			fmt.Fprintf(w, "unknown command=%s, try help\n", cmd)
		}
	}
}

func parseOnOff(args []string) (bool, error) {
	if len(args) == 1 {
		switch strings.ToLower(args[0]) {
		case "on", "true", "1":
			return true, nil
		case "off", "false", "0":
			return false, nil
		}
	}
	return false, errors.NotValidf("expected on|off args=%v", args)
}
