package subcmd

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/nuru/hellogravity/internal/client"
	"github.com/nuru/hellogravity/internal/event"
	"github.com/nuru/hellogravity/internal/mqttpub"
)

// NewClient builds client from config, with MQTT mirror when enabled.
// Every state change is logged.
func NewClient(env *Env) (*client.Client, error) {
	cl, err := client.New(env.Log, env.Config)
	if err != nil {
		return nil, err
	}
	cl.Events().Register(&event.Funcs{
		Address:   func(a string) { env.Log.Infof("event address=%s", a) },
		InControl: func(v bool) { env.Log.Infof("event in_control=%t", v) },
		Connected: func(v bool) { env.Log.Infof("event connected=%t", v) },
	})

	mc := env.Config.Mqtt
	if mc.Enable {
		m, err := mqttpub.Dial(mqttpub.Options{
			Log:         env.Log,
			Broker:      mc.Broker,
			ClientID:    mc.ClientID,
			TopicPrefix: mc.TopicPrefix,
			Keepalive:   mc.Keepalive(),
			LogDebug:    mc.LogDebug,
			Qos:         1,
		})
		if err != nil {
			_ = cl.Close()
			return nil, errors.Annotate(err, "mqtt")
		}
		cl.SetPublisher(m)
	}
	return cl, nil
}

// StatusLoop logs client status every interval until ctx is done.
func StatusLoop(ctx context.Context, env *Env, cl *client.Client, interval time.Duration) {
	if interval <= 0 {
		return
	}
	tmr := time.NewTicker(interval)
	defer tmr.Stop()
	for {
		select {
		case <-tmr.C:
			env.Log.Infof("status %s", cl.Status())
		case <-ctx.Done():
			return
		}
	}
}

// StopContext is cancelled when env.Alive stops.
func StopContext(ctx context.Context, env *Env) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	go func() {
		select {
		case <-env.Alive.StopChan():
			cancel()
		case <-ctx.Done():
		}
	}()
	return ctx, cancel
}
