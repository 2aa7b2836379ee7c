// Package synth generates fake sensor samples: gravity vector rotating
// in xy plane once per 2*Pi seconds plus gaussian noise on every channel.
// Used instead of real sensors by `gravity run -synthetic` and tests.
package synth

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/nuru/hellogravity/helpers"
	"github.com/nuru/hellogravity/wire"
)

const (
	DefaultRate   = 20.0 // Hz
	DefaultNoise  = 0.5
	DefaultJitter = time.Millisecond
	Gravity       = 9.81

	minPeriod = time.Millisecond
)

type Options struct {
	Rate float64
	// Noise and Jitter are standard deviations. Negative disables.
	Noise  float64
	Jitter time.Duration
	Rand   *rand.Rand
	Now    func() time.Time
}

// Generator is not safe for concurrent use.
type Generator struct {
	opt    Options
	period time.Duration
}

func New(opt Options) *Generator {
	if opt.Rate <= 0 {
		opt.Rate = DefaultRate
	}
	if opt.Noise == 0 {
		opt.Noise = DefaultNoise
	}
	if opt.Jitter == 0 {
		opt.Jitter = DefaultJitter
	}
	if opt.Rand == nil {
		opt.Rand = helpers.RandUnix()
	}
	if opt.Now == nil {
		opt.Now = time.Now
	}
	return &Generator{
		opt:    opt,
		period: time.Duration(float64(time.Second) / opt.Rate),
	}
}

func (g *Generator) Sample(t time.Time) wire.Sample {
	x := float64(t.UnixNano()) / float64(time.Second)
	var s wire.Sample
	s[wire.ChanGravityX] = float32(math.Cos(x) * Gravity)
	s[wire.ChanGravityY] = float32(math.Sin(x) * Gravity)
	if g.opt.Noise > 0 {
		for i := range s {
			s[i] += float32(g.opt.Rand.NormFloat64() * g.opt.Noise)
		}
	}
	return s
}

// Next returns delay before next sample, period with jitter, at least 1ms.
func (g *Generator) Next() time.Duration {
	d := g.period
	if g.opt.Jitter > 0 {
		d += time.Duration(g.opt.Rand.NormFloat64() * float64(g.opt.Jitter))
	}
	if d < minPeriod {
		d = minPeriod
	}
	return d
}

// Run calls f with a fresh sample at Rate until ctx is done.
func (g *Generator) Run(ctx context.Context, f func(*wire.Sample)) error {
	for {
		s := g.Sample(g.opt.Now())
		f(&s)
		if !helpers.SleepChan(g.Next(), ctx.Done()) {
			return ctx.Err()
		}
	}
}
