package health

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Pinger is satisfied by *sql.DB and the Redis notifier.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// Ping reports whether p answers a ping.
func Ping(p Pinger) Checker {
	return func(ctx context.Context) Status {
		if err := p.PingContext(ctx); err != nil {
			return Status{Detail: err.Error()}
		}
		return Status{Healthy: true}
	}
}

// Loop is a background timer whose liveness can be observed.
type Loop interface {
	Running() bool
}

// SweepLoop is a Loop that also reports when it last finished a pass.
type SweepLoop interface {
	Loop
	LastSweep() time.Time
}

// Running reports whether a background loop is alive.
func Running(l Loop) Checker {
	return func(context.Context) Status {
		if !l.Running() {
			return Status{Detail: "not running"}
		}
		return Status{Healthy: true}
	}
}

// Sweeping reports whether a loop is running and has completed a pass within
// maxAge. A loop that has not finished its first pass yet is healthy.
func Sweeping(l SweepLoop, maxAge time.Duration, now func() time.Time) Checker {
	return func(context.Context) Status {
		if !l.Running() {
			return Status{Detail: "not running"}
		}
		last := l.LastSweep()
		if last.IsZero() {
			return Status{Healthy: true, Detail: "no sweep yet"}
		}
		if age := now().Sub(last); age > maxAge {
			return Status{Detail: fmt.Sprintf("last sweep %s ago", age.Round(time.Second))}
		}
		return Status{Healthy: true, Detail: "last sweep " + last.UTC().Format(time.RFC3339)}
	}
}

// Circuit lists the keys of a circuit breaker that are not closed.
type Circuit interface {
	OpenKeys() []string
}

// Breaker reports whether any circuit is open.
func Breaker(c Circuit) Checker {
	return func(context.Context) Status {
		open := c.OpenKeys()
		if len(open) == 0 {
			return Status{Healthy: true}
		}
		sort.Strings(open)
		return Status{Detail: "open: " + strings.Join(open, ",")}
	}
}

// PingFunc adapts a plain ping function to Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) PingContext(ctx context.Context) error { return f(ctx) }
