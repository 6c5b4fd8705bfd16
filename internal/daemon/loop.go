package daemon

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// loop calls iterate, then sleeps delay or until woken, until ctx is done.
type loop struct {
	name    string
	delay   time.Duration
	wake    chan struct{}
	iterate func(ctx context.Context)
	log     *zap.SugaredLogger
}

func newLoop(name string, delay time.Duration, logger *zap.SugaredLogger, iterate func(ctx context.Context)) *loop {
	return &loop{
		name:    name,
		delay:   delay,
		wake:    make(chan struct{}, 1),
		iterate: iterate,
		log:     logger,
	}
}

// Wake cuts the current sleep short. Wakes arriving while an iteration runs
// collapse into one extra iteration.
func (l *loop) Wake() {
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *loop) run(ctx context.Context) error {
	l.log.Infof("loop_started loop=%s delay=%s", l.name, l.delay)
	defer l.log.Infof("loop_stopped loop=%s", l.name)

	timer := time.NewTimer(l.delay)
	defer timer.Stop()
	for {
		if ctx.Err() != nil {
			return nil
		}
		l.iterate(ctx)

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(l.delay)
		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		case <-l.wake:
			l.log.Debugf("loop_woken loop=%s", l.name)
		}
	}
}
