package daemon

import (
	"context"
	"os"
	"time"

	"github.com/msageha/dispatchd/internal/uds"
)

// PingResponse is the payload of a ping.
type PingResponse struct {
	Status     string `json:"status"`
	PID        int    `json:"pid"`
	InstanceID string `json:"instance_id"`
}

// StatsResponse is the payload of a stats request.
type StatsResponse struct {
	Stats
	InstanceID string    `json:"instance_id"`
	StartedAt  time.Time `json:"started_at"`
}

// registerHandlers registers control socket handlers.
func (d *Daemon) registerHandlers() {
	d.server.Handle(uds.CommandPing, func(context.Context) (any, error) {
		return PingResponse{Status: "ok", PID: os.Getpid(), InstanceID: d.instanceID}, nil
	})

	d.server.Handle(uds.CommandWake, func(context.Context) (any, error) {
		d.engine.Wake()
		return nil, nil
	})

	d.server.Handle(uds.CommandStats, func(ctx context.Context) (any, error) {
		st, err := d.engine.Stats(ctx)
		if err != nil {
			return nil, uds.Unavailable(err)
		}
		return StatsResponse{Stats: st, InstanceID: d.instanceID, StartedAt: d.startedAt}, nil
	})

	d.server.Handle(uds.CommandShutdown, func(context.Context) (any, error) {
		d.log.Infof("shutdown_requested source=control")
		go d.Shutdown()
		return nil, nil
	})
}
