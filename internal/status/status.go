// Package status reports daemon liveness and queue depth for the CLI.
package status

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"path/filepath"
	"sort"
	"time"

	"github.com/msageha/dispatchd/internal/model"
	"github.com/msageha/dispatchd/internal/queue"
	"github.com/msageha/dispatchd/internal/uds"
)

type Report struct {
	Daemon DaemonStatus  `json:"daemon"`
	Queue  []QueueStatus `json:"queue"`
}

type DaemonStatus struct {
	Running    bool   `json:"running"`
	PID        int    `json:"pid,omitempty"`
	InstanceID string `json:"instance_id,omitempty"`
}

type QueueStatus struct {
	Status string `json:"status"`
	Count  int    `json:"count"`
}

// statusOrder lists command statuses in lifecycle order.
var statusOrder = []model.Status{
	model.StatusQueued,
	model.StatusProcessing,
	model.StatusProcessed,
	model.StatusHold,
	model.StatusDone,
	model.StatusFailed,
	model.StatusCancelled,
}

// Run builds the report for the daemon directory dir and writes it to w.
func Run(ctx context.Context, dir string, cfg model.Config, w io.Writer, jsonOutput bool) error {
	report, err := Collect(ctx, dir, cfg)
	if err != nil {
		return err
	}

	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	printReport(w, report)
	return nil
}

// Collect pings the daemon and reads queue counts straight from the store,
// so it works whether or not a daemon is running.
func Collect(ctx context.Context, dir string, cfg model.Config) (Report, error) {
	report := Report{Daemon: checkDaemon(ctx, filepath.Join(dir, uds.DefaultSocketName))}

	store, err := queue.Open(ctx, cfg.Store, dir, queue.Options{})
	if err != nil {
		return report, fmt.Errorf("open store: %w", err)
	}
	defer func() { _ = store.Close() }()

	counts, err := store.Stats(ctx)
	if err != nil {
		return report, fmt.Errorf("queue stats: %w", err)
	}
	report.Queue = queueStatuses(counts)
	return report, nil
}

func checkDaemon(ctx context.Context, sockPath string) DaemonStatus {
	var ping struct {
		PID        int    `json:"pid"`
		InstanceID string `json:"instance_id"`
	}
	client := uds.NewClient(sockPath)
	client.SetTimeout(2 * time.Second)
	if err := client.Call(ctx, uds.CommandPing, &ping); err != nil {
		return DaemonStatus{Running: false}
	}
	return DaemonStatus{Running: true, PID: ping.PID, InstanceID: ping.InstanceID}
}

// queueStatuses orders counts by lifecycle, then any unknown statuses by name.
func queueStatuses(counts map[model.Status]int) []QueueStatus {
	out := make([]QueueStatus, 0, len(counts))
	seen := make(map[model.Status]bool, len(statusOrder))
	for _, s := range statusOrder {
		seen[s] = true
		out = append(out, QueueStatus{Status: string(s), Count: counts[s]})
	}
	var extra []string
	for s := range counts {
		if !seen[s] {
			extra = append(extra, string(s))
		}
	}
	sort.Strings(extra)
	for _, s := range extra {
		out = append(out, QueueStatus{Status: s, Count: counts[model.Status(s)]})
	}
	return out
}

func printReport(w io.Writer, r Report) {
	if r.Daemon.Running {
		fmt.Fprintf(w, "Daemon: running (pid=%d instance=%s)\n", r.Daemon.PID, r.Daemon.InstanceID)
	} else {
		fmt.Fprintln(w, "Daemon: stopped")
	}

	fmt.Fprintln(w, "\nQueue:")
	fmt.Fprintf(w, "  %-12s  %7s\n", "STATUS", "COUNT")
	for _, q := range r.Queue {
		fmt.Fprintf(w, "  %-12s  %7d\n", q.Status, q.Count)
	}
}
