package model

import (
	"fmt"
	"time"
)

// CommandRecord is the stored shape of a queue row.
type CommandRecord struct {
	TaskID       int       `yaml:"task_id" json:"task_id"`
	Action       Action    `yaml:"action" json:"action"`
	Target       string    `yaml:"target" json:"target"`
	TargetID     int       `yaml:"target_id" json:"target_id"`
	Status       Status    `yaml:"status" json:"status"`
	TargetStatus string    `yaml:"target_status,omitempty" json:"target_status,omitempty"`
	Retry        int       `yaml:"retry" json:"retry"`
	Creation     time.Time `yaml:"creation" json:"creation"`
	LastChange   time.Time `yaml:"last_change" json:"last_change"`
	CheckTS      time.Time `yaml:"check_ts" json:"check_ts"`
	ActionInfo   string    `yaml:"action_info" json:"action_info"`
	ClaimedBy    string    `yaml:"claimed_by,omitempty" json:"claimed_by,omitempty"`
}

// Command is the in-memory projection of one queue row handed to a task.
// Setters mark the command dirty; stores persist only dirty commands and
// compare against the status the row had when it was loaded.
type Command struct {
	rec       CommandRecord
	persisted Status
	dirty     bool
}

func NewCommand(rec CommandRecord) *Command {
	return &Command{rec: rec, persisted: rec.Status}
}

func (c *Command) Record() CommandRecord { return c.rec }

func (c *Command) TaskID() int           { return c.rec.TaskID }
func (c *Command) Action() Action        { return c.rec.Action }
func (c *Command) Target() string        { return c.rec.Target }
func (c *Command) TargetID() int         { return c.rec.TargetID }
func (c *Command) Status() Status        { return c.rec.Status }
func (c *Command) TargetStatus() string  { return c.rec.TargetStatus }
func (c *Command) Retry() int            { return c.rec.Retry }
func (c *Command) Creation() time.Time   { return c.rec.Creation }
func (c *Command) LastChange() time.Time { return c.rec.LastChange }
func (c *Command) CheckTS() time.Time    { return c.rec.CheckTS }
func (c *Command) ActionInfo() string    { return c.rec.ActionInfo }

// PersistedStatus is the status the row holds in the store.
func (c *Command) PersistedStatus() Status { return c.persisted }

func (c *Command) Dirty() bool { return c.dirty }

// Lifetime is the time elapsed since the command was (re)queued.
func (c *Command) Lifetime(now time.Time) time.Duration {
	return now.Sub(c.rec.Creation)
}

func (c *Command) SetStatus(s Status) {
	if c.rec.Status != s {
		c.rec.Status = s
		c.dirty = true
	}
}

func (c *Command) SetTargetStatus(s string) {
	if c.rec.TargetStatus != s {
		c.rec.TargetStatus = s
		c.dirty = true
	}
}

func (c *Command) SetTargetID(id int) {
	if c.rec.TargetID != id {
		c.rec.TargetID = id
		c.dirty = true
	}
}

// Stored records a successful persist.
func (c *Command) Stored(now time.Time) {
	c.rec.LastChange = now
	c.persisted = c.rec.Status
	c.dirty = false
}

// Checked records a check timestamp update. It never touches dirtiness.
func (c *Command) Checked(now time.Time) {
	c.rec.CheckTS = now
}

// Held records a successful HOLD acquisition.
func (c *Command) Held(now time.Time) {
	c.rec.Status = StatusHold
	c.rec.LastChange = now
	c.persisted = StatusHold
}

// Retried records a requeue.
func (c *Command) Retried(now time.Time) {
	c.rec.Status = StatusQueued
	c.rec.Retry++
	c.rec.Creation = now
	c.rec.LastChange = now
	c.persisted = StatusQueued
	c.dirty = false
}

// Trashed records a terminal failure.
func (c *Command) Trashed(now time.Time) {
	c.rec.Status = StatusFailed
	c.rec.TargetStatus = string(StatusFailed)
	c.rec.LastChange = now
	c.persisted = StatusFailed
	c.dirty = false
}

func (c *Command) String() string {
	return fmt.Sprintf("task=%d action=%s target=%s status=%s retry=%d",
		c.rec.TaskID, c.rec.Action, c.rec.Target, c.rec.Status, c.rec.Retry)
}

// RuntimeData is a key/value record attached to a task by an executor.
type RuntimeData struct {
	Key         string `yaml:"key" json:"key"`
	Value       string `yaml:"value" json:"value"`
	Description string `yaml:"description,omitempty" json:"description,omitempty"`
	Proto       string `yaml:"proto,omitempty" json:"proto,omitempty"`
	Type        string `yaml:"type,omitempty" json:"type,omitempty"`
}

// Task is the front-end owned parent of a command, with its auxiliary records.
type Task struct {
	ID          int      `yaml:"id" json:"id"`
	Status      string   `yaml:"status" json:"status"`
	Arguments   []string `yaml:"arguments,omitempty" json:"arguments,omitempty"`
	InputFiles  []File   `yaml:"input_files,omitempty" json:"input_files,omitempty"`
	OutputFiles []File   `yaml:"output_files,omitempty" json:"output_files,omitempty"`
}

type File struct {
	Name string `yaml:"name" json:"name"`
	Path string `yaml:"path,omitempty" json:"path,omitempty"`
}
