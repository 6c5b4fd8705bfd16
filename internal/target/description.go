package target

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/msageha/dispatchd/internal/model"
)

// Description is the job description the front end leaves in the sandbox as
// <action_info>/<task_id>.json.
type Description struct {
	ID          string       `json:"id"`
	User        string       `json:"user"`
	Executable  string       `json:"executable"`
	Arguments   []string     `json:"arguments"`
	Output      string       `json:"output"`
	Error       string       `json:"error"`
	InputFiles  []model.File `json:"input_files"`
	OutputFiles []model.File `json:"output_files"`
	Parameters  []Parameter  `json:"parameters"`
	Credentials *Credentials `json:"credentials,omitempty"`
	Application *Application `json:"application,omitempty"`
}

type Application struct {
	Name       string      `json:"name"`
	Parameters []Parameter `json:"parameters"`
}

type Parameter struct {
	Name  string `json:"param_name"`
	Value string `json:"param_value"`
}

// Credentials carry what a backend needs to act on the user's behalf.
type Credentials struct {
	Token   string `json:"token,omitempty"`
	Subject string `json:"subject,omitempty"`
}

// Param looks up a named parameter, task-level first, then application-level.
func (d *Description) Param(name, fallback string) string {
	for _, p := range d.Parameters {
		if p.Name == name && p.Value != "" {
			return p.Value
		}
	}
	if d.Application != nil {
		for _, p := range d.Application.Parameters {
			if p.Name == name && p.Value != "" {
				return p.Value
			}
		}
	}
	return fallback
}

// DescriptionPath returns the location of the command's job description.
func DescriptionPath(cmd *model.Command) string {
	return filepath.Join(cmd.ActionInfo(), strconv.Itoa(cmd.TaskID())+".json")
}

// LoadDescription reads the command's job description.
func LoadDescription(cmd *model.Command) (*Description, error) {
	path := DescriptionPath(cmd)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read job description: %w", err)
	}
	var d Description
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, fmt.Errorf("parse job description %s: %w", path, err)
	}
	return &d, nil
}

// outputDir returns the absolute output directory of the command's sandbox,
// creating it when missing.
func outputDir(cmd *model.Command) (string, error) {
	dir := filepath.Join(cmd.ActionInfo(), OutputDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create output dir: %w", err)
	}
	return dir, nil
}

// collectFiles moves the named sandbox files into dir. Missing files are
// skipped.
func collectFiles(cmd *model.Command, dir string, names []string) error {
	for _, name := range names {
		if name == "" {
			continue
		}
		src := filepath.Join(cmd.ActionInfo(), name)
		if _, err := os.Stat(src); err != nil {
			continue
		}
		if err := os.Rename(src, filepath.Join(dir, filepath.Base(name))); err != nil {
			return fmt.Errorf("collect %s: %w", name, err)
		}
	}
	return nil
}
