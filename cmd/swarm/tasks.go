package main

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/aristath/swarm/internal/task"
)

// taskFile is the on-disk task list:
//
//	tasks:
//	  - id: build
//	    description: go build ./...
//	    timeout: 5m
//	    retries: 1
//	  - id: test
//	    description: go test ./...
//	    dependencies: [build]
type taskFile struct {
	Tasks []task.Task `yaml:"tasks"`
}

func loadTasks(path string) ([]task.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading tasks file: %w", err)
	}

	var f taskFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing tasks file %s: %w", path, err)
	}
	if len(f.Tasks) == 0 {
		return nil, fmt.Errorf("tasks file %s lists no tasks", path)
	}
	return f.Tasks, nil
}
