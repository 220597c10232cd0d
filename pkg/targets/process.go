/*
Copyright 2025 The Drasi Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package targets

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"
)

const processStopTimeout = 5 * time.Second

// ProcessServer is a managed peer running as an external OS process. The
// endpoint is configured, not discovered; it is published once the process
// is up and the endpoint accepts TCP connections.
type ProcessServer struct {
	command  []string
	endpoint string
	workDir  string
	log      *zap.Logger

	mu      sync.RWMutex
	cmd     *exec.Cmd
	running bool
	ready   bool
	waitErr chan error
}

func NewProcessServer(command []string, endpoint, workDir string, log *zap.Logger) (*ProcessServer, error) {
	if len(command) == 0 {
		return nil, fmt.Errorf("process target requires a command")
	}
	if endpoint == "" {
		return nil, fmt.Errorf("process target requires a configured endpoint")
	}
	if _, err := url.Parse(endpoint); err != nil {
		return nil, fmt.Errorf("invalid target endpoint %q: %w", endpoint, err)
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ProcessServer{
		command:  command,
		endpoint: endpoint,
		workDir:  workDir,
		log:      log.Named("process-target"),
	}, nil
}

func (s *ProcessServer) Start(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}

	cmd := exec.Command(s.command[0], s.command[1:]...)
	cmd.Dir = s.workDir
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("starting target process %q: %w", s.command[0], err)
	}

	waitErr := make(chan error, 1)
	go func() { waitErr <- cmd.Wait() }()

	s.cmd = cmd
	s.waitErr = waitErr
	s.running = true
	s.ready = false
	s.log.Info("target process started", zap.String("command", s.command[0]), zap.Int("pid", cmd.Process.Pid))
	return nil
}

// Endpoint publishes the configured URL once the peer accepts connections.
// While the peer warms up it returns false; callers retry with backoff.
func (s *ProcessServer) Endpoint() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return "", false
	}
	if s.ready {
		return s.endpoint, true
	}

	u, err := url.Parse(s.endpoint)
	if err != nil {
		return "", false
	}
	conn, err := net.DialTimeout("tcp", u.Host, 250*time.Millisecond)
	if err != nil {
		return "", false
	}
	conn.Close()
	s.ready = true
	return s.endpoint, true
}

func (s *ProcessServer) Stop(ctx context.Context) error {
	s.mu.Lock()
	cmd := s.cmd
	waitErr := s.waitErr
	s.cmd = nil
	s.running = false
	s.ready = false
	s.mu.Unlock()

	if cmd == nil || cmd.Process == nil {
		return nil
	}
	if err := cmd.Process.Kill(); err != nil {
		return fmt.Errorf("killing target process: %w", err)
	}

	timer := time.NewTimer(processStopTimeout)
	defer timer.Stop()
	select {
	case <-waitErr:
		return nil
	case <-timer.C:
		return fmt.Errorf("target process did not exit within %s", processStopTimeout)
	case <-ctx.Done():
		return ctx.Err()
	}
}
