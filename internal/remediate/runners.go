package remediate

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/agentsh/warden/internal/config"
)

// ErrUnknownService is returned for reconnect targets missing from config.
var ErrUnknownService = errors.New("unknown reconnect service")

// ShellRunner runs commands through a shell with a hard timeout.
type ShellRunner struct {
	Shell   string
	Dir     string
	Timeout time.Duration
}

func (r ShellRunner) Run(ctx context.Context, command string) (string, error) {
	if strings.TrimSpace(command) == "" {
		return "", fmt.Errorf("run_command requires a command")
	}
	shell := r.Shell
	if shell == "" {
		shell = "/bin/sh"
	}
	timeout := r.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, shell, "-c", command)
	cmd.Dir = r.Dir
	cmd.WaitDelay = 2 * time.Second
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	out := buf.String()
	if ctx.Err() == context.DeadlineExceeded {
		return out, fmt.Errorf("command timed out after %s", timeout)
	}
	if err != nil {
		return out, fmt.Errorf("command failed: %w", err)
	}
	return out, nil
}

// HTTPReconnector triggers reconnects by calling a per-service endpoint.
// Endpoints are expected to be idempotent.
type HTTPReconnector struct {
	targets map[string]config.ReconnectTarget
	client  *http.Client
}

func NewHTTPReconnector(targets map[string]config.ReconnectTarget) *HTTPReconnector {
	return &HTTPReconnector{targets: targets, client: &http.Client{}}
}

// Services lists configured service names.
func (r *HTTPReconnector) Services() []string {
	out := make([]string, 0, len(r.targets))
	for name := range r.targets {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *HTTPReconnector) Reconnect(ctx context.Context, service string) error {
	t, ok := r.targets[service]
	if !ok {
		return fmt.Errorf("%w %q", ErrUnknownService, service)
	}
	method := t.Method
	if method == "" {
		method = http.MethodPost
	}
	ctx, cancel := context.WithTimeout(ctx, config.Duration(t.Timeout, 10*time.Second))
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, t.URL, nil)
	if err != nil {
		return fmt.Errorf("build reconnect request: %w", err)
	}
	for k, v := range t.Headers {
		req.Header.Set(k, v)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return fmt.Errorf("reconnect %s: %w", service, err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("reconnect %s: status %d", service, resp.StatusCode)
	}
	return nil
}
