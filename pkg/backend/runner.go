// Package backend drives the container tool CLIs (docker, singularity,
// repo2docker, spython) used by the build pipeline.
package backend

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// Cmd describes one subprocess invocation.
type Cmd struct {
	Name  string
	Args  []string
	Dir   string
	Stdin io.Reader
	// OnLine receives every stdout and stderr line as it is produced.
	OnLine func(string)
}

func (c Cmd) String() string {
	return strings.TrimSpace(c.Name + " " + strings.Join(c.Args, " "))
}

// Runner executes commands and returns their trimmed stdout.
type Runner interface {
	Run(ctx context.Context, cmd Cmd) (string, error)
}

// ExecRunner runs commands on the host with os/exec.
type ExecRunner struct{}

// stderrTail bounds how much stderr is quoted in an error.
const stderrTail = 20

func (ExecRunner) Run(ctx context.Context, c Cmd) (string, error) {
	cmd := exec.CommandContext(ctx, c.Name, c.Args...)
	cmd.Dir = c.Dir
	cmd.Stdin = c.Stdin

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return "", fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("start %s: %w", c.Name, err)
	}

	var (
		out  bytes.Buffer
		tail []string
		mu   sync.Mutex
		wg   sync.WaitGroup
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		streamLines(stdout, func(line string) {
			out.WriteString(line)
			out.WriteByte('\n')
			if c.OnLine != nil {
				c.OnLine(line)
			}
		})
	}()
	go func() {
		defer wg.Done()
		streamLines(stderr, func(line string) {
			mu.Lock()
			tail = append(tail, line)
			if len(tail) > stderrTail {
				tail = tail[1:]
			}
			mu.Unlock()
			if c.OnLine != nil {
				c.OnLine(line)
			}
		})
	}()
	// Pipes must be drained before Wait closes them.
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) && len(tail) > 0 {
			return out.String(), fmt.Errorf("%s: %w\n%s", c.Name, err, strings.Join(tail, "\n"))
		}
		return out.String(), fmt.Errorf("%s: %w", c.Name, err)
	}
	return strings.TrimSpace(out.String()), nil
}

func streamLines(r io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		fn(scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		fn(fmt.Sprintf("log stream error: %v", err))
	}
}

// CheckInstalled reports whether name resolves on PATH.
func CheckInstalled(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("%s executable not found in PATH: %w", name, err)
	}
	return nil
}
