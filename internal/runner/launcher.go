package runner

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"meganode/pkg/logger"
)

// OSProcessLauncher implements NodeLauncher by spawning a dedicated
// child process per user — no Lightning-node process pool library
// exists anywhere in the corpus, so process supervision here is the
// stdlib os/exec the way the teacher's own CLI tooling uses it
// (cmd/lncli-style invocation), generalized from a one-shot command
// into a long-lived supervised child.
type OSProcessLauncher struct {
	NodeBinaryPath string
	BasePort       int
	HealthTimeout  time.Duration
	ShutdownGrace  time.Duration
	Env            []string

	nextSlot atomic.Int32
}

// NewOSProcessLauncher builds a launcher that execs nodeBinaryPath,
// handing each child two ports starting at basePort.
func NewOSProcessLauncher(nodeBinaryPath string, basePort int) *OSProcessLauncher {
	return &OSProcessLauncher{
		NodeBinaryPath: nodeBinaryPath,
		BasePort:       basePort,
		HealthTimeout:  30 * time.Second,
		ShutdownGrace:  10 * time.Second,
	}
}

func (l *OSProcessLauncher) allocatePorts() (appPort, lexePort int) {
	slot := int(l.nextSlot.Add(1)) - 1
	return l.BasePort + slot*2, l.BasePort + slot*2 + 1
}

// Launch starts the child node process and returns a handle whose
// Ready channel fires once the node's health endpoint answers.
func (l *OSProcessLauncher) Launch(ctx context.Context, userPK, leaseID string) (*NodeHandle, error) {
	appPort, lexePort := l.allocatePorts()

	cmd := exec.Command(l.NodeBinaryPath)
	cmd.Env = append(append([]string{}, os.Environ()...), l.Env...)
	cmd.Env = append(cmd.Env,
		"MEGANODE_NODE_USER_PK="+userPK,
		"MEGANODE_NODE_LEASE_ID="+leaseID,
		fmt.Sprintf("MEGANODE_NODE_APP_PORT=%d", appPort),
		fmt.Sprintf("MEGANODE_NODE_LEXE_PORT=%d", lexePort),
	)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("runner: launch %s: %w", userPK, err)
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		if err := cmd.Wait(); err != nil {
			logger.Warn("runner: node process exited",
				zap.String("user_pk", userPK), zap.Error(err))
		}
	}()

	ready := make(chan RunPorts, 1)
	go l.pollHealth(ctx, appPort, lexePort, done, ready)

	var shutdownOnce sync.Once
	shutdown := func() {
		shutdownOnce.Do(func() {
			_ = cmd.Process.Signal(syscall.SIGTERM)
			go func() {
				select {
				case <-done:
				case <-time.After(l.ShutdownGrace):
					_ = cmd.Process.Kill()
				}
			}()
		})
	}

	return &NodeHandle{Ready: ready, Done: done, Shutdown: shutdown}, nil
}

// pollHealth polls the child's node_info endpoint until it answers, the
// process exits, or ctx is canceled, delivering ready exactly once on
// success.
func (l *OSProcessLauncher) pollHealth(ctx context.Context, appPort, lexePort int, done <-chan struct{}, ready chan<- RunPorts) {
	deadline := time.Now().Add(l.HealthTimeout)
	url := fmt.Sprintf("http://127.0.0.1:%d/app/node_info", appPort)
	client := &http.Client{Timeout: 2 * time.Second}

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			if time.Now().After(deadline) {
				return
			}
			req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
			if err != nil {
				return
			}
			resp, err := client.Do(req)
			if err != nil {
				continue
			}
			resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				ready <- RunPorts{AppPort: appPort, LexePort: lexePort}
				return
			}
		}
	}
}
