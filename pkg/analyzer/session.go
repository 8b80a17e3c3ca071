package analyzer

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/recallhq/recall/internal/common/logger"
)

// Config holds settings for spawning an analyzer subprocess.
type Config struct {
	Binary       string
	Model        string
	WorkDir      string
	SpawnTimeout time.Duration
}

// Session owns one analyzer subprocess: the child process, its protocol
// client, and the reply stream surfaced to the orchestrator.
type Session struct {
	cfg    Config
	logger *logger.Logger

	cmd     *exec.Cmd
	client  *Client
	stdin   io.WriteCloser
	replies chan Reply

	mu                sync.Mutex
	analyzerSessionID string
	closed            bool

	streamClosed <-chan struct{}
	waitErr      chan error
}

// Launch spawns the analyzer subprocess, starts the protocol client, and
// waits for the read loop to come up. Fails within cfg.SpawnTimeout.
func Launch(ctx context.Context, cfg Config, log *logger.Logger) (*Session, error) {
	if cfg.Binary == "" {
		return nil, fmt.Errorf("analyzer binary not configured")
	}
	if cfg.SpawnTimeout <= 0 {
		cfg.SpawnTimeout = 15 * time.Second
	}

	args := []string{
		"--input-format", "stream-json",
		"--output-format", "stream-json",
		"--verbose",
	}
	if cfg.Model != "" {
		args = append(args, "--model", cfg.Model)
	}

	cmd := exec.Command(cfg.Binary, args...)
	if cfg.WorkDir != "" {
		cmd.Dir = cfg.WorkDir
	}
	setProcGroup(cmd)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	sessionLog := log.WithFields(zap.String("component", "analyzer-session"))

	s := &Session{
		cfg:     cfg,
		logger:  sessionLog,
		cmd:     cmd,
		stdin:   stdin,
		replies: make(chan Reply, 16),
		waitErr: make(chan error, 1),
	}

	s.client = NewClient(stdin, stdout, log)
	s.client.SetMessageHandler(s.handleMessage)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start analyzer %q: %w", cfg.Binary, err)
	}
	sessionLog.Info("analyzer subprocess started",
		zap.String("binary", cfg.Binary),
		zap.Int("pid", cmd.Process.Pid))

	go s.drainStderr(stderr)

	ready, streamClosed := s.client.Start(ctx)
	s.streamClosed = streamClosed

	select {
	case <-ready:
	case <-time.After(cfg.SpawnTimeout):
		_ = killProcessGroup(cmd.Process.Pid)
		return nil, fmt.Errorf("analyzer did not become ready within %v", cfg.SpawnTimeout)
	case <-ctx.Done():
		_ = killProcessGroup(cmd.Process.Pid)
		return nil, ctx.Err()
	}

	go s.supervise()

	return s, nil
}

// supervise waits for the reply stream to end and the process to exit,
// then closes the reply channel.
func (s *Session) supervise() {
	<-s.streamClosed
	err := s.cmd.Wait()
	s.waitErr <- err
	close(s.replies)

	if err != nil {
		s.logger.Warn("analyzer subprocess exited with error", zap.Error(err))
	} else {
		s.logger.Debug("analyzer subprocess exited cleanly")
	}
}

func (s *Session) drainStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		s.logger.Debug("analyzer stderr", zap.String("line", scanner.Text()))
	}
}

func (s *Session) handleMessage(msg *CLIMessage) {
	switch msg.Type {
	case MessageTypeSystem:
		if msg.SessionID != "" {
			s.mu.Lock()
			s.analyzerSessionID = msg.SessionID
			s.mu.Unlock()
		}
	case MessageTypeAssistant:
		if msg.Message == nil {
			return
		}
		s.replies <- Reply{
			Text:  msg.Message.Text(),
			Usage: msg.Message.Usage,
		}
	case MessageTypeResult:
		// Status frame, no payload of interest
	}
}

// Send transmits one input frame to the analyzer.
func (s *Session) Send(frame Frame) error {
	content, err := frame.Render()
	if err != nil {
		return err
	}
	return s.client.SendUserMessage(content)
}

// Replies returns the stream of usage-bearing assistant replies. The
// channel closes when the analyzer's output stream ends.
func (s *Session) Replies() <-chan Reply {
	return s.replies
}

// AnalyzerSessionID returns the analyzer-side session id, or "" if the
// analyzer has not reported one yet.
func (s *Session) AnalyzerSessionID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.analyzerSessionID
}

// CloseInput closes the analyzer's stdin, signalling end of the frame
// stream. The analyzer is expected to finish outstanding replies and exit.
func (s *Session) CloseInput() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	return s.stdin.Close()
}

// Terminate asks the process group to shut down. Used on cancellation
// after the drain grace period.
func (s *Session) Terminate() {
	if s.cmd.Process == nil {
		return
	}
	if err := terminateProcessGroup(s.cmd.Process.Pid); err != nil {
		s.logger.Debug("terminate failed", zap.Error(err))
	}
}

// Kill forcefully stops the process group.
func (s *Session) Kill() {
	if s.cmd.Process == nil {
		return
	}
	_ = killProcessGroup(s.cmd.Process.Pid)
}

// Wait blocks until the subprocess has exited and returns its exit error.
func (s *Session) Wait() error {
	return <-s.waitErr
}
