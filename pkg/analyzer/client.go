package analyzer

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"go.uber.org/zap"

	"github.com/recallhq/recall/internal/common/logger"
)

// MessageHandler handles streaming messages from the analyzer.
type MessageHandler func(msg *CLIMessage)

// Client handles analyzer communication over stdin/stdout streams.
// It reads streaming JSON from stdout and writes user messages to stdin.
type Client struct {
	stdin  io.Writer
	stdout io.Reader
	logger *logger.Logger

	messageHandler MessageHandler

	mu   sync.RWMutex
	done chan struct{}
}

// NewClient creates a new analyzer protocol client.
func NewClient(stdin io.Writer, stdout io.Reader, log *logger.Logger) *Client {
	return &Client{
		stdin:  stdin,
		stdout: stdout,
		logger: log.WithFields(zap.String("component", "analyzer-client")),
		done:   make(chan struct{}),
	}
}

// SetMessageHandler sets the handler for streaming messages.
func (c *Client) SetMessageHandler(handler MessageHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageHandler = handler
}

// Start begins reading from stdout in a goroutine. Returns a channel that
// is closed when the read loop is ready, and a channel closed when the
// stream ends.
func (c *Client) Start(ctx context.Context) (ready <-chan struct{}, closed <-chan struct{}) {
	readyCh := make(chan struct{})
	closedCh := make(chan struct{})
	go c.readLoop(ctx, readyCh, closedCh)
	return readyCh, closedCh
}

// Stop stops the client.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	select {
	case <-c.done:
	default:
		close(c.done)
	}
}

// SendUserMessage sends one input frame rendered as a user message.
func (c *Client) SendUserMessage(content string) error {
	msg := &UserMessage{
		Type: MessageTypeUser,
		Message: UserMessageBody{
			Role:    "user",
			Content: content,
		},
	}
	return c.send(msg)
}

func (c *Client) send(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message: %w", err)
	}
	data = append(data, '\n')
	if _, err := c.stdin.Write(data); err != nil {
		return fmt.Errorf("failed to write message: %w", err)
	}
	c.logger.Debug("analyzer: sent message", zap.Int("bytes", len(data)))
	return nil
}

func (c *Client) readLoop(ctx context.Context, ready, closed chan<- struct{}) {
	defer close(closed)

	scanner := bufio.NewScanner(c.stdout)
	// Allow for large JSON messages (up to 10MB)
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 10*1024*1024)

	c.logger.Debug("analyzer: read loop starting")
	close(ready)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		c.handleLine(line)
	}

	if err := scanner.Err(); err != nil {
		c.logger.Error("read loop error", zap.Error(err))
	}
}

func (c *Client) handleLine(line []byte) {
	var msg CLIMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		c.logger.Warn("failed to parse message", zap.Error(err), zap.String("line", string(line)))
		return
	}

	c.mu.RLock()
	handler := c.messageHandler
	c.mu.RUnlock()

	if handler != nil {
		msg.RawContent = append([]byte(nil), line...)
		handler(&msg)
	}
}
