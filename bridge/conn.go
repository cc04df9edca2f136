package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/ragtag/mcplink/internal/util"
)

// MaxLineSize bounds a single response line.
const MaxLineSize = 16 << 20

var (
	// ErrNoResponse is returned when the peer closed its output before
	// answering.
	ErrNoResponse = errors.New("no response")

	// ErrConnClosed is returned by Send once the read loop has ended.
	ErrConnClosed = errors.New("connection closed")
)

type lineResult struct {
	resp *Response
	err  error
}

// Future is a pending response.
type Future struct {
	id   int64
	conn *Conn
	ch   chan lineResult
}

// ID returns the request id the future waits for.
func (f *Future) ID() int64 {
	return f.id
}

// Wait blocks until the response arrives, the peer goes away or ctx ends.
// A future that gave up on ctx is forgotten; a late response for it is
// dropped by the read loop.
func (f *Future) Wait(ctx context.Context) (*Response, error) {
	select {
	case res := <-f.ch:
		return res.resp, res.err
	case <-ctx.Done():
		f.conn.forget(f)
		return nil, ctx.Err()
	}
}

// Conn exchanges line-delimited JSON-RPC messages with a peer. Requests are
// written to w; a single read loop parses lines from r and hands each
// response to the waiter with the matching id. Lines that cannot be
// correlated are logged and skipped, except malformed ones, which go to the
// oldest waiter.
type Conn struct {
	w      io.WriteCloser
	logger *slog.Logger

	writeMu sync.Mutex

	mu      sync.Mutex
	waiters []*Future
	ended   bool
	readErr error

	done chan struct{}
}

// NewConn starts the read loop over r.
func NewConn(w io.WriteCloser, r io.Reader, logger *slog.Logger) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		w:      w,
		logger: logger,
		done:   make(chan struct{}),
	}
	go c.readLoop(r)
	return c
}

// Send writes req as one line and returns a future for its response.
func (c *Conn) Send(req *Request) (*Future, error) {
	b, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	b = append(b, '\n')

	f := &Future{id: req.ID, conn: c, ch: make(chan lineResult, 1)}
	c.mu.Lock()
	if c.ended {
		c.mu.Unlock()
		return nil, ErrConnClosed
	}
	c.waiters = append(c.waiters, f)
	c.mu.Unlock()

	c.logger.Debug("Sending request", "id", req.ID, "method", req.Method)

	c.writeMu.Lock()
	_, err = c.w.Write(b)
	c.writeMu.Unlock()
	if err != nil {
		c.forget(f)
		return nil, fmt.Errorf("write request: %w", err)
	}
	return f, nil
}

// Close closes the write side. The read loop ends when the peer closes its
// output.
func (c *Conn) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.w.Close()
}

// Done is closed when the read loop has ended.
func (c *Conn) Done() <-chan struct{} {
	return c.done
}

// Err returns the read error that ended the loop, if any. A clean EOF
// yields nil.
func (c *Conn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.readErr
}

// Pending returns the number of requests awaiting a response.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.waiters)
}

func (c *Conn) forget(f *Future) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, w := range c.waiters {
		if w == f {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return
		}
	}
}

func (c *Conn) readLoop(r io.Reader) {
	defer close(c.done)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), MaxLineSize)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		c.dispatch(string(line))
	}

	err := scanner.Err()
	if err != nil {
		c.logger.Warn("Read loop failed", "error", err)
	}

	c.mu.Lock()
	c.ended = true
	c.readErr = err
	waiters := c.waiters
	c.waiters = nil
	c.mu.Unlock()

	for _, f := range waiters {
		f.ch <- lineResult{err: ErrNoResponse}
	}
}

func (c *Conn) dispatch(line string) {
	var resp Response
	if err := json.Unmarshal([]byte(line), &resp); err != nil {
		if f := c.takeOldest(); f != nil {
			f.ch <- lineResult{err: &MalformedError{Line: line, Err: err}}
			return
		}
		c.logger.Warn("Dropping malformed line with no pending request", "line", util.Preview(line, 200))
		return
	}
	resp.raw = line

	if f := c.take(&resp); f != nil {
		f.ch <- lineResult{resp: &resp}
		return
	}
	c.logger.Warn("Skipping uncorrelated message",
		"id", string(resp.ID),
		"pending", c.Pending(),
		"line", util.Preview(line, 200))
}

// take removes and returns the waiter whose id the response carries.
func (c *Conn) take(resp *Response) *Future {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, f := range c.waiters {
		if resp.HasID(f.id) {
			c.waiters = append(c.waiters[:i], c.waiters[i+1:]...)
			return f
		}
	}
	return nil
}

func (c *Conn) takeOldest() *Future {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.waiters) == 0 {
		return nil
	}
	f := c.waiters[0]
	c.waiters = c.waiters[1:]
	return f
}
