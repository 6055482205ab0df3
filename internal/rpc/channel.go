// Package rpc implements the framed JSON-RPC 2.0 channel the orchestrator
// speaks with adapter subprocesses. Frames are single JSON objects, one per
// line, written to the adapter's stdin and read from its stdout. Requests
// carry monotonically increasing integer ids; every request is answered by
// exactly one response bearing the same id.
//
// The channel distinguishes two failure planes. An application error (a
// well-formed response whose error member is set) fails only the call that
// caused it. A protocol failure (bytes that do not parse as an envelope, or
// loss of the underlying streams) is fatal: all pending and future calls
// fail immediately.
package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"testshard/internal/logging"
)

// MaxFrameBytes caps a single inbound frame. Discovery responses for large
// suites run to megabytes; anything beyond this is treated as a protocol
// violation rather than an allocation request.
const MaxFrameBytes = 32 * 1024 * 1024

// request is the wire form of an outbound call.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// response is the wire form of an inbound reply.
type response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Channel is a single-peer JSON-RPC connection over a Reader/Writer pair.
// One reader goroutine owns the inbound stream and dispatches responses to
// waiting callers by id.
type Channel struct {
	mu sync.Mutex

	w io.Writer

	pending map[int64]chan *response
	nextID  int64

	// failure is the fatal error that broke the channel, nil while healthy.
	failure error

	done chan struct{}
	wg   sync.WaitGroup
}

// NewChannel wires a channel over the given streams and starts the reader.
// For an adapter subprocess, w is its stdin and r its stdout.
func NewChannel(w io.Writer, r io.Reader) *Channel {
	c := &Channel{
		w:       w,
		pending: make(map[int64]chan *response),
		nextID:  1,
		done:    make(chan struct{}),
	}
	c.wg.Add(1)
	go c.readLoop(r)
	return c
}

// Call sends one request and blocks until its response arrives, the channel
// breaks, or ctx ends. On success the response's result member is decoded
// into result (which may be nil to discard it). An error response is
// returned as *Error; a broken channel as the fatal error that broke it.
func (c *Channel) Call(ctx context.Context, method string, params, result any) error {
	c.mu.Lock()
	if c.failure != nil {
		err := c.failure
		c.mu.Unlock()
		return err
	}

	id := c.nextID
	c.nextID++

	ch := make(chan *response, 1)
	c.pending[id] = ch

	data, err := json.Marshal(request{
		JSONRPC: "2.0",
		ID:      id,
		Method:  method,
		Params:  params,
	})
	if err != nil {
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("marshal %s request: %w", method, err)
	}

	// Frame delimiter is a single newline. The write happens under the lock
	// so frames from future concurrent callers cannot interleave.
	if _, err := c.w.Write(append(data, '\n')); err != nil {
		delete(c.pending, id)
		c.failLocked(fmt.Errorf("%w: write %s request: %v", ErrChannelClosed, method, err))
		failure := c.failure
		c.mu.Unlock()
		return failure
	}
	c.mu.Unlock()

	logging.RPCDebug("sent %s id=%d (%d bytes)", method, id, len(data))

	select {
	case resp := <-ch:
		if resp == nil {
			// Reader failed the channel and closed our slot.
			c.mu.Lock()
			failure := c.failure
			c.mu.Unlock()
			if failure == nil {
				failure = ErrChannelClosed
			}
			return failure
		}
		if resp.Error != nil {
			logging.RPCWarn("%s id=%d failed: code=%d %s", method, id, resp.Error.Code, resp.Error.Message)
			return resp.Error
		}
		if result != nil {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return &ProtocolError{Reason: fmt.Sprintf("undecodable %s result", method), Err: err}
			}
		}
		return nil

	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		logging.RPCWarn("%s id=%d abandoned: %v", method, id, ctx.Err())
		return ctx.Err()
	}
}

// Close tears the channel down. Pending calls fail with ErrChannelClosed.
// Safe to call more than once.
func (c *Channel) Close() error {
	c.mu.Lock()
	c.failLocked(ErrChannelClosed)
	c.mu.Unlock()
	return nil
}

// Err returns the fatal error that broke the channel, or nil while healthy.
func (c *Channel) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failure
}

// Done is closed once the channel has failed and the reader has been told
// to stop. The adapter manager selects on it to notice peer loss.
func (c *Channel) Done() <-chan struct{} {
	return c.done
}

// failLocked records the first fatal error and wakes every pending caller.
// Callers must hold c.mu.
func (c *Channel) failLocked(err error) {
	if c.failure != nil {
		return
	}
	c.failure = err
	for id, ch := range c.pending {
		close(ch)
		delete(c.pending, id)
	}
	close(c.done)
}

// readLoop owns the inbound stream. It exits on EOF, on a malformed frame,
// or when the channel is closed under it.
func (c *Channel) readLoop(r io.Reader) {
	defer c.wg.Done()

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), MaxFrameBytes)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var resp response
		if err := json.Unmarshal(line, &resp); err != nil {
			c.fail(&ProtocolError{Reason: "unparseable frame", Err: err})
			return
		}
		if resp.JSONRPC != "2.0" {
			c.fail(&ProtocolError{Reason: fmt.Sprintf("unexpected jsonrpc version %q", resp.JSONRPC)})
			return
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.ID]
		if ok {
			delete(c.pending, resp.ID)
			ch <- &resp
		} else {
			// A stray id must not disturb outstanding calls.
			logging.RPCWarn("discarding response for unknown id %d", resp.ID)
		}
		c.mu.Unlock()
	}

	if err := scanner.Err(); err != nil {
		if err == bufio.ErrTooLong {
			c.fail(&ProtocolError{Reason: fmt.Sprintf("frame exceeds %d bytes", MaxFrameBytes), Err: err})
			return
		}
		c.fail(fmt.Errorf("%w: read: %v", ErrChannelClosed, err))
		return
	}

	// Clean EOF: the peer hung up.
	c.fail(ErrChannelClosed)
}

// fail is failLocked with locking.
func (c *Channel) fail(err error) {
	c.mu.Lock()
	c.failLocked(err)
	c.mu.Unlock()
}

// Wait blocks until the reader goroutine has exited. Used by the adapter
// manager during shutdown so stream teardown is ordered.
func (c *Channel) Wait() {
	c.wg.Wait()
}
