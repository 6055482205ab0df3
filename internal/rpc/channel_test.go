package rpc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"
)

// fakePeer scripts the adapter side of a channel. The handler receives each
// decoded request and returns the raw line(s) to write back; writing nothing
// leaves the call pending.
type fakePeer struct {
	t       *testing.T
	channel *Channel

	peerIn  *io.PipeReader // requests arrive here
	peerOut *io.PipeWriter // responses leave here
}

func newFakePeer(t *testing.T, handler func(req map[string]any) []string) *fakePeer {
	t.Helper()

	clientR, peerOut := io.Pipe()
	peerIn, clientW := io.Pipe()

	p := &fakePeer{
		t:       t,
		channel: NewChannel(clientW, clientR),
		peerIn:  peerIn,
		peerOut: peerOut,
	}

	go func() {
		scanner := bufio.NewScanner(peerIn)
		for scanner.Scan() {
			var req map[string]any
			if err := json.Unmarshal(scanner.Bytes(), &req); err != nil {
				t.Errorf("peer received unparseable request: %v", err)
				return
			}
			for _, line := range handler(req) {
				if _, err := io.WriteString(peerOut, line+"\n"); err != nil {
					return
				}
			}
		}
	}()

	t.Cleanup(func() {
		_ = p.channel.Close()
		_ = peerOut.Close()
		_ = peerIn.Close()
	})

	return p
}

func reqID(req map[string]any) int64 {
	// encoding/json decodes numbers into float64.
	f, _ := req["id"].(float64)
	return int64(f)
}

func TestCallRoundTrip(t *testing.T) {
	peer := newFakePeer(t, func(req map[string]any) []string {
		if req["method"] != "get_info" {
			t.Errorf("unexpected method %v", req["method"])
		}
		if req["jsonrpc"] != "2.0" {
			t.Errorf("unexpected jsonrpc field %v", req["jsonrpc"])
		}
		resp, _ := json.Marshal(map[string]any{
			"jsonrpc": "2.0",
			"id":      reqID(req),
			"result":  map[string]any{"name": "pytest-adapter", "version": "1.2.0"},
		})
		return []string{string(resp)}
	})

	var result struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := peer.channel.Call(ctx, "get_info", struct{}{}, &result); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if result.Name != "pytest-adapter" || result.Version != "1.2.0" {
		t.Fatalf("unexpected result: %+v", result)
	}
}

func TestCallIDsIncrease(t *testing.T) {
	var seen []int64
	peer := newFakePeer(t, func(req map[string]any) []string {
		id := reqID(req)
		seen = append(seen, id)
		resp, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "result": map[string]any{}})
		return []string{string(resp)}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for i := 0; i < 3; i++ {
		if err := peer.channel.Call(ctx, "ping", nil, nil); err != nil {
			t.Fatalf("Call %d failed: %v", i, err)
		}
	}

	if len(seen) != 3 {
		t.Fatalf("peer saw %d requests, want 3", len(seen))
	}
	for i := 1; i < len(seen); i++ {
		if seen[i] <= seen[i-1] {
			t.Fatalf("ids not increasing: %v", seen)
		}
	}
}

func TestCallApplicationErrorLeavesChannelOpen(t *testing.T) {
	calls := 0
	peer := newFakePeer(t, func(req map[string]any) []string {
		calls++
		id := reqID(req)
		if calls == 1 {
			resp, _ := json.Marshal(map[string]any{
				"jsonrpc": "2.0",
				"id":      id,
				"error":   map[string]any{"code": -32050, "message": "discovery failed: no tests dir"},
			})
			return []string{string(resp)}
		}
		resp, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "result": map[string]any{}})
		return []string{string(resp)}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := peer.channel.Call(ctx, "discover_tests", nil, nil)
	if err == nil {
		t.Fatal("expected application error")
	}
	var rpcErr *Error
	if !errors.As(err, &rpcErr) {
		t.Fatalf("error is %T, want *Error", err)
	}
	if rpcErr.Code != -32050 {
		t.Fatalf("code = %d, want -32050", rpcErr.Code)
	}
	if !rpcErr.IsAdapterDefined() {
		t.Fatalf("code %d should be adapter-defined", rpcErr.Code)
	}

	// The channel survives an application error.
	if err := peer.channel.Call(ctx, "get_info", nil, nil); err != nil {
		t.Fatalf("second Call failed: %v", err)
	}
	if peer.channel.Err() != nil {
		t.Fatalf("channel unexpectedly failed: %v", peer.channel.Err())
	}
}

func TestUnknownIDDiscardedWithoutDisturbingPendingCall(t *testing.T) {
	peer := newFakePeer(t, func(req map[string]any) []string {
		id := reqID(req)
		stray, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": 9999, "result": map[string]any{}})
		real, _ := json.Marshal(map[string]any{"jsonrpc": "2.0", "id": id, "result": map[string]any{"ok": true}})
		return []string{string(stray), string(real)}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var result struct {
		OK bool `json:"ok"`
	}
	if err := peer.channel.Call(ctx, "get_info", nil, &result); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if !result.OK {
		t.Fatal("stray response corrupted the real one")
	}
}

func TestMalformedFrameIsFatal(t *testing.T) {
	peer := newFakePeer(t, func(req map[string]any) []string {
		return []string{"this is not json"}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := peer.channel.Call(ctx, "get_info", nil, nil)
	if err == nil {
		t.Fatal("expected protocol error")
	}
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("error is %T, want *ProtocolError", err)
	}

	// Fatal: later calls fail fast without touching the wire.
	if err := peer.channel.Call(ctx, "get_info", nil, nil); err == nil {
		t.Fatal("expected call after protocol failure to fail")
	}
	select {
	case <-peer.channel.Done():
	case <-time.After(time.Second):
		t.Fatal("Done not closed after protocol failure")
	}
}

func TestWrongVersionIsFatal(t *testing.T) {
	peer := newFakePeer(t, func(req map[string]any) []string {
		resp, _ := json.Marshal(map[string]any{"jsonrpc": "1.0", "id": reqID(req), "result": map[string]any{}})
		return []string{string(resp)}
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := peer.channel.Call(ctx, "get_info", nil, nil)
	var protoErr *ProtocolError
	if !errors.As(err, &protoErr) {
		t.Fatalf("error is %T (%v), want *ProtocolError", err, err)
	}
}

func TestPeerEOFFailsPendingCall(t *testing.T) {
	peer := newFakePeer(t, func(req map[string]any) []string {
		return nil // never answer
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	errCh := make(chan error, 1)
	go func() {
		errCh <- peer.channel.Call(ctx, "discover_tests", nil, nil)
	}()

	// Let the request land, then hang up.
	time.Sleep(50 * time.Millisecond)
	_ = peer.peerOut.Close()

	select {
	case err := <-errCh:
		if !errors.Is(err, ErrChannelClosed) {
			t.Fatalf("err = %v, want ErrChannelClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not released on EOF")
	}
}

func TestCallContextTimeout(t *testing.T) {
	peer := newFakePeer(t, func(req map[string]any) []string {
		return nil // never answer
	})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := peer.channel.Call(ctx, "discover_tests", nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v, want context.DeadlineExceeded", err)
	}
}

func TestCallAfterClose(t *testing.T) {
	peer := newFakePeer(t, func(req map[string]any) []string { return nil })
	_ = peer.channel.Close()

	err := peer.channel.Call(context.Background(), "get_info", nil, nil)
	if !errors.Is(err, ErrChannelClosed) {
		t.Fatalf("err = %v, want ErrChannelClosed", err)
	}
}
