// ABOUTME: Tests for channel framing, reply correlation, and close behavior.
// ABOUTME: Uses in-memory pipe connections instead of real websockets.

package channel

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(testWriter{}, &slog.HandlerOptions{Level: slog.LevelError}))
}

type testWriter struct{}

func (testWriter) Write(p []byte) (int, error) { return len(p), nil }

func TestMessage_IsReply(t *testing.T) {
	assert.True(t, (&Message{ID: "1", Result: json.RawMessage(`{}`)}).IsReply())
	assert.True(t, (&Message{ID: "1"}).IsReply())
	assert.False(t, (&Message{ID: "1", Method: "tools/list"}).IsReply())
	assert.False(t, (&Message{Method: "notify"}).IsReply())
}

func TestParseMessage_RetainsRaw(t *testing.T) {
	raw := []byte(`{"id":"abc","method":"ping","params":{"x":1}}`)
	msg, err := ParseMessage(raw)
	require.NoError(t, err)
	assert.Equal(t, "abc", msg.ID)
	assert.Equal(t, "ping", msg.Method)
	assert.Equal(t, raw, msg.Raw)
}

func TestParseMessage_Invalid(t *testing.T) {
	_, err := ParseMessage([]byte(`not json`))
	require.Error(t, err)
}

func TestChannel_CallCorrelatesReply(t *testing.T) {
	local, remote := Pipe()
	ch := New("sess-1", RoleObserver, "", local, testLogger())
	go ch.Run()
	defer ch.Close()

	// Fake peer: answer the first request with a result carrying its id.
	go func() {
		raw, err := remote.ReadMessage()
		if err != nil {
			return
		}
		var req Message
		if json.Unmarshal(raw, &req) != nil {
			return
		}
		reply, _ := json.Marshal(&Message{ID: req.ID, Result: json.RawMessage(`{"ok":true}`)})
		_ = remote.WriteMessage(reply)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	result, err := ch.Call(ctx, "tools/list", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"ok":true}`, string(result))
}

func TestChannel_CallRemoteError(t *testing.T) {
	local, remote := Pipe()
	ch := New("sess-1", RoleObserver, "", local, testLogger())
	go ch.Run()
	defer ch.Close()

	go func() {
		raw, err := remote.ReadMessage()
		if err != nil {
			return
		}
		var req Message
		if json.Unmarshal(raw, &req) != nil {
			return
		}
		reply, _ := json.Marshal(&Message{ID: req.ID, Error: &WireError{Code: -32601, Message: "method not found"}})
		_ = remote.WriteMessage(reply)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, err := ch.Call(ctx, "nope", nil)
	require.Error(t, err)
	var wireErr *WireError
	require.ErrorAs(t, err, &wireErr)
	assert.Equal(t, -32601, wireErr.Code)
}

func TestChannel_CallContextCancelled(t *testing.T) {
	local, _ := Pipe()
	ch := New("sess-1", RoleObserver, "", local, testLogger())
	go ch.Run()
	defer ch.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := ch.Call(ctx, "tools/list", nil)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestChannel_ForwardReceivesNonReplies(t *testing.T) {
	local, remote := Pipe()
	ch := New("sess-1", RoleObserver, "", local, testLogger())

	got := make(chan *Message, 1)
	ch.SetForward(func(msg *Message) {
		got <- msg
	})
	go ch.Run()
	defer ch.Close()

	frame := []byte(`{"id":"r1","method":"diagnostics/report","params":{"level":"warn"}}`)
	require.NoError(t, remote.WriteMessage(frame))

	select {
	case msg := <-got:
		assert.Equal(t, "diagnostics/report", msg.Method)
		assert.Equal(t, frame, msg.Raw)
	case <-time.After(2 * time.Second):
		t.Fatal("forward handler never invoked")
	}
}

func TestChannel_CloseFiresHooksOnce(t *testing.T) {
	local, _ := Pipe()
	ch := New("sess-1", RoleOperator, "tab-1", local, testLogger())

	count := 0
	ch.OnClose(func() { count++ })

	ch.Close()
	ch.Close()
	assert.Equal(t, 1, count)
	assert.True(t, ch.Closed())
}

func TestChannel_PeerCloseEndsRun(t *testing.T) {
	local, remote := Pipe()
	ch := New("sess-1", RoleObserver, "", local, testLogger())

	closed := make(chan struct{})
	ch.OnClose(func() { close(closed) })

	go ch.Run()
	require.NoError(t, remote.Close())

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not close after peer disconnect")
	}
}

func TestChannel_SendAfterClose(t *testing.T) {
	local, _ := Pipe()
	ch := New("sess-1", RoleObserver, "", local, testLogger())
	ch.Close()

	err := ch.Send([]byte(`{}`))
	require.ErrorIs(t, err, ErrChannelClosed)
}

func TestChannel_ReplyRacingCloseDoesNotPanic(t *testing.T) {
	// A reply frame arriving while another goroutine closes the channel
	// (group eviction, shutdown) must not hit a closed pending channel.
	for i := 0; i < 300; i++ {
		client, server := Pipe()
		ch := New("race", RoleOperator, "g", server, testLogger())

		callDone := make(chan struct{})
		go func() {
			defer close(callDone)
			_, _ = ch.Call(context.Background(), "ping", nil)
		}()

		// Wait for the pending entry so the reply has something to race.
		var id string
		for id == "" {
			ch.mu.RLock()
			for k := range ch.pending {
				id = k
			}
			ch.mu.RUnlock()
			time.Sleep(time.Microsecond)
		}

		msg := &Message{ID: id, Result: json.RawMessage(`{}`)}
		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			ch.dispatch(msg)
		}()
		go func() {
			defer wg.Done()
			ch.Close()
		}()
		wg.Wait()

		select {
		case <-callDone:
		case <-time.After(2 * time.Second):
			t.Fatal("call never returned")
		}
		client.Close()
	}
}
