package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/coderelay/coderelay/internal/apperr"
)

// TestHelperProcess acts as a mock app-server speaking newline-delimited
// JSON-RPC on stdin/stdout. Request methods:
//
//	initialize   → {} result
//	echo         → result = params
//	slow         → never answered
//	emitDelta    → {} result, then an item/agentMessage/delta notification
//	emitBogus    → {} result, then an unsupported notification
//	emitApproval → {} result, then an execCommandApproval server request;
//	               the client's reply is echoed back as an item/completed
//	               notification
//	exit         → process exits without answering
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	out := json.NewEncoder(os.Stdout)
	write := func(v any) {
		_ = out.Encode(v)
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var msg struct {
			ID     *int64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
			Result json.RawMessage `json:"result"`
		}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			continue
		}

		// A response to our own server request: surface it as a
		// notification so the test can observe the reply.
		if msg.ID != nil && msg.Method == "" {
			if *msg.ID >= 1000 {
				write(map[string]any{
					"jsonrpc": "2.0",
					"method":  "item/completed",
					"params":  map[string]any{"reply": msg.Result},
				})
			}
			continue
		}

		respond := func(result any) {
			write(map[string]any{"jsonrpc": "2.0", "id": msg.ID, "result": result})
		}

		switch msg.Method {
		case "initialize":
			respond(map[string]any{})
		case "echo":
			respond(msg.Params)
		case "slow":
			// Never answered.
		case "emitDelta":
			respond(map[string]any{})
			write(map[string]any{
				"jsonrpc": "2.0",
				"method":  "item/agentMessage/delta",
				"params":  map[string]any{"itemId": "i1", "delta": "OK"},
			})
		case "emitBogus":
			respond(map[string]any{})
			write(map[string]any{
				"jsonrpc": "2.0",
				"method":  "totally/unknown",
				"params":  map[string]any{},
			})
			write(map[string]any{
				"jsonrpc": "2.0",
				"method":  "item/agentMessage/delta",
				"params":  map[string]any{"itemId": "i2", "delta": "after"},
			})
		case "emitApproval":
			respond(map[string]any{})
			reqID := int64(1000)
			write(map[string]any{
				"jsonrpc": "2.0",
				"id":      reqID,
				"method":  "execCommandApproval",
				"params":  map[string]any{"threadId": "t1", "turnId": "turn1", "command": []string{"git", "status"}},
			})
		case "exit":
			os.Exit(0)
		default:
			respond(map[string]any{})
		}
	}
	os.Exit(0)
}

func newTestClient(t *testing.T, timeout time.Duration) *Client {
	t.Helper()
	c := New(Config{
		Command:     os.Args[0],
		Args:        []string{"-test.run=TestHelperProcess", "--"},
		Env:         []string{"GO_WANT_HELPER_PROCESS=1"},
		CallTimeout: timeout,
	})
	c.fatalFn = func(msg string) { t.Errorf("gateway fatal: %s", msg) }
	return c
}

// nextNotification skips every notification whose method is not want and
// returns the first one that matches (including the disconnect marker).
func nextNotification(t *testing.T, c *Client, want string) Notification {
	t.Helper()
	deadline := time.After(10 * time.Second)
	for {
		select {
		case n := <-c.Notifications():
			if n.Method == want {
				return n
			}
		case <-deadline:
			t.Fatalf("timed out waiting for notification %s", want)
		}
	}
}

func TestCall_Correlation(t *testing.T) {
	c := newTestClient(t, 10*time.Second)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			params := map[string]any{"n": i}
			raw, err := c.Call(context.Background(), "echo", params)
			assert.NoError(t, err)
			var got struct {
				N int `json:"n"`
			}
			assert.NoError(t, json.Unmarshal(raw, &got))
			assert.Equal(t, i, got.N)
		}(i)
	}
	wg.Wait()
}

func TestCall_Timeout(t *testing.T) {
	c := newTestClient(t, 150*time.Millisecond)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	_, err := c.Call(context.Background(), "slow", nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeRPCTimeout))
}

func TestNotifications_SupportedOnly(t *testing.T) {
	c := newTestClient(t, 10*time.Second)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	_, err := c.Call(context.Background(), "emitBogus", nil)
	require.NoError(t, err)

	// The unsupported method is dropped; the next delivered
	// notification is the delta that followed it.
	n := nextNotification(t, c, MethodAgentMessageDelta)
	var params struct {
		ItemID string `json:"itemId"`
	}
	require.NoError(t, json.Unmarshal(n.Params, &params))
	assert.Equal(t, "i2", params.ItemID)
	assert.Nil(t, n.Reply)
}

func TestServerRequest_Reply(t *testing.T) {
	c := newTestClient(t, 10*time.Second)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	_, err := c.Call(context.Background(), "emitApproval", nil)
	require.NoError(t, err)

	n := nextNotification(t, c, MethodExecCommandApproval)
	require.NotNil(t, n.Reply)
	require.NoError(t, n.Reply("accept"))

	// A second reply on the same handle is swallowed.
	require.NoError(t, n.Reply("decline"))

	echoed := nextNotification(t, c, MethodItemCompleted)
	var params struct {
		Reply json.RawMessage `json:"reply"`
	}
	require.NoError(t, json.Unmarshal(echoed.Params, &params))
	assert.JSONEq(t, `"accept"`, string(params.Reply))
}

func TestDisconnect_FailsPendingAndNotifies(t *testing.T) {
	c := newTestClient(t, 10*time.Second)
	require.NoError(t, c.Start(context.Background()))
	defer c.Stop()

	// The helper exits without answering; the pending call fails with a
	// disconnect error and the stream carries the synthetic marker.
	_, err := c.Call(context.Background(), "exit", nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeAgentDisconnected), "got %v", err)

	nextNotification(t, c, NotifyDisconnected)
}

func TestCall_UnavailableAfterStop(t *testing.T) {
	c := newTestClient(t, time.Second)
	require.NoError(t, c.Start(context.Background()))
	c.Stop()

	_, err := c.Call(context.Background(), "echo", nil)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.CodeAgentUnavailable))
}

func TestStop_Idempotent(t *testing.T) {
	c := newTestClient(t, time.Second)
	require.NoError(t, c.Start(context.Background()))
	c.Stop()
	c.Stop()
}
