package server

import (
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codefionn/mcpserve/internal/config"
	"github.com/codefionn/mcpserve/internal/tools"
)

// startServer boots a server on an ephemeral loopback port, runs its pump
// loop in the background and returns the dial URL. The independent
// gorilla/websocket client exercises the hand-rolled framing from the
// outside.
func startServer(t *testing.T, setup func(srv *Server)) (*Server, string) {
	t.Helper()
	srv := New(0, "/mcp")
	srv.SetLogCallback(func(string) {})
	if setup != nil {
		setup(srv)
	}
	require.NoError(t, srv.Start())

	done := make(chan struct{})
	exited := make(chan struct{})
	go func() {
		defer close(exited)
		ticker := time.NewTicker(time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				srv.PumpEvents()
			}
		}
	}()
	t.Cleanup(func() {
		close(done)
		<-exited
		srv.Stop()
	})

	return srv, "ws://" + srv.BoundAddr() + "/mcp"
}

func registerEcho(srv *Server) {
	srv.AddTool("echo", tools.Definition{
		Description: "returns args",
		Parameters:  json.RawMessage(`{}`),
		Handler: func(_ *tools.Context, args map[string]interface{}) (interface{}, error) {
			return args, nil
		},
	})
	srv.EnableTool("echo")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	msgType, data, err := conn.ReadMessage()
	require.NoError(t, err)
	require.Equal(t, websocket.TextMessage, msgType)
	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &decoded))
	return decoded
}

func writeJSON(t *testing.T, conn *websocket.Conn, v interface{}) {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, data))
}

func TestConnectReceivesManifestFirst(t *testing.T) {
	_, url := startServer(t, registerEcho)
	conn := dial(t, url)

	manifest := readJSON(t, conn)
	want := map[string]interface{}{
		"type": "manifest",
		"tools": map[string]interface{}{
			"echo": map[string]interface{}{
				"description": "returns args",
				"parameters":  map[string]interface{}{},
			},
		},
	}
	assert.Equal(t, want, manifest)
}

func TestSuccessfulToolCall(t *testing.T) {
	_, url := startServer(t, registerEcho)
	conn := dial(t, url)
	readJSON(t, conn) // manifest

	writeJSON(t, conn, map[string]interface{}{
		"type": "tool_call",
		"tool": "echo",
		"args": map[string]interface{}{"x": 1},
	})
	response := readJSON(t, conn)
	assert.Equal(t, "tool_response", response["type"])
	assert.Equal(t, map[string]interface{}{"x": float64(1)}, response["result"])
}

func TestMissingArgsMeansEmptyObject(t *testing.T) {
	_, url := startServer(t, registerEcho)
	conn := dial(t, url)
	readJSON(t, conn)

	writeJSON(t, conn, map[string]interface{}{"type": "tool_call", "tool": "echo"})
	response := readJSON(t, conn)
	assert.Equal(t, "tool_response", response["type"])
	assert.Equal(t, map[string]interface{}{}, response["result"])
}

func TestUnknownToolKeepsConnection(t *testing.T) {
	_, url := startServer(t, registerEcho)
	conn := dial(t, url)
	readJSON(t, conn)

	writeJSON(t, conn, map[string]interface{}{"type": "tool_call", "tool": "nope"})
	errMsg := readJSON(t, conn)
	assert.Equal(t, "error", errMsg["type"])
	assert.Equal(t, "Tool 'nope' not found.", errMsg["message"])

	// The connection survives; a correct call still works.
	writeJSON(t, conn, map[string]interface{}{"type": "tool_call", "tool": "echo"})
	response := readJSON(t, conn)
	assert.Equal(t, "tool_response", response["type"])
}

func TestDispatcherErrorTaxonomy(t *testing.T) {
	_, url := startServer(t, func(srv *Server) {
		registerEcho(srv)
		srv.AddTool("dormant", tools.Definition{Description: "registered, never enabled",
			Handler: func(*tools.Context, map[string]interface{}) (interface{}, error) { return nil, nil }})
		srv.AddTool("grumpy", tools.Definition{Description: "always fails",
			Handler: func(*tools.Context, map[string]interface{}) (interface{}, error) {
				return nil, errors.New("handler says no")
			}})
		srv.EnableTool("grumpy")
		srv.AddTool("panicky", tools.Definition{Description: "loses composure",
			Handler: func(*tools.Context, map[string]interface{}) (interface{}, error) {
				panic("boom")
			}})
		srv.EnableTool("panicky")
	})
	conn := dial(t, url)
	readJSON(t, conn)

	cases := []struct {
		name    string
		send    interface{}
		raw     string
		message string
	}{
		{name: "invalid json", raw: "{nope", message: ""},
		{name: "non-object payload", raw: `[1,2]`, message: "Payload must be JSON object."},
		{name: "missing type", send: map[string]interface{}{"tool": "echo"}, message: "'type' field missing."},
		{name: "unknown type", send: map[string]interface{}{"type": "weird"}, message: "Unknown type: weird"},
		{name: "missing tool", send: map[string]interface{}{"type": "tool_call"}, message: "'tool' field missing."},
		{name: "disabled tool", send: map[string]interface{}{"type": "tool_call", "tool": "dormant"},
			message: "Tool 'dormant' not enabled."},
		{name: "args not object", send: map[string]interface{}{"type": "tool_call", "tool": "echo", "args": []int{1}},
			message: "'args' must be a JSON object."},
		{name: "handler failure verbatim", send: map[string]interface{}{"type": "tool_call", "tool": "grumpy"},
			message: "handler says no"},
		{name: "handler panic", send: map[string]interface{}{"type": "tool_call", "tool": "panicky"},
			message: "Unknown error in tool 'panicky'."},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if tc.raw != "" {
				require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(tc.raw)))
			} else {
				writeJSON(t, conn, tc.send)
			}
			envelope := readJSON(t, conn)
			assert.Equal(t, "error", envelope["type"])
			message, _ := envelope["message"].(string)
			assert.NotEmpty(t, message)
			if tc.message != "" {
				assert.Equal(t, tc.message, message)
			}
		})
	}

	// After the whole gauntlet the connection still serves calls.
	writeJSON(t, conn, map[string]interface{}{"type": "tool_call", "tool": "echo"})
	response := readJSON(t, conn)
	assert.Equal(t, "tool_response", response["type"])
}

func TestSandboxViolationSurfacesToClient(t *testing.T) {
	_, url := startServer(t, func(srv *Server) {
		srv.AddSandboxRoot("/srv/ok")
		srv.AddTool("touch", tools.Definition{
			Description: "checks a path against the sandbox",
			Handler: func(ctx *tools.Context, args map[string]interface{}) (interface{}, error) {
				path, _ := args["path"].(string)
				if err := ctx.Enforce(path); err != nil {
					return nil, err
				}
				return true, nil
			},
		})
		srv.EnableTool("touch")
	})
	conn := dial(t, url)
	readJSON(t, conn)

	writeJSON(t, conn, map[string]interface{}{
		"type": "tool_call", "tool": "touch",
		"args": map[string]interface{}{"path": "/etc/shadow"},
	})
	envelope := readJSON(t, conn)
	assert.Equal(t, "error", envelope["type"])
	assert.Equal(t, "Sandbox violation: Path '/etc/shadow' outside roots.", envelope["message"])

	writeJSON(t, conn, map[string]interface{}{
		"type": "tool_call", "tool": "touch",
		"args": map[string]interface{}{"path": "/srv/ok/notes.txt"},
	})
	response := readJSON(t, conn)
	assert.Equal(t, "tool_response", response["type"])
	assert.Equal(t, true, response["result"])
}

func TestResponsesArriveInCallOrder(t *testing.T) {
	_, url := startServer(t, registerEcho)
	conn := dial(t, url)
	readJSON(t, conn)

	const n = 25
	for i := 0; i < n; i++ {
		writeJSON(t, conn, map[string]interface{}{
			"type": "tool_call", "tool": "echo",
			"args": map[string]interface{}{"seq": i},
		})
	}
	for i := 0; i < n; i++ {
		response := readJSON(t, conn)
		require.Equal(t, "tool_response", response["type"])
		result := response["result"].(map[string]interface{})
		require.Equal(t, float64(i), result["seq"], "response %d out of order", i)
	}
}

func TestLiveToolToggle(t *testing.T) {
	srv, url := startServer(t, registerEcho)
	conn := dial(t, url)
	readJSON(t, conn)

	srv.DisableTool("echo")
	writeJSON(t, conn, map[string]interface{}{"type": "tool_call", "tool": "echo"})
	envelope := readJSON(t, conn)
	assert.Equal(t, "error", envelope["type"])
	assert.Equal(t, "Tool 'echo' not enabled.", envelope["message"])

	srv.EnableTool("echo")
	writeJSON(t, conn, map[string]interface{}{"type": "tool_call", "tool": "echo"})
	response := readJSON(t, conn)
	assert.Equal(t, "tool_response", response["type"])
}

func TestPathMismatchIs404(t *testing.T) {
	_, url := startServer(t, registerEcho)
	wrong := url[:len(url)-len("/mcp")] + "/other"

	_, resp, err := websocket.DefaultDialer.Dial(wrong, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 404, resp.StatusCode)
}

func TestStopSendsShutdownClose(t *testing.T) {
	srv := New(0, "/mcp")
	srv.SetLogCallback(func(string) {})
	registerEcho(srv)
	require.NoError(t, srv.Start())

	// Pump in the background just long enough to complete the handshake
	// and deliver the manifest, then stop the pump before shutting the
	// server down.
	stopPump := make(chan struct{})
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for {
			select {
			case <-stopPump:
				return
			default:
				srv.PumpEvents()
				time.Sleep(time.Millisecond)
			}
		}
	}()

	url := "ws://" + srv.BoundAddr() + "/mcp"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	readJSON(t, conn) // manifest
	close(stopPump)
	<-pumpDone
	srv.Stop()

	var closeErr *websocket.CloseError
	for {
		_, _, err := conn.ReadMessage()
		if err != nil {
			require.ErrorAs(t, err, &closeErr)
			break
		}
	}
	assert.Equal(t, 1001, closeErr.Code)
	assert.Equal(t, "Server shutdown", closeErr.Text)
}

func TestMutatorsRefusedWhileListening(t *testing.T) {
	srv, _ := startServer(t, registerEcho)

	srv.SetPort(9999)
	assert.NotEqual(t, uint16(9999), srv.Port(), "port change must be refused while listening")

	srv.SetPathPrefix("/elsewhere")
	assert.Equal(t, "/mcp", srv.PathPrefix())

	before := srv.SandboxRoots()
	srv.AddSandboxRoot("/srv/late")
	assert.Equal(t, before, srv.SandboxRoots())

	// Permission changes stay live.
	srv.SetPermissions(permissionsWithRead())
	assert.True(t, srv.Permissions().AllowReadFiles)
}

func TestSetPortValidation(t *testing.T) {
	srv := New(5000, "/mcp")
	srv.SetLogCallback(func(string) {})
	srv.SetPort(0)
	assert.Equal(t, uint16(5000), srv.Port(), "port 0 must be refused")
	srv.SetPort(7000)
	assert.Equal(t, uint16(7000), srv.Port())
}

func TestPathPrefixNormalization(t *testing.T) {
	srv := New(5000, "mcp")
	srv.SetLogCallback(func(string) {})
	assert.Equal(t, "/mcp", srv.PathPrefix())

	srv.SetPathPrefix("tools/")
	assert.Equal(t, "/tools", srv.PathPrefix())
}

func permissionsWithRead() (p config.Permissions) {
	p.AllowReadFiles = true
	return p
}
