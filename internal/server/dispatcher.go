package server

import (
	"encoding/json"
	"fmt"

	"github.com/codefionn/mcpserve/internal/tools"
	"github.com/codefionn/mcpserve/internal/ws"
)

// Wire envelopes. Every server-to-client message carries a "type" tag; all
// failures, whatever their origin, collapse into the error envelope and
// leave the connection open.

type manifestMessage struct {
	Type  string                         `json:"type"`
	Tools map[string]tools.ManifestEntry `json:"tools"`
}

type responseMessage struct {
	Type   string      `json:"type"`
	Result interface{} `json:"result"`
}

type errorMessage struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// onText parses and routes one inbound text frame. Per-call failures are
// answered with the error envelope; only the endpoint layer ever tears the
// connection down.
func (s *Server) onText(ep *ws.Endpoint, clientID, msg string) {
	s.Log(fmt.Sprintf("OnWsText from %s: %s", clientID, msg))

	var parsed interface{}
	if err := json.Unmarshal([]byte(msg), &parsed); err != nil {
		s.Log(fmt.Sprintf("JSON parse err from %s: %v", clientID, err))
		s.sendError(ep, "Invalid JSON: "+err.Error())
		return
	}
	root, ok := parsed.(map[string]interface{})
	if !ok {
		s.Log("Invalid msg from " + clientID + ": not JSON object.")
		s.sendError(ep, "Payload must be JSON object.")
		return
	}

	msgType, _ := root["type"].(string)
	switch msgType {
	case "tool_call":
		s.dispatchToolCall(ep, clientID, root)
	case "":
		s.Log("Msg type missing from " + clientID)
		s.sendError(ep, "'type' field missing.")
	default:
		s.Log(fmt.Sprintf("Unknown msg type '%s' from %s", msgType, clientID))
		s.sendError(ep, "Unknown type: "+msgType)
	}
}

// dispatchToolCall resolves the tool, validates arguments and invokes the
// handler. Checks run in order: name present, name known, name enabled,
// args well formed.
func (s *Server) dispatchToolCall(ep *ws.Endpoint, clientID string, root map[string]interface{}) {
	toolName, _ := root["tool"].(string)
	if toolName == "" {
		s.Log(fmt.Sprintf("Tool call err from %s: 'tool' missing.", clientID))
		s.sendError(ep, "'tool' field missing.")
		return
	}

	def, known := s.registry.Get(toolName)
	if !known {
		s.Log(fmt.Sprintf("Tool '%s' not found. Req from %s", toolName, clientID))
		s.sendError(ep, fmt.Sprintf("Tool '%s' not found.", toolName))
		return
	}
	if !s.registry.IsEnabled(toolName) {
		s.Log(fmt.Sprintf("Tool '%s' not enabled. Req from %s", toolName, clientID))
		s.sendError(ep, fmt.Sprintf("Tool '%s' not enabled.", toolName))
		return
	}

	args := map[string]interface{}{}
	if rawArgs, present := root["args"]; present && rawArgs != nil {
		obj, ok := rawArgs.(map[string]interface{})
		if !ok {
			s.Log(fmt.Sprintf("Tool call err from %s for '%s': 'args' not object.", clientID, toolName))
			s.sendError(ep, "'args' must be a JSON object.")
			return
		}
		args = obj
	}

	if def.Handler == nil {
		s.Log(fmt.Sprintf("CRITICAL: Tool '%s' no handler! Req from %s", toolName, clientID))
		s.sendError(ep, fmt.Sprintf("Server Error: Tool '%s' misconfigured.", toolName))
		return
	}

	s.Log(fmt.Sprintf("Executing tool '%s' for %s", toolName, clientID))
	result, err := s.invoke(def, args, toolName)
	if err != nil {
		s.Log(fmt.Sprintf("Tool '%s' err for %s: %v", toolName, clientID, err))
		s.sendError(ep, err.Error())
		return
	}
	s.sendJSON(ep, responseMessage{Type: "tool_response", Result: result})
	s.Log(fmt.Sprintf("Tool '%s' success for %s.", toolName, clientID))
}

// invoke runs the handler with a per-call context. A panicking handler is
// converted into an ordinary call failure; the connection survives.
func (s *Server) invoke(def tools.Definition, args map[string]interface{}, toolName string) (result interface{}, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("Unknown error in tool '%s'.", toolName)
			s.Log(fmt.Sprintf("Tool '%s' panicked: %v", toolName, r))
		}
	}()

	s.mu.RLock()
	ctx := &tools.Context{
		Permissions: s.perms,
		Sandbox:     &s.sandbox,
		Log:         s.Log,
	}
	s.mu.RUnlock()

	return def.Handler(ctx, args)
}

// sendJSON serializes v and enqueues it as one TEXT frame.
func (s *Server) sendJSON(ep *ws.Endpoint, v interface{}) {
	if ep == nil || ep.IsClosed() {
		s.Log("SendJsonResponse: Client null/closed.")
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		s.Log("ERR: Failed to encode response: " + err.Error())
		return
	}
	ep.SendText(string(data))
}

func (s *Server) sendError(ep *ws.Endpoint, message string) {
	s.sendJSON(ep, errorMessage{Type: "error", Message: message})
}
