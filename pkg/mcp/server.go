/*
Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package mcp exposes the broker over JSON-RPC 2.0 on stdio. Tools build
// commands and queries onto the bus; nothing here touches the domain
// directly.
package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/go-logr/logr"

	"github.com/awslabs/open-resource-broker/pkg/bus"
)

// JSON-RPC 2.0 standard codes plus the application range.
const (
	codeParseError     = -32700
	codeInvalidRequest = -32600
	codeMethodNotFound = -32601
	codeInvalidParams  = -32602

	codeUnknownTool     = 1001
	codeToolFailure     = 1002
	codeUnknownResource = 1003
	codeResourceFailure = 1004
	codeUnknownPrompt   = 1005
	codePromptFailure   = 1006
)

const protocolVersion = "2024-11-05"

type rpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

type rpcError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

type rpcResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// Server serves the MCP surface over one reader/writer pair.
type Server struct {
	bus   *bus.Bus
	tools []Tool

	writeMu sync.Mutex
}

func NewServer(b *bus.Bus) *Server {
	return &Server{bus: b, tools: builtinTools()}
}

// Tools lists the registered tool definitions.
func (s *Server) Tools() []Tool { return s.tools }

// Serve reads newline-delimited JSON-RPC requests until EOF or context
// cancellation.
func (s *Server) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	log := logr.FromContextOrDiscard(ctx).WithName("mcp")
	scanner := bufio.NewScanner(in)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var request rpcRequest
		if err := json.Unmarshal(line, &request); err != nil {
			s.write(out, rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "parse error"}})
			continue
		}
		response := s.handle(ctx, &request)
		if response != nil {
			if err := s.write(out, *response); err != nil {
				log.Error(err, "writing response")
				return err
			}
		}
	}
	return scanner.Err()
}

func (s *Server) write(out io.Writer, response rpcResponse) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	encoded, err := json.Marshal(response)
	if err != nil {
		return fmt.Errorf("encoding response, %w", err)
	}
	_, err = fmt.Fprintf(out, "%s\n", encoded)
	return err
}

// HandleRequest processes one raw request, used by `mcp tools call` and by
// tests without running the stdio loop.
func (s *Server) HandleRequest(ctx context.Context, raw []byte) *rpcResponse {
	var request rpcRequest
	if err := json.Unmarshal(raw, &request); err != nil {
		return &rpcResponse{JSONRPC: "2.0", Error: &rpcError{Code: codeParseError, Message: "parse error"}}
	}
	return s.handle(ctx, &request)
}

func (s *Server) handle(ctx context.Context, request *rpcRequest) *rpcResponse {
	if request.JSONRPC != "2.0" || request.Method == "" {
		return s.fail(request, codeInvalidRequest, "invalid request", nil)
	}
	switch request.Method {
	case "initialize":
		return s.succeed(request, map[string]interface{}{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]interface{}{
				"tools":     map[string]interface{}{},
				"resources": map[string]interface{}{},
				"prompts":   map[string]interface{}{},
			},
			"serverInfo": map[string]string{
				"name":    "open-resource-broker",
				"version": "2.0.0",
			},
		})
	case "notifications/initialized":
		return nil
	case "tools/list":
		return s.succeed(request, map[string]interface{}{"tools": s.tools})
	case "tools/call":
		return s.callTool(ctx, request)
	case "resources/list":
		return s.succeed(request, map[string]interface{}{"resources": builtinResources()})
	case "resources/read":
		return s.readResource(ctx, request)
	case "prompts/list":
		return s.succeed(request, map[string]interface{}{"prompts": builtinPrompts()})
	case "prompts/get":
		return s.getPrompt(request)
	default:
		return s.fail(request, codeMethodNotFound, fmt.Sprintf("method %q not found", request.Method), nil)
	}
}

func (s *Server) succeed(request *rpcRequest, result interface{}) *rpcResponse {
	if len(request.ID) == 0 {
		return nil // notification
	}
	return &rpcResponse{JSONRPC: "2.0", ID: request.ID, Result: result}
}

func (s *Server) fail(request *rpcRequest, code int, message string, data interface{}) *rpcResponse {
	id := request.ID
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &rpcResponse{JSONRPC: "2.0", ID: id, Error: &rpcError{Code: code, Message: message, Data: data}}
}
