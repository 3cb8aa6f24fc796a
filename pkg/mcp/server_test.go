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

package mcp

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/awslabs/open-resource-broker/pkg/bus"
	"github.com/awslabs/open-resource-broker/pkg/errors"
)

type stubTemplatesHandler struct{}

func (stubTemplatesHandler) QueryName() string { return "ListTemplates" }

func (stubTemplatesHandler) Handle(context.Context, bus.Query) (interface{}, error) {
	return []string{"aws-basic"}, nil
}

type stubRequestHandler struct{}

func (stubRequestHandler) QueryName() string { return "GetRequest" }

func (stubRequestHandler) Handle(context.Context, bus.Query) (interface{}, error) {
	return nil, errors.NotFound("request not found")
}

func newTestServer() *Server {
	b := bus.New()
	b.RegisterQueryHandler(stubTemplatesHandler{}, false)
	b.RegisterQueryHandler(stubRequestHandler{}, false)
	return NewServer(b)
}

func TestInitialize(t *testing.T) {
	server := newTestServer()
	response := server.HandleRequest(context.Background(), []byte(`{"jsonrpc":"2.0","id":1,"method":"initialize"}`))
	require.NotNil(t, response)
	require.Nil(t, response.Error)

	result := response.Result.(map[string]interface{})
	assert.Equal(t, protocolVersion, result["protocolVersion"])
}

func TestToolsList(t *testing.T) {
	server := newTestServer()
	response := server.HandleRequest(context.Background(), []byte(`{"jsonrpc":"2.0","id":2,"method":"tools/list"}`))
	require.Nil(t, response.Error)

	tools := response.Result.(map[string]interface{})["tools"].([]Tool)
	assert.NotEmpty(t, tools)
}

func TestUnknownToolUsesApplicationCode(t *testing.T) {
	server := newTestServer()
	response := server.HandleRequest(context.Background(),
		[]byte(`{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"mystery","arguments":{}}}`))
	require.NotNil(t, response.Error)
	assert.Equal(t, codeUnknownTool, response.Error.Code)
}

func TestToolFailureUsesApplicationCode(t *testing.T) {
	server := newTestServer()
	response := server.HandleRequest(context.Background(),
		[]byte(`{"jsonrpc":"2.0","id":4,"method":"tools/call","params":{"name":"get_request_status","arguments":{"request_id":"req-x"}}}`))
	require.NotNil(t, response.Error)
	assert.Equal(t, codeToolFailure, response.Error.Code)
}

func TestToolCallReturnsTextContent(t *testing.T) {
	server := newTestServer()
	response := server.HandleRequest(context.Background(),
		[]byte(`{"jsonrpc":"2.0","id":5,"method":"tools/call","params":{"name":"list_templates","arguments":{}}}`))
	require.Nil(t, response.Error)

	content := response.Result.(map[string]interface{})["content"].([]map[string]interface{})
	require.Len(t, content, 1)
	assert.Equal(t, "text", content[0]["type"])

	var listed []string
	require.NoError(t, json.Unmarshal([]byte(content[0]["text"].(string)), &listed))
	assert.Equal(t, []string{"aws-basic"}, listed)
}

func TestMethodNotFound(t *testing.T) {
	server := newTestServer()
	response := server.HandleRequest(context.Background(), []byte(`{"jsonrpc":"2.0","id":6,"method":"nope"}`))
	require.NotNil(t, response.Error)
	assert.Equal(t, codeMethodNotFound, response.Error.Code)
}

func TestUnknownResourceAndPromptCodes(t *testing.T) {
	server := newTestServer()
	response := server.HandleRequest(context.Background(),
		[]byte(`{"jsonrpc":"2.0","id":7,"method":"resources/read","params":{"uri":"orb://nope"}}`))
	require.NotNil(t, response.Error)
	assert.Equal(t, codeUnknownResource, response.Error.Code)

	response = server.HandleRequest(context.Background(),
		[]byte(`{"jsonrpc":"2.0","id":8,"method":"prompts/get","params":{"name":"nope"}}`))
	require.NotNil(t, response.Error)
	assert.Equal(t, codeUnknownPrompt, response.Error.Code)
}
