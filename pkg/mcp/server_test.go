package mcp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewBidflowServerRegistersTools(t *testing.T) {
	s := newServer(nil, nil, nil, nil)
	require.NotNil(t, s.MCPServer())

	tools := s.tools()
	require.Len(t, tools, 5)

	names := make([]string, 0, len(tools))
	for _, tool := range tools {
		names = append(names, tool.Tool.Name)
	}
	assert.ElementsMatch(t, []string{
		"bidflow.ingest",
		"bidflow.analyze",
		"bidflow.status",
		"bidflow.retrieve",
		"bidflow.cancel",
	}, names)
}

func TestNewBidflowServerDefaultLogger(t *testing.T) {
	s := newServer(nil, nil, nil, nil)
	assert.NotNil(t, s.logger)
	assert.NotNil(t, s.sessions)
	assert.NotNil(t, s.notifier)
}
