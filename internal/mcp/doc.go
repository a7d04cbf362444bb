// Package mcp provides a Model Context Protocol (MCP) server for modelsync using mcp-go.
//
// The server exposes a small set of synchronization operations as MCP tools so
// assistants can publish packages and inspect or discard merge states without
// going through the HTTP API.
//
// # Tools
//
//   - commit_package: export a linked package and push it to its repository
//   - list_packages: list known packages and their links
//   - list_merge_states: list the merge states that involve a package root
//   - get_merge_state: show one merge state, optionally with its diff tree
//   - remove_merge_state: delete a merge state without publishing it
//
// Tool failures are returned as error results rather than protocol errors, so
// the assistant sees the message.
//
// # Usage
//
// The server is started as a subprocess by MCP capable assistants:
//
//	modelsync mcp
//
// It reads JSON-RPC 2.0 requests from stdin and writes responses to stdout
// until stdin is closed. Logs go to the log file, never to stdout.
//
// # References
//
// - MCP Specification: https://modelcontextprotocol.io/specification
// - mcp-go Library: https://github.com/mark3labs/mcp-go
package mcp
