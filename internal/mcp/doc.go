// Package mcp implements the client side of the Model Context Protocol.
//
// MCP is JSON-RPC 2.0 spoken over one of several transports: plain HTTP
// (one POST per request), stdio (a subprocess speaking JSON on its
// stdin/stdout), Streamable HTTP (POST answered with JSON or an event
// stream) and WebSocket. A Session owns one Transport and drives the
// handshake (initialize, notifications/initialized) before tools can be
// listed with tools/list and invoked with tools/call.
//
// Remote tools are exposed to local callers through Adapter, which
// implements tools.Tool, so an agent can call them like any local tool.
//
// Only the client side is implemented. The package never acts as an MCP
// server.
package mcp
