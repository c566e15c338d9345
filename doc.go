// Package mcpsse implements the client-side session layer of the Model
// Context Protocol (MCP) over the SSE transport: a one-way Server-Sent-Events
// stream for inbound traffic paired with HTTP POST for outbound traffic.
//
// The package is organized in two strictly separated layers. SSEClient owns
// the physical connection and bridges the asymmetric duplex into a pair of
// in-process queues. Session owns the protocol semantics on top of those
// queues: request-id allocation, response correlation, inbound dispatch and
// cooperative cancellation of in-flight requests. ClientSession layers the
// typed MCP client operations (initialize, tools, prompts, resources) on top
// of a Session.
package mcpsse
