// Package mcp implements the bidirectional core of the Model Context Protocol (MCP): request
// correlation, inbound dispatch, server-initiated capability handling, id translation for proxies,
// and a resilience layer that wraps any transport with retry, circuit breaking, deduplication and
// health checking. The wire format follows https://spec.modelcontextprotocol.io/specification/.
//
// A Client or a Server owns one PendingTable and one Dispatcher per session. Outbound requests
// register a Waiter in the PendingTable, and every inbound frame goes through the Dispatcher,
// which either completes the matching Waiter, hands the request to the CapabilityRegistry
// (sampling, elicitation, roots listing, ping), or forwards it to the application's
// RequestHandler. A Proxy bridges two sessions and rewrites ids with an IDTranslator.
//
// Transports implement the small ClientTransport, ServerTransport and Session interfaces; StdIO,
// StreamTransport (TCP and Unix sockets), WebSocketClient and SSEClient are provided. Any
// ClientTransport can be wrapped by NewResilientTransport.
package mcp
