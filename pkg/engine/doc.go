// Package engine implements DAG-based pipeline execution for device messages.
//
// Architecture:
//
// executor.go         - Core DAG execution engine (DAGExecutor, node traversal, handler registry)
// handlers_builtin.go - Built-in handlers (Passthrough, TerminalError)
// http_handler.go     - HTTP message API (MessageHandler, ServeHTTP, error mapping)
// registry.go         - Pipeline registry with atomic set replacement
//
// Messages enter through the first node of a pipeline and follow success,
// failure, timeout or else edges until a node has no further edge. The
// tcp.request node performs one TCP or TLS exchange per message.
package engine
