// Package domain defines the core types shared by the TCP request node, the
// transport client and the pipeline executor.
//
// Types in this package carry no I/O. A Message is the unit that flows through
// a pipeline; a ConnectionTarget and TLSMaterial are resolved from it for every
// request and discarded afterwards. Errors are classified by ErrorKind so the
// host can route validation and TLS configuration failures differently from
// network failures.
package domain
