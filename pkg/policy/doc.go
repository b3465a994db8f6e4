// Package policy evaluates Rego target policies with an embedded Open Policy
// Agent engine.
//
// A policy decides whether a TCP node may contact a resolved host and port
// before any connection is opened. The entrypoint may produce either a boolean
// or an object of the form {"allow": bool, "reason": string}. An undefined
// result denies.
package policy
