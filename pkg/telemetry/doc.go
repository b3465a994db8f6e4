// Package telemetry wires OpenTelemetry exporters and meters for the TCP
// request service.
//
// It centralises trace provider setup, records pipeline node metrics and
// offers helpers that attach message metadata and policy decisions to spans
// without exporting PEM material or passphrases.
package telemetry
