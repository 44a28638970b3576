// Package grpclink bridges debug link frames over gRPC for hosts that cannot
// hold a raw TCP session open. Each Open allocates a session from the same
// source as the TCP transport; the frame format and authentication are shared.
package grpclink
