// Package service assembles a simulated device: storage, memory, the debug
// link registry and dispatcher, and the TCP, gRPC and admin listeners.
package service
