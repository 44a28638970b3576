// Package device simulates the memory, flash and confirmation primitives the
// debug link drives on real hardware.
package device
