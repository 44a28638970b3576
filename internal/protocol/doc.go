// Package protocol owns the DebugLink message contract.
//
// Ownership boundary:
// - message types and their typed payloads
// - payload codecs (protobuf wire format, tlv fields)
// - frame and tlv primitives live in subpackages
package protocol
