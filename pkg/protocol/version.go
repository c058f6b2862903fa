// Package protocol implements the MCP JSON-RPC message dispatcher: the
// initialize handshake, session gating, method routing to the experience
// toolkit, and conversion of failures into JSON-RPC error objects.
package protocol

import "slices"

// Protocol versions accepted during negotiation.
const (
	LatestVersion = "2025-06-18"
	CompatVersion = "2025-03-26"
)

// SupportedVersions lists accepted protocol versions, newest first.
var SupportedVersions = []string{LatestVersion, CompatVersion}

// IsSupportedVersion reports whether v is an accepted protocol version.
func IsSupportedVersion(v string) bool {
	return slices.Contains(SupportedVersions, v)
}
