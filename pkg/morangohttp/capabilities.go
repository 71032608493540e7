// Package morangohttp is the wire boundary between two morango instances:
// an HTTP API server exposing one instance's certificates/sessions/buffer
// to a peer, and a client that drives a push or pull sync against that
// API. Route shapes follow spec.md's `api/morango/v1/` table. SyncClient
// implements pkg/session.NetworkConnection and is driven by a
// pkg/session.Controller walking a CompositeSessionContext, the same
// registry-dispatched stage machine a local transfer uses - the network
// half of a sync is just another Context, not a separate imperative path.
package morangohttp

import (
	"net/http"
	"sort"
	"strings"
)

// Capability names a peer can advertise in the X-Morango-Capabilities
// header and in the morangoinfo/ response body, per spec.md §6.1.
type Capability = string

const (
	CapabilityAllowCertificatePushing Capability = "allow_certificate_pushing"
	CapabilityGzipBufferPost          Capability = "gzip_buffer_post"
	CapabilityAsyncOperations         Capability = "async_operations"
	CapabilityFSICv2Format            Capability = "fsic_v2_format"
)

// CapabilitiesHeader is the header name capabilities are exchanged under.
const CapabilitiesHeader = "X-Morango-Capabilities"

// EncodeCapabilities renders a capability set as the space-separated token
// list the header carries, in a stable (sorted) order.
func EncodeCapabilities(caps map[string]bool) string {
	var tokens []string
	for name, on := range caps {
		if on {
			tokens = append(tokens, name)
		}
	}
	sort.Strings(tokens)
	return strings.Join(tokens, " ")
}

// ParseCapabilities reads the header's space-separated token list into a
// set, same shape pkg/session.Context.HasCapability expects.
func ParseCapabilities(header string) map[string]bool {
	caps := map[string]bool{}
	for _, token := range strings.Fields(header) {
		caps[token] = true
	}
	return caps
}

// CapabilitiesFromRequest reads the capability set a peer advertised on an
// inbound request.
func CapabilitiesFromRequest(r *http.Request) map[string]bool {
	return ParseCapabilities(r.Header.Get(CapabilitiesHeader))
}
