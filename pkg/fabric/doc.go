// Package fabric defines the shared data model of the relayfabric core:
// the message envelope that is routed between peers, topic addressing,
// peer connection records, subscription entries, and the small
// collaborator contracts (scope service, engine resolver, diagnosables)
// the routing core consumes but does not implement.
//
// The types here are deliberately transport-agnostic. HTTP/WebSocket
// framing, scope cryptography, and persistent storage live behind the
// interfaces in this package and are provided by their own components.
//
// Ownership rules:
//   - PeerConnection values are owned by the connection registry; every
//     other component only reads them and enqueues onto their queues.
//   - Envelope values are treated as immutable once handed to the router,
//     except for the single scope-stamping step the router performs.
package fabric
