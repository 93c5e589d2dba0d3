// Package ethnl implements the kernel-side engine of the ethtool generic
// netlink family: request parsing and dispatch, GET and SET pipelines,
// dump batching, and multicast change notification.
//
// The engine is transport-agnostic. A transport hands incoming
// genetlink messages to a Server and carries replies, dump batches and
// broadcast events back to its peers; the Server owns the device
// registry and the serialization of driver access.
package ethnl
