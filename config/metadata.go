// Package config holds the configuration surfaces consumed by the rest
// of the module: the handshake's metadata contract, and (in limits.go)
// the chunk/queue sizing and maintenance bounds parsed at the process
// boundary.
package config

// MetadataConfig is the "metadata config" consumed interface of
// spec.md §6: the local metadata value exchanged during the
// handshake, and the rule that classifies a remote peer as private
// from the metadata it sent back.
type MetadataConfig interface {
	// Value returns the local metadata payload to send during
	// handshake step 8. It is carried as an opaque encrypted chunk,
	// so the caller is responsible for whatever encoding it wants.
	Value() []byte

	// PrivateNode reports whether remoteMeta (the bytes received from
	// the peer during handshake step 8) marks that peer as private.
	PrivateNode(remoteMeta []byte) bool
}

// StaticMetadata is the simplest MetadataConfig: a fixed local value
// and a fixed privacy rule. PrivateNode ignores the remote metadata and
// returns Private, so every connection made with one StaticMetadata is
// classified the same way.
type StaticMetadata struct {
	Local   []byte
	Private bool
}

func (m StaticMetadata) Value() []byte { return m.Local }

func (m StaticMetadata) PrivateNode([]byte) bool { return m.Private }
