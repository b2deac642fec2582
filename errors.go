package share

import (
	"errors"
)

// Error containment convention in the `share` package:
// - network and schema errors are contained at the exchanger boundary
//   (logged and dropped), and must never tear down the connection
// - authorization errors are surfaced to the caller, never swallowed
// - crypto errors are fatal for the affected message and are never
//   substituted with a default value

var (
	// signature or decode failure on an imported header
	ErrInvalidHeader = errors.New("invalid header")

	// header replacement refused (address mismatch, stale version, bad signature)
	ErrHeaderUpgradeRejected = errors.New("header upgrade rejected")

	// export or share attempted by a key outside the header acl
	ErrUnauthorized = errors.New("unauthorized")

	// outbound message does not match the exchanger schema union
	ErrSchemaRejected = errors.New("schema rejected")

	// no local copy and no peer answered within the request deadline
	ErrDocumentRequestTimeout = errors.New("document request timeout")

	// the signaling connection or a peer channel is closed
	ErrTransportClosed = errors.New("transport closed")

	// the underlying storage provider failed
	ErrStorage = errors.New("storage failure")

	// seal/open or key agreement failure
	ErrCrypto = errors.New("crypto failure")

	// operation on a destroyed document
	ErrDestroyed = errors.New("document destroyed")
)
