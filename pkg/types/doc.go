/*
Package types defines the core data structures used throughout hearthlink.

This package contains the fundamental types of the runtime's domain model:
the four-stage credential chain (refresh credential, bearer token, federated
identity token, temporary signing credentials), devices and their state
documents, the wire envelope, streaming session states, and the topic
addressing scheme.

All types are designed to be:
  - Serializable (JSON)
  - Free of behavior beyond validity checks and accessors
  - Shared safely by value (state documents are cloned at package borders)

Credential validity is expressed as ValidAt(now, margin): a stage is usable
only while now < expiresAt - margin, so consumers renew proactively instead
of racing the expiry clock.
*/
package types
