/*
Package appliance is the host-facing facade of the hearthlink runtime.

A Client ties the four core components together: the credential lifecycle
manager feeds the signed streaming session, the session feeds the state
cache (push topics) and the correlator (response topics), and the facade
exposes typed operations on top: GetState, Subscribe, SendCommand, the
cook-control helpers, and Shutdown.

One Client serves one authenticated identity. Credential renewal and
reconnection are transparent to callers; only ReauthenticationRequired
needs user action.
*/
package appliance
