/*
Package session owns the one persistent signed streaming connection to the
appliance control plane.

# Lifecycle

	Disconnected --connect--> Connecting --success--> Connected
	Connected --transport error--> Disconnected --backoff--> Connecting
	any state --Shutdown--> Draining --> Disconnected (terminal)

Every connect acquires stage-4 credentials from the credential lifecycle
manager and presigns a fresh WebSocket URL; signing material is never
reused across a disconnect. Reconnection uses capped, jittered doubling
delays and runs in the background; EnsureConnected makes a bounded number
of foreground attempts before surfacing TransportUnavailable.

Subscriptions are tracked locally and re-established after every reconnect
because broker-side state does not survive the transport.

Inbound messages are classified by the pure Classify router into state
pushes (delivered to the device state cache), command responses (delivered
to the correlator), and unrecognized traffic (logged, dropped). The raw
connection handle never leaves this package.
*/
package session
