/*
Package errors defines the classified error taxonomy surfaced to host
applications.

ReauthenticationRequired is the only terminal code: the host should treat it
as a configuration error requiring re-entry of credentials. Every other code
is transient and safe to present as "temporarily unavailable". Command-level
failures (CommandTimeout, SessionLost) are always surfaced to the command
issuer and never silently retried, because appliance commands are not safely
idempotent to auto-replay.
*/
package errors
