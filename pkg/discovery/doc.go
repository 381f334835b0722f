/*
Package discovery enumerates the appliances registered to the authenticated
identity from the control-plane device registry.

Registry calls are plain REST, signed with stage-4 credentials; the thing
group is derived from the Identity Reference. Discovery runs at startup and
on-demand, never on the streaming path, and results are cached with a short
TTL so repeated lookups stay local.
*/
package discovery
