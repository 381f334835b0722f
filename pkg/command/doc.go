/*
Package command correlates outbound command messages with inbound responses
by requestId.

Each Send generates a fresh UUID requestId, never reused, and registers a
pending entry before publishing so a fast response cannot race it. Exactly
one of response, timeout, disconnect, or caller cancellation resolves each
entry, and the entry is removed afterwards: repeated timeouts cannot grow
memory. Duplicate and unknown responses are discarded.
*/
package command
