/*
Package statecache keeps the last-known-good state document for each
subscribed device and notifies subscribers of changes.

Updates are whole-document replacements, never field merges, and a change
notification fires only when the new document differs structurally from the
previous one. Subscribers get buffered channels with drop-on-full delivery
so a slow consumer cannot stall the transport dispatch path.
*/
package statecache
