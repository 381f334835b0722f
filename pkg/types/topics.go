package types

import "fmt"

// Topic addressing follows the vendor's three-part scheme: one push topic per
// device for state, and a request/response topic pair per device scoped by
// the per-connection client identifier so responses route back only to the
// connection that issued the command.

// StateTopic is the per-device unsolicited state push topic.
func StateTopic(model, said string) string {
	return fmt.Sprintf("dt/%s/%s/state/update", model, said)
}

// CommandRequestTopic is the outbound command topic for one device and one
// streaming client.
func CommandRequestTopic(model, said, clientID string) string {
	return fmt.Sprintf("cmd/%s/%s/request/%s", model, said, clientID)
}

// CommandResponseTopic is the inbound response topic paired with
// CommandRequestTopic.
func CommandResponseTopic(model, said, clientID string) string {
	return fmt.Sprintf("cmd/%s/%s/response/%s", model, said, clientID)
}
