package session

import (
	"encoding/json"
	"strings"

	"github.com/hearthlink/hearthlink/pkg/types"
)

// RouteKind tags the classification of one inbound message.
type RouteKind int

const (
	RouteUnrecognized RouteKind = iota
	RouteStatePush
	RouteCommandResponse
)

func (k RouteKind) String() string {
	switch k {
	case RouteStatePush:
		return "state_push"
	case RouteCommandResponse:
		return "command_response"
	}
	return "unrecognized"
}

// Route is the outcome of classifying an inbound message by topic shape.
type Route struct {
	Kind      RouteKind
	SAID      string         // state pushes
	RequestID string         // command responses
	Body      map[string]any // state document or response payload
}

// Classify routes an inbound message by topic shape. It is a pure function:
// transport delivery stays decoupled from the consumers. Push topics carry
// the state document directly; response topics wrap it in the envelope's
// payload field.
func Classify(topic string, payload []byte) Route {
	parts := strings.Split(topic, "/")

	switch {
	// dt/{model}/{said}/state/update
	case len(parts) == 5 && parts[0] == "dt" && parts[3] == "state" && parts[4] == "update":
		var body map[string]any
		if err := json.Unmarshal(payload, &body); err != nil {
			return Route{Kind: RouteUnrecognized}
		}
		return Route{Kind: RouteStatePush, SAID: parts[2], Body: body}

	// cmd/{model}/{said}/response/{clientID}
	case len(parts) == 5 && parts[0] == "cmd" && parts[3] == "response":
		var env types.Envelope
		if err := json.Unmarshal(payload, &env); err != nil || env.RequestID == "" {
			return Route{Kind: RouteUnrecognized}
		}
		body := env.Payload
		if body == nil {
			// Some firmware replies without the payload wrapper.
			if err := json.Unmarshal(payload, &body); err != nil {
				body = map[string]any{}
			}
		}
		return Route{Kind: RouteCommandResponse, SAID: parts[2], RequestID: env.RequestID, Body: body}
	}

	return Route{Kind: RouteUnrecognized}
}
