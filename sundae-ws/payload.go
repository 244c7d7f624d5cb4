package sundaews

import (
	"bytes"
	"encoding/json"
	"strings"
)

// Message is a client message after normalization. Raw is always a JSON
// object.
type Message struct {
	Raw     json.RawMessage
	Subject string
}

// ParseMessage normalizes a message body. Anything that isn't a JSON object
// is wrapped as {"text": body}; an empty body becomes {}.
func ParseMessage(body string) Message {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return Message{Raw: json.RawMessage(`{}`)}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(trimmed), &fields); err != nil || fields == nil {
		data, _ := json.Marshal(map[string]string{"text": body})
		return Message{Raw: data}
	}

	return Message{
		Raw:     json.RawMessage(trimmed),
		Subject: firstScalar(fields, "subject", "booking_id"),
	}
}

// BroadcastScope is how a backend reply asks to be fanned out.
type BroadcastScope int

const (
	NoBroadcast BroadcastScope = iota
	// DefaultScope is "broadcast": true; the connection type picks the scope.
	DefaultScope
	UserScope
	SubjectScope
)

func (s BroadcastScope) String() string {
	switch s {
	case DefaultScope:
		return "default"
	case UserScope:
		return "user"
	case SubjectScope:
		return "subject"
	default:
		return "none"
	}
}

// Reply is a backend response to a relayed message.
type Reply struct {
	Raw       json.RawMessage
	Broadcast BroadcastScope
	Subject   string
	UserID    string
}

// ParseReply reads the routing fields of a backend response. Non-object
// bodies are delivered as-is to the sender.
func ParseReply(body json.RawMessage) Reply {
	reply := Reply{Raw: body}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return reply
	}

	reply.Broadcast = parseBroadcast(fields["broadcast"])
	reply.Subject = firstScalar(fields, "subject", "booking_id")
	reply.UserID = firstScalar(fields, "user_id")
	return reply
}

func parseBroadcast(raw json.RawMessage) BroadcastScope {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return NoBroadcast
	}

	var flag bool
	if err := json.Unmarshal(raw, &flag); err == nil {
		if flag {
			return DefaultScope
		}
		return NoBroadcast
	}

	var scope string
	if err := json.Unmarshal(raw, &scope); err == nil {
		switch strings.ToLower(scope) {
		case "user":
			return UserScope
		case "subject", "booking":
			return SubjectScope
		case "", "false", "none":
			return NoBroadcast
		default:
			return DefaultScope
		}
	}
	return NoBroadcast
}

// Participants lists the users of a chat subject.
type Participants struct {
	OwnerID  string
	RenterID string
	UserIDs  []string
}

// ParseParticipants reads owner_id, renter_id and user_ids, accepting
// strings or numbers for each id.
func ParseParticipants(body json.RawMessage) Participants {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return Participants{}
	}

	p := Participants{
		OwnerID:  scalar(fields["owner_id"]),
		RenterID: scalar(fields["renter_id"]),
	}

	var ids []json.RawMessage
	if err := json.Unmarshal(fields["user_ids"], &ids); err == nil {
		for _, raw := range ids {
			if id := scalar(raw); id != "" {
				p.UserIDs = append(p.UserIDs, id)
			}
		}
	}
	return p
}

// All returns every distinct participant id in order of appearance.
func (p Participants) All() []string {
	seen := map[string]struct{}{}
	var ids []string
	for _, id := range append([]string{p.OwnerID, p.RenterID}, p.UserIDs...) {
		if id == "" {
			continue
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		ids = append(ids, id)
	}
	return ids
}

func firstScalar(fields map[string]json.RawMessage, keys ...string) string {
	for _, key := range keys {
		if v := scalar(fields[key]); v != "" {
			return v
		}
	}
	return ""
}

func scalar(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}
