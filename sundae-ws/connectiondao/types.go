package connectiondao

import (
	"fmt"
	"strings"
	"time"
)

// ConnectionType selects the backend feature a connection talks to and how
// broadcasts for it are scoped.
type ConnectionType string

const (
	StatusChannel ConnectionType = "status"
	Chat          ConnectionType = "chat"
	Notification  ConnectionType = "notification"
	Feed          ConnectionType = "feed"
)

// legacyStatusType is what older clients send for status channels.
const legacyStatusType = "booking"

// ParseConnectionType maps the type query parameter to a ConnectionType. An
// empty value means a status channel.
func ParseConnectionType(s string) (ConnectionType, error) {
	switch t := ConnectionType(strings.ToLower(strings.TrimSpace(s))); t {
	case "", legacyStatusType:
		return StatusChannel, nil
	case StatusChannel, Chat, Notification, Feed:
		return t, nil
	default:
		return "", fmt.Errorf("unknown connection type %q", s)
	}
}

func (t ConnectionType) Valid() bool {
	switch t {
	case StatusChannel, Chat, Notification, Feed:
		return true
	}
	return false
}

const userSubjectPrefix = "user_"

// UserSubject is the synthetic subject per-user connections are grouped under.
func UserSubject(userID string) string {
	return userSubjectPrefix + userID
}

func IsUserSubject(subject string) bool {
	return strings.HasPrefix(subject, userSubjectPrefix)
}

// Connection is a live WebSocket connection. (Subject, ConnectionID) is the
// table's primary key.
type Connection struct {
	Subject        string         `json:"subject" dynamodbav:"subject" ddb:"hash"`
	ConnectionID   string         `json:"connection_id" dynamodbav:"connection_id" ddb:"range"`
	ConnectionType ConnectionType `json:"connection_type" dynamodbav:"connection_type"`
	Token          string         `json:"token,omitempty" dynamodbav:"token,omitempty"`
	UserID         string         `json:"user_id,omitempty" dynamodbav:"user_id,omitempty"`
	Endpoint       string         `json:"endpoint,omitempty" dynamodbav:"endpoint,omitempty"`
	CreatedAt      int64          `json:"created_at" dynamodbav:"created_at"`
	TTL            int64          `json:"ttl" dynamodbav:"ttl"`
}

// Expired reports whether the record outlived its ttl. DynamoDB may take a
// while to physically remove it, so readers check this themselves.
func (c Connection) Expired(now time.Time) bool {
	return c.TTL > 0 && c.TTL <= now.Unix()
}

func (c Connection) Validate() error {
	switch {
	case c.Subject == "":
		return fmt.Errorf("connection %v has no subject", c.ConnectionID)
	case c.ConnectionID == "":
		return fmt.Errorf("connection for subject %v has no id", c.Subject)
	case !c.ConnectionType.Valid():
		return fmt.Errorf("connection %v has invalid type %q", c.ConnectionID, c.ConnectionType)
	}
	return nil
}
