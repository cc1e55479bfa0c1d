package types

import "strings"

// UserID is a fully-qualified federated user identifier, e.g. "@bob:example.org".
type UserID string

// String returns the string form of the user identifier.
func (u UserID) String() string { return string(u) }

// ServerName returns the homeserver part of the user identifier.
func (u UserID) ServerName() ServerName {
	if i := strings.IndexByte(string(u), ':'); i >= 0 {
		return ServerName(u[i+1:])
	}
	return ""
}

// DeviceID identifies one device of a user.
type DeviceID string

// String returns the string form of the device identifier.
func (d DeviceID) String() string { return string(d) }

// RoomID identifies a room, e.g. "!abc:example.org".
type RoomID string

// String returns the string form of the room identifier.
func (r RoomID) String() string { return string(r) }

// EventID identifies an event within a room.
type EventID string

// String returns the string form of the event identifier.
func (e EventID) String() string { return string(e) }

// SessionID identifies an Olm or Megolm session.
type SessionID string

// String returns the string form of the session identifier.
func (s SessionID) String() string { return string(s) }

// ServerName is the DNS name of a federated homeserver.
type ServerName string

// String returns the string form of the server name.
func (s ServerName) String() string { return string(s) }

// Membership is a room membership state.
type Membership string

// Membership states relevant to key distribution.
const (
	MembershipJoin   Membership = "join"
	MembershipInvite Membership = "invite"
	MembershipLeave  Membership = "leave"
	MembershipBan    Membership = "ban"
)
