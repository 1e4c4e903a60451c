package domain

// Presence is the ephemeral identity record of an open connection. It
// exists only while the connection is open and is discarded on disconnect
// or explicit leave.
type Presence struct {
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
	Username     string `json:"username"`
	Room         string `json:"room,omitempty"`
}
