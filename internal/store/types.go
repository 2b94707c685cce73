package store

// Conversation is a cached conversation summary from the platform API.
type Conversation struct {
	ID                 string
	Title              string
	LastMessagePreview string
	LastActivityAt     int64
	UnreadCount        int
}

// RoomSnapshot records which snapshot sequence a room's cached comments
// belong to.
type RoomSnapshot struct {
	RoomID    string
	Seq       uint64
	AppliedAt int64
}
