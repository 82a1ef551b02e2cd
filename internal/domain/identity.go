package domain

// Identity is the (room, user) pair of an active session.
// It is set once on join and never mutated while the session lives.
type Identity struct {
	RoomID RoomID `json:"roomId"`
	UserID UserID `json:"userId"`
}

// NewIdentity validates both halves.
func NewIdentity(room RoomID, user UserID) (Identity, error) {
	if err := room.Validate(); err != nil {
		return Identity{}, err
	}
	if err := user.Validate(); err != nil {
		return Identity{}, err
	}
	return Identity{RoomID: room, UserID: user}, nil
}
