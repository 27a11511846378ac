package chat

// User is a participant reference as returned by the backend.
type User struct {
	ID           ID     `json:"id"`
	Username     string `json:"username,omitempty"`
	DisplayName  string `json:"displayName,omitempty"`
	ProfilePhoto string `json:"profilePhoto,omitempty"`
	IsOnline     bool   `json:"isOnline,omitempty"`
}

// Name is the display name, falling back to the username and then the id.
func (u User) Name() string {
	switch {
	case u.DisplayName != "":
		return u.DisplayName
	case u.Username != "":
		return u.Username
	default:
		return string(u.ID)
	}
}
