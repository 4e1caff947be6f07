package models

// Identity is the authenticated user of a session.
type Identity struct {
	ID      string `json:"id"`
	Email   string `json:"email"`
	IsAdmin bool   `json:"is_admin"`
}

// Present reports whether an authenticated user is attached.
func (i Identity) Present() bool {
	return i.ID != ""
}
