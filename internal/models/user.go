package models

// Role is the caller's role as carried in the access token.
type Role string

const (
	RoleAdmin    Role = "admin"
	RoleAttendee Role = "attendee"
)
