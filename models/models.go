package models

import "time"

type User struct {
	ID        int64
	Login     string
	SecretKey []byte // PBKDF2-derived from the password; also the HMAC key for the login handshake
	PublicKey string
	LastSeen  time.Time
	Sent      int
	Received  int
}

type Contact struct {
	ID      int64
	Owner   string
	Contact string
}

type LoginEvent struct {
	ID    int64
	Login string
	IP    string
	Port  int
	Time  time.Time
}
