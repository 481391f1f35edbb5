package database

import "time"

// DeadLetter is a membership event that was terminated without redelivery.
type DeadLetter struct {
	Id        int64
	MessageId string
	Subject   string
	Payload   []byte
	Headers   map[string][]string
	Error     string
	FailedAt  time.Time
	CreatedAt time.Time
}
