package database

import "context"

type DeadLetterRepository interface {
	Ping() error
	SaveDeadLetter(ctx context.Context, dl DeadLetter) (DeadLetter, error)
	ListDeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
	Close() error
}
