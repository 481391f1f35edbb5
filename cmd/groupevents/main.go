// Command groupevents publishes group membership events the way the Group
// service does, and lists the events the gateway dead-lettered. It is used to
// exercise revocation against a running gateway.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/npezzotti/studyhub-realtime/internal/config"
	"github.com/npezzotti/studyhub-realtime/internal/database"
	"github.com/npezzotti/studyhub-realtime/internal/events"
	"github.com/rs/zerolog"
)

const (
	commandTimeout   = 10 * time.Second
	defaultListLimit = 50
)

var errUsage = errors.New("usage: groupevents [-nats-url url] [-dead-letter-dsn dsn] " +
	"remove -group id -uid id [-reason text] | delete -group id [-reason text] | deadletters [-limit n]")

type env struct {
	natsURL string
	dsn     string
	out     io.Writer
	log     zerolog.Logger
}

type command func(ctx context.Context, e *env) error

type publishFunc func(ctx context.Context, bus *events.Bus) (string, error)

func main() {
	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()

	if err := config.LoadDotEnv(); err != nil {
		logger.Fatal().Err(err).Msg("load .env")
	}

	opts, err := config.OptionsFromEnv()
	if err != nil {
		logger.Fatal().Err(err).Msg("environment")
	}
	natsURL := flag.String("nats-url", opts.NatsURL, "NATS server URL")
	dsn := flag.String("dead-letter-dsn", opts.DeadLetterDSN, "postgres DSN of the dead letter store")
	flag.Parse()

	cmd, err := parseCommand(flag.Args())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	if err := cmd(ctx, &env{natsURL: *natsURL, dsn: *dsn, out: os.Stdout, log: logger}); err != nil {
		logger.Fatal().Err(err).Msg(flag.Arg(0))
	}
}

// parseCommand turns the subcommand arguments into the command to run.
func parseCommand(args []string) (command, error) {
	if len(args) == 0 {
		return nil, errUsage
	}

	fs := flag.NewFlagSet(args[0], flag.ContinueOnError)

	switch args[0] {
	case "remove":
		group := fs.String("group", "", "group id")
		reason := fs.String("reason", "", "reason shown to evicted clients")
		uid := fs.String("uid", "", "id of the removed user")
		if err := fs.Parse(args[1:]); err != nil {
			return nil, err
		}
		if *group == "" || *uid == "" {
			return nil, errUsage
		}
		e := events.MemberRemoved{GroupID: *group, UID: *uid, Reason: *reason}
		return publishCommand(func(ctx context.Context, bus *events.Bus) (string, error) {
			return bus.PublishMemberRemoved(ctx, e)
		}), nil
	case "delete":
		group := fs.String("group", "", "group id")
		reason := fs.String("reason", "", "reason shown to evicted clients")
		if err := fs.Parse(args[1:]); err != nil {
			return nil, err
		}
		if *group == "" {
			return nil, errUsage
		}
		e := events.GroupDeleted{GroupID: *group, Reason: *reason}
		return publishCommand(func(ctx context.Context, bus *events.Bus) (string, error) {
			return bus.PublishGroupDeleted(ctx, e)
		}), nil
	case "deadletters":
		limit := fs.Int("limit", defaultListLimit, "maximum number of dead letters to list")
		if err := fs.Parse(args[1:]); err != nil {
			return nil, err
		}
		if *limit <= 0 {
			return nil, errUsage
		}
		n := *limit
		return func(ctx context.Context, e *env) error {
			if e.dsn == "" {
				return errors.New("no dead letter DSN configured")
			}
			repo, err := database.NewPgDeadLetterRepository(e.dsn)
			if err != nil {
				return err
			}
			defer repo.Close()
			return printDeadLetters(ctx, e.out, repo, n)
		}, nil
	default:
		return nil, fmt.Errorf("unknown command %q\n%w", args[0], errUsage)
	}
}

func publishCommand(publish publishFunc) command {
	return func(ctx context.Context, e *env) error {
		nc, err := events.Connect(ctx, e.natsURL, "groupevents", e.log)
		if err != nil {
			return err
		}
		defer nc.Close()

		bus, err := events.NewBus(nc, e.log)
		if err != nil {
			return err
		}
		if err := bus.EnsureStream(ctx); err != nil {
			return err
		}

		id, err := publish(ctx, bus)
		if err != nil {
			return err
		}
		e.log.Info().Str("message_id", id).Msg("published")
		return nil
	}
}

type deadLetterLine struct {
	Id        int64     `json:"id"`
	MessageId string    `json:"messageId"`
	Subject   string    `json:"subject"`
	Payload   string    `json:"payload"`
	Error     string    `json:"error"`
	FailedAt  time.Time `json:"failedAt"`
}

// printDeadLetters writes the newest dead letters to w, one JSON object per line.
func printDeadLetters(ctx context.Context, w io.Writer, repo database.DeadLetterRepository, limit int) error {
	dls, err := repo.ListDeadLetters(ctx, limit)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(w)
	for _, dl := range dls {
		if err := enc.Encode(deadLetterLine{
			Id:        dl.Id,
			MessageId: dl.MessageId,
			Subject:   dl.Subject,
			Payload:   string(dl.Payload),
			Error:     dl.Error,
			FailedAt:  dl.FailedAt,
		}); err != nil {
			return fmt.Errorf("write dead letter %d: %w", dl.Id, err)
		}
	}
	return nil
}
