package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/dmitrijs2005/posync/internal/client/orchestrator"
)

// printlnFn is a test seam for user-facing output. In tests, replace it with a stub.
var printlnFn = fmt.Println

func fmtPrompt(mode string, st orchestrator.SyncStatus, pending int) string {
	if pending > 0 {
		return fmt.Sprintf("(%s %s, %d pending)", mode, st, pending)
	}
	return fmt.Sprintf("(%s %s)", mode, st)
}

// execIface defines the command surface the REPL needs. The real App type
// satisfies it; tests can provide a lightweight stub.
type execIface interface {
	Status(ctx context.Context) error
	Sync(ctx context.Context) error
	Drain(ctx context.Context) error
	Queue(ctx context.Context, args []string) error
	Show(ctx context.Context, args []string) error
	Retry(ctx context.Context, args []string) error
	Discard(ctx context.Context, args []string) error
	Resolve(ctx context.Context, args []string) error
	Reset(ctx context.Context) error
	Migrate(ctx context.Context) error
	Sale(ctx context.Context) error
	Adjust(ctx context.Context, args []string) error
	Party(ctx context.Context, args []string) error
}

const helpText = `Available commands:
  status                         sync state and queue counters
  sync                           pull changes from the server now
  drain                          replay queued writes now
  queue [status]                 list queue items (pending, failed, conflict, ...)
  show <id>                      show one queue item
  retry <id>                     re-queue a failed item
  discard <id>                   drop an item and roll back its local effect
  resolve <id> <strategy> [json] resolve a conflict (server_wins, client_wins, merge)
  reset                          forget the sync checkpoint, next sync is full
  migrate                        copy the document store into SQLite
  sale                           record a sale
  adjust <product> <delta> [why] record a stock adjustment
  party add | party rm <id>      create or delete a customer/supplier
  exit | quit                    leave the program`

// runREPL reads a line, parses the first token as the command and
// dispatches to a. Handler errors are printed and the loop continues. The
// loop exits on EOF, on "exit"/"quit" or when ctx is done.
func runREPL(ctx context.Context, a execIface, statusFn func() string, reader *bufio.Reader) {
	for {
		if ctx.Err() != nil {
			return
		}
		printlnFn(fmt.Sprintf("pos %s > ", statusFn()))
		line, err := reader.ReadString('\n')
		parts := strings.Fields(line)
		if len(parts) == 0 {
			if err != nil {
				return
			}
			continue
		}
		cmd, args := parts[0], parts[1:]

		var cerr error
		switch cmd {
		case "help":
			printlnFn(helpText)
		case "status", "st":
			cerr = a.Status(ctx)
		case "sync":
			cerr = a.Sync(ctx)
		case "drain":
			cerr = a.Drain(ctx)
		case "queue", "q":
			cerr = a.Queue(ctx, args)
		case "show":
			cerr = a.Show(ctx, args)
		case "retry":
			cerr = a.Retry(ctx, args)
		case "discard":
			cerr = a.Discard(ctx, args)
		case "resolve":
			cerr = a.Resolve(ctx, args)
		case "reset":
			cerr = a.Reset(ctx)
		case "migrate":
			cerr = a.Migrate(ctx)
		case "sale":
			cerr = a.Sale(ctx)
		case "adjust":
			cerr = a.Adjust(ctx, args)
		case "party":
			cerr = a.Party(ctx, args)
		case "exit", "quit":
			printlnFn("Bye!")
			return
		default:
			printlnFn("Unknown command:", cmd)
		}

		var usage usageError
		switch {
		case errors.As(cerr, &usage):
			printlnFn("Usage:", string(usage))
		case cerr != nil:
			printlnFn("error:", cerr)
		}
		if err != nil {
			return
		}
	}
}

type usageError string

func (u usageError) Error() string { return "usage: " + string(u) }
