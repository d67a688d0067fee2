// Licensed under the MIT License. See LICENSE file in the project root for details.

// Command repl is an interactive shell for exercising the transaction
// layer.
//
// One transaction is open at a time. Reads and writes outside an explicit
// transaction run as single-operation transactions.
//
//	> begin
//	> put a 1
//	> scan a z
//	> commit
//
// Commands: begin, commit, abort, get <key>, put <key> <value>,
// del <key>, scan <lo> <hi>, tid, metrics, help, quit.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	flag "github.com/spf13/pflag"
	"go.uber.org/zap"

	"github.com/kianostad/occdb"
)

var verbose = flag.Bool("verbose", false, "log put commands")

type REPL struct {
	db  *occdb.DB
	tx  *occdb.Txn
	log *zap.SugaredLogger
}

func NewREPL(db *occdb.DB, log *zap.SugaredLogger) *REPL {
	return &REPL{db: db, log: log}
}

// current returns the transaction to run a command in, and whether it was
// opened just for this command.
func (r *REPL) current(ctx context.Context) (*occdb.Txn, bool) {
	if r.tx != nil {
		return r.tx, false
	}
	return r.db.Begin(ctx), true
}

func (r *REPL) finish(ctx context.Context, tx *occdb.Txn, oneShot bool) {
	if !oneShot {
		return
	}
	if err := tx.Commit(ctx); err != nil {
		fmt.Println("conflict; retry")
	}
}

func (r *REPL) Run() {
	fmt.Println("occdb repl")
	fmt.Println(`Commands: begin, commit, abort, get <key>, put <key> <value>, del <key>, scan <lo> <hi>, tid, metrics, quit`)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			break
		}

		parts := strings.Fields(strings.TrimSpace(scanner.Text()))
		if len(parts) == 0 {
			continue
		}

		cmd := parts[0]
		args := parts[1:]
		ctx := context.Background()

		switch cmd {
		case "begin":
			if r.tx != nil {
				fmt.Println("Transaction already open")
				continue
			}
			r.tx = r.db.Begin(ctx)
			fmt.Printf("Begun at snapshot %d\n", r.tx.SnapshotTID())

		case "commit":
			if r.tx == nil {
				fmt.Println("No open transaction")
				continue
			}
			err := r.tx.Commit(ctx)
			r.tx = nil
			if errors.Is(err, occdb.ErrConflict) {
				fmt.Println("Aborted: conflict")
			} else {
				fmt.Println("Committed")
			}

		case "abort":
			if r.tx == nil {
				fmt.Println("No open transaction")
				continue
			}
			r.tx.Abort()
			r.tx = nil
			fmt.Println("Aborted")

		case "get":
			if len(args) != 1 {
				fmt.Println("Usage: get <key>")
				continue
			}
			tx, oneShot := r.current(ctx)
			rec, ok := tx.Get(ctx, []byte(args[0]))
			if ok {
				fmt.Printf("Value: %s\n", rec)
			} else {
				fmt.Println("Key not found")
			}
			r.finish(ctx, tx, oneShot)

		case "put":
			if len(args) != 2 {
				fmt.Println("Usage: put <key> <value>")
				continue
			}
			tx, oneShot := r.current(ctx)
			tx.Put(ctx, []byte(args[0]), []byte(args[1]))
			r.finish(ctx, tx, oneShot)
			if r.log != nil {
				r.log.Infow("put", "key", args[0])
			}

		case "del":
			if len(args) != 1 {
				fmt.Println("Usage: del <key>")
				continue
			}
			tx, oneShot := r.current(ctx)
			tx.Delete(ctx, []byte(args[0]))
			r.finish(ctx, tx, oneShot)

		case "scan":
			if len(args) != 2 {
				fmt.Println("Usage: scan <lo> <hi>")
				continue
			}
			tx, oneShot := r.current(ctx)
			n := 0
			tx.Scan(ctx, []byte(args[0]), []byte(args[1]), func(key, rec []byte) bool {
				fmt.Printf("%s = %s\n", key, rec)
				n++
				return true
			})
			fmt.Printf("(%d keys)\n", n)
			r.finish(ctx, tx, oneShot)

		case "tid":
			fmt.Printf("Current tid: %d\n", r.db.CurrentTID())

		case "metrics":
			s := r.db.Metrics(ctx)
			fmt.Printf("begins=%d commits=%d aborts=%d (stale=%d phantom=%d)\n",
				s.Txns.Begins, s.Txns.Commits, s.Txns.Aborts,
				s.Txns.AbortsStaleRead, s.Txns.AbortsPhantom)

		case "help":
			fmt.Println(`Commands: begin, commit, abort, get <key>, put <key> <value>, del <key>, scan <lo> <hi>, tid, metrics, quit`)

		case "quit", "exit":
			if r.tx != nil {
				r.tx.Abort()
			}
			fmt.Println("Goodbye!")
			return

		default:
			fmt.Printf("Unknown command: %s\n", cmd)
		}
	}
}

func main() {
	flag.Parse()

	logger := zap.NewNop()
	if *verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		logger = l
	}
	defer logger.Sync() //nolint:errcheck

	db := occdb.New()
	defer db.Close(context.Background())

	repl := NewREPL(db, logger.Sugar())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-sigChan
		fmt.Println("\nReceived shutdown signal. Closing database...")
		db.Close(context.Background())
		os.Exit(0)
	}()

	repl.Run()
}
