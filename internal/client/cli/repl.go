package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
)

// printlnFn is a test seam for user-facing output. In tests, replace it with a stub.
var printlnFn = fmt.Println

// execIface defines the minimal command surface the REPL needs to operate.
// The real App type satisfies this interface; tests can provide a lightweight stub.
type execIface interface {
	Projets(ctx context.Context) error
	Use(ctx context.Context, args []string) error
	Index(ctx context.Context, args []string) error
	Clear(ctx context.Context) error
	List(ctx context.Context, args []string) error
	Add(ctx context.Context, args []string) error
	Edit(ctx context.Context, args []string) error
	Archive(ctx context.Context, args []string) error
	Unarchive(ctx context.Context, args []string) error
	Show(ctx context.Context, args []string) error
	History(ctx context.Context, args []string) error
	Sync(ctx context.Context) error
	Status(ctx context.Context) error
	Resolve(ctx context.Context, args []string) error
	Token(ctx context.Context) error
	Reset(ctx context.Context) error
}

const helpText = `Available commands:
  projets                       list projects known to the server
  use <projet>                  switch project and download it
  index [full]                  refresh the manifest (full: from scratch)
  clear                         forget the manifest of the current project
  list <table>                  list live objects of a table
  add <table> [json]            create an object
  edit <uuid> [json]            replace the payload of an object
  archive <uuid>                archive an object
  unarchive <uuid>              restore an archived object
  show <uuid>                   print an object
  history <uuid>                print the versions of an object
  sync                          push local edits, then pull
  status                        network, queue and flagged objects
  resolve <uuid> keep|discard   settle an object the server rejected
  token                         store the device access token
  reset                         wipe the local store and start over
  exit | quit                   leave the program`

// runREPL reads commands line by line from reader and dispatches them to
// a. Lines are read from the same reader the commands prompt on, so a
// command may consume the lines following it. Errors returned by commands
// are printed and the loop goes on; it ends on EOF, "exit" or "quit".
func runREPL(ctx context.Context, a execIface, statusFn func() string, reader *bufio.Reader) {
	for {
		printlnFn(fmt.Sprintf("digsync %s > ", statusFn()))
		line, err := reader.ReadString('\n')
		if err != nil && (!errors.Is(err, io.EOF) || line == "") {
			return
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		cmd, args := parts[0], parts[1:]

		var cmdErr error
		switch cmd {
		case "help":
			printlnFn(helpText)
		case "projets":
			cmdErr = a.Projets(ctx)
		case "use":
			cmdErr = a.Use(ctx, args)
		case "index":
			cmdErr = a.Index(ctx, args)
		case "clear":
			cmdErr = a.Clear(ctx)
		case "l", "list":
			cmdErr = a.List(ctx, args)
		case "add":
			cmdErr = a.Add(ctx, args)
		case "edit":
			cmdErr = a.Edit(ctx, args)
		case "archive":
			cmdErr = a.Archive(ctx, args)
		case "unarchive":
			cmdErr = a.Unarchive(ctx, args)
		case "show":
			cmdErr = a.Show(ctx, args)
		case "history":
			cmdErr = a.History(ctx, args)
		case "sync":
			cmdErr = a.Sync(ctx)
		case "status":
			cmdErr = a.Status(ctx)
		case "resolve":
			cmdErr = a.Resolve(ctx, args)
		case "token":
			cmdErr = a.Token(ctx)
		case "reset":
			cmdErr = a.Reset(ctx)
		case "exit", "quit":
			printlnFn("Bye!")
			return
		default:
			printlnFn("Unknown command:", cmd)
		}
		if cmdErr != nil {
			printlnFn("error:", cmdErr)
		}
		if errors.Is(err, io.EOF) {
			return
		}
	}
}
