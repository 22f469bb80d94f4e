package cli

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/clinicsync/clinicsync/internal/engine"
)

// printlnFn is a test seam for user-facing output. In tests, replace it with a stub.
var printlnFn = fmt.Println

// execIface defines the minimal command surface the REPL needs to operate.
// The real App type satisfies this interface; tests can provide a lightweight stub.
type execIface interface {
	Sync(ctx context.Context, mode engine.SyncMode) error
	AutoSync(ctx context.Context) error
	Backup(ctx context.Context) error
	Restore(ctx context.Context, id string) error
	Reconcile(ctx context.Context) error
	ListBackups(ctx context.Context) error
	Conflicts(ctx context.Context) error
	Resolve(ctx context.Context, conflictID string, strategy engine.Strategy) error
	KeysList(ctx context.Context) error
	RotateKey(ctx context.Context) error
	ExportKeys(ctx context.Context) error
	WipeKeys(ctx context.Context) error
}

const helpText = "Available commands: sync [full|incremental], autosync, backup, restore [id], reconcile, " +
	"(l)ist, conflicts, resolve <id> <useLocal|useRemote|merge>, " +
	"keys, rotate, export, wipe, exit"

// runREPL starts a read–eval–print loop over the sync commands.
//
// It reads a line from the provided scanner, parses the first token as the
// command, and dispatches to methods on 'a'. Unknown commands are reported
// back to the user. The loop exits on scanner EOF or when the user types
// "exit" or "quit".
//
// Any errors returned by command handlers are ignored here; handlers print
// their own errors. This keeps the loop resilient and focused on I/O.
func runREPL(ctx context.Context, a execIface, tenantID string, scanner *bufio.Scanner) {
	for {
		printlnFn(fmt.Sprintf("clinicsync (%s) > ", tenantID))
		if !scanner.Scan() {
			return
		}
		parts := strings.Fields(scanner.Text())
		if len(parts) == 0 {
			continue
		}
		cmd := parts[0]
		args := parts[1:]

		switch cmd {
		case "help":
			printlnFn(helpText)

		case "sync":
			mode := engine.SyncIncremental
			if len(args) > 0 && args[0] == "full" {
				mode = engine.SyncFull
			}
			_ = a.Sync(ctx, mode)

		case "autosync":
			_ = a.AutoSync(ctx)

		case "backup":
			_ = a.Backup(ctx)

		case "restore":
			id := ""
			if len(args) > 0 {
				id = args[0]
			}
			_ = a.Restore(ctx, id)

		case "reconcile":
			_ = a.Reconcile(ctx)

		case "l", "list":
			_ = a.ListBackups(ctx)

		case "conflicts":
			_ = a.Conflicts(ctx)

		case "resolve":
			if len(args) < 2 {
				printlnFn("Usage: resolve <conflict-id> <useLocal|useRemote|merge>")
				continue
			}
			_ = a.Resolve(ctx, args[0], engine.Strategy(args[1]))

		case "keys":
			_ = a.KeysList(ctx)

		case "rotate":
			_ = a.RotateKey(ctx)

		case "export":
			_ = a.ExportKeys(ctx)

		case "wipe":
			_ = a.WipeKeys(ctx)

		case "exit", "quit":
			printlnFn("Bye!")
			return

		default:
			printlnFn("Unknown command:", cmd)
		}
	}
}

// Run starts the interactive shell.
func (a *App) Run(ctx context.Context) {
	fmt.Println("clinicsync — offline-first encrypted sync (type 'help' for commands)")
	scanner := bufio.NewScanner(os.Stdin)
	runREPL(ctx, a, a.config.TenantID, scanner)
}
