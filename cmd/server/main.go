/*
main.go - Application entry point

PURPOSE:
  Command-line interface of the results engine. The serve command runs the
  HTTP server; the other commands run one engine operation against the
  configured stores and exit.

COMMANDS:
  serve         Start the HTTP server (graceful shutdown on SIGINT/SIGTERM)
  run-due       Execute schedule items whose publish time has passed
  execute-all   Execute every pending schedule item now
  grid          Print the reconciled grid of a month as a table

GLOBAL FLAGS:
  --config   YAML or JSONC configuration file (defaults apply when omitted)
  --db       SQLite database path, overrides storage.database
             Use ":memory:" for an in-memory database
  --listen   HTTP listen address, overrides server.listen

EXAMPLES:
  # Serve with a config file
  ./server serve --config=/etc/results/config.yaml

  # Print October 2025
  ./server grid 2025-10 --db=./results.db

SEE ALSO:
  - app.go: Dependency wiring
  - config/config.go: Configuration schema
  - api/server.go: Router configuration
*/
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
