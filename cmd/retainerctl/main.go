/*
retainerctl - Command-line administration for the retainer engine

PURPOSE:
  Operates directly on the engine's database, without the HTTP server.
  Useful for loading agreement definitions from YAML, closing periods from
  scripts, and seeding demo scenarios.

COMMANDS:
  create -f agreements.yaml     Create one agreement per YAML document
  list [--customer] [--status]  List agreements
  get <id>                      Agreement with its current period
  pause|resume|terminate <id>   Lifecycle transitions
  log-time                      Record a time entry
  close <id>                    Close the OPEN period into a draft invoice
  scan                          Notify about periods ready to close
  summary <customer-id>         Current consumption
  scenarios                     List demo scenarios
  seed <scenario>               Reset the database and load a scenario

GLOBAL FLAGS:
  --driver, --db   Override database.driver / database.dsn from config
  --actor          Member id recorded as created_by / closed_by
  --no-color       Disable colored output
*/
package main

import (
	"fmt"
	"os"
)

func main() {
	a := &app{}
	err := newRootCmd(a).Execute()
	a.close()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
