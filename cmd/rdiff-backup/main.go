// Command rdiff-backup is the entry point of the backup tool.
package main

import (
	"os"

	"github.com/ottok/rdiff-backup/cli"
)

func main() {
	os.Exit(cli.Run(os.Args[1:]))
}
