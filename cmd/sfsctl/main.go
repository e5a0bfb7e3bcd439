// Command sfsctl is the SentinelFS operator CLI. It has no wire protocol
// of its own: it reads the same configuration file and opens the same
// Storage Gateway DSN as sentinelfsd, so peers/files/config subcommands
// report exactly what the daemon would read on its next start or already
// persisted during a previous run.
package main

import "github.com/sentinelfs/sentinelfs/cmd/sfsctl/commands"

func main() {
	commands.Execute()
}
