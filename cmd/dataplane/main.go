// The dataplane daemon hosts the two data-plane components: the
// software IPv4 router and the cTCP reliable transport endpoint, as
// subcommands of one binary.
package main

import "github.com/netlab-dev/dataplane/cmd/dataplane/commands"

func main() {
	commands.Execute()
}
