// Command entcache drives the entity cache against a local SQLite store.
package main

import (
	"os"

	"github.com/mesh-intelligence/entitycache/internal/cli"
)

func main() {
	os.Exit(cli.Execute(os.Args[1:]))
}
