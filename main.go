// Command nldbquery asks questions about the mortgage database in plain English. A
// local language model turns each question into SQL, which runs on the remote host
// through cmd/queryrunner over SSH.
package main

import (
	"os"

	"github.com/JonMunkholm/NlDbQuery/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
