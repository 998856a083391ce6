// Command turnrelay runs a STUN/TURN relay server.
package main

import (
	"github.com/gortc/turnrelay/internal/cli"
)

func main() {
	cli.Execute()
}
