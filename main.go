// main.go
//
// Entry point; the Cobra root command lives in cmd/root.go

package main

import (
	"github.com/emul8/radiomedium/cmd"
)

func main() {
	cmd.Execute()
}
