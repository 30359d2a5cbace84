package main

import (
	"os"

	. "github.com/stevegt/goadapt"
	"github.com/stevegt/zombie"
)

// main simply calls the zombie package's Cli() function
func main() {
	config := zombie.NewConfig()
	rc, err := zombie.Cli(os.Args[1:], config)
	Ck(err)
	os.Exit(rc)
}
