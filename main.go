package main

import (
	"github.com/baaaht/netlinkd/cmd"
)

func main() {
	cmd.Execute()
}
