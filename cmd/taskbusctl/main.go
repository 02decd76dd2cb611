package main

import (
	"log"

	"github.com/austindbirch/taskbus/cmd/taskbusctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
