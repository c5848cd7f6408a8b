package main

import "auditlog/internal/cli"

func main() {
	cli.Execute()
}
