package main

import "changedesk/cmd/cli"

func main() {
	cli.Execute()
}
