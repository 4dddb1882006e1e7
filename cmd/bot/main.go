package main

import "laundrybot/internal/cli"

func main() {
	cli.Execute()
}
