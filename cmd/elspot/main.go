package main

import "elspot-advisor/internal/cli"

func main() {
	cli.Execute()
}
