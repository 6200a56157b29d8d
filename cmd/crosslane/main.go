package main

import "github.com/vietddude/crosslane/internal/cli"

func main() {
	cli.Execute()
}
