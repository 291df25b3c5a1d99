package main

import "github.com/webrp/webrp/cmd"

func main() {
	cmd.Execute()
}
