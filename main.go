package main

import "github.com/omnidesk/omnidesk/cmd"

func main() {
	cmd.Execute()
}
