package main

import "github.com/trobanga/mediaflow/cmd"

func main() {
	cmd.Execute()
}
