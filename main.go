package main

import (
	"github.com/lucasvidela/chatburst/cmd"
)

func main() {
	cmd.Execute()
}
