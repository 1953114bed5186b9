package main

import (
	"classly-backend/cmd/classly-cli/cmd"
)

func main() {
	cmd.Execute()
}
