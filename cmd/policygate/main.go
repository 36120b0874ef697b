package main

import "github.com/agoramesh/policygate/cmd/policygate/cmd"

func main() {
	cmd.Execute()
}
