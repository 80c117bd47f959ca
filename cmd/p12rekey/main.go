package main

import "github.com/vocdoni/gofirma/p12rekey/cmd/p12rekey/cmd"

func main() {
	cmd.Execute()
}
