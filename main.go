package main

import "github.com/ValentinKolb/ledgerbridge/cmd"

func main() {
	cmd.Execute()
}
