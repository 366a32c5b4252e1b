// procwarden watches the process table for fileless and out-of-place
// executables and gates each one through package-manager provenance.
package main

import "github.com/ppiankov/procwarden/internal/cli"

func main() {
	cli.Execute()
}
