// Command peermux-relay serves the relay that joins the physical connections of each
// named service and forwards envelopes between them.
package main

import "os"

func main() {
	os.Exit(run(ParseFlags(os.Args[1:])))
}
