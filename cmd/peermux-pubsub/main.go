// Command peermux-pubsub joins a service through a relay, prints every publication on
// one topic and publishes each line read from stdin to it.
package main

import "os"

func main() {
	os.Exit(run(ParseFlags(os.Args[1:])))
}
