package main

import (
	"flag"

	"github.com/luciancaetano/peermux"
)

// Options holds CLI options for the pub/sub console. Non-empty fields override the
// client section of the config file.
type Options struct {
	ConfigPath string
	Endpoint   string
	Service    string
	Topic      string
	ID         string
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
	fs := flag.NewFlagSet("peermux-pubsub", flag.ExitOnError)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.StringVar(&opts.Endpoint, "endpoint", "", "Relay base URL, e.g. ws://localhost:9009")
	fs.StringVar(&opts.Service, "service", "", "Service to join")
	fs.StringVar(&opts.Topic, "topic", "", "Topic to subscribe and publish to")
	fs.StringVar(&opts.ID, "id", "", "Local peer id (random when empty)")
	_ = fs.Parse(args)
	return opts
}

func (o Options) apply(c *clientSettings) {
	if o.Endpoint != "" {
		c.client.Endpoint = o.Endpoint
	}
	if o.Service != "" {
		c.client.Service = o.Service
	}
	if o.Topic != "" {
		c.topic = o.Topic
	}
	if o.ID != "" {
		c.client.ID = peermux.PeerID(o.ID)
	}
}
