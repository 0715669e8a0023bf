package main

import "flag"

// Options holds CLI options for the relay.
type Options struct {
	ConfigPath string
	// Addr overrides relay.addr when set
	Addr string
}

// ParseFlags parses CLI flags from args and returns Options.
func ParseFlags(args []string) Options {
	fs := flag.NewFlagSet("peermux-relay", flag.ExitOnError)
	var opts Options
	fs.StringVar(&opts.ConfigPath, "config", "", "Path to YAML config file")
	fs.StringVar(&opts.Addr, "addr", "", "Listen address, overrides relay.addr")
	_ = fs.Parse(args)
	return opts
}
