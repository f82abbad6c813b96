// Command strand is the CLI companion to the strandd daemon. Most commands
// talk to the daemon's HTTP API; configuration utilities run locally.
package main
