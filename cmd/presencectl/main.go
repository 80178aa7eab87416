// Package main is presencectl, an operator tool for the presence daemon's
// UI relay:
//
//   - snapshot: print the current users and sessions
//   - tail:     stream user and session updates as they happen
//   - saturate: open many idle relay connections and report latencies
//
// Usage:
//
//	presencectl <command> [options]
package main

import (
	"fmt"
	"os"
)

const defaultURL = "ws://localhost:8090/ws"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "snapshot":
		runSnapshot(os.Args[2:])
	case "tail":
		runTail(os.Args[2:])
	case "saturate":
		runSaturate(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: presencectl <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  snapshot    Print the relay's current users and sessions")
	fmt.Println("  tail        Stream user and session updates")
	fmt.Println("  saturate    Open N idle relay connections and report connect latency")
	fmt.Println()
	fmt.Println("Run 'presencectl <command> -h' for command-specific options.")
}
