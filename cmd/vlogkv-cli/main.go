package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/matteso1/vlogkv/internal/server"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	command := os.Args[1]

	switch command {
	case "put":
		putCmd()
	case "get":
		getCmd()
	case "stats":
		statsCmd()
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`vlogkv CLI - key/value client

Usage:
  vlogkv-cli <command> [options]

Commands:
  put         Store a value under a key
  get         Fetch the value stored under a key
  stats       Show server metrics
  help        Show this help

Examples:
  vlogkv-cli put -key user:1 -value alice
  vlogkv-cli put -key avatar:1 -file avatar.png
  vlogkv-cli get -key user:1
  vlogkv-cli get -key avatar:1 -out avatar.png
  vlogkv-cli stats -metrics localhost:9100`)
}

func dial(addr string) *server.Client {
	client, err := server.Dial(addr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to connect: %v\n", err)
		os.Exit(1)
	}
	return client
}

func putCmd() {
	fs := flag.NewFlagSet("put", flag.ExitOnError)
	addr := fs.String("server", "localhost:9092", "Server address")
	key := fs.String("key", "", "Key (required)")
	value := fs.String("value", "", "Value to store")
	file := fs.String("file", "", "Read the value from this file instead of -value")
	timeout := fs.Duration("timeout", 10*time.Second, "Request timeout")

	fs.Parse(os.Args[2:])

	if *key == "" {
		fmt.Fprintln(os.Stderr, "Error: -key is required")
		os.Exit(1)
	}

	data := []byte(*value)
	if *file != "" {
		var err error
		data, err = os.ReadFile(*file)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to read %s: %v\n", *file, err)
			os.Exit(1)
		}
	}

	client := dial(*addr)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if err := client.Put(ctx, *key, data); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to put: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("✓ Stored %d byte(s) under %s\n", len(data), *key)
}

func getCmd() {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	addr := fs.String("server", "localhost:9092", "Server address")
	key := fs.String("key", "", "Key (required)")
	out := fs.String("out", "", "Write the value to this file instead of stdout")
	timeout := fs.Duration("timeout", 10*time.Second, "Request timeout")

	fs.Parse(os.Args[2:])

	if *key == "" {
		fmt.Fprintln(os.Stderr, "Error: -key is required")
		os.Exit(1)
	}

	client := dial(*addr)
	defer client.Close()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	value, found, err := client.Get(ctx, *key)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to get: %v\n", err)
		os.Exit(1)
	}
	if !found {
		fmt.Fprintf(os.Stderr, "%s: not found\n", *key)
		os.Exit(1)
	}

	if *out != "" {
		if err := os.WriteFile(*out, value, 0644); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to write %s: %v\n", *out, err)
			os.Exit(1)
		}
		fmt.Printf("✓ Wrote %d byte(s) to %s\n", len(value), *out)
		return
	}
	os.Stdout.Write(value)
	fmt.Println()
}

func statsCmd() {
	fs := flag.NewFlagSet("stats", flag.ExitOnError)
	addr := fs.String("metrics", "localhost:9100", "Metrics endpoint address")
	raw := fs.Bool("raw", false, "Print HELP and TYPE lines too")
	timeout := fs.Duration("timeout", 5*time.Second, "Request timeout")

	fs.Parse(os.Args[2:])

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Get("http://" + *addr + "/metrics")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to fetch metrics: %v\n", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "Metrics endpoint returned %s\n", resp.Status)
		os.Exit(1)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to read metrics: %v\n", err)
		os.Exit(1)
	}

	for _, line := range strings.Split(string(body), "\n") {
		if line == "" || (!*raw && strings.HasPrefix(line, "#")) {
			continue
		}
		fmt.Println(line)
	}
}
