package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/nitinics/openr/internal/config"
	"github.com/nitinics/openr/internal/identity"
	"github.com/nitinics/openr/pkg/client"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:5999", "server address")
	encrypt := flag.Bool("encrypt", false, "use Noise encryption")
	identityDir := flag.String("identity", "~/.storectl", "client identity directory (with -encrypt)")
	serverKey := flag.String("server-key", "", "path to the server's node.pub for pinning (with -encrypt)")
	timeout := flag.Duration("timeout", 10*time.Second, "request timeout")
	flag.Parse()

	c, err := connect(*addr, *encrypt, *identityDir, *serverKey, *timeout)
	if err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer c.Close()

	args := flag.Args()
	if len(args) == 0 {
		interactive(c)
		return
	}
	if !runCommand(c, args) {
		os.Exit(1)
	}
}

func usage() {
	fmt.Println(`storectl — configstored client

Usage:
  storectl [flags] store <key> <value>
  storectl [flags] load <key>
  storectl [flags] erase <key>
  storectl [flags]                    interactive mode

Flags:
  -addr        server address (default 127.0.0.1:5999)
  -encrypt     use Noise encryption
  -identity    client identity directory (default ~/.storectl)
  -server-key  path to the server's node.pub for pinning
  -timeout     request timeout (default 10s)`)
}

func connect(addr string, encrypt bool, identityDir, serverKeyPath string, timeout time.Duration) (*client.Client, error) {
	opts := []client.Option{client.WithTimeout(timeout)}

	if !encrypt {
		if serverKeyPath != "" {
			return nil, fmt.Errorf("-server-key requires -encrypt")
		}
		return client.Dial(addr, opts...)
	}

	id, err := identity.Load(config.ExpandHome(identityDir))
	if err != nil {
		return nil, fmt.Errorf("identity: %w", err)
	}
	opts = append(opts, client.WithEncryption(id.PrivateKey))

	if serverKeyPath != "" {
		line, err := os.ReadFile(config.ExpandHome(serverKeyPath))
		if err != nil {
			return nil, fmt.Errorf("reading server key: %w", err)
		}
		opts = append(opts, client.WithServerKey(string(line)))
	}
	return client.Dial(addr, opts...)
}

// runCommand executes one store/load/erase and reports whether it
// succeeded.
func runCommand(c *client.Client, args []string) bool {
	switch args[0] {
	case "store":
		if len(args) != 3 {
			fmt.Fprintln(os.Stderr, "Usage: storectl store <key> <value>")
			return false
		}
		if err := c.Store(args[1], []byte(args[2])); err != nil {
			fmt.Fprintf(os.Stderr, "store: %v\n", err)
			return false
		}
		fmt.Printf("OK store %s\n", args[1])
	case "load":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "Usage: storectl load <key>")
			return false
		}
		value, err := c.Load(args[1])
		if err != nil {
			fmt.Fprintf(os.Stderr, "load: %v\n", err)
			return false
		}
		fmt.Printf("%s\n", value)
	case "erase":
		if len(args) != 2 {
			fmt.Fprintln(os.Stderr, "Usage: storectl erase <key>")
			return false
		}
		if err := c.Erase(args[1]); err != nil {
			fmt.Fprintf(os.Stderr, "erase: %v\n", err)
			return false
		}
		fmt.Printf("OK erase %s\n", args[1])
	case "help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", args[0])
		usage()
		return false
	}
	return true
}

// interactive reads commands from stdin until EOF or quit. The prompt is
// only printed when stdin is a terminal, so piped scripts stay clean.
func interactive(c *client.Client) {
	tty := term.IsTerminal(int(os.Stdin.Fd()))
	if tty {
		fmt.Println("Connected. Commands: store <key> <value>, load <key>, erase <key>, quit")
	}

	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for {
		if tty {
			fmt.Print("> ")
		}
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		// The value part of a store keeps its inner spaces.
		parts := strings.SplitN(line, " ", 3)
		if parts[0] == "quit" || parts[0] == "exit" {
			return
		}
		runCommand(c, parts)
	}
}
