// Command echo-client connects a blocking TCP client socket to a server
// and sends whatever lines are typed on stdin, closing on an empty line.
//
// Recovered from original_source/examples/sockpuppet_tcp_client.cpp.
package main

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/xtaci/sockpuppet"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Printf("Usage: %s DESTINATION\n\n\tDESTINATION is an address string to connect to, e.g. \"localhost:8554\"\n", os.Args[0])
		return
	}

	remote, err := sockpuppet.NewAddressFromURI(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := run(remote); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(remote sockpuppet.Address) error {
	client, err := sockpuppet.NewSyncSocket(sockpuppet.NetworkTCP, remote.IsV6())
	if err != nil {
		return err
	}
	defer client.Close()

	if err := client.Connect(remote, 5*time.Second); err != nil {
		return err
	}

	local, _ := client.LocalAddress()
	fmt.Printf("established connection %s -> %s\n", local, remote)

	scanner := bufio.NewScanner(os.Stdin)
	for {
		fmt.Print("message to send? (empty for exit) - ")
		if !scanner.Scan() {
			break
		}
		line := scanner.Text()
		if line == "" {
			break
		}
		// negative timeout blocks until the whole line is sent.
		if _, err := client.Send([]byte(line), -1); err != nil {
			return err
		}
	}

	fmt.Printf("closing connection %s -> %s\n", local, remote)
	return nil
}
