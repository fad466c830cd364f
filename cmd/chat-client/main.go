// Command chat-client connects to a chat-server, printing whatever other
// clients say and sending whatever is typed on stdin. The connection is
// reconnected with increasing backoff if it drops.
//
// Recovered from original_source/examples/sockpuppet_chat_client.cpp.
package main

import (
	"bufio"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/xtaci/sockpuppet"
)

type reconnectClient struct {
	driver *sockpuppet.Driver
	remote sockpuppet.Address

	mu     sync.Mutex
	client *sockpuppet.AsyncSocket
}

func (r *reconnectClient) reconnect(delay time.Duration) {
	sock, err := sockpuppet.NewSyncSocket(sockpuppet.NetworkTCP, r.remote.IsV6())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}
	if err := sock.Connect(r.remote, 2*time.Second); err != nil {
		fmt.Printf("failed to (re)connect to %s, will retry in %s\n", r.remote, delay)
		next := delay * 2
		r.driver.Schedule(delay, func() { r.reconnect(next) })
		return
	}

	local, _ := sock.LocalAddress()
	fmt.Printf("(re)established connection %s -> %s\n", local, r.remote)

	async, err := sockpuppet.NewAsyncTCPClient(sock, r.driver, 0,
		func(data []byte) { fmt.Println(string(data)) },
		func(addr sockpuppet.Address) {
			fmt.Printf("closing connection %s -> %s\n", local, addr)
			r.mu.Lock()
			r.client = nil
			r.mu.Unlock()
			r.reconnect(time.Second)
		},
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}

	r.mu.Lock()
	r.client = async
	r.mu.Unlock()
}

func (r *reconnectClient) send(line string) {
	r.mu.Lock()
	client := r.client
	r.mu.Unlock()
	if client == nil {
		return
	}
	// TODO cache failed send attempts and resend after reconnect.
	_, _ = client.Send([]byte(line))
}

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
	driver, err := sockpuppet.NewDriver()
	if err != nil {
		return err
	}
	defer driver.Close()

	go driver.Run()
	defer driver.Stop()

	client := &reconnectClient{driver: driver, remote: remote}
	// delay the initial connect slightly so it doesn't race the first prompt.
	driver.Schedule(500*time.Millisecond, func() { client.reconnect(time.Second) })

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
		fmt.Println("you said: " + line)
		client.send(line)
	}

	return nil
}
