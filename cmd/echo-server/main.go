// Command echo-server accepts TCP connections and prints whatever each
// client sends, running every connection through a single Driver reactor
// until interrupted.
//
// Recovered from original_source/examples/sockpuppet_tcp_server.cpp.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/xtaci/sockpuppet"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Printf("Usage: %s SOURCE\n\n\tSOURCE is an address string to bind to, e.g. \"localhost:8554\"\n", os.Args[0])
		return
	}

	bindAddr, err := sockpuppet.NewAddressFromURI(os.Args[1])
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}

	if err := run(bindAddr); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(bindAddr sockpuppet.Address) error {
	driver, err := sockpuppet.NewDriver()
	if err != nil {
		return err
	}
	defer driver.Close()

	var mu sync.Mutex
	clients := map[string]*sockpuppet.AsyncSocket{}

	listener, err := sockpuppet.NewSyncSocket(sockpuppet.NetworkTCP, bindAddr.IsV6())
	if err != nil {
		return err
	}
	if err := listener.Bind(bindAddr); err != nil {
		return err
	}

	onConnect := func(clientSock *sockpuppet.SyncSocket, clientAddr sockpuppet.Address) {
		local, _ := clientSock.LocalAddress()
		fmt.Printf("connection %s <- %s accepted\n", clientAddr, local)

		key := clientAddr.String()
		var async *sockpuppet.AsyncSocket
		async, err := sockpuppet.NewAsyncTCPClient(clientSock, driver, 0,
			func(data []byte) {
				fmt.Println(string(data))
			},
			func(addr sockpuppet.Address) {
				fmt.Printf("connection %s disconnected\n", addr)
				mu.Lock()
				delete(clients, key)
				mu.Unlock()
			},
		)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			return
		}

		mu.Lock()
		clients[key] = async
		mu.Unlock()
	}

	server, err := sockpuppet.NewAsyncTCPServer(listener, driver, onConnect)
	if err != nil {
		return err
	}
	_ = server

	local, _ := listener.LocalAddress()
	fmt.Printf("listening at %s\n", local)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT)
	go func() {
		<-sigCh
		driver.Stop()
	}()

	return driver.Run()
}
