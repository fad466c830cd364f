// Command chat-server accepts TCP connections and broadcasts whatever
// one client sends to every other connected client.
//
// Recovered from original_source/examples/sockpuppet_chat_server.cpp.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/xtaci/sockpuppet"
)

type chatServer struct {
	driver *sockpuppet.Driver

	mu      sync.Mutex
	clients map[string]*sockpuppet.AsyncSocket
}

func (c *chatServer) handleConnect(clientSock *sockpuppet.SyncSocket, clientAddr sockpuppet.Address) {
	local, _ := clientSock.LocalAddress()
	fmt.Printf("connection %s <- %s accepted\n", clientAddr, local)

	key := clientAddr.String()
	async, err := sockpuppet.NewAsyncTCPClient(clientSock, c.driver, 0,
		func(data []byte) { c.handleReceive(clientAddr, data) },
		func(addr sockpuppet.Address) { c.handleDisconnect(key, addr) },
	)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return
	}

	c.mu.Lock()
	c.clients[key] = async
	c.mu.Unlock()
}

func (c *chatServer) handleReceive(from sockpuppet.Address, data []byte) {
	prefixed := fmt.Sprintf("%s says: %s", from, data)
	fmt.Println(prefixed)

	fromKey := from.String()
	c.mu.Lock()
	defer c.mu.Unlock()
	for key, client := range c.clients {
		if key == fromKey {
			continue
		}
		_, _ = client.Send([]byte(prefixed))
	}
}

func (c *chatServer) handleDisconnect(key string, addr sockpuppet.Address) {
	fmt.Printf("connection %s disconnected\n", addr)
	c.mu.Lock()
	delete(c.clients, key)
	c.mu.Unlock()
}

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

	listener, err := sockpuppet.NewSyncSocket(sockpuppet.NetworkTCP, bindAddr.IsV6())
	if err != nil {
		return err
	}
	if err := listener.Bind(bindAddr); err != nil {
		return err
	}

	srv := &chatServer{driver: driver, clients: map[string]*sockpuppet.AsyncSocket{}}
	if _, err := sockpuppet.NewAsyncTCPServer(listener, driver, srv.handleConnect); err != nil {
		return err
	}

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
