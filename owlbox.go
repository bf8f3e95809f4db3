// owlbox is an IRC server with a focus on a small, understandable core.
//
// All server state lives on a single goroutine. Each connection gets a
// reader and a writer goroutine which communicate with the server goroutine
// through channels. This means no locking around state beyond what the
// channels give us.
package main

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/ergochat/irc-go/ircmsg"
	"github.com/lmittmann/tint"
)

// Owlbox holds the state for this server. Its maps may only be touched by
// the server goroutine.
type Owlbox struct {
	Config *Config

	// Unregistered connections.
	LocalClients map[uint64]*LocalClient

	// Registered local users, keyed by connection id.
	LocalUsers map[uint64]*LocalUser

	// Directly linked servers, keyed by connection id.
	LocalServers map[uint64]*LocalServer

	// Every user on the network, local and remote.
	Users map[UID]*User

	// Canonicalized nick to UID.
	Nicks map[string]UID

	// Canonicalized channel name to Channel.
	Channels map[string]*Channel

	// Server name to Server, for every linked server.
	Servers map[string]*Server

	Hooks *HookRegistry

	// Events from connection goroutines to the server goroutine.
	EventChan chan Event

	// Closing this tells everyone to shut down.
	ShutdownChan chan struct{}

	Listener net.Listener

	// WaitGroup for all of our goroutines.
	WG sync.WaitGroup

	shuttingDownLock sync.Mutex
	shuttingDown     bool

	idCounter  uint64
	uidCounter uint64
}

// EventType is a type of event we can tell the server about.
type EventType int

const (
	// NullEvent is a default event. This means the event was not populated.
	NullEvent EventType = iota

	// NewClientEvent means a new connection was made.
	NewClientEvent

	// DeadClientEvent means client died for some reason. Clean it up.
	DeadClientEvent

	// MessageFromClientEvent means a client sent a message.
	MessageFromClientEvent

	// WakeUpEvent means the server should wake up and do bookkeeping.
	WakeUpEvent

	// ShutdownEvent means the server should shut down.
	ShutdownEvent
)

// Event holds a message between a connection goroutine and the server
// goroutine.
type Event struct {
	Type    EventType
	Client  *LocalClient
	Message ircmsg.Message
}

func main() {
	args, err := getArgs()
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}

	level := slog.LevelInfo
	if args.Verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level:      level,
		TimeFormat: time.DateTime,
	})))

	cfg, err := checkAndParseConfig(args.ConfigFile)
	if err != nil {
		slog.Error("configuration problem", "error", err)
		os.Exit(1)
	}

	ob := newOwlbox(cfg)

	if err := ob.start(); err != nil {
		slog.Error("error starting", "error", err)
		os.Exit(1)
	}

	slog.Info("server shutting down")
}

// newOwlbox creates a server with the built in modules registered.
func newOwlbox(cfg *Config) *Owlbox {
	ob := &Owlbox{
		Config:       cfg,
		LocalClients: make(map[uint64]*LocalClient),
		LocalUsers:   make(map[uint64]*LocalUser),
		LocalServers: make(map[uint64]*LocalServer),
		Users:        make(map[UID]*User),
		Nicks:        make(map[string]UID),
		Channels:     make(map[string]*Channel),
		Servers:      make(map[string]*Server),
		Hooks:        NewHookRegistry(),
		EventChan:    make(chan Event),
		ShutdownChan: make(chan struct{}),
	}

	// serverlinks last: it sends the final text and tags over the wire, so
	// every other module must already have had its say.
	ob.Hooks.Register(&BlockColorModule{ob: ob})
	ob.Hooks.Register(&ServerLinksModule{ob: ob})

	return ob
}

// start starts listening and runs the server goroutine. It returns when the
// server shuts down.
func (ob *Owlbox) start() error {
	ln, err := net.Listen("tcp", fmt.Sprintf("%s:%s", ob.Config.ListenHost,
		ob.Config.ListenPort))
	if err != nil {
		return fmt.Errorf("unable to listen: %s", err)
	}
	ob.Listener = ln

	slog.Info("listening", "address", ln.Addr().String(),
		"server", ob.Config.ServerName)

	ob.WG.Add(1)
	go ob.acceptLoop()

	ob.WG.Add(1)
	go ob.alarm()

	ob.WG.Add(1)
	go ob.waitForSignal()

	// Try to bring up the configured links.
	for _, def := range ob.Config.Servers {
		def := def
		ob.WG.Add(1)
		go ob.connectToServer(def)
	}

	ob.eventLoop()

	ob.WG.Wait()
	return nil
}

// acceptLoop accepts connections and tells the server goroutine about them.
func (ob *Owlbox) acceptLoop() {
	defer ob.WG.Done()

	for {
		conn, err := ob.Listener.Accept()
		if err != nil {
			// The listener closing is how shutdown reaches us.
			slog.Debug("accept error", "error", err)
			break
		}

		client := NewLocalClient(ob, ob.nextClientID(),
			NewConn(conn, ob.Config.DeadTime))
		ob.newEvent(Event{Type: NewClientEvent, Client: client})
	}
}

// connectToServer dials out to a configured link and hands the connection
// to the server goroutine with the link definition attached, so the intro
// goes out once the client is registered in the maps.
func (ob *Owlbox) connectToServer(def ServerDefinition) {
	defer ob.WG.Done()

	conn, err := net.DialTimeout("tcp",
		fmt.Sprintf("%s:%d", def.Hostname, def.Port), ob.Config.DeadTime)
	if err != nil {
		slog.Warn("unable to connect to server", "server", def.Name,
			"error", err)
		return
	}

	client := NewLocalClient(ob, ob.nextClientID(),
		NewConn(conn, ob.Config.DeadTime))
	client.OutboundLink = &def
	ob.newEvent(Event{Type: NewClientEvent, Client: client})
}

// alarm periodically wakes the server up for bookkeeping.
func (ob *Owlbox) alarm() {
	defer ob.WG.Done()

	ticker := time.NewTicker(ob.Config.WakeupTime)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ob.newEvent(Event{Type: WakeUpEvent})
		case <-ob.ShutdownChan:
			return
		}
	}
}

// waitForSignal turns SIGINT/SIGTERM into a shutdown event so the teardown
// happens on the server goroutine.
func (ob *Owlbox) waitForSignal() {
	defer ob.WG.Done()

	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-signalChan:
		slog.Info("received signal", "signal", sig.String())
		ob.newEvent(Event{Type: ShutdownEvent})
	case <-ob.ShutdownChan:
	}
}

// newEvent tells the server goroutine something happened. Safe from any
// goroutine.
func (ob *Owlbox) newEvent(e Event) {
	select {
	case ob.EventChan <- e:
	case <-ob.ShutdownChan:
	}
}

func (ob *Owlbox) isShuttingDown() bool {
	ob.shuttingDownLock.Lock()
	defer ob.shuttingDownLock.Unlock()
	return ob.shuttingDown
}

// shutdown starts the process of ending the server. Only the server
// goroutine calls this.
func (ob *Owlbox) shutdown() {
	if ob.isShuttingDown() {
		return
	}

	ob.shuttingDownLock.Lock()
	ob.shuttingDown = true
	ob.shuttingDownLock.Unlock()

	close(ob.ShutdownChan)

	if err := ob.Listener.Close(); err != nil {
		slog.Debug("error closing listener", "error", err)
	}

	for _, client := range ob.LocalClients {
		client.quit("Server shutting down")
	}
	for _, lu := range ob.LocalUsers {
		ob.quitUser(lu.User, "Server shutting down")
	}
	for _, ls := range ob.LocalServers {
		ob.quitServer(ls, "Server shutting down")
	}
}

// eventLoop is the server goroutine's main loop.
func (ob *Owlbox) eventLoop() {
	for {
		select {
		case evt := <-ob.EventChan:
			ob.handleEvent(evt)
		case <-ob.ShutdownChan:
			return
		}

		if ob.isShuttingDown() {
			return
		}
	}
}

func (ob *Owlbox) handleEvent(evt Event) {
	switch evt.Type {
	case NewClientEvent:
		slog.Debug("new client", "client", evt.Client.String())
		ob.LocalClients[evt.Client.ID] = evt.Client
		evt.Client.Start()

		if evt.Client.OutboundLink != nil {
			evt.Client.sendServerIntro(evt.Client.OutboundLink.Pass)
		}

	case DeadClientEvent:
		ob.cleanUpDeadClient(evt.Client)

	case MessageFromClientEvent:
		ob.handleClientMessage(evt.Client, evt.Message)

	case WakeUpEvent:
		ob.checkAndPingClients()

	case ShutdownEvent:
		ob.shutdown()

	default:
		slog.Error("unexpected event", "type", evt.Type)
	}
}

// handleClientMessage routes a message to whatever the connection
// registered as. A connection that already died gets ignored.
func (ob *Owlbox) handleClientMessage(client *LocalClient, m ircmsg.Message) {
	if ls, exists := ob.LocalServers[client.ID]; exists {
		ls.handleMessage(m)
		return
	}

	if lu, exists := ob.LocalUsers[client.ID]; exists {
		lu.handleMessage(m)
		return
	}

	if _, exists := ob.LocalClients[client.ID]; exists {
		client.handleMessage(m)
	}
}

// cleanUpDeadClient gets rid of whatever the connection was. It's fine for
// this to fire more than once for the same connection; after the first the
// maps no longer know it.
func (ob *Owlbox) cleanUpDeadClient(client *LocalClient) {
	if ls, exists := ob.LocalServers[client.ID]; exists {
		ob.quitServer(ls, "Connection lost")
		return
	}

	if lu, exists := ob.LocalUsers[client.ID]; exists {
		ob.quitUser(lu.User, "Connection lost")
		return
	}

	if _, exists := ob.LocalClients[client.ID]; exists {
		client.quit("Connection lost")
	}
}

// checkAndPingClients pings idle connections and kills dead ones.
func (ob *Owlbox) checkAndPingClients() {
	now := time.Now()

	// Unregistered connections don't get long to say who they are.
	for _, client := range ob.LocalClients {
		if now.Sub(client.ConnectionStartTime) > ob.Config.DeadTime {
			client.quit("Registration timeout")
		}
	}

	ping := func(c *LocalClient) bool {
		if now.Sub(c.LastActivityTime) > ob.Config.DeadTime {
			return false
		}
		if now.Sub(c.LastActivityTime) > ob.Config.PingTime &&
			now.Sub(c.LastPingTime) > ob.Config.PingTime {
			c.maybeQueueMessage(ircmsg.MakeMessage(nil, ob.Config.ServerName,
				"PING", ob.Config.ServerName))
			c.LastPingTime = now
		}
		return true
	}

	for _, lu := range ob.LocalUsers {
		if lu.SendQueueExceeded {
			ob.quitUser(lu.User, "SendQ exceeded")
			continue
		}
		if !ping(lu.LocalClient) {
			ob.quitUser(lu.User, "Ping timeout")
		}
	}

	for _, ls := range ob.LocalServers {
		if ls.SendQueueExceeded {
			ob.quitServer(ls, "SendQ exceeded")
			continue
		}
		if !ping(ls.LocalClient) {
			ob.quitServer(ls, "Ping timeout")
		}
	}
}

func (ob *Owlbox) nextClientID() uint64 {
	return atomic.AddUint64(&ob.idCounter, 1)
}

// nextUID hands out the next user id. Only the server goroutine allocates
// users, but atomics keep this safe if that ever changes.
func (ob *Owlbox) nextUID() UID {
	return UID(atomic.AddUint64(&ob.uidCounter, 1))
}

func (ob *Owlbox) canonNick(nick string) string {
	return canonicalize(ob.Config.Casemapping, nick)
}

func (ob *Owlbox) canonChannel(name string) string {
	return canonicalize(ob.Config.Casemapping, name)
}

// findUser looks up a user by nickname, anywhere on the network.
func (ob *Owlbox) findUser(nick string) *User {
	uid, exists := ob.Nicks[ob.canonNick(nick)]
	if !exists {
		return nil
	}
	return ob.Users[uid]
}

// numericTo sends a numeric to a user, local or remote. Remote users get it
// via the link we heard them through; that server routes it onward.
func (ob *Owlbox) numericTo(u *User, numeric string, params []string) {
	params = append([]string{u.DisplayNick}, params...)
	m := ircmsg.MakeMessage(nil, ob.Config.ServerName, numeric, params...)

	if u.isLocal() {
		u.LocalUser.maybeQueueMessage(m)
		return
	}

	u.ClosestServer.maybeQueueMessage(m)
}

// relayToLinks queues a message on our server links. exclude is the link
// the message came from, if any. only, if non-nil, limits which links get
// it.
func (ob *Owlbox) relayToLinks(exclude *LocalServer, m ircmsg.Message,
	only map[*LocalServer]struct{}) {
	for _, ls := range ob.LocalServers {
		if ls == exclude {
			continue
		}
		if only != nil {
			if _, ok := only[ls]; !ok {
				continue
			}
		}
		ls.maybeQueueMessage(m)
	}
}

// introduceUserToLinks tells our links about a user, except the link we
// heard about them from.
func (ob *Owlbox) introduceUserToLinks(u *User, exclude *LocalServer) {
	ob.relayToLinks(exclude, snickMessage(u), nil)
}

// quitUser removes a user from the network: announces the QUIT to local
// users who share a channel, tears down their state, and tells our links.
func (ob *Owlbox) quitUser(u *User, reason string) {
	announce := ircmsg.MakeMessage(nil, u.nickUhost(), "QUIT", reason)

	told := map[UID]struct{}{u.UID: {}}
	for _, channel := range u.Channels {
		for uid := range channel.Members {
			if _, done := told[uid]; done {
				continue
			}
			told[uid] = struct{}{}

			member := ob.Users[uid]
			if member.isLocal() {
				member.LocalUser.maybeQueueMessage(announce)
			}
		}

		channel.removeUser(u)
		if len(channel.Members) == 0 {
			delete(ob.Channels, channel.Name)
		}
	}

	delete(ob.Nicks, ob.canonNick(u.DisplayNick))
	delete(ob.Users, u.UID)

	var fromLink *LocalServer
	if u.isRemote() {
		fromLink = u.ClosestServer
	}
	ob.relayToLinks(fromLink,
		ircmsg.MakeMessage(nil, u.DisplayNick, "QUIT", reason), nil)

	if u.isLocal() {
		lu := u.LocalUser
		lu.maybeQueueMessage(ircmsg.MakeMessage(nil, ob.Config.ServerName,
			"ERROR", reason))
		close(lu.WriteChan)
		delete(ob.LocalUsers, lu.ID)
	}
}

// quitServer drops a server link. Every user behind it quits with a
// netsplit style reason.
func (ob *Owlbox) quitServer(ls *LocalServer, reason string) {
	slog.Info("losing server link", "server", ls.Server.Name,
		"reason", reason)

	splitReason := fmt.Sprintf("%s %s", ob.Config.ServerName, ls.Server.Name)
	for _, u := range ob.Users {
		if u.isRemote() && u.ClosestServer == ls {
			ob.quitUser(u, splitReason)
		}
	}

	ls.maybeQueueMessage(ircmsg.MakeMessage(nil, ob.Config.ServerName,
		"ERROR", reason))
	close(ls.WriteChan)
	delete(ob.LocalServers, ls.ID)
	delete(ob.Servers, ls.Server.Name)
}
