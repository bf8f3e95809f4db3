package main

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ergochat/irc-go/ircmsg"
)

// LocalClient holds state about a local connection that has not yet
// registered as either a user or a server. All connections start as one of
// these.
type LocalClient struct {
	// Conn is the TCP connection to the client.
	Conn Conn

	// WriteChan is the channel to send to to deliver a message to the
	// client. The write goroutine owns the other end.
	WriteChan chan ircmsg.Message

	// A unique id. Internal to this server only.
	ID uint64

	Owlbox *Owlbox

	ConnectionStartTime time.Time

	// Last time we heard anything from the client.
	LastActivityTime time.Time

	// Last time we sent the client a PING.
	LastPingTime time.Time

	// SendQueueExceeded tells us if we overflowed the client's send queue.
	// If this happens we'll kill them off.
	SendQueueExceeded bool

	// Info set before registration is complete.
	PreRegDisplayNick string
	PreRegUser        string
	PreRegRealName    string

	// Server handshake state. Plain clients never touch these.
	GotPASS   bool
	GotCAPAB  bool
	GotSERVER bool

	PreRegPass        string
	PreRegCapabs      map[string]struct{}
	PreRegServerName  string
	PreRegServerDesc  string

	// Whether we sent our half of the server handshake.
	SentServerIntro bool
	SentSVINFO      bool

	// Set when we dialed out to a configured link. The handshake starts from
	// our side in that case.
	OutboundLink *ServerDefinition
}

// NewLocalClient creates a LocalClient
func NewLocalClient(ob *Owlbox, id uint64, conn Conn) *LocalClient {
	now := time.Now()

	return &LocalClient{
		Conn: conn,

		// Buffered. We don't want to block sending to the client from the
		// server. The client may be stuck. Make the buffer large enough that
		// it should only max out in case of connection issues.
		WriteChan: make(chan ircmsg.Message, 32768),

		ID: id,

		Owlbox: ob,

		ConnectionStartTime: now,
		LastActivityTime:    now,
	}
}

func (c *LocalClient) String() string {
	return fmt.Sprintf("%d %s", c.ID, c.Conn.RemoteAddr())
}

// Start starts the client's read and write goroutines.
func (c *LocalClient) Start() {
	c.Owlbox.WG.Add(1)
	go c.readLoop()

	c.Owlbox.WG.Add(1)
	go c.writeLoop()
}

// readLoop reads lines, parses them, and hands the result to the server
// goroutine. It runs until the connection dies.
func (c *LocalClient) readLoop() {
	defer c.Owlbox.WG.Done()

	for {
		if c.Owlbox.isShuttingDown() {
			break
		}

		line, err := c.Conn.Read()
		if err != nil {
			c.Owlbox.newEvent(Event{Type: DeadClientEvent, Client: c})
			break
		}

		m, err := ircmsg.ParseLine(strings.TrimRight(line, "\r\n"))
		if err != nil {
			// Not fatal. The codec rejects things like empty lines which we can
			// simply ignore.
			slog.Debug("invalid message from client", "client", c.String(),
				"error", err)
			continue
		}

		c.Owlbox.newEvent(Event{
			Type:    MessageFromClientEvent,
			Client:  c,
			Message: m,
		})
	}

	slog.Debug("reader shutting down", "client", c.String())
}

// writeLoop endlessly writes messages from the write channel to the
// connection. It runs until the channel closes.
func (c *LocalClient) writeLoop() {
	defer c.Owlbox.WG.Done()

	for m := range c.WriteChan {
		if err := c.Conn.WriteMessage(m); err != nil {
			slog.Debug("error writing to client", "client", c.String(),
				"error", err)
			c.Owlbox.newEvent(Event{Type: DeadClientEvent, Client: c})
			break
		}
	}

	// Drain. The server goroutine may be blocked sending to us.
	for range c.WriteChan {
	}

	if err := c.Conn.Close(); err != nil {
		slog.Debug("error closing connection", "client", c.String(),
			"error", err)
	}

	slog.Debug("writer shutting down", "client", c.String())
}

// maybeQueueMessage tries to queue a message to be sent to the client. If
// the client's queue is full, this kills the client.
//
// This must be called from the server goroutine only.
func (c *LocalClient) maybeQueueMessage(m ircmsg.Message) {
	if c.SendQueueExceeded {
		return
	}

	select {
	case c.WriteChan <- m:
	default:
		c.SendQueueExceeded = true
	}
}

// messageFromServer queues a message to the client with this server as the
// source. For numerics we prepend the target nick as the protocol wants.
func (c *LocalClient) messageFromServer(command string, params []string) {
	if isNumericCommand(command) {
		nick := "*"
		if len(c.PreRegDisplayNick) > 0 {
			nick = c.PreRegDisplayNick
		}
		params = append([]string{nick}, params...)
	}

	c.maybeQueueMessage(ircmsg.MakeMessage(nil, c.Owlbox.Config.ServerName,
		command, params...))
}

func (c *LocalClient) quit(message string) {
	c.maybeQueueMessage(ircmsg.MakeMessage(nil, c.Owlbox.Config.ServerName,
		"ERROR", message))
	close(c.WriteChan)

	delete(c.Owlbox.LocalClients, c.ID)
}

// handleMessage deals with a message from an unregistered connection. The
// only interesting things it can say are the registration commands, either
// the user pair (NICK/USER) or the server handshake (PASS/CAPAB/SERVER/
// SVINFO).
func (c *LocalClient) handleMessage(m ircmsg.Message) {
	c.LastActivityTime = time.Now()

	switch strings.ToUpper(m.Command) {
	case "NICK":
		c.nickCommand(m)
	case "USER":
		c.userCommand(m)
	case "PASS":
		c.passCommand(m)
	case "CAPAB":
		c.capabCommand(m)
	case "SERVER":
		c.serverCommand(m)
	case "SVINFO":
		c.svinfoCommand(m)
	case "PING":
		if len(m.Params) > 0 {
			c.messageFromServer("PONG", []string{m.Params[0]})
		}
	case "QUIT":
		c.quit("Client quit")
	case "ERROR":
		c.quit("Received ERROR")
	case "CAP":
		// We don't negotiate client capabilities yet. Ignoring CAP (rather
		// than erroring) lets such clients continue registering.
	default:
		// 451 ERR_NOTREGISTERED
		c.messageFromServer("451", []string{"You have not registered."})
	}
}

func (c *LocalClient) nickCommand(m ircmsg.Message) {
	if len(m.Params) == 0 {
		// 431 ERR_NONICKNAMEGIVEN
		c.messageFromServer("431", []string{"No nickname given"})
		return
	}

	nick := m.Params[0]

	if !isValidNick(c.Owlbox.Config.MaxNickLength, nick) {
		// 432 ERR_ERRONEUSNICKNAME
		c.messageFromServer("432", []string{nick, "Erroneous nickname"})
		return
	}

	if _, exists := c.Owlbox.Nicks[c.Owlbox.canonNick(nick)]; exists {
		// 433 ERR_NICKNAMEINUSE
		c.messageFromServer("433", []string{nick, "Nickname is already in use"})
		return
	}

	c.PreRegDisplayNick = nick

	if len(c.PreRegUser) > 0 {
		c.completeRegistration()
	}
}

func (c *LocalClient) userCommand(m ircmsg.Message) {
	if len(m.Params) < 4 {
		// 461 ERR_NEEDMOREPARAMS
		c.messageFromServer("461", []string{"USER", "Not enough parameters"})
		return
	}

	user := m.Params[0]
	realName := m.Params[3]

	if !isValidUser(c.Owlbox.Config.MaxNickLength, user) {
		// There is no good numeric for this.
		c.quit("Invalid username")
		return
	}

	if !isValidRealName(realName) {
		c.quit("Invalid realname")
		return
	}

	c.PreRegUser = user
	c.PreRegRealName = realName

	if len(c.PreRegDisplayNick) > 0 {
		c.completeRegistration()
	}
}

// completeRegistration promotes the connection to a user and welcomes them.
func (c *LocalClient) completeRegistration() {
	ob := c.Owlbox

	u := &User{
		UID:         ob.nextUID(),
		DisplayNick: c.PreRegDisplayNick,
		Username:    c.PreRegUser,

		// We don't resolve hostnames. The IP is the host.
		Hostname: c.Conn.IP.String(),
		IP:       c.Conn.IP.String(),

		RealName:   c.PreRegRealName,
		Modes:      make(map[byte]struct{}),
		Privs:      make(map[string]struct{}),
		ServerName: ob.Config.ServerName,
		Channels:   make(map[string]*Channel),
	}

	lu := NewLocalUser(c)
	lu.User = u
	u.LocalUser = lu

	delete(ob.LocalClients, c.ID)
	ob.LocalUsers[c.ID] = lu
	ob.Users[u.UID] = u
	ob.Nicks[ob.canonNick(u.DisplayNick)] = u.UID

	// 001 RPL_WELCOME
	lu.messageFromServer("001", []string{fmt.Sprintf(
		"Welcome to the Internet Relay Network %s", u.nickUhost())})

	// 002 RPL_YOURHOST
	lu.messageFromServer("002", []string{fmt.Sprintf(
		"Your host is %s, running version %s", ob.Config.ServerName,
		ob.Config.Version)})

	// 003 RPL_CREATED
	lu.messageFromServer("003", []string{fmt.Sprintf(
		"This server was created %s", ob.Config.CreatedDate)})

	// 004 RPL_MYINFO
	lu.messageFromServer("004", []string{ob.Config.ServerName,
		ob.Config.Version, "aio", "bcmnst"})

	lu.lusersCommand()
	lu.motdCommand()

	// Tell our links about the new user.
	ob.introduceUserToLinks(u, nil)
}

func (c *LocalClient) passCommand(m ircmsg.Message) {
	if c.GotPASS {
		c.quit("Double PASS")
		return
	}

	if len(m.Params) == 0 {
		// 461 ERR_NEEDMOREPARAMS
		c.messageFromServer("461", []string{"PASS", "Not enough parameters"})
		return
	}

	c.PreRegPass = m.Params[0]
	c.GotPASS = true
}

func (c *LocalClient) capabCommand(m ircmsg.Message) {
	if !c.GotPASS {
		c.quit("PASS first")
		return
	}

	if c.GotCAPAB {
		c.quit("Double CAPAB")
		return
	}

	if len(m.Params) == 0 {
		// 461 ERR_NEEDMOREPARAMS
		c.messageFromServer("461", []string{"CAPAB", "Not enough parameters"})
		return
	}

	c.PreRegCapabs = make(map[string]struct{})
	for _, capab := range strings.Fields(m.Params[0]) {
		c.PreRegCapabs[strings.ToUpper(capab)] = struct{}{}
	}

	c.GotCAPAB = true
}

func (c *LocalClient) serverCommand(m ircmsg.Message) {
	if !c.GotCAPAB {
		c.quit("CAPAB first")
		return
	}

	if c.GotSERVER {
		c.quit("Double SERVER")
		return
	}

	if len(m.Params) < 3 {
		// 461 ERR_NEEDMOREPARAMS
		c.messageFromServer("461", []string{"SERVER", "Not enough parameters"})
		return
	}

	name := m.Params[0]
	desc := m.Params[2]

	link, exists := c.Owlbox.Config.Servers[name]
	if !exists {
		c.quit("No such server configured")
		return
	}

	if link.Pass != c.PreRegPass {
		c.quit("Bad password")
		return
	}

	if _, exists := c.Owlbox.Servers[name]; exists {
		c.quit("Server already linked")
		return
	}

	c.PreRegServerName = name
	c.PreRegServerDesc = desc
	c.GotSERVER = true

	// If they initiated the link, we have not yet introduced ourselves.
	if !c.SentServerIntro {
		c.sendServerIntro(link.Pass)
	}

	c.sendSVINFO()
}

// sendServerIntro sends our half of the link handshake.
func (c *LocalClient) sendServerIntro(pass string) {
	c.maybeQueueMessage(ircmsg.MakeMessage(nil, "", "PASS", pass))
	c.maybeQueueMessage(ircmsg.MakeMessage(nil, "", "CAPAB", "QS MTAGS"))
	c.maybeQueueMessage(ircmsg.MakeMessage(nil, "", "SERVER",
		c.Owlbox.Config.ServerName, "1", c.Owlbox.Config.ServerInfo))
	c.SentServerIntro = true
}

func (c *LocalClient) sendSVINFO() {
	c.maybeQueueMessage(ircmsg.MakeMessage(nil, "", "SVINFO",
		fmt.Sprintf("%d", time.Now().Unix())))
	c.SentSVINFO = true
}

func (c *LocalClient) svinfoCommand(m ircmsg.Message) {
	if !c.GotSERVER || !c.SentSVINFO {
		c.quit("SERVER first")
		return
	}

	// We don't negotiate TS versions. Accept theirs and move on.
	c.registerServer()
}

// registerServer promotes the connection to a server link and bursts our
// state to it.
func (c *LocalClient) registerServer() {
	ob := c.Owlbox

	s := &Server{
		Name:        c.PreRegServerName,
		Description: c.PreRegServerDesc,
	}

	ls := NewLocalServer(c)
	ls.Server = s
	s.LocalServer = ls

	delete(ob.LocalClients, c.ID)
	ob.LocalServers[c.ID] = ls
	ob.Servers[s.Name] = s

	slog.Info("linked with server", "server", s.Name)

	ls.sendBurst()
}
