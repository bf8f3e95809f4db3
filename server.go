package main

// Server holds information about a linked server.
type Server struct {
	// Each server has a unique name. e.g., irc.example.com.
	Name string

	// Each server has a one line description.
	Description string

	// The connection to it. All servers we know are directly linked.
	LocalServer *LocalServer
}

func (s *Server) String() string {
	return s.Name
}
