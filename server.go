package main

import "fmt"

// Server is a node in the network tree. The local server is the root
// and has a nil Parent. Every other node was introduced by a peer.
type Server struct {
	// Each server has a unique ID. 3 characters, first numeric.
	SID SID

	// Each server has a unique name, e.g. irc.example.com. Unique
	// case-insensitively.
	Name string

	// One line description.
	Description string

	// Version string reported by the server, if we have one.
	Version string

	// Number of hops from us to this server.
	HopCount int

	// Parent in the tree. nil for the local server.
	Parent *Server

	// Direct children.
	Children []*Server

	// If this server is directly connected to us, LocalServer is its
	// link session. Exactly one direct socket exists per direct child.
	LocalServer *LocalServer

	// Route is the directly connected link through which this server
	// is reached. For a direct child it is its own LocalServer. nil
	// for the local server.
	Route *LocalServer

	// Bursting is true from BURST receipt until ENDBURST. Certain
	// side effects are deferred while true.
	Bursting bool
}

func (s *Server) String() string {
	return fmt.Sprintf("%s %s", s.SID, s.Name)
}

func (s *Server) isDirect() bool {
	return s.LocalServer != nil
}

func (s *Server) addChild(child *Server) {
	child.Parent = s
	s.Children = append(s.Children, child)
}

func (s *Server) removeChild(child *Server) {
	for i, c := range s.Children {
		if c == child {
			s.Children = append(s.Children[:i], s.Children[i+1:]...)
			child.Parent = nil
			return
		}
	}
}

// subtree returns this server and every server beneath it.
func (s *Server) subtree() []*Server {
	out := []*Server{s}
	for _, child := range s.Children {
		out = append(out, child.subtree()...)
	}
	return out
}
