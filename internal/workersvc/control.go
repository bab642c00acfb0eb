package workersvc

import (
	"bufio"
	"net"
	"strings"

	"github.com/rs/zerolog/log"
)

// ServeControl binds a control address accepting line-delimited
// "status" and "shutdown" commands — the SUB-socket side channel from
// spec §4.6, rendered as its own small TCP listener since no pub/sub
// client library is a pack dependency. "status" replies "running" or
// "shutting_down"; "shutdown" calls Shutdown and closes the
// connection.
func (s *Service) ServeControl(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go s.serveControlConn(conn)
		}
	}()
	return nil
}

func (s *Service) serveControlConn(conn net.Conn) {
	defer conn.Close()
	scanner := bufio.NewScanner(conn)
	for scanner.Scan() {
		switch strings.TrimSpace(scanner.Text()) {
		case "status":
			if s.Status() {
				conn.Write([]byte("running\n"))
			} else {
				conn.Write([]byte("shutting_down\n"))
			}
		case "shutdown":
			conn.Write([]byte("ok\n"))
			s.Shutdown()
			return
		default:
			log.Warn().Str("command", scanner.Text()).Msg("toto: worker service control received unknown command")
		}
	}
}
