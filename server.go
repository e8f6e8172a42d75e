package main

import (
	"bufio"
	"fmt"
	"net"

	"github.com/panjf2000/ants/v2"
	"go.uber.org/zap"
)

// startClamdServer binds the protocol listener and serves it until the
// listener fails, reporting the error on errChan.
func startClamdServer(errChan chan<- error) {
	addr := fmt.Sprintf("%s:%s", config.Host, config.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		errChan <- fmt.Errorf("failed to listen on %s: %w", addr, err)
		return
	}

	GetLogger().Info("Starting clamd protocol server", zap.String("address", addr))
	if err := serveClamd(ln); err != nil {
		errChan <- fmt.Errorf("clamd server error: %w", err)
	}
}

// serveClamd accepts connections and hands each one to a worker from a
// bounded goroutine pool. Every connection is handled by exactly one worker
// that blocks only on its own socket, so connections never observe each
// other's protocol state.
func serveClamd(ln net.Listener) error {
	pool, err := ants.NewPool(config.MaxConnections)
	if err != nil {
		return fmt.Errorf("creating connection pool: %w", err)
	}
	defer pool.Release()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return err
		}
		connectionsTotal.Inc()

		c := conn
		if err := pool.Submit(func() { handleConnection(c) }); err != nil {
			c.Close()
			return fmt.Errorf("submitting connection handler: %w", err)
		}
	}
}

// handleConnection runs the command loop for one accepted socket. The socket
// is closed on every exit path, and a panic anywhere in the loop is caught
// here so one misbehaving connection cannot take down the listener.
func handleConnection(conn net.Conn) {
	logger := GetLogger()
	remote := conn.RemoteAddr().String()

	defer conn.Close()
	defer func() {
		if r := recover(); r != nil {
			logger.Error("Connection handler panicked",
				zap.String("remote_addr", remote),
				zap.Any("panic", r))
		}
	}()

	connectionsActive.Inc()
	defer connectionsActive.Dec()

	logger.Debug("Connection accepted", zap.String("remote_addr", remote))

	reader := bufio.NewReader(conn)
	writer := bufio.NewWriter(conn)
	sess := &session{}

	for {
		cmd, delim, err := readCommand(reader)
		if err != nil {
			// Peer gone or command truncated; nothing left to reply to
			logger.Debug("Connection closed", zap.String("remote_addr", remote))
			return
		}

		commandsTotal.WithLabelValues(commandLabel(cmd)).Inc()

		switch cmd {
		case "PING":
			if err := writeReply(writer, sess, "PONG", delim); err != nil {
				return
			}

		case "VERSION":
			if err := writeReply(writer, sess, clamdVersionString, delim); err != nil {
				return
			}

		case "IDSESSION":
			sess.begin()
			sessionsCreatedTotal.Inc()
			if id, ok := sess.current(); ok {
				logger.Debug("Session started",
					zap.String("remote_addr", remote),
					zap.Uint64("session_id", id))
			}

		case "END", "QUIT":
			return

		case "INSTREAM":
			result, err := runInstream(reader, config.MaxStreamSize)
			if err != nil {
				logger.Debug("INSTREAM aborted",
					zap.String("remote_addr", remote),
					zap.Error(err))
				return
			}
			recordScanMetrics(result)
			logger.Info("Stream scanned",
				zap.String("remote_addr", remote),
				zap.String("status", result.Status),
				zap.Int64("bytes", result.Bytes))
			if err := writeReply(writer, sess, result.Reply, delim); err != nil {
				return
			}
			// Single-shot convenience for non-session clients
			if _, inSession := sess.current(); !inSession {
				return
			}

		default:
			logger.Debug("Unknown command",
				zap.String("remote_addr", remote),
				zap.String("command", cmd))
			if err := writeReply(writer, sess, "UNKNOWN COMMAND", delim); err != nil {
				return
			}
		}
	}
}

// commandLabel bounds metric label cardinality to the known command set
func commandLabel(cmd string) string {
	switch cmd {
	case "PING", "VERSION", "IDSESSION", "END", "QUIT", "INSTREAM":
		return cmd
	}
	return "unknown"
}
