package main

import (
	"bufio"
	"log"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"msgd/config"
	"msgd/db"
	"msgd/server"
)

func main() {
	cfg := config.Load()

	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer database.Close()

	srvConfig := &server.Config{
		Port:          cfg.Port,
		ReadTimeout:   time.Duration(cfg.ReadTimeout) * time.Second,
		WriteTimeout:  time.Duration(cfg.WriteTimeout) * time.Second,
		AcceptTimeout: time.Duration(cfg.AcceptTimeout) * time.Millisecond,
		PollTimeout:   time.Duration(cfg.PollTimeout) * time.Millisecond,
	}

	srv := server.New(database, srvConfig)
	if err := srv.Listen(); err != nil {
		log.Fatalf("Failed to listen on port %d: %v", cfg.Port, err)
	}

	// Start control socket for management commands
	go startControlSocket(srv, database, cfg.ControlSocket)

	// Handle signals for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		log.Printf("Received signal %v, shutting down...", sig)
		srv.Stop()
	}()

	srv.Run()
	os.Remove(cfg.ControlSocket)
}

func startControlSocket(srv *server.Server, database *db.DB, path string) {
	// Remove existing socket file
	os.Remove(path)

	listener, err := net.Listen("unix", path)
	if err != nil {
		log.Printf("Failed to create control socket: %v", err)
		return
	}
	defer listener.Close()
	defer os.Remove(path)

	log.Printf("Control socket listening on %s", path)

	for {
		conn, err := listener.Accept()
		if err != nil {
			continue
		}

		go handleControlCommand(srv, database, conn)
	}
}

func handleControlCommand(srv *server.Server, database *db.DB, conn net.Conn) {
	defer conn.Close()

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	if err != nil {
		return
	}

	parts := strings.Split(strings.TrimSpace(line), "|")
	if len(parts) == 0 || parts[0] == "" {
		conn.Write([]byte("ERROR|Invalid command\n"))
		return
	}

	switch parts[0] {
	case "stats":
		st := srv.Stats()
		reply := "connections=" + strconv.Itoa(st.Connections) + ",online=" + strings.Join(st.Online, ";")
		conn.Write([]byte("OK|" + reply + "\n"))

	case "adduser":
		// Формат: adduser|login|password
		if len(parts) < 3 || parts[1] == "" || parts[2] == "" {
			conn.Write([]byte("ERROR|Usage: adduser|login|password\n"))
			return
		}
		if err := database.CreateUser(parts[1], parts[2]); err != nil {
			log.Printf("Failed to create user %s: %v", parts[1], err)
			conn.Write([]byte("ERROR|Failed to create user\n"))
			return
		}
		conn.Write([]byte("OK|User created\n"))

	case "shutdown":
		reason := "maintenance"
		if len(parts) >= 2 && parts[1] != "" {
			reason = parts[1]
		}
		conn.Write([]byte("OK|Shutting down\n"))
		log.Printf("Shutdown requested: reason=%s", reason)
		srv.Stop()

	default:
		conn.Write([]byte("ERROR|Unknown command\n"))
	}
}
