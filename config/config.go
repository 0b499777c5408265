package config

import (
	"os"
	"strconv"
)

type Config struct {
	Port          int
	DBPath        string
	ControlSocket string
	ReadTimeout   int // seconds
	WriteTimeout  int // seconds
	AcceptTimeout int // milliseconds
	PollTimeout   int // milliseconds
}

func Load() *Config {
	cfg := &Config{
		Port:          7777,
		DBPath:        "msgd.db",
		ControlSocket: "/tmp/msgd.sock",
		ReadTimeout:   5,
		WriteTimeout:  10,
		AcceptTimeout: 500,
		PollTimeout:   50,
	}

	if portStr := os.Getenv("MSGD_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			cfg.Port = port
		}
	}

	if dbPath := os.Getenv("MSGD_DB_PATH"); dbPath != "" {
		cfg.DBPath = dbPath
	}

	if sockPath := os.Getenv("MSGD_CONTROL_SOCKET"); sockPath != "" {
		cfg.ControlSocket = sockPath
	}

	if timeoutStr := os.Getenv("MSGD_READ_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.ReadTimeout = timeout
		}
	}

	if timeoutStr := os.Getenv("MSGD_WRITE_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.WriteTimeout = timeout
		}
	}

	if timeoutStr := os.Getenv("MSGD_ACCEPT_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.AcceptTimeout = timeout
		}
	}

	if timeoutStr := os.Getenv("MSGD_POLL_TIMEOUT"); timeoutStr != "" {
		if timeout, err := strconv.Atoi(timeoutStr); err == nil {
			cfg.PollTimeout = timeout
		}
	}

	return cfg
}
