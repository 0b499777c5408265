package db

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"time"

	"msgd/models"

	_ "github.com/mattn/go-sqlite3"
	"golang.org/x/crypto/pbkdf2"
)

var ErrNoRows = errors.New("no rows found")

const (
	keyIterations = 4096
	keyLength     = 32
)

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			login TEXT UNIQUE NOT NULL,
			secret TEXT NOT NULL,
			pubkey TEXT NOT NULL DEFAULT '',
			last_seen TEXT NOT NULL DEFAULT '',
			sent INTEGER NOT NULL DEFAULT 0,
			received INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS contacts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			owner TEXT NOT NULL,
			contact TEXT NOT NULL,
			UNIQUE(owner, contact)
		)`,
		`CREATE TABLE IF NOT EXISTS login_history (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			login TEXT NOT NULL,
			ip TEXT NOT NULL,
			port INTEGER NOT NULL,
			time TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_contacts_owner ON contacts(owner)`,
		`CREATE INDEX IF NOT EXISTS idx_history_login ON login_history(login, time)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// DeriveSecret derives the stored secret key from a login/password pair.
// The login doubles as the salt, so a client that knows the password can
// compute the same key and answer the HMAC challenge with it.
func DeriveSecret(login, password string) []byte {
	return pbkdf2.Key([]byte(password), []byte(login), keyIterations, keyLength, sha256.New)
}

// User methods
func (db *DB) CreateUser(login, password string) error {
	secret := hex.EncodeToString(DeriveSecret(login, password))
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.conn.Exec(
		"INSERT INTO users (login, secret, last_seen) VALUES (?, ?, ?)",
		login, secret, now,
	)
	return err
}

func (db *DB) UserExists(login string) (bool, error) {
	var count int
	err := db.conn.QueryRow("SELECT COUNT(*) FROM users WHERE login = ?", login).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// SecretKey returns the stored secret key for a registered user.
func (db *DB) SecretKey(login string) ([]byte, error) {
	var secret string
	err := db.conn.QueryRow("SELECT secret FROM users WHERE login = ?", login).Scan(&secret)
	if err == sql.ErrNoRows {
		return nil, ErrNoRows
	}
	if err != nil {
		return nil, err
	}
	return hex.DecodeString(secret)
}

// PublicKey returns the stored public key, empty if none is on file.
func (db *DB) PublicKey(login string) (string, error) {
	var key string
	err := db.conn.QueryRow("SELECT pubkey FROM users WHERE login = ?", login).Scan(&key)
	if err == sql.ErrNoRows {
		return "", ErrNoRows
	}
	if err != nil {
		return "", err
	}
	return key, nil
}

// RecordLogin updates last-seen and the public key (if one was presented)
// and appends a login history row.
func (db *DB) RecordLogin(login, ip string, port int, publicKey string) error {
	now := time.Now().UTC().Format(time.RFC3339)

	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if publicKey != "" {
		_, err = tx.Exec("UPDATE users SET last_seen = ?, pubkey = ? WHERE login = ?", now, publicKey, login)
	} else {
		_, err = tx.Exec("UPDATE users SET last_seen = ? WHERE login = ?", now, login)
	}
	if err != nil {
		return err
	}

	if _, err := tx.Exec(
		"INSERT INTO login_history (login, ip, port, time) VALUES (?, ?, ?, ?)",
		login, ip, port, now,
	); err != nil {
		return err
	}

	return tx.Commit()
}

func (db *DB) RecordLogout(login string) error {
	now := time.Now().UTC().Format(time.RFC3339)
	_, err := db.conn.Exec("UPDATE users SET last_seen = ? WHERE login = ?", now, login)
	return err
}

func (db *DB) ListUsers() ([]string, error) {
	rows, err := db.conn.Query("SELECT login FROM users ORDER BY login")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logins []string
	for rows.Next() {
		var login string
		if err := rows.Scan(&login); err != nil {
			return nil, err
		}
		logins = append(logins, login)
	}

	return logins, rows.Err()
}

// Contact methods
func (db *DB) Contacts(owner string) ([]string, error) {
	rows, err := db.conn.Query("SELECT contact FROM contacts WHERE owner = ? ORDER BY contact", owner)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []string
	for rows.Next() {
		var contact string
		if err := rows.Scan(&contact); err != nil {
			return nil, err
		}
		contacts = append(contacts, contact)
	}

	return contacts, rows.Err()
}

// AddContact is idempotent: adding an existing edge is a no-op.
func (db *DB) AddContact(owner, contact string) error {
	_, err := db.conn.Exec("INSERT OR IGNORE INTO contacts (owner, contact) VALUES (?, ?)", owner, contact)
	return err
}

// RemoveContact is idempotent: removing an absent edge is a no-op.
func (db *DB) RemoveContact(owner, contact string) error {
	_, err := db.conn.Exec("DELETE FROM contacts WHERE owner = ? AND contact = ?", owner, contact)
	return err
}

// Delivery statistics
func (db *DB) RecordDelivery(sender, recipient string) error {
	tx, err := db.conn.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec("UPDATE users SET sent = sent + 1 WHERE login = ?", sender); err != nil {
		return err
	}
	if _, err := tx.Exec("UPDATE users SET received = received + 1 WHERE login = ?", recipient); err != nil {
		return err
	}

	return tx.Commit()
}

// DeliveryCounts returns a user's sent/received message counters.
func (db *DB) DeliveryCounts(login string) (sent, received int, err error) {
	err = db.conn.QueryRow("SELECT sent, received FROM users WHERE login = ?", login).Scan(&sent, &received)
	if err == sql.ErrNoRows {
		err = ErrNoRows
	}
	return
}

// LoginHistory returns the most recent login events for a user, newest first.
func (db *DB) LoginHistory(login string, limit int) ([]models.LoginEvent, error) {
	rows, err := db.conn.Query(
		"SELECT id, login, ip, port, time FROM login_history WHERE login = ? ORDER BY id DESC LIMIT ?",
		login, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []models.LoginEvent
	for rows.Next() {
		var e models.LoginEvent
		var timeStr string
		if err := rows.Scan(&e.ID, &e.Login, &e.IP, &e.Port, &timeStr); err != nil {
			return nil, err
		}
		e.Time, _ = time.Parse(time.RFC3339, timeStr)
		events = append(events, e)
	}

	return events, rows.Err()
}
