package server

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log"

	"msgd/protocol"
)

const challengeSize = 64

// authorize проверяет, что клиент, назвавшийся именем, владеет секретом
// этого имени: сервер шлет случайный challenge, клиент отвечает
// HMAC-SHA256 от него на ключе, производном от пароля. Имя привязывается
// к соединению только после совпадения. Любой провал аутентификации
// терминален для соединения.
func (s *Server) authorize(msg *protocol.Message, c *client) error {
	if c.login != "" {
		// Повторный presence на уже привязанном соединении
		return s.sendBadRequest(c, "already authenticated")
	}

	if msg.User == nil || msg.User.Account == "" {
		return s.sendBadRequest(c, "account name required")
	}
	name := msg.User.Account

	// Первый претендент выигрывает: и эта проверка, и привязка ниже
	// выполняются в одном потоке менеджера, гонки за имя нет.
	if _, bound := s.sessions[name]; bound {
		s.sendBadRequest(c, "name already in use")
		return fmt.Errorf("auth: name %q already in use", name)
	}

	registered, err := s.dir.UserExists(name)
	if err != nil {
		log.Printf("Auth directory error: %v", err)
		return s.sendBadRequest(c, "internal error")
	}
	if !registered {
		s.sendBadRequest(c, "not registered")
		return fmt.Errorf("auth: %q is not registered", name)
	}

	secret, err := s.dir.SecretKey(name)
	if err != nil || len(secret) == 0 {
		// Пустой секрет у зарегистрированного пользователя считается
		// несовпадением
		s.sendBadRequest(c, "invalid password")
		return fmt.Errorf("auth: no secret key for %q", name)
	}

	// Challenge одноразовый и никогда не логируется
	challenge := make([]byte, challengeSize)
	if _, err := rand.Read(challenge); err != nil {
		s.sendBadRequest(c, "internal error")
		return fmt.Errorf("auth: challenge generation: %w", err)
	}

	if err := s.send(c, protocol.Challenge(base64.StdEncoding.EncodeToString(challenge))); err != nil {
		return fmt.Errorf("auth: sending challenge: %w", err)
	}

	// Единственное место, где цикл ждет одно соединение; чтение ограничено
	// таймаутом, по истечении соединение снимается, а не вешает менеджер.
	frame, err := c.readFrame(s.config.ReadTimeout)
	if err != nil {
		s.sendBadRequest(c, "invalid password")
		return fmt.Errorf("auth: reading proof for %q: %w", name, err)
	}

	reply, err := protocol.Parse(frame)
	if err != nil {
		s.sendBadRequest(c, "invalid password")
		return fmt.Errorf("auth: parsing proof for %q: %w", name, err)
	}

	proof, err := base64.StdEncoding.DecodeString(reply.Proof)
	if err != nil || len(proof) == 0 {
		s.sendBadRequest(c, "invalid password")
		return fmt.Errorf("auth: malformed proof for %q", name)
	}

	mac := hmac.New(sha256.New, secret)
	mac.Write(challenge)
	if !hmac.Equal(proof, mac.Sum(nil)) {
		s.sendBadRequest(c, "invalid password")
		return fmt.Errorf("auth: proof mismatch for %q", name)
	}

	// Успех: привязываем имя, фиксируем вход, отвечаем 200
	c.login = name
	s.sessions[name] = c

	ip, port := c.remoteHostPort()
	if err := s.dir.RecordLogin(name, ip, port, msg.User.PublicKey); err != nil {
		log.Printf("Failed to record login for %s: %v", name, err)
	}

	if err := s.sendOK(c); err != nil {
		return fmt.Errorf("auth: sending reply to %q: %w", name, err)
	}

	log.Printf("Client %s authenticated from %s", name, c.addr)
	s.notifyRoster(c)
	return nil
}
