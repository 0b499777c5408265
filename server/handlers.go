package server

import (
	"fmt"
	"log"
	"sort"

	"msgd/protocol"
)

// Действия, разрешенные до аутентификации. Сейчас это только presence.
var preAuthActions = map[string]bool{
	protocol.ActionPresence: true,
}

// dispatch разбирает одно декодированное сообщение. Возврат ошибки означает
// "соединение мертво, снять"; нарушения протокола отвечаются 400 по тому же
// соединению, и оно остается живым, пока удается сам ответ.
func (s *Server) dispatch(msg *protocol.Message, c *client, writable map[*client]bool) error {
	if c.login == "" && !preAuthActions[msg.Action] {
		return s.sendBadRequest(c, "authentication required")
	}

	switch msg.Action {
	case protocol.ActionPresence:
		return s.authorize(msg, c)
	case protocol.ActionMessage:
		return s.routeMessage(msg, c, writable)
	case protocol.ActionExit:
		return s.handleExit(msg, c)
	case protocol.ActionGetContacts:
		return s.handleGetContacts(msg, c)
	case protocol.ActionAddContact:
		return s.handleAddContact(msg, c)
	case protocol.ActionRemoveContact:
		return s.handleRemoveContact(msg, c)
	case protocol.ActionOnlineUsers:
		return s.handleOnlineUsers(msg, c)
	case protocol.ActionAllUsers:
		return s.handleAllUsers(msg, c)
	case protocol.ActionPublicKey:
		return s.handlePublicKey(msg, c)
	default:
		return s.sendBadRequest(c, "unknown action")
	}
}

// checkIdentity: авторизация, отдельная от аутентификации - заявленный в
// запросе отправитель обязан совпадать с именем, привязанным к соединению.
func (s *Server) checkIdentity(c *client, account string) bool {
	return account != "" && account == c.login
}

func (s *Server) handleExit(msg *protocol.Message, c *client) error {
	if !s.checkIdentity(c, msg.Account) {
		return s.sendBadRequest(c, "account does not match session")
	}

	// Выход: соединение закрывается без ответа
	log.Printf("Client %s exited", c.login)
	return errClientGone
}

func (s *Server) handleGetContacts(msg *protocol.Message, c *client) error {
	if !s.checkIdentity(c, msg.Account) {
		return s.sendBadRequest(c, "account does not match session")
	}

	contacts, err := s.dir.Contacts(c.login)
	if err != nil {
		log.Printf("Get contacts error: %v", err)
		return s.sendBadRequest(c, "internal error")
	}

	if err := s.send(c, protocol.Accepted(contacts)); err != nil {
		return fmt.Errorf("get_contacts: replying to %q: %w", c.login, err)
	}
	return nil
}

func (s *Server) handleAddContact(msg *protocol.Message, c *client) error {
	if !s.checkIdentity(c, msg.Account) {
		return s.sendBadRequest(c, "account does not match session")
	}
	if msg.Contact == "" {
		return s.sendBadRequest(c, "contact required")
	}

	exists, err := s.dir.UserExists(msg.Contact)
	if err != nil {
		log.Printf("Add contact error: %v", err)
		return s.sendBadRequest(c, "internal error")
	}
	if !exists {
		return s.sendBadRequest(c, "user not found")
	}

	// Повторное добавление - no-op, не ошибка
	if err := s.dir.AddContact(c.login, msg.Contact); err != nil {
		log.Printf("Add contact error: %v", err)
		return s.sendBadRequest(c, "internal error")
	}

	if err := s.sendOK(c); err != nil {
		return fmt.Errorf("add_contact: replying to %q: %w", c.login, err)
	}
	return nil
}

func (s *Server) handleRemoveContact(msg *protocol.Message, c *client) error {
	if !s.checkIdentity(c, msg.Account) {
		return s.sendBadRequest(c, "account does not match session")
	}
	if msg.Contact == "" {
		return s.sendBadRequest(c, "contact required")
	}

	// Удаление отсутствующего контакта - no-op, не ошибка
	if err := s.dir.RemoveContact(c.login, msg.Contact); err != nil {
		log.Printf("Remove contact error: %v", err)
		return s.sendBadRequest(c, "internal error")
	}

	if err := s.sendOK(c); err != nil {
		return fmt.Errorf("remove_contact: replying to %q: %w", c.login, err)
	}
	return nil
}

func (s *Server) handleOnlineUsers(msg *protocol.Message, c *client) error {
	if !s.checkIdentity(c, msg.Account) {
		return s.sendBadRequest(c, "account does not match session")
	}

	online := make([]string, 0, len(s.sessions))
	for login := range s.sessions {
		online = append(online, login)
	}
	sort.Strings(online)

	if err := s.send(c, protocol.Accepted(online)); err != nil {
		return fmt.Errorf("online_users: replying to %q: %w", c.login, err)
	}
	return nil
}

func (s *Server) handleAllUsers(msg *protocol.Message, c *client) error {
	if !s.checkIdentity(c, msg.Account) {
		return s.sendBadRequest(c, "account does not match session")
	}

	users, err := s.dir.ListUsers()
	if err != nil {
		log.Printf("All users error: %v", err)
		return s.sendBadRequest(c, "internal error")
	}

	if err := s.send(c, protocol.Accepted(users)); err != nil {
		return fmt.Errorf("all_users: replying to %q: %w", c.login, err)
	}
	return nil
}

func (s *Server) handlePublicKey(msg *protocol.Message, c *client) error {
	if !s.checkIdentity(c, msg.Account) {
		return s.sendBadRequest(c, "account does not match session")
	}
	if msg.Target == "" {
		return s.sendBadRequest(c, "target required")
	}

	key, err := s.dir.PublicKey(msg.Target)
	if err != nil {
		log.Printf("Public key error: %v", err)
		return s.sendBadRequest(c, "internal error")
	}
	if key == "" {
		return s.sendBadRequest(c, "no public key on file")
	}

	if err := s.send(c, protocol.PublicKey(key)); err != nil {
		return fmt.Errorf("public_key: replying to %q: %w", c.login, err)
	}
	return nil
}
