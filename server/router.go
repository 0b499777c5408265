package server

import (
	"fmt"
	"log"
	"time"

	"msgd/protocol"
)

// routeMessage доставляет сообщение адресату, если тот привязан в sessions
// и его соединение входит в множество записываемых этого цикла. Множество
// готовности передается из цикла менеджера и здесь не пересчитывается.
//
// Три исхода: доставлено; адресат привязан, но недостижим - его сессия
// снимается, отправителю возвращается отказ доставки; адресат не привязан -
// отправителю возвращается 400 без каких-либо изменений состояния.
func (s *Server) routeMessage(msg *protocol.Message, c *client, writable map[*client]bool) error {
	if msg.Sender != c.login {
		return s.sendBadRequest(c, "sender does not match session")
	}
	if msg.Recipient == "" || msg.Text == "" {
		return s.sendBadRequest(c, "recipient and text required")
	}

	rc, bound := s.sessions[msg.Recipient]
	if !bound {
		return s.sendBadRequest(c, "recipient is not online")
	}

	if !writable[rc] {
		// Привязан, но в этом цикле недостижим: считаем пира потерянным
		log.Printf("Recipient %s unreachable, dropping session", msg.Recipient)
		s.dropClient(rc)
		s.notifyRoster(nil)
		return s.sendBadRequest(c, "delivery failed: recipient lost")
	}

	// Счетчики доставки фиксируются до попытки отправки
	if err := s.dir.RecordDelivery(msg.Sender, msg.Recipient); err != nil {
		log.Printf("Failed to record delivery %s -> %s: %v", msg.Sender, msg.Recipient, err)
		return s.sendBadRequest(c, "internal error")
	}

	forward := *msg
	if forward.Time == 0 {
		forward.Time = time.Now().Unix()
	}
	if err := s.send(rc, &forward); err != nil {
		// Ошибка на стороне получателя, не отправителя
		log.Printf("Error delivering to %s: %v", msg.Recipient, err)
		s.dropClient(rc)
		s.notifyRoster(nil)
		return s.sendBadRequest(c, "delivery failed: recipient lost")
	}

	if err := s.sendOK(c); err != nil {
		return fmt.Errorf("route: replying to %q: %w", c.login, err)
	}
	return nil
}
