package server

import (
	"errors"
	"io"
	"log"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"msgd/protocol"
)

// Directory - внешнее хранилище пользователей, контактов и истории входов.
// Все вызовы идут из одной горутины менеджера соединений.
type Directory interface {
	UserExists(login string) (bool, error)
	SecretKey(login string) ([]byte, error)
	PublicKey(login string) (string, error)
	RecordLogin(login, ip string, port int, publicKey string) error
	RecordLogout(login string) error
	Contacts(owner string) ([]string, error)
	AddContact(owner, contact string) error
	RemoveContact(owner, contact string) error
	ListUsers() ([]string, error)
	RecordDelivery(sender, recipient string) error
}

type Config struct {
	Port          int
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	AcceptTimeout time.Duration
	PollTimeout   time.Duration
}

// Server - менеджер соединений. clients и sessions принадлежат только
// горутине Run: все изменения выполняются в одном потоке, поэтому
// блокировок нет. Это инвариант; при рефакторинге на несколько горутин
// его придется пересмотреть.
type Server struct {
	dir      Directory
	config   *Config
	listener *net.TCPListener
	clients  []*client
	sessions map[string]*client
	running  atomic.Bool
	statsCh  chan chan Stats
}

type Stats struct {
	Connections int
	Online      []string
}

// errClientGone: соединение уже обслужено до конца (exit или фатальная
// ошибка), менеджер должен его снять.
var errClientGone = errors.New("client gone")

func New(dir Directory, config *Config) *Server {
	if config.ReadTimeout == 0 {
		config.ReadTimeout = 5 * time.Second
	}
	if config.WriteTimeout == 0 {
		config.WriteTimeout = 10 * time.Second
	}
	if config.AcceptTimeout == 0 {
		config.AcceptTimeout = 500 * time.Millisecond
	}
	if config.PollTimeout == 0 {
		config.PollTimeout = 50 * time.Millisecond
	}

	return &Server{
		dir:      dir,
		config:   config,
		sessions: make(map[string]*client),
		statsCh:  make(chan chan Stats),
	}
}

// Listen открывает слушающий сокет. Вызывается до Run.
func (s *Server) Listen() error {
	listener, err := net.Listen("tcp", ":"+strconv.Itoa(s.config.Port))
	if err != nil {
		return err
	}
	s.listener = listener.(*net.TCPListener)
	log.Printf("msgd server started on %s", s.listener.Addr())
	return nil
}

func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Stop снимает флаг работы; цикл Run дорабатывает текущую итерацию и
// завершается.
func (s *Server) Stop() {
	s.running.Store(false)
}

// Run - единственный управляющий цикл: accept с таймаутом, poll готовности
// по всем соединениям, по одному сообщению с каждого читаемого соединения.
// Ошибка на одном соединении снимает только его и никогда не прерывает цикл.
func (s *Server) Run() {
	s.running.Store(true)

	for s.running.Load() {
		s.acceptOne()

		readable, writable := pollReady(s.clients, s.config.PollTimeout)

		// Снимок списка: обработчики могут снимать соединения по ходу цикла
		batch := make([]*client, len(s.clients))
		copy(batch, s.clients)
		for _, c := range batch {
			if !readable[c] {
				continue
			}
			if !s.alive(c) {
				// уже снят при обработке другого соединения в этом цикле
				continue
			}
			s.serviceClient(c, writable)
		}

		select {
		case reply := <-s.statsCh:
			reply <- s.snapshotStats()
		default:
		}
	}

	s.shutdown()
}

func (s *Server) acceptOne() {
	s.listener.SetDeadline(time.Now().Add(s.config.AcceptTimeout))
	conn, err := s.listener.Accept()
	if err != nil {
		// Таймаут accept - не ошибка, просто нет новых подключений
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
			return
		}
		if s.running.Load() {
			log.Printf("Error accepting connection: %v", err)
		}
		return
	}

	c := newClient(conn)
	s.clients = append(s.clients, c)
	log.Printf("New client connected from %s", c.addr)
}

// serviceClient дочитывает доступные байты и, если собрался полный кадр,
// передает ровно одно сообщение в dispatch. Неполный кадр остается в
// буфере до следующих циклов - здесь чтение никогда не блокирует цикл.
// Любая ошибка чтения, разбора или фатальная ошибка обработчика снимает
// это соединение (и его сессию) атомарно.
func (s *Server) serviceClient(c *client, writable map[*client]bool) {
	if !c.pending() {
		if err := c.fill(s.config.PollTimeout); err != nil {
			if err != io.EOF {
				log.Printf("Error reading from %s: %v", c.addr, err)
			}
			s.disconnect(c)
			return
		}
	}

	frame, ok := c.frame()
	if !ok {
		// Кадр еще не дособрался
		return
	}

	msg, err := protocol.Parse(frame)
	if err != nil {
		log.Printf("Error parsing frame from %s: %v", c.addr, err)
		s.disconnect(c)
		return
	}

	if err := s.dispatch(msg, c, writable); err != nil {
		if !errors.Is(err, errClientGone) {
			log.Printf("Dropping %s: %v", c.addr, err)
		}
		s.disconnect(c)
	}
}

// disconnect снимает соединение и, если оно было аутентифицировано,
// рассылает остальным обновление списка онлайна.
func (s *Server) disconnect(c *client) {
	hadLogin := c.login != ""
	s.dropClient(c)
	if hadLogin {
		s.notifyRoster(nil)
	}
}

// dropClient удаляет привязку имени (если есть), фиксирует выход в
// справочнике, убирает соединение из живого списка и закрывает его.
// Повторный вызов для уже снятого соединения безопасен.
func (s *Server) dropClient(c *client) {
	if c.login != "" {
		if bound, ok := s.sessions[c.login]; ok && bound == c {
			delete(s.sessions, c.login)
			if err := s.dir.RecordLogout(c.login); err != nil {
				log.Printf("Failed to record logout for %s: %v", c.login, err)
			}
			log.Printf("Client %s disconnected from %s", c.login, c.addr)
		}
		c.login = ""
	}

	for i, cc := range s.clients {
		if cc == c {
			s.clients = append(s.clients[:i], s.clients[i+1:]...)
			break
		}
	}

	c.conn.Close()
}

func (s *Server) alive(c *client) bool {
	for _, cc := range s.clients {
		if cc == c {
			return true
		}
	}
	return false
}

// notifyRoster рассылает уведомление 205 всем аутентифицированным
// соединениям, кроме exclude. Соединения, на которые не удалось записать,
// снимаются без повторной рассылки.
func (s *Server) notifyRoster(exclude *client) {
	note := protocol.Refresh()

	var dead []*client
	for _, c := range s.sessions {
		if c == exclude {
			continue
		}
		if err := s.send(c, note); err != nil {
			dead = append(dead, c)
		}
	}

	for _, c := range dead {
		s.dropClient(c)
	}
}

// send кодирует и пишет один кадр с таймаутом записи.
func (s *Server) send(c *client, v interface{}) error {
	data, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	c.conn.SetWriteDeadline(time.Now().Add(s.config.WriteTimeout))
	_, err = c.conn.Write(data)
	return err
}

func (s *Server) sendOK(c *client) error {
	return s.send(c, protocol.OK())
}

// sendBadRequest отвечает 400 с причиной; соединение остается живым,
// ненулевая ошибка возвращается только если не удалась сама запись.
func (s *Server) sendBadRequest(c *client, reason string) error {
	return s.send(c, protocol.BadRequest(reason))
}

func (s *Server) snapshotStats() Stats {
	st := Stats{Connections: len(s.clients)}
	for login := range s.sessions {
		st.Online = append(st.Online, login)
	}
	return st
}

// Stats возвращает статистику через цикл менеджера, не трогая sessions из
// чужой горутины. Если цикл остановлен, возвращается нулевое значение.
func (s *Server) Stats() Stats {
	reply := make(chan Stats, 1)
	select {
	case s.statsCh <- reply:
	case <-time.After(2 * time.Second):
		return Stats{}
	}
	select {
	case st := <-reply:
		return st
	case <-time.After(2 * time.Second):
		return Stats{}
	}
}

// shutdown закрывает слушающий сокет, шлет exit всем аутентифицированным
// клиентам и закрывает все соединения. Вызывается только из Run.
func (s *Server) shutdown() {
	s.listener.Close()

	bye := &protocol.Message{Action: protocol.ActionExit, Time: time.Now().Unix()}
	for _, c := range s.clients {
		if c.login != "" {
			_ = s.send(c, bye) // best effort
			if err := s.dir.RecordLogout(c.login); err != nil {
				log.Printf("Failed to record logout for %s: %v", c.login, err)
			}
		}
		c.conn.Close()
	}

	s.clients = nil
	s.sessions = make(map[string]*client)
	log.Printf("msgd server stopped")
}
