package server

import (
	"bytes"
	"fmt"
	"net"
	"strconv"
	"syscall"
	"time"
)

// maxFrameSize ограничивает накопление незавершенного кадра
const maxFrameSize = 64 * 1024

// client - одно принятое соединение. login пустой, пока клиент не прошел
// аутентификацию; после этого соединение привязано к имени в sessions.
// buf накапливает байты до полного кадра: неполная строка переживает цикл,
// не блокируя чтением остальные соединения.
type client struct {
	conn  net.Conn
	buf   []byte
	addr  string
	fd    int // -1, если дескриптор недоступен для poll
	login string
}

func newClient(conn net.Conn) *client {
	c := &client{
		conn: conn,
		addr: conn.RemoteAddr().String(),
		fd:   -1,
	}

	// Извлекаем файловый дескриптор для poll. Дескриптором продолжает
	// владеть runtime, здесь он только опрашивается.
	if sc, ok := conn.(syscall.Conn); ok {
		if raw, err := sc.SyscallConn(); err == nil {
			raw.Control(func(fd uintptr) {
				c.fd = int(fd)
			})
		}
	}

	return c
}

// pending: в буфере уже лежит полный кадр, готовый к разбору
func (c *client) pending() bool {
	return bytes.IndexByte(c.buf, '\n') >= 0
}

// fill дочитывает доступные байты в буфер. Вызывается только когда poll
// отметил соединение читаемым, поэтому одно чтение возвращается сразу;
// короткий дедлайн - страховка. Таймаут без данных не ошибка.
func (c *client) fill(timeout time.Duration) error {
	tmp := make([]byte, 4096)
	c.conn.SetReadDeadline(time.Now().Add(timeout))
	n, err := c.conn.Read(tmp)
	if n > 0 {
		c.buf = append(c.buf, tmp[:n]...)
	}
	if err != nil {
		if netErr, ok := err.(net.Error); ok && netErr.Timeout() && n == 0 {
			return nil
		}
		if n > 0 {
			// Данные пришли вместе с ошибкой - сначала дадим их разобрать
			return nil
		}
		return err
	}
	if len(c.buf) > maxFrameSize && !c.pending() {
		return fmt.Errorf("frame exceeds %d bytes", maxFrameSize)
	}
	return nil
}

// frame извлекает из буфера один полный кадр без завершающего \n.
// Остаток (в том числе следующие кадры) остается в буфере.
func (c *client) frame() ([]byte, bool) {
	i := bytes.IndexByte(c.buf, '\n')
	if i < 0 {
		return nil, false
	}
	line := c.buf[:i]
	c.buf = append([]byte(nil), c.buf[i+1:]...)
	return line, true
}

// readFrame блокирует до полного кадра или дедлайна. Используется только
// в handshake аутентификации - единственном месте, где цикл менеджера
// может ждать одно соединение.
func (c *client) readFrame(timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	for {
		if line, ok := c.frame(); ok {
			return line, nil
		}
		if len(c.buf) > maxFrameSize {
			return nil, fmt.Errorf("frame exceeds %d bytes", maxFrameSize)
		}
		tmp := make([]byte, 4096)
		c.conn.SetReadDeadline(deadline)
		n, err := c.conn.Read(tmp)
		if n > 0 {
			c.buf = append(c.buf, tmp[:n]...)
		}
		if err != nil {
			return nil, err
		}
	}
}

// remoteHostPort разбирает адрес клиента на хост и порт.
func (c *client) remoteHostPort() (string, int) {
	host, portStr, err := net.SplitHostPort(c.addr)
	if err != nil {
		return c.addr, 0
	}
	port, _ := strconv.Atoi(portStr)
	return host, port
}
