package server

import (
	"time"

	"golang.org/x/sys/unix"
)

// pollReady опрашивает все живые соединения одним вызовом poll(2) и
// возвращает множества готовых к чтению и к записи. Таймаут короткий,
// чтобы не блокировать цикл accept/dispatch.
//
// Соединение с уже собранным кадром в буфере считается читаемым независимо
// от состояния дескриптора: кадр мог прийти одним сегментом с предыдущим
// сообщением. POLLERR/POLLHUP тоже попадают в readable - следующее чтение
// вернет ошибку, и соединение будет снято штатным путем.
func pollReady(clients []*client, timeout time.Duration) (readable, writable map[*client]bool) {
	readable = make(map[*client]bool)
	writable = make(map[*client]bool)

	var fds []unix.PollFd
	var polled []*client
	for _, c := range clients {
		if c.pending() {
			readable[c] = true
		}
		if c.fd < 0 {
			// Нечего опрашивать - считаем соединение записываемым
			writable[c] = true
			continue
		}
		fds = append(fds, unix.PollFd{Fd: int32(c.fd), Events: unix.POLLIN | unix.POLLOUT})
		polled = append(polled, c)
	}

	if len(fds) == 0 {
		return readable, writable
	}

	n, err := unix.Poll(fds, int(timeout.Milliseconds()))
	for err == unix.EINTR {
		n, err = unix.Poll(fds, int(timeout.Milliseconds()))
	}
	if err != nil || n == 0 {
		return readable, writable
	}

	for i, pfd := range fds {
		c := polled[i]
		if pfd.Revents&(unix.POLLIN|unix.POLLERR|unix.POLLHUP) != 0 {
			readable[c] = true
		}
		if pfd.Revents&unix.POLLOUT != 0 {
			writable[c] = true
		}
	}

	return readable, writable
}
