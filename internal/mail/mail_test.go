package mail

import (
	"bufio"
	"context"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type smtpCapture struct {
	host  string
	port  int
	from  string
	rcpts []string
	data  string
	done  chan struct{}
}

// startSMTPServer accepts one connection and speaks just enough SMTP for the client.
func startSMTPServer(t *testing.T, extensions ...string) *smtpCapture {
	t.Helper()

	listener, err := (&net.ListenConfig{}).Listen(context.Background(), "tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { listener.Close() })

	host, portStr, _ := net.SplitHostPort(listener.Addr().String())
	port, _ := strconv.Atoi(portStr)
	capture := &smtpCapture{host: host, port: port, done: make(chan struct{})}

	go func() {
		defer close(capture.done)
		conn, err := listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		writer := bufio.NewWriter(conn)
		reader := bufio.NewReader(conn)
		writeLine := func(line string) {
			_, _ = writer.WriteString(line + "\r\n")
			_ = writer.Flush()
		}

		writeLine("220 localhost")
		for {
			line, err := reader.ReadString('\n')
			if err != nil {
				return
			}
			line = strings.TrimRight(line, "\r\n")
			upper := strings.ToUpper(line)

			switch {
			case strings.HasPrefix(upper, "EHLO"), strings.HasPrefix(upper, "HELO"):
				writeLine("250-localhost")
				for _, ext := range extensions {
					writeLine("250-" + ext)
				}
				writeLine("250 OK")
			case strings.HasPrefix(upper, "MAIL FROM:"):
				capture.from = strings.TrimSpace(line[len("MAIL FROM:"):])
				writeLine("250 OK")
			case strings.HasPrefix(upper, "RCPT TO:"):
				capture.rcpts = append(capture.rcpts, strings.TrimSpace(line[len("RCPT TO:"):]))
				writeLine("250 OK")
			case strings.HasPrefix(upper, "DATA"):
				writeLine("354 End data with <CR><LF>.<CR><LF>")
				var dataLines []string
				for {
					dataLine, err := reader.ReadString('\n')
					if err != nil {
						return
					}
					dataLine = strings.TrimRight(dataLine, "\r\n")
					if dataLine == "." {
						break
					}
					dataLines = append(dataLines, dataLine)
				}
				capture.data = strings.Join(dataLines, "\n")
				writeLine("250 OK")
			case strings.HasPrefix(upper, "QUIT"):
				writeLine("221 Bye")
				return
			default:
				writeLine("502 Not implemented")
			}
		}
	}()

	return capture
}

func (c *smtpCapture) wait(t *testing.T) {
	t.Helper()
	select {
	case <-c.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for SMTP session")
	}
}

func TestSendMultipart(t *testing.T) {
	srv := startSMTPServer(t)
	s := NewSMTPSender(Config{Host: srv.host, Port: srv.port, From: "Digest Bot <bot@example.com>"})

	err := s.Send(context.Background(), Message{
		To:      []string{"a@example.com", "B <b@example.com>"},
		Subject: "Reddit Daily Digest - 2026-02-06\r\nBcc: evil@example.com",
		Text:    "plain body\nsecond line",
		HTML:    "<p>html body</p>",
	})
	require.NoError(t, err)
	srv.wait(t)

	assert.Equal(t, "<bot@example.com>", srv.from)
	assert.Equal(t, []string{"<a@example.com>", "<b@example.com>"}, srv.rcpts)

	assert.Contains(t, srv.data, "From: Digest Bot <bot@example.com>")
	assert.Contains(t, srv.data, "To: a@example.com, B <b@example.com>")
	assert.Contains(t, srv.data, "Subject: Reddit Daily Digest - 2026-02-06Bcc: evil@example.com")
	assert.NotContains(t, srv.data, "\nBcc:")
	assert.Contains(t, srv.data, "Content-Type: multipart/alternative; boundary=")
	assert.Contains(t, srv.data, "Content-Type: text/plain; charset=UTF-8")
	assert.Contains(t, srv.data, "Content-Type: text/html; charset=UTF-8")
	assert.Contains(t, srv.data, "plain body\nsecond line")
	assert.Contains(t, srv.data, "<p>html body</p>")
	assert.Less(t, strings.Index(srv.data, "plain body"), strings.Index(srv.data, "<p>html body</p>"))
}

func TestSendNoRecipients(t *testing.T) {
	s := NewSMTPSender(Config{Host: "127.0.0.1", Port: 1, From: "bot@example.com"})
	err := s.Send(context.Background(), Message{Subject: "x"})
	assert.ErrorIs(t, err, ErrNoRecipients)
}

func TestSendInvalidRecipient(t *testing.T) {
	srv := startSMTPServer(t)
	s := NewSMTPSender(Config{Host: srv.host, Port: srv.port, From: "bot@example.com"})
	err := s.Send(context.Background(), Message{To: []string{"not an address"}})
	assert.Error(t, err)
}

func TestStartTLSRequired(t *testing.T) {
	srv := startSMTPServer(t)
	s := NewSMTPSender(Config{Host: srv.host, Port: srv.port, UseTLS: true, From: "bot@example.com"})
	err := s.Check(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STARTTLS")
}

func TestCheck(t *testing.T) {
	srv := startSMTPServer(t)
	s := NewSMTPSender(Config{Host: srv.host, Port: srv.port, From: "bot@example.com"})
	require.NoError(t, s.Check(context.Background()))
	srv.wait(t)
}

func TestDialError(t *testing.T) {
	s := NewSMTPSender(Config{Host: "127.0.0.1", Port: 1, From: "bot@example.com", Timeout: time.Second})
	err := s.Send(context.Background(), Message{To: []string{"a@example.com"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "dial smtp")
}
