package stream

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
)

const maxEventSize = 1 << 20

// Conn is an open event stream.
type Conn interface {
	// Next blocks until the next event or until the stream ends.
	Next() (Event, error)
	Close() error
}

// Dialer opens an event stream. It returns once the handshake succeeded.
type Dialer interface {
	Dial(ctx context.Context, url string) (Conn, error)
}

// HandshakeError reports a stream endpoint that answered without an event stream.
type HandshakeError struct {
	Status      int
	ContentType string
}

func (e *HandshakeError) Error() string {
	return fmt.Sprintf("stream handshake failed: status %d, content type %q", e.Status, e.ContentType)
}

// SSEDialer opens text/event-stream connections over HTTP.
type SSEDialer struct {
	HTTP *http.Client
}

func (d *SSEDialer) Dial(ctx context.Context, url string) (Conn, error) {
	client := d.HTTP
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if resp.StatusCode != http.StatusOK || mediaType != "text/event-stream" {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4<<10))
		_ = resp.Body.Close()
		return nil, &HandshakeError{Status: resp.StatusCode, ContentType: resp.Header.Get("Content-Type")}
	}
	return newSSEConn(resp.Body), nil
}

type sseConn struct {
	body    io.ReadCloser
	scanner *bufio.Scanner
}

func newSSEConn(body io.ReadCloser) *sseConn {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64<<10), maxEventSize)
	return &sseConn{body: body, scanner: scanner}
}

func (c *sseConn) Next() (Event, error) {
	var (
		name    string
		id      string
		data    strings.Builder
		hasData bool
	)
	for c.scanner.Scan() {
		line := strings.TrimSuffix(c.scanner.Text(), "\r")
		if line == "" {
			if !hasData {
				name = ""
				continue
			}
			if name == "" {
				name = "message"
			}
			return Event{Name: name, ID: id, Data: []byte(data.String())}, nil
		}
		if strings.HasPrefix(line, ":") {
			continue
		}
		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		case "id":
			id = value
		}
	}
	if err := c.scanner.Err(); err != nil {
		return Event{}, err
	}
	return Event{}, io.EOF
}

func (c *sseConn) Close() error {
	return c.body.Close()
}
