package conn

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is one established physical realtime socket. Implementations
// must tolerate Close racing with a blocked ReadMessage.
type Transport interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer establishes transports. Tests substitute an in-memory
// implementation; production uses the websocket dialer below.
type Dialer interface {
	Dial(ctx context.Context, url string, header http.Header) (Transport, error)
}

// AuthError marks a handshake rejection. It is terminal: the manager
// parks in FAILED and never retries with the same credential.
type AuthError struct {
	Status int
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("handshake rejected with status %d", e.Status)
}

// WebsocketDialer dials the upstream realtime endpoint.
type WebsocketDialer struct{}

// Dial connects and classifies handshake rejections.
func (WebsocketDialer) Dial(ctx context.Context, url string, header http.Header) (Transport, error) {
	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, url, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return nil, &AuthError{Status: resp.StatusCode}
		}
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}
	return &websocketTransport{ws: ws}, nil
}

type websocketTransport struct {
	ws *websocket.Conn
}

func (t *websocketTransport) ReadMessage() ([]byte, error) {
	_, data, err := t.ws.ReadMessage()
	return data, err
}

func (t *websocketTransport) WriteMessage(data []byte) error {
	return t.ws.WriteMessage(websocket.TextMessage, data)
}

func (t *websocketTransport) Close() error {
	_ = t.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		closeDeadline())
	return t.ws.Close()
}

func closeDeadline() time.Time {
	return time.Now().Add(time.Second)
}

// SocketURL derives the realtime socket URL from the platform base URL.
func SocketURL(endpoint string) string {
	url := endpoint
	url = strings.Replace(url, "https://", "wss://", 1)
	url = strings.Replace(url, "http://", "ws://", 1)
	return strings.TrimSuffix(url, "/") + "/rt"
}
