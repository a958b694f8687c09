package transport

import (
	"context"
	"net/http"

	"github.com/coder/websocket"
)

// wsSocket adapts a coder/websocket client connection to the Socket
// interface the managed socket drives.
type wsSocket struct {
	conn *websocket.Conn
}

// DialFactory is the default Factory: it dials url with coder/websocket,
// attaching header as upgrade headers (used for the "header" auth
// transport, spec §6.3). Mirrors the library usage the terminal websocket
// handler makes of the same package on the accept side.
func DialFactory(ctx context.Context, url string, header http.Header) (Socket, error) {
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		HTTPHeader: header,
	})
	if err != nil {
		return nil, err
	}
	conn.SetReadLimit(-1)
	return &wsSocket{conn: conn}, nil
}

func (s *wsSocket) Read(ctx context.Context) ([]byte, bool, error) {
	typ, data, err := s.conn.Read(ctx)
	if err != nil {
		if code := websocket.CloseStatus(err); code != -1 {
			return nil, false, &CloseError{Code: int(code), Reason: err.Error()}
		}
		return nil, false, err
	}
	return data, typ == websocket.MessageText, nil
}

func (s *wsSocket) Close(code int, reason string) error {
	return s.conn.Close(websocket.StatusCode(code), reason)
}
