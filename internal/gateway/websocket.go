package gateway

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// WebSocketProxy relays upgrade requests to a downstream service and
// copies frames in both directions until either side closes.
type WebSocketProxy struct {
	upgrader websocket.Upgrader
	backend  *url.URL
	logger   *zap.Logger
}

func NewWebSocketProxy(backend *url.URL, logger *zap.Logger) *WebSocketProxy {
	return &WebSocketProxy{
		backend: backend,
		logger:  logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				// Origin policy is enforced upstream of the proxy.
				return true
			},
		},
	}
}

func (wp *WebSocketProxy) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	backendURL := *wp.backend
	backendURL.Scheme = strings.Replace(backendURL.Scheme, "http", "ws", 1)
	backendURL.Path = r.URL.Path

	header := http.Header{}
	for _, h := range []string{HeaderUserID, HeaderUserRole, HeaderTenantID, HeaderRequestID} {
		if v := r.Header.Get(h); v != "" {
			header.Set(h, v)
		}
	}
	if id := RequestIDFrom(r.Context()); id != "" {
		header.Set(HeaderRequestID, id)
	}

	backendConn, resp, err := websocket.DefaultDialer.Dial(backendURL.String(), header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
		}
		WriteError(w, http.StatusServiceUnavailable, CodeServiceUnavailable, "service unavailable")
		return
	}
	defer backendConn.Close()

	clientConn, err := wp.upgrader.Upgrade(w, r, nil)
	if err != nil {
		wp.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer clientConn.Close()

	errChan := make(chan error, 2)
	go wp.relay(clientConn, backendConn, errChan)
	go wp.relay(backendConn, clientConn, errChan)

	<-errChan
}

func (wp *WebSocketProxy) relay(dst, src *websocket.Conn, errChan chan error) {
	for {
		messageType, message, err := src.ReadMessage()
		if err != nil {
			errChan <- err
			return
		}
		if err := dst.WriteMessage(messageType, message); err != nil {
			errChan <- err
			return
		}
	}
}
