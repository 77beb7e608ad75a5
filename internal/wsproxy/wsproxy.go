// Package wsproxy implements the WebSocket tunnel half of C8: it
// upgrades the inbound client connection, dials the configured backend
// as a WebSocket client, and pumps frames between the two connections
// in both directions until either side closes or an idle timeout
// elapses.
package wsproxy

import (
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/axonproxy/axon/internal/metrics"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait        = 10 * time.Second
	defaultIdleLimit = 60 * time.Second
)

// Options carries the per-route WebSocket settings the router compiled
// out of config; see router.WebSocketAction.
type Options struct {
	TargetURL     string
	Path          string
	MaxMsgBytes   int64
	MaxFrameBytes int64
	Subprotocols  []string
	IdleTimeout   time.Duration
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// forwardedRequestHeaders lists the inbound headers that accompany the
// handshake to the backend; everything else (including hop-by-hop
// Upgrade/Connection/Sec-WebSocket-* headers) is re-derived by the
// Dialer itself.
var forwardedRequestHeaders = []string{"Cookie", "Authorization", "X-Forwarded-For", "X-Forwarded-Host", "X-Forwarded-Proto", "User-Agent"}

// Serve performs the WebSocket tunnel for one client connection. It
// blocks until the tunnel closes.
func Serve(w http.ResponseWriter, r *http.Request, opts Options, log *zap.SugaredLogger) {
	backendURL, err := backendWSURL(opts.TargetURL, opts.Path, r.URL.RawQuery)
	if err != nil {
		http.Error(w, "bad gateway", http.StatusBadGateway)
		return
	}

	reqHeader := http.Header{}
	for _, name := range forwardedRequestHeaders {
		if v := r.Header.Get(name); v != "" {
			reqHeader.Set(name, v)
		}
	}
	if len(opts.Subprotocols) > 0 {
		reqHeader.Set("Sec-WebSocket-Protocol", strings.Join(opts.Subprotocols, ", "))
	}

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	backendConn, resp, err := dialer.Dial(backendURL, reqHeader)
	if err != nil {
		status := http.StatusBadGateway
		if resp != nil {
			status = resp.StatusCode
		}
		log.Warnw("websocket backend dial failed", "target", opts.TargetURL, "err", err)
		http.Error(w, "websocket backend unavailable", status)
		return
	}
	defer backendConn.Close()

	var respHeader http.Header
	if proto := backendConn.Subprotocol(); proto != "" {
		respHeader = http.Header{}
		respHeader.Set("Sec-WebSocket-Protocol", proto)
	}

	clientConn, err := upgrader.Upgrade(w, r, respHeader)
	if err != nil {
		log.Warnw("websocket client upgrade failed", "err", err)
		return
	}
	defer clientConn.Close()

	readLimit := opts.MaxMsgBytes
	if opts.MaxFrameBytes > 0 && (readLimit == 0 || opts.MaxFrameBytes < readLimit) {
		readLimit = opts.MaxFrameBytes
	}
	if readLimit > 0 {
		clientConn.SetReadLimit(readLimit)
		backendConn.SetReadLimit(readLimit)
	}

	idle := opts.IdleTimeout
	if idle <= 0 {
		idle = defaultIdleLimit
	}

	// ReadMessage never returns ping/pong frames (gorilla hands them to
	// control handlers), so relay them to the other side from there.
	relayControl := func(dst *websocket.Conn, mt int, direction string) func(string) error {
		return func(data string) error {
			metrics.WSFrame(direction, opcodeName(mt))
			return dst.WriteControl(mt, []byte(data), time.Now().Add(writeWait))
		}
	}
	clientConn.SetPingHandler(relayControl(backendConn, websocket.PingMessage, "up"))
	clientConn.SetPongHandler(relayControl(backendConn, websocket.PongMessage, "up"))
	backendConn.SetPingHandler(relayControl(clientConn, websocket.PingMessage, "down"))
	backendConn.SetPongHandler(relayControl(clientConn, websocket.PongMessage, "down"))

	metrics.WSConnectionOpened()
	defer metrics.WSConnectionClosed()

	// Each direction is an independent half of the tunnel: a Close from
	// the client only half-closes the backend side (pump still writes a
	// close control frame before returning), it must not truncate
	// frames the backend is still sending back. So wait for both pumps
	// to finish on their own — via their own Close, an idle timeout, or
	// a transport failure on the now one-sided connection — before the
	// deferred Close calls hard-terminate both sockets.
	errc := make(chan error, 2)
	go pump(clientConn, backendConn, idle, "up", errc)
	go pump(backendConn, clientConn, idle, "down", errc)
	<-errc
	<-errc
}

// pump reads messages from src and writes them to dst until src
// returns an error (peer close, idle timeout, or an oversized message
// rejected by SetReadLimit), then relays a best-effort close frame to
// dst before returning.
func pump(src, dst *websocket.Conn, idle time.Duration, direction string, errc chan<- error) {
	for {
		if err := src.SetReadDeadline(time.Now().Add(idle)); err != nil {
			errc <- err
			return
		}
		mt, data, err := src.ReadMessage()
		if err != nil {
			_ = dst.WriteControl(websocket.CloseMessage, closePayloadFor(err), time.Now().Add(writeWait))
			errc <- err
			return
		}
		metrics.WSFrame(direction, opcodeName(mt))
		if err := dst.WriteMessage(mt, data); err != nil {
			errc <- err
			return
		}
	}
}

func closePayloadFor(err error) []byte {
	if ce, ok := err.(*websocket.CloseError); ok {
		return websocket.FormatCloseMessage(ce.Code, ce.Text)
	}
	if strings.Contains(err.Error(), "read limit exceeded") {
		return websocket.FormatCloseMessage(websocket.CloseMessageTooBig, "message too big")
	}
	return websocket.FormatCloseMessage(websocket.CloseGoingAway, "")
}

func opcodeName(mt int) string {
	switch mt {
	case websocket.TextMessage:
		return "text"
	case websocket.BinaryMessage:
		return "binary"
	case websocket.CloseMessage:
		return "close"
	case websocket.PingMessage:
		return "ping"
	case websocket.PongMessage:
		return "pong"
	default:
		return "unknown"
	}
}

func backendWSURL(targetURL, path, rawQuery string) (string, error) {
	u, err := url.Parse(targetURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = path
	u.RawQuery = rawQuery
	return u.String(), nil
}
