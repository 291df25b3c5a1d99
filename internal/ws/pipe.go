package ws

import (
	"net/http"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"
)

// Upgrader accepts WebSocket upgrades on the tunnelling endpoints. Origin
// checking is the public caller's concern, not the tunnel's.
var Upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Pipe copies messages between two WebSockets in both directions until
// either side closes, then closes both. Read and write errors are
// swallowed; the closure of one leg is the only signal the other gets.
func Pipe(a, b *websocket.Conn) {
	var g errgroup.Group
	g.Go(func() error {
		defer closeBoth(a, b)
		relay(a, b)
		return nil
	})
	g.Go(func() error {
		defer closeBoth(a, b)
		relay(b, a)
		return nil
	})
	g.Wait()
}

// relay pumps src to dst until either side fails. Each leg is written by
// exactly one relay goroutine, which keeps gorilla's single-writer rule.
func relay(src, dst *websocket.Conn) {
	for {
		msgType, data, err := src.ReadMessage()
		if err != nil {
			return
		}
		if err := dst.WriteMessage(msgType, data); err != nil {
			return
		}
	}
}

func closeBoth(a, b *websocket.Conn) {
	a.Close()
	b.Close()
}
