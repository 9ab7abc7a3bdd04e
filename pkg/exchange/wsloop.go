package exchange

import (
	"context"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jpillora/backoff"
)

// WSSession is one connected websocket lifetime. onOpen runs after the dial
// (subscribe frames go here); onMessage receives every frame until the
// connection drops.
type WSSession struct {
	// URL may be recomputed per attempt (listen keys expire between dials).
	URL func(ctx context.Context) (string, error)
	// Header may supply per-attempt dial headers (bearer tokens).
	Header    func(ctx context.Context) (http.Header, error)
	OnOpen    func(ctx context.Context, conn *websocket.Conn) error
	OnMessage func(msg []byte) error
	// PingInterval sends ping frames while connected; zero disables.
	PingInterval time.Duration
}

// RunWSLoop dials and reads until ctx is done, reconnecting on every failure
// with jittered exponential backoff. tag prefixes log lines.
func RunWSLoop(ctx context.Context, tag string, sess WSSession) error {
	b := &backoff.Backoff{Min: time.Second, Max: time.Minute, Jitter: true}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		err := runWSOnce(ctx, sess)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := b.Duration()
		log.Printf("[%s] ws disconnected (%v), reconnecting in %s", tag, err, wait.Round(time.Millisecond))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
}

func runWSOnce(ctx context.Context, sess WSSession) error {
	u, err := sess.URL(ctx)
	if err != nil {
		return err
	}
	var header http.Header
	if sess.Header != nil {
		if header, err = sess.Header(ctx); err != nil {
			return err
		}
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u, header)
	if err != nil {
		return err
	}
	defer conn.Close()

	if sess.OnOpen != nil {
		if err := sess.OnOpen(ctx, conn); err != nil {
			return err
		}
	}

	// Close the socket when ctx dies so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.WriteMessage(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			_ = conn.Close()
		case <-done:
		}
	}()

	if sess.PingInterval > 0 {
		go func() {
			ticker := time.NewTicker(sess.PingInterval)
			defer ticker.Stop()
			for {
				select {
				case <-done:
					return
				case <-ticker.C:
					_ = conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
				}
			}
		}()
	}

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if err := sess.OnMessage(msg); err != nil {
			log.Printf("ws message handling: %v", err)
		}
	}
}
