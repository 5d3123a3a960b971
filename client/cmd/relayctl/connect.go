package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/gorilla/websocket"

	"github.com/channelrelay/channelrelay/pkg/types"
)

// closeWait bounds how long connect waits for the server's close frame after
// stdin is exhausted.
const closeWait = 2 * time.Second

// connect joins the room behind wsURL, prints every broadcast to out and sends
// each line of in as a message. It returns when in is exhausted, ctx is done
// or the server closes the connection.
func connect(ctx context.Context, wsURL string, in io.Reader, out io.Writer) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	defer conn.Close()

	done := make(chan error, 1)
	go func() {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				done <- closeErr(err)
				return
			}
			var env types.Envelope
			if err := json.Unmarshal(data, &env); err != nil {
				fmt.Fprintf(out, "? %s\n", data)
				continue
			}
			fmt.Fprintf(out, "%s %s: %s\n", env.Timestamp, env.Identity, env.Message)
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			select {
			case lines <- sc.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			sendClose(conn)
			return nil

		case err := <-done:
			return err

		case line, ok := <-lines:
			if !ok {
				sendClose(conn)
				select {
				case err := <-done:
					return err
				case <-time.After(closeWait):
					return nil
				}
			}
			if line == "" {
				continue
			}
			if err := conn.WriteJSON(types.InboundMessage{Message: line}); err != nil {
				return fmt.Errorf("send: %w", err)
			}
		}
	}
}

func sendClose(conn *websocket.Conn) {
	frame := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	conn.WriteControl(websocket.CloseMessage, frame, time.Now().Add(time.Second)) //nolint:errcheck
}

// closeErr turns a read error into the command's result. A normal closure is
// not an error.
func closeErr(err error) error {
	var ce *websocket.CloseError
	if errors.As(err, &ce) {
		if ce.Code == websocket.CloseNormalClosure {
			return nil
		}
		return fmt.Errorf("server closed connection: %d %s", ce.Code, ce.Text)
	}
	return fmt.Errorf("read: %w", err)
}
