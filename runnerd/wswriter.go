package runnerd

import (
	"context"

	"github.com/termrun/termrun/wire"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

const readLimit = 32768

// wsWriter is an io.Writer that emits each write as one or more execute
// response messages. Writes are chunked so the encoded JSON stays under the
// peer's read limit.
type wsWriter struct {
	log  *zap.SugaredLogger
	ctx  context.Context
	conn *websocket.Conn

	// makeMsg wraps a chunk of bytes in a response message.
	makeMsg func(b []byte) *wire.ExecuteResponse
}

func (w *wsWriter) Write(b []byte) (int, error) {
	writeLimit := readLimit / 3
	leftToWrite := b
	for {
		toWrite := leftToWrite
		more := false
		if len(leftToWrite) > writeLimit {
			toWrite = toWrite[:writeLimit]
			leftToWrite = leftToWrite[writeLimit:]
			more = true
		}
		msg := w.makeMsg(toWrite)
		if err := wsjson.Write(w.ctx, w.conn, msg); err != nil {
			return 0, err
		}
		if !more {
			return len(b), nil
		}
	}
}
