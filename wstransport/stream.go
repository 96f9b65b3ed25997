package wstransport

import (
	"context"
	"io"
	"sync"

	"github.com/termrun/termrun/wire"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// inputChunkSize bounds the input payload per message. The read limit caps
// the encoded JSON size, so this is conservative.
const inputChunkSize = readLimit / 3

// executeStream is one execute WebSocket, implementing runner.ExecuteStream.
type executeStream struct {
	log  *zap.SugaredLogger
	conn *websocket.Conn

	closeConnOnce sync.Once
}

func newExecuteStream(log *zap.SugaredLogger, conn *websocket.Conn) *executeStream {
	return &executeStream{
		log:  log.Named("execute_stream"),
		conn: conn,
	}
}

func (s *executeStream) Send(ctx context.Context, req *wire.ExecuteRequest) error {
	// break large input payloads into chunks below the peer's read limit;
	// everything else rides along with the first chunk
	for len(req.InputData) > inputChunkSize {
		head := *req
		head.InputData = req.InputData[:inputChunkSize]
		if err := wsjson.Write(ctx, s.conn, &head); err != nil {
			return err
		}
		req = &wire.ExecuteRequest{InputData: req.InputData[inputChunkSize:]}
	}
	return wsjson.Write(ctx, s.conn, req)
}

func (s *executeStream) Recv(ctx context.Context) (*wire.ExecuteResponse, error) {
	var msg wire.ExecuteResponse
	err := wsjson.Read(ctx, s.conn, &msg)
	if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}
	return &msg, nil
}

func (s *executeStream) Close() error {
	s.closeConnOnce.Do(func() {
		if err := s.conn.Close(websocket.StatusNormalClosure, ""); err != nil {
			s.log.Debugf("error closing conn: %s", err)
		}
	})
	return nil
}
