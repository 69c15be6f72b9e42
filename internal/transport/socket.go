package transport

import (
	"bufio"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/UltraSive/kvmodel/internal/handler"
)

// MaxFrameBytes bounds a single socket frame.
const MaxFrameBytes = 1 << 20

// ServeUnix accepts connections on l until it is closed, running handle on
// each connection in its own goroutine.
func ServeUnix(l net.Listener, handle func(net.Conn)) error {
	for {
		conn, err := l.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go handle(conn)
	}
}

// SocketHandler returns a connection handler that reads framed JSON
// requests and answers each with a framed JSON response until the peer
// hangs up.
func SocketHandler(ctx context.Context, h *handler.Handler, log *zap.Logger) func(net.Conn) {
	if log == nil {
		log = zap.NewNop()
	}
	return func(conn net.Conn) {
		defer conn.Close()
		rd := bufio.NewReader(conn)
		for {
			msg, err := ReadMessage(rd)
			if err != nil {
				if !errors.Is(err, io.EOF) {
					log.Debug("socket read failed", zap.Error(err))
				}
				return
			}

			var resp handler.Response
			var req handler.Request
			if err := json.Unmarshal(msg, &req); err != nil {
				resp = handler.Response{Status: http.StatusBadRequest, Error: err.Error()}
			} else {
				resp = h.Serve(ctx, req)
			}

			out, err := json.Marshal(&resp)
			if err != nil {
				log.Error("encode socket response", zap.Error(err))
				return
			}
			if err := WriteMessage(conn, out); err != nil {
				log.Debug("socket write failed", zap.Error(err))
				return
			}
		}
	}
}

// ReadMessage reads one frame: a 4-byte big-endian length, then payload.
func ReadMessage(r io.Reader) ([]byte, error) {
	lengthBytes := make([]byte, 4)
	if _, err := io.ReadFull(r, lengthBytes); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(lengthBytes)
	if length > MaxFrameBytes {
		return nil, fmt.Errorf("frame of %d bytes exceeds limit", length)
	}

	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}

func WriteMessage(w io.Writer, data []byte) error {
	frame := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(frame, uint32(len(data)))
	copy(frame[4:], data)
	_, err := w.Write(frame)
	return err
}
