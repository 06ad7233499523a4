package preview

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/labrecorder/capturesvc/internal/capture"
	"github.com/labrecorder/capturesvc/internal/logging"
)

// frameHeader precedes each JPEG payload on the wire so a viewer can
// route frames by camera without decoding the image.
type frameHeader struct {
	Camera      string  `json:"camera"`
	FrameNumber uint64  `json:"frame_number"`
	WallTime    float64 `json:"wall_time_unix"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
}

// FrameEncoder converts a raw BGR frame buffer to a compressed payload
// for the wire. The production encoder is JPEG via gocv; tests inject a
// pass-through.
type FrameEncoder func(frame *capture.Frame) ([]byte, error)

// WSSink is the external UI sink: a websocket endpoint pushing
// (camera_key, frame) pairs to any attached viewer. The GUI itself
// lives in a separate process; this is its only contact surface. Each
// connection gets its own rate limiter so a viewer on a slow link
// degrades by dropping frames rather than backing up the preview
// pipeline.
type WSSink struct {
	logger   *logging.Logger
	encode   FrameEncoder
	upgrader websocket.Upgrader
	maxFPS   rate.Limit

	mu    sync.Mutex
	conns map[*websocket.Conn]*rate.Limiter
}

// NewWSSink constructs a sink capping per-connection delivery at maxFPS
// frames per second.
func NewWSSink(maxFPS float64, encode FrameEncoder, logger *logging.Logger) *WSSink {
	if logger == nil {
		logger = logging.GetLogger("preview-ws")
	}
	if maxFPS <= 0 {
		maxFPS = 10
	}
	return &WSSink{
		logger: logger,
		encode: encode,
		maxFPS: rate.Limit(maxFPS),
		conns:  make(map[*websocket.Conn]*rate.Limiter),
	}
}

// Handler upgrades incoming HTTP requests and registers the connection
// for frame delivery until the peer closes.
func (s *WSSink) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.logger.WithError(err).Warn("preview ws: upgrade failed")
			return
		}

		s.mu.Lock()
		s.conns[conn] = rate.NewLimiter(s.maxFPS, 1)
		count := len(s.conns)
		s.mu.Unlock()
		s.logger.WithFields(logging.Fields{"remote": conn.RemoteAddr().String(), "viewers": count}).Info("preview ws: viewer attached")

		// Reads are only consumed to detect close.
		go func() {
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					s.drop(conn)
					return
				}
			}
		}()
	})
}

func (s *WSSink) drop(conn *websocket.Conn) {
	s.mu.Lock()
	if _, ok := s.conns[conn]; ok {
		delete(s.conns, conn)
		conn.Close()
	}
	s.mu.Unlock()
}

// ViewerCount reports the number of attached connections.
func (s *WSSink) ViewerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// OnFrame implements Sink: encode once, then deliver to every attached
// viewer whose limiter admits the frame. Send errors detach the viewer.
func (s *WSSink) OnFrame(camera capture.CameraId, frame *capture.Frame) {
	s.mu.Lock()
	n := len(s.conns)
	s.mu.Unlock()
	if n == 0 {
		return
	}

	payload, err := s.encode(frame)
	if err != nil {
		s.logger.WithFields(logging.Fields{"camera": camera.Key()}).WithError(err).Warn("preview ws: frame encode failed")
		return
	}

	header, err := json.Marshal(frameHeader{
		Camera:      camera.Key(),
		FrameNumber: frame.FrameNumber,
		WallTime:    frame.WallTimeUnix,
		Width:       frame.Width,
		Height:      frame.Height,
	})
	if err != nil {
		return
	}
	msg := append(append(header, '\n'), payload...)

	s.mu.Lock()
	targets := make(map[*websocket.Conn]*rate.Limiter, len(s.conns))
	for c, lim := range s.conns {
		targets[c] = lim
	}
	s.mu.Unlock()

	for conn, lim := range targets {
		if !lim.Allow() {
			continue
		}
		if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
			s.drop(conn)
		}
	}
}

// Close detaches every viewer.
func (s *WSSink) Close() {
	s.mu.Lock()
	conns := make([]*websocket.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.conns = make(map[*websocket.Conn]*rate.Limiter)
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
}
