package server

import (
	"context"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Faultbox/modelstats/internal/worker"
)

const wsWriteTimeout = 10 * time.Second

func (s *Server) upgrader() websocket.Upgrader {
	return websocket.Upgrader{CheckOrigin: s.checkOrigin}
}

// checkOrigin accepts requests without an Origin header, any origin when
// "*" is allowed, and otherwise only exact host matches.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	for _, allowed := range s.origins {
		if allowed == "*" || strings.EqualFold(allowed, origin) || strings.EqualFold(allowed, u.Host) {
			return true
		}
	}
	return false
}

// handleWS serves the analyze/cancel protocol over one WebSocket. Each
// connection owns a worker; closing the connection cancels its analyses.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	up := s.upgrader()
	conn, err := up.Upgrade(w, r, nil)
	if err != nil {
		s.log.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()
	conn.SetReadLimit(MaxRequestBytes)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	log := s.log.With(zap.String("remote", r.RemoteAddr))
	log.Info("websocket connected")

	wk := worker.New(s.analyzer, s.workerOptions())
	go wk.Run(ctx)

	// Protocol errors for undecodable frames share the single writer.
	rejects := make(chan worker.Response, 8)
	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.writeLoop(ctx, conn, wk.Responses(), rejects, log)
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read ended", zap.Error(err))
			}
			break
		}

		req, err := worker.DecodeRequest(data)
		if err != nil {
			select {
			case rejects <- worker.ErrorResponse(req.RequestID, err.Error()):
			default:
				log.Warn("dropping protocol error", zap.Error(err))
			}
			continue
		}
		if err := wk.Submit(ctx, req); err != nil {
			break
		}
	}

	cancel()
	<-writerDone
	log.Info("websocket disconnected")
}

func (s *Server) writeLoop(ctx context.Context, conn *websocket.Conn, responses <-chan worker.Response, rejects <-chan worker.Response, log *zap.Logger) {
	write := func(resp worker.Response) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
		if err := conn.WriteJSON(resp); err != nil {
			log.Debug("websocket write failed", zap.Error(err))
			return false
		}
		return true
	}

	for {
		select {
		case resp, ok := <-responses:
			if !ok {
				return
			}
			if !write(resp) {
				return
			}
		case resp := <-rejects:
			if !write(resp) {
				return
			}
		case <-ctx.Done():
			// Drain so the worker can finish shutting down.
			for range responses {
			}
			return
		}
	}
}
