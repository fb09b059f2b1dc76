package server

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"runtime/debug"
	"strings"
	"time"

	"github.com/c360/astrobuf/errors"
	"github.com/c360/astrobuf/metric"
	"github.com/c360/astrobuf/protocol"
	"github.com/c360/astrobuf/storage"
	"github.com/google/uuid"
)

// SessionState tracks a session through its single request.
type SessionState int

const (
	SessionAccepted SessionState = iota
	SessionAwaitingRequest
	SessionProcessing
	SessionResponding
	SessionClosed
)

func (s SessionState) String() string {
	switch s {
	case SessionAccepted:
		return "accepted"
	case SessionAwaitingRequest:
		return "awaiting_request"
	case SessionProcessing:
		return "processing"
	case SessionResponding:
		return "responding"
	case SessionClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Session serves exactly one request on one connection and closes it.
type Session struct {
	id      string
	conn    net.Conn
	codec   protocol.Codec
	manager *storage.Manager
	cfg     Config
	logger  *slog.Logger
	metrics *metric.Metrics

	// shutdown aborts a data wait when the server stops.
	shutdown <-chan struct{}

	state SessionState
}

func newSession(conn net.Conn, codec protocol.Codec, manager *storage.Manager, cfg Config,
	logger *slog.Logger, metrics *metric.Metrics, shutdown <-chan struct{}) *Session {
	id := uuid.NewString()
	return &Session{
		id:       id,
		conn:     conn,
		codec:    codec,
		manager:  manager,
		cfg:      cfg,
		logger:   logger.With("session_id", id, "remote", conn.RemoteAddr().String()),
		metrics:  metrics,
		shutdown: shutdown,
	}
}

func (s *Session) ID() string { return s.id }

// Run reads one request, answers it and closes the connection. It never
// panics; failures are answered with an Error response where the connection
// still allows it.
func (s *Session) Run(ctx context.Context) {
	s.metrics.SessionOpened()
	defer s.metrics.SessionClosed()
	defer s.close()

	s.state = SessionAwaitingRequest
	_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
	req, err := s.codec.ReadRequest(s.conn)
	if err != nil {
		switch {
		case stderrors.Is(err, io.EOF):
			s.logger.Debug("Client closed before sending a request")
		case protocol.IsTimeout(err):
			s.logger.Debug("Request timed out", "timeout", s.cfg.ReadTimeout)
			s.respond(protocol.ErrorResponse{Message: "timed out waiting for request"}, "timeout", time.Now())
		default:
			s.logger.Debug("Failed to read request", "error", err)
		}
		return
	}

	start := time.Now()
	s.state = SessionProcessing
	resp, release := s.process(ctx, req)
	defer release()

	s.respond(resp, req.Kind().String(), start)
}

// process resolves req. The returned release func must be called once the
// response has been written.
func (s *Session) process(ctx context.Context, req protocol.Request) (resp protocol.Response, release func()) {
	release = func() {}
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic while handling request",
				"request", req.Kind().String(), "panic", r, "stack", string(debug.Stack()))
			s.metrics.RecordError("session", errors.ErrorFatal.String())
			release()
			release = func() {}
			resp = protocol.ErrorResponse{Message: fmt.Sprintf("internal error (session %s)", s.id)}
		}
	}()

	switch r := req.(type) {
	case protocol.ErrorRequest:
		s.logger.Debug("Malformed request", "reason", r.Message)
		return protocol.ErrorResponse{Message: "bad request: " + r.Message}, release

	case protocol.AcknowledgeRequest:
		return protocol.PlainMessage{Message: "ACK"}, release

	case protocol.DataSupportRequest:
		streams, services := s.manager.Supported()
		return protocol.DataSupportResponse{Streams: streams, Services: services}, release

	case protocol.ServiceDataRequest:
		if len(r.Services) == 0 {
			return protocol.ErrorResponse{Message: "no services requested"}, release
		}
		snap, err := s.manager.GetServiceData(r.Versions())
		if err != nil {
			return protocol.ErrorResponse{Message: err.Error()}, release
		}
		return protocol.NewServiceDataResponse(snap), snap.Release

	case protocol.StreamDataRequest:
		if len(r.Alternatives) == 0 {
			return protocol.ErrorResponse{Message: "no data requirements given"}, release
		}
		snap, idx := s.resolve(ctx, r.Alternatives)
		if snap == nil {
			return protocol.ErrorResponse{Message: s.unavailable(r.Alternatives)}, release
		}
		s.logger.Debug("Serving snapshot", "alternative", idx, "requirements", r.Alternatives[idx].String())
		return protocol.NewStreamDataResponse(snap), snap.Release

	default:
		return protocol.ErrorResponse{Message: fmt.Sprintf("unsupported request %s", req.Kind())}, release
	}
}

// resolve tries the alternatives, waiting up to DataWait for new commits when
// none can be served yet.
func (s *Session) resolve(ctx context.Context, alts []storage.DataRequirements) (*storage.Snapshot, int) {
	var deadline <-chan time.Time
	if s.cfg.DataWait > 0 {
		timer := time.NewTimer(s.cfg.DataWait)
		defer timer.Stop()
		deadline = timer.C
	}

	for first := true; ; first = false {
		changed := s.manager.Changed()
		// Wakes for unrelated buffers skip the locking attempt.
		if first || s.manager.Satisfiable(alts) {
			if snap, idx := s.manager.Resolve(alts); snap != nil {
				return snap, idx
			}
		}
		if deadline == nil {
			return nil, -1
		}
		select {
		case <-changed:
		case <-deadline:
			return nil, -1
		case <-ctx.Done():
			return nil, -1
		case <-s.shutdown:
			return nil, -1
		}
	}
}

// unavailable explains why no alternative could be served.
func (s *Session) unavailable(alts []storage.DataRequirements) string {
	streams, services := s.manager.Supported()
	known := make(map[string]bool, len(streams)+len(services))
	for _, n := range streams {
		known[n] = true
	}
	for _, n := range services {
		known[n] = true
	}

	var unknown []string
	parts := make([]string, 0, len(alts))
	for _, alt := range alts {
		for _, n := range append(alt.Streams(), alt.Services()...) {
			if !known[n] {
				unknown = append(unknown, n)
			}
		}
		parts = append(parts, "{"+alt.String()+"}")
	}
	if len(unknown) > 0 {
		return fmt.Sprintf("%v: %s", errors.ErrUnknownDataType, strings.Join(unknown, ", "))
	}
	return fmt.Sprintf("%v for %s", errors.ErrDataUnavailable, strings.Join(parts, " or "))
}

func (s *Session) respond(resp protocol.Response, kind string, start time.Time) {
	s.state = SessionResponding
	_ = s.conn.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout))

	err := s.codec.WriteResponse(s.conn, resp)
	if err != nil && errors.IsInvalid(err) {
		s.logger.Warn("Response could not be encoded", "response", resp.Kind().String(), "error", err)
		resp = protocol.ErrorResponse{Message: "response too large: " + err.Error()}
		err = s.codec.WriteResponse(s.conn, resp)
	}
	if err != nil {
		s.logger.Debug("Failed to write response", "error", err)
		s.metrics.RecordError("session", errors.Classify(err).String())
	}

	s.metrics.RecordRequest(kind, resp.Kind().String(), time.Since(start))
}

func (s *Session) close() {
	s.state = SessionClosed
	_ = s.conn.Close()
}
