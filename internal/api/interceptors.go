package api

import (
	"github.com/google/uuid"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// StreamRegistry records live streaming connections and reports the ones flagged for reset.
type StreamRegistry interface {
	Register(id, kind string)
	Unregister(id string)
	ShouldReset(id string) bool
}

// errStreamReset is returned to a client whose stream was flagged by the reset remediation.
var errStreamReset = status.Error(codes.Unavailable, "stream reset by remediation; reconnect")

// StreamTrackingInterceptor registers every server stream for its lifetime, keyed by method. A
// flagged stream is closed on its next send.
func StreamTrackingInterceptor(reg StreamRegistry) grpc.StreamServerInterceptor {
	return func(srv any, ss grpc.ServerStream, info *grpc.StreamServerInfo, handler grpc.StreamHandler) error {
		id := uuid.NewString()
		reg.Register(id, info.FullMethod)
		defer reg.Unregister(id)
		return handler(srv, &trackedStream{ServerStream: ss, id: id, reg: reg})
	}
}

type trackedStream struct {
	grpc.ServerStream
	id  string
	reg StreamRegistry
}

func (s *trackedStream) SendMsg(m any) error {
	if s.reg.ShouldReset(s.id) {
		return errStreamReset
	}
	return s.ServerStream.SendMsg(m)
}
