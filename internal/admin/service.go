package admin

import (
	"context"
	"time"

	"github.com/matheus3301/dmhub/internal/bus"
	"github.com/matheus3301/dmhub/internal/chaterr"
	"github.com/matheus3301/dmhub/internal/presence"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	grpcstatus "google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// MessageStore is the read side of the message store the admin service
// reports on.
type MessageStore interface {
	MessageCount(ctx context.Context) (int, error)
	UnreadCount(ctx context.Context, readerID string) (int, error)
	SchemaVersion() (uint, error)
}

// LastSeenSource reports when a user last went offline.
type LastSeenSource interface {
	LastSeen(userID string) (time.Time, bool)
}

// Service implements AdminServer on top of the live registry.
type Service struct {
	registry  *presence.Registry
	presence  *presence.Broadcaster
	bus       *bus.Bus
	messages  MessageStore
	lastSeen  LastSeenSource
	logger    *zap.Logger
	startedAt time.Time
}

// NewService creates the admin service. b, ms and ls may be nil.
func NewService(r *presence.Registry, bc *presence.Broadcaster, b *bus.Bus, ms MessageStore, ls LastSeenSource, logger *zap.Logger) *Service {
	return &Service{
		registry:  r,
		presence:  bc,
		bus:       b,
		messages:  ms,
		lastSeen:  ls,
		logger:    logger,
		startedAt: time.Now(),
	}
}

func (s *Service) GetPresence(ctx context.Context, req *wrapperspb.StringValue) (*structpb.Struct, error) {
	userID := req.GetValue()
	if userID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "user id is required")
	}
	p := Presence{
		UserID:      userID,
		Status:      string(s.presence.Status(userID)),
		Connections: s.registry.ConnectionIDs(userID),
	}
	if s.lastSeen != nil {
		p.LastSeen, _ = s.lastSeen.LastSeen(userID)
	}
	if s.messages != nil {
		n, err := s.messages.UnreadCount(ctx, userID)
		if err != nil {
			s.logger.Warn("unread count failed", zap.String("user_id", userID), zap.Error(err))
		} else {
			p.Unread = n
		}
	}
	return toStruct(p.fields())
}

func (s *Service) ListOnline(_ context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	users := s.registry.OnlineUsers()
	list := make([]any, len(users))
	for i, u := range users {
		list[i] = u
	}
	return toStruct(map[string]any{"users": list})
}

func (s *Service) GetStats(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	stats := s.registry.Stats()
	out := Stats{
		Users:       stats.Users,
		Connections: stats.Connections,
		Uptime:      time.Since(s.startedAt),
	}
	if s.bus != nil {
		out.Subscribers = s.bus.Subscribers()
	}
	if s.messages != nil {
		n, err := s.messages.MessageCount(ctx)
		if err != nil {
			s.logger.Warn("message count failed", zap.Error(err))
		} else {
			out.Messages = n
		}
		v, err := s.messages.SchemaVersion()
		if err != nil {
			s.logger.Warn("schema version failed", zap.Error(err))
		} else {
			out.SchemaVersion = v
		}
	}
	return toStruct(out.fields())
}

func (s *Service) SetStatus(_ context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	userID := req.GetFields()["user_id"].GetStringValue()
	st := req.GetFields()["status"].GetStringValue()
	if userID == "" {
		return nil, grpcstatus.Error(codes.InvalidArgument, "user_id is required")
	}
	if err := s.presence.SetStatus(userID, st); err != nil {
		return nil, toStatus(err)
	}
	s.logger.Info("status set by operator", zap.String("user_id", userID), zap.String("status", st))
	return &emptypb.Empty{}, nil
}

func toStruct(fields map[string]any) (*structpb.Struct, error) {
	out, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, grpcstatus.Errorf(codes.Internal, "encode response: %v", err)
	}
	return out, nil
}

func toStatus(err error) error {
	switch chaterr.KindOf(err) {
	case chaterr.KindValidation:
		return grpcstatus.Error(codes.InvalidArgument, err.Error())
	case chaterr.KindPersistence:
		return grpcstatus.Error(codes.Unavailable, err.Error())
	}
	return grpcstatus.Error(codes.Internal, err.Error())
}
