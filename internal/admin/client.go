package admin

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Presence is one user's presence as seen by the hub.
type Presence struct {
	UserID      string
	Status      string
	Connections []string
	// LastSeen is zero until the user has gone offline at least once.
	LastSeen time.Time
	// Unread counts stored messages addressed to the user and not yet read.
	Unread int
}

func (p Presence) fields() map[string]any {
	conns := make([]any, len(p.Connections))
	for i, c := range p.Connections {
		conns[i] = c
	}
	lastSeen := ""
	if !p.LastSeen.IsZero() {
		lastSeen = p.LastSeen.UTC().Format(time.RFC3339Nano)
	}
	return map[string]any{
		"user_id":     p.UserID,
		"status":      p.Status,
		"connections": conns,
		"last_seen":   lastSeen,
		"unread":      p.Unread,
	}
}

// Stats summarizes a running hub.
type Stats struct {
	Users         int
	Connections   int
	Messages      int
	SchemaVersion uint
	// Subscribers counts internal event bus subscriptions.
	Subscribers int
	Uptime      time.Duration
}

func (s Stats) fields() map[string]any {
	return map[string]any{
		"users":       s.Users,
		"connections": s.Connections,
		"messages":    s.Messages,
		"schema":      s.SchemaVersion,
		"subscribers": s.Subscribers,
		"uptime_ms":   s.Uptime.Milliseconds(),
	}
}

// Client calls the admin service of a running hub.
type Client struct {
	cc grpc.ClientConnInterface
}

// NewClient wraps an established connection.
func NewClient(cc grpc.ClientConnInterface) *Client {
	return &Client{cc: cc}
}

// Dial connects to the admin socket at socketPath.
func Dial(socketPath string) (*grpc.ClientConn, error) {
	conn, err := grpc.NewClient(
		"unix://"+socketPath,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial admin socket: %w", err)
	}
	return conn, nil
}

func (c *Client) GetPresence(ctx context.Context, userID string) (Presence, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodGetPresence, wrapperspb.String(userID), out); err != nil {
		return Presence{}, err
	}
	f := out.GetFields()
	p := Presence{
		UserID:      f["user_id"].GetStringValue(),
		Status:      f["status"].GetStringValue(),
		Connections: stringList(f["connections"]),
		Unread:      int(f["unread"].GetNumberValue()),
	}
	if ts := f["last_seen"].GetStringValue(); ts != "" {
		t, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return Presence{}, fmt.Errorf("parse last_seen: %w", err)
		}
		p.LastSeen = t
	}
	return p, nil
}

func (c *Client) ListOnline(ctx context.Context) ([]string, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodListOnline, &emptypb.Empty{}, out); err != nil {
		return nil, err
	}
	return stringList(out.GetFields()["users"]), nil
}

func (c *Client) GetStats(ctx context.Context) (Stats, error) {
	out := new(structpb.Struct)
	if err := c.cc.Invoke(ctx, methodGetStats, &emptypb.Empty{}, out); err != nil {
		return Stats{}, err
	}
	f := out.GetFields()
	return Stats{
		Users:         int(f["users"].GetNumberValue()),
		Connections:   int(f["connections"].GetNumberValue()),
		Messages:      int(f["messages"].GetNumberValue()),
		SchemaVersion: uint(f["schema"].GetNumberValue()),
		Subscribers:   int(f["subscribers"].GetNumberValue()),
		Uptime:        time.Duration(f["uptime_ms"].GetNumberValue()) * time.Millisecond,
	}, nil
}

func (c *Client) SetStatus(ctx context.Context, userID, status string) error {
	in, err := structpb.NewStruct(map[string]any{"user_id": userID, "status": status})
	if err != nil {
		return err
	}
	return c.cc.Invoke(ctx, methodSetStatus, in, new(emptypb.Empty))
}

func stringList(v *structpb.Value) []string {
	values := v.GetListValue().GetValues()
	out := make([]string, 0, len(values))
	for _, item := range values {
		out = append(out, item.GetStringValue())
	}
	return out
}
