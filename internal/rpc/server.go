// Package rpc exposes the controller to local automation over gRPC. The
// Control service is registered by hand and carries structpb.Struct
// messages, so no generated code is needed.
package rpc

import (
	"context"
	"fmt"
	"log"
	"math"
	"net"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/homectl/rfswitch/internal/storage"
)

// ServiceName is the fully qualified name of the control service
const ServiceName = "rfswitch.v1.Control"

// Method names
const (
	MethodExecuteAction     = "ExecuteAction"
	MethodExecuteRoomButton = "ExecuteRoomButton"
	MethodExecuteScene      = "ExecuteScene"
	MethodHistory           = "History"
)

// DefaultHistoryLimit is used when a History request has no limit
const DefaultHistoryLimit = 50

// Executor runs the requested actions
type Executor interface {
	ExecuteActionIDs(ctx context.Context, ids []int64)
	ExecuteRoomButton(ctx context.Context, roomID int64, buttonName string)
	ExecuteScene(ctx context.Context, sceneID int64)
}

// HistoryStore lists recent history
type HistoryStore interface {
	ListHistory(limit int) ([]*storage.HistoryItem, error)
}

// ControlServer is the server API of the control service
type ControlServer interface {
	ExecuteAction(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ExecuteRoomButton(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	ExecuteScene(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
	History(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error)
}

// RegisterControlServer registers srv on s
func RegisterControlServer(s grpc.ServiceRegistrar, srv ControlServer) {
	s.RegisterService(&controlServiceDesc, srv)
}

var controlServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*ControlServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: MethodExecuteAction, Handler: unaryHandler(MethodExecuteAction, ControlServer.ExecuteAction)},
		{MethodName: MethodExecuteRoomButton, Handler: unaryHandler(MethodExecuteRoomButton, ControlServer.ExecuteRoomButton)},
		{MethodName: MethodExecuteScene, Handler: unaryHandler(MethodExecuteScene, ControlServer.ExecuteScene)},
		{MethodName: MethodHistory, Handler: unaryHandler(MethodHistory, ControlServer.History)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "rfswitch/v1/control.proto",
}

type unaryMethod func(ControlServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func unaryHandler(name string, fn unaryMethod) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	fullMethod := "/" + ServiceName + "/" + name
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return fn(srv.(ControlServer), ctx, in)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: fullMethod}
		handler := func(ctx context.Context, req interface{}) (interface{}, error) {
			return fn(srv.(ControlServer), ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// Control implements ControlServer on top of the engine
type Control struct {
	exec    Executor
	history HistoryStore
}

// NewControl creates the control service
func NewControl(exec Executor, history HistoryStore) *Control {
	return &Control{exec: exec, history: history}
}

// ExecuteAction runs {"action_id": n} or {"action_ids": [..]}
func (c *Control) ExecuteAction(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	var ids []int64
	if v, ok := req.GetFields()["action_ids"]; ok {
		list := v.GetListValue()
		if list == nil {
			return nil, status.Error(codes.InvalidArgument, "action_ids must be a list")
		}
		for _, item := range list.GetValues() {
			id, err := toID("action_ids", item)
			if err != nil {
				return nil, err
			}
			ids = append(ids, id)
		}
	} else {
		id, err := requireID(req, "action_id")
		if err != nil {
			return nil, err
		}
		ids = []int64{id}
	}

	c.exec.ExecuteActionIDs(ctx, ids)
	return accepted(len(ids))
}

// ExecuteRoomButton runs {"room_id": n, "button": "ON"}
func (c *Control) ExecuteRoomButton(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	roomID, err := requireID(req, "room_id")
	if err != nil {
		return nil, err
	}
	button := req.GetFields()["button"].GetStringValue()
	if button == "" {
		return nil, status.Error(codes.InvalidArgument, "button is required")
	}

	c.exec.ExecuteRoomButton(ctx, roomID, button)
	return accepted(1)
}

// ExecuteScene runs {"scene_id": n}
func (c *Control) ExecuteScene(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	sceneID, err := requireID(req, "scene_id")
	if err != nil {
		return nil, err
	}

	c.exec.ExecuteScene(ctx, sceneID)
	return accepted(1)
}

// History returns {"items": [{"id", "time", "text"}]} newest first
func (c *Control) History(ctx context.Context, req *structpb.Struct) (*structpb.Struct, error) {
	limit := DefaultHistoryLimit
	if v, ok := req.GetFields()["limit"]; ok {
		n := v.GetNumberValue()
		if n < 1 || n != math.Trunc(n) {
			return nil, status.Error(codes.InvalidArgument, "limit must be a positive integer")
		}
		limit = int(n)
	}

	items, err := c.history.ListHistory(limit)
	if err != nil {
		log.Printf("Failed to list history: %v", err)
		return nil, status.Error(codes.Internal, "failed to list history")
	}

	list := make([]interface{}, 0, len(items))
	for _, h := range items {
		list = append(list, map[string]interface{}{
			"id":   float64(h.ID),
			"time": h.Time.UTC().Format(time.RFC3339),
			"text": h.Text,
		})
	}
	return structpb.NewStruct(map[string]interface{}{"items": list})
}

func accepted(n int) (*structpb.Struct, error) {
	return structpb.NewStruct(map[string]interface{}{"accepted": float64(n)})
}

func requireID(req *structpb.Struct, name string) (int64, error) {
	v, ok := req.GetFields()[name]
	if !ok {
		return 0, status.Errorf(codes.InvalidArgument, "%s is required", name)
	}
	return toID(name, v)
}

func toID(name string, v *structpb.Value) (int64, error) {
	if _, ok := v.GetKind().(*structpb.Value_NumberValue); !ok {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be a number", name)
	}
	n := v.GetNumberValue()
	if n < 1 || n != math.Trunc(n) {
		return 0, status.Errorf(codes.InvalidArgument, "%s must be a positive integer", name)
	}
	return int64(n), nil
}

// Config holds RPC server configuration
type Config struct {
	ListenAddr    string
	KeepaliveTime time.Duration
}

// DefaultConfig returns default RPC server configuration
func DefaultConfig() Config {
	return Config{
		ListenAddr:    "127.0.0.1:50051",
		KeepaliveTime: 30 * time.Second,
	}
}

// Server serves the control and health services
type Server struct {
	config Config
	grpc   *grpc.Server
	health *health.Server
	wg     sync.WaitGroup
	addr   net.Addr
}

// NewServer creates a server for control
func NewServer(config Config, control ControlServer) *Server {
	s := grpc.NewServer(grpc.KeepaliveParams(keepalive.ServerParameters{Time: config.KeepaliveTime}))
	RegisterControlServer(s, control)

	h := health.NewServer()
	healthpb.RegisterHealthServer(s, h)
	h.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_SERVING)

	return &Server{config: config, grpc: s, health: h}
}

// Start listens on the configured address
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.ListenAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.ListenAddr, err)
	}
	s.addr = ln.Addr()
	s.Serve(ln)
	return nil
}

// Serve serves on an existing listener
func (s *Server) Serve(ln net.Listener) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.grpc.Serve(ln); err != nil {
			log.Printf("RPC server error: %v", err)
		}
	}()
	log.Printf("RPC server listening on %s", ln.Addr())
}

// Addr returns the listening address after Start
func (s *Server) Addr() net.Addr {
	return s.addr
}

// Stop marks the services not serving and drains in-flight calls
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
	s.wg.Wait()
	log.Println("RPC server stopped")
}
