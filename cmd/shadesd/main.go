// Command shadesd is a local administrative surface for a running Engine:
// a read-only Stats RPC plus two single-mutation RPCs, TriggerCommit and
// TriggerGC — no replication, no query language, no SQL layer. It also
// drives engine.Scheduler for periodic auto-commit/auto-vacuum if
// configured.
//
// Grounded on cmd/server/main.go: a hand-written grpc.ServiceDesc and JSON
// codec (no protobuf codegen), a thin net/http mirror of the same
// operations, and a single flag.Parse() in main.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/shades-db/shades/engine"
)

var (
	flagConfig      = flag.String("config", "", "path to a shades configuration file (empty uses engine.DefaultConfig)")
	flagCreate      = flag.Bool("create", false, "initialize fresh backing files instead of opening existing ones")
	flagGRPC        = flag.String("grpc", ":9091", "gRPC listen address (empty to disable)")
	flagHTTP        = flag.String("http", ":8081", "HTTP listen address (empty to disable)")
	flagCommitEvery = flag.String("commit-every", "", "cron expression (seconds-first) for periodic auto-commit, e.g. \"*/30 * * * * *\"")
	flagVacuumEvery = flag.String("vacuum-every", "", "cron expression for periodic auto-vacuum (major GC)")
)

// statsResponse mirrors engine.Stats for both the gRPC JSON codec and the
// plain HTTP mirror endpoint.
type statsResponse struct {
	NumPages           int    `json:"num_pages"`
	FreePages          int    `json:"free_pages"`
	NurseryWords       int    `json:"nursery_words"`
	NurseryWordsFree   int    `json:"nursery_words_free"`
	YoungestGeneration int32  `json:"youngest_generation"`
	MajorGCInProgress  bool   `json:"major_gc_in_progress"`
	CommitSeq          uint64 `json:"commit_seq"`
}

type statsRequest struct{}

type mutationResponse struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

type mutationRequest struct{}

// jsonCodec replaces the protobuf wire codec with plain JSON, letting the
// service be invoked over gRPC without any .proto/codegen step.
type jsonCodec struct{}

func (jsonCodec) Name() string                         { return "json" }
func (jsonCodec) Marshal(v any) ([]byte, error)         { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error    { return json.Unmarshal(data, v) }

// ShadesServer is the hand-written service interface registerShadesServer
// dispatches to — the stand-in for a generated protobuf server interface.
type ShadesServer interface {
	Stats(context.Context, *statsRequest) (*statsResponse, error)
	TriggerCommit(context.Context, *mutationRequest) (*mutationResponse, error)
	TriggerGC(context.Context, *mutationRequest) (*mutationResponse, error)
}

func registerShadesServer(s *grpc.Server, srv ShadesServer) {
	s.RegisterService(&grpc.ServiceDesc{
		ServiceName: "shades.Shades",
		HandlerType: (*ShadesServer)(nil),
		Methods: []grpc.MethodDesc{
			{MethodName: "Stats", Handler: _Shades_Stats_Handler},
			{MethodName: "TriggerCommit", Handler: _Shades_TriggerCommit_Handler},
			{MethodName: "TriggerGC", Handler: _Shades_TriggerGC_Handler},
		},
		Streams:  []grpc.StreamDesc{},
		Metadata: "shades",
	}, srv)
}

func _Shades_Stats_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(statsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ShadesServer).Stats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/shades.Shades/Stats"}
	handler := func(ctx context.Context, req any) (any, error) { return srv.(ShadesServer).Stats(ctx, req.(*statsRequest)) }
	return interceptor(ctx, in, info, handler)
}

func _Shades_TriggerCommit_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(mutationRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ShadesServer).TriggerCommit(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/shades.Shades/TriggerCommit"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ShadesServer).TriggerCommit(ctx, req.(*mutationRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func _Shades_TriggerGC_Handler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(mutationRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(ShadesServer).TriggerGC(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/shades.Shades/TriggerGC"}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(ShadesServer).TriggerGC(ctx, req.(*mutationRequest))
	}
	return interceptor(ctx, in, info, handler)
}

// server wraps a single Engine. Every RPC/HTTP handler serializes through
// mu so TriggerCommit/TriggerGC never race a scheduled job.
type server struct {
	mu     sync.Mutex
	engine *engine.Engine
}

func (s *server) Stats(ctx context.Context, _ *statsRequest) (*statsResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.engine.Stats()
	return &statsResponse{
		NumPages:           st.NumPages,
		FreePages:          st.FreePages,
		NurseryWords:       st.NurseryWords,
		NurseryWordsFree:   st.NurseryWordsFree,
		YoungestGeneration: int32(st.YoungestGeneration),
		MajorGCInProgress:  st.MajorGCInProgress,
		CommitSeq:          st.CommitSeq,
	}, nil
}

func (s *server) TriggerCommit(ctx context.Context, _ *mutationRequest) (*mutationResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.Commit(); err != nil {
		return &mutationResponse{Success: false, Error: err.Error()}, nil
	}
	return &mutationResponse{Success: true}, nil
}

func (s *server) TriggerGC(ctx context.Context, _ *mutationRequest) (*mutationResponse, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.engine.TriggerMajorGC(); err != nil {
		return &mutationResponse{Success: false, Error: err.Error()}, nil
	}
	return &mutationResponse{Success: true}, nil
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp, _ := s.Stats(r.Context(), &statsRequest{})
	writeJSON(w, resp)
}

func (s *server) handleTriggerCommit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp, _ := s.TriggerCommit(r.Context(), &mutationRequest{})
	writeJSON(w, resp)
}

func (s *server) handleTriggerGC(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	resp, _ := s.TriggerGC(r.Context(), &mutationRequest{})
	writeJSON(w, resp)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func main() {
	flag.Parse()

	cfg := engine.DefaultConfig()
	if *flagConfig != "" {
		var err error
		cfg, err = engine.OpenConfig(*flagConfig)
		if err != nil {
			log.Fatalf("shadesd: config: %v", err)
		}
	}

	var e *engine.Engine
	var err error
	if *flagCreate {
		e, err = engine.Create(cfg)
	} else {
		e, err = engine.Open(cfg)
	}
	if err != nil {
		log.Fatalf("shadesd: open database: %v", err)
	}
	defer e.Close()

	sched := engine.NewScheduler(e)
	if *flagCommitEvery != "" {
		if err := sched.AddAutoCommit(*flagCommitEvery); err != nil {
			log.Fatalf("shadesd: schedule auto-commit: %v", err)
		}
	}
	if *flagVacuumEvery != "" {
		if err := sched.AddAutoVacuum(*flagVacuumEvery); err != nil {
			log.Fatalf("shadesd: schedule auto-vacuum: %v", err)
		}
	}
	sched.Start()
	defer sched.Stop()

	srv := &server{engine: e}

	encoding.RegisterCodec(jsonCodec{})

	var grpcErr error
	if *flagGRPC != "" {
		go func() {
			lis, err := net.Listen("tcp", *flagGRPC)
			if err != nil {
				log.Printf("shadesd: gRPC listen error: %v", err)
				grpcErr = err
				return
			}
			gs := grpc.NewServer()
			registerShadesServer(gs, srv)
			log.Printf("shadesd: gRPC listening on %s", *flagGRPC)
			if err := gs.Serve(lis); err != nil {
				log.Printf("shadesd: gRPC serve error: %v", err)
				grpcErr = err
			}
		}()
	}

	if *flagHTTP != "" {
		mux := http.NewServeMux()
		mux.HandleFunc("/api/stats", srv.handleStats)
		mux.HandleFunc("/api/commit", srv.handleTriggerCommit)
		mux.HandleFunc("/api/gc", srv.handleTriggerGC)
		log.Printf("shadesd: HTTP listening on %s", *flagHTTP)
		if err := http.ListenAndServe(*flagHTTP, mux); err != nil {
			log.Printf("shadesd: HTTP serve error: %v", err)
			if grpcErr != nil {
				fmt.Println("shadesd: both HTTP and gRPC failed to serve")
			}
		}
	} else {
		select {}
	}
}
