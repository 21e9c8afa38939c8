package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/w1xm/dish_interface/dish"
	"github.com/w1xm/dish_interface/link"
)

var errNotConnected = errors.New("dish not connected")

// Server exposes one controller to interactive clients. Commands from every
// surface are forwarded one at a time.
type Server struct {
	log     *zap.SugaredLogger
	limiter *rate.Limiter

	mu   sync.Mutex
	ctrl *dish.Controller

	statusMu    sync.RWMutex
	status      dish.Status
	subscribers map[chan dish.Status]struct{}
}

func NewServer(log *zap.SugaredLogger, limiter *rate.Limiter) *Server {
	return &Server{
		log:         log,
		limiter:     limiter,
		subscribers: make(map[chan dish.Status]struct{}),
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/api/status", s.StatusHandler).Methods(http.MethodGet)
	r.HandleFunc("/api/ws", s.StatusSocketHandler)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func (s *Server) StatusHandler(w http.ResponseWriter, r *http.Request) {
	s.statusMu.RLock()
	status := s.status
	s.statusMu.RUnlock()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(status); err != nil {
		s.log.Warnw("writing status", "err", err)
	}
}

// Command is a request from a websocket client.
type Command struct {
	Command string `json:"command"`
	// Direction is the sign of a nudge.
	Direction float64 `json:"direction"`
	Azimuth   float64 `json:"azimuth"`
	Elevation float64 `json:"elevation"`
}

// Result reports the outcome of one Command.
type Result struct {
	Command  string         `json:"command"`
	OK       bool           `json:"ok"`
	Error    string         `json:"error,omitempty"`
	Position *dish.Position `json:"position,omitempty"`
	Power    *float64       `json:"power,omitempty"`
}

// Message is sent to websocket clients; exactly one field is set.
type Message struct {
	Status *dish.Status `json:"status,omitempty"`
	Result *Result      `json:"result,omitempty"`
}

// withController runs f with exclusive use of the controller.
func (s *Server) withController(f func(c *dish.Controller) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ctrl == nil {
		return errNotConnected
	}
	return f(s.ctrl)
}

func (s *Server) execute(ctx context.Context, cmd Command) Result {
	res := Result{Command: cmd.Command}
	if !s.limiter.Allow() {
		res.Error = "rate limited"
		return res
	}
	err := s.withController(func(c *dish.Controller) error {
		var (
			pos dish.Position
			err error
		)
		switch cmd.Command {
		case "nudge_azimuth", "nudge_elevation":
			if cmd.Direction == 0 {
				return errors.New("direction must be non-zero")
			}
			axis := dish.AzimuthAxis
			if cmd.Command == "nudge_elevation" {
				axis = dish.ElevationAxis
			}
			pos, err = c.Nudge(ctx, axis, cmd.Direction)
		case "move":
			pos, err = c.MoveTo(ctx, dish.Position{Azimuth: cmd.Azimuth, Elevation: cmd.Elevation})
		case "home":
			pos, err = c.Home(ctx)
		case "read_power":
			power, err := c.ReadPower(ctx)
			if err != nil {
				return err
			}
			res.Power = &power
			return nil
		default:
			return fmt.Errorf("unknown command %q", cmd.Command)
		}
		if err != nil {
			return err
		}
		res.Position = &pos
		return nil
	})
	if err != nil {
		res.Error = err.Error()
		return res
	}
	res.OK = true
	return res
}

func (s *Server) StatusSocketHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warnw("websocket upgrade", "err", err)
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	send := func(msg Message) error {
		writeMu.Lock()
		defer writeMu.Unlock()
		conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		return conn.WriteJSON(msg)
	}

	// Read and process incoming messages
	go func() {
		defer cancel()
		for {
			var cmd Command
			if err := conn.ReadJSON(&cmd); err != nil {
				return
			}
			s.log.Infow("websocket command", "remote", r.RemoteAddr, "command", cmd.Command)
			res := s.execute(ctx, cmd)
			if err := send(Message{Result: &res}); err != nil {
				return
			}
		}
	}()

	updates, unsubscribe := s.subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case status := <-updates:
			if err := send(Message{Status: &status}); err != nil {
				s.log.Debugw("websocket closed", "remote", r.RemoteAddr, "err", err)
				return
			}
		}
	}
}

// subscribe returns a channel that holds the latest status, starting with
// the current one.
func (s *Server) subscribe() (<-chan dish.Status, func()) {
	ch := make(chan dish.Status, 1)
	s.statusMu.Lock()
	ch <- s.status
	s.subscribers[ch] = struct{}{}
	s.statusMu.Unlock()
	return ch, func() {
		s.statusMu.Lock()
		delete(s.subscribers, ch)
		s.statusMu.Unlock()
	}
}

func (s *Server) statusCallback(status dish.Status) {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	s.status = status
	for ch := range s.subscribers {
		// Drop a stale update so slow clients only see the latest.
		select {
		case <-ch:
		default:
		}
		ch <- status
	}
}

// attach hands ctrl to the server, or detaches with nil.
func (s *Server) attach(ctrl *dish.Controller) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ctrl = ctrl
}

// reconnectLoop keeps a homed controller attached, reopening the link after
// the controller faults.
func (s *Server) reconnectLoop(ctx context.Context, open func(context.Context) (link.Link, error), cfg dish.Config) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(1 * time.Second):
		}
		l, err := open(ctx)
		if err != nil {
			s.log.Warnw("opening link", "err", err)
			continue
		}
		faulted := make(chan struct{})
		var once sync.Once
		ctrl := dish.NewController(l, cfg, s.log.Named("dish"), func(status dish.Status) {
			s.statusCallback(status)
			if status.State == dish.Faulted {
				once.Do(func() { close(faulted) })
			}
		})
		s.mu.Lock()
		_, err = ctrl.Home(ctx)
		if err == nil {
			s.ctrl = ctrl
		}
		s.mu.Unlock()
		if err != nil {
			s.log.Errorw("homing", "err", err)
		} else {
			s.log.Infow("dish ready", "position", ctrl.Position())
			select {
			case <-ctx.Done():
			case <-faulted:
				s.log.Warnw("controller faulted; reconnecting")
			}
		}
		s.attach(nil)
		l.Close()
	}
}

func newServeCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve interactive control over HTTP, websocket and rotctld",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), a)
		},
	}
	cmd.Flags().String("addr", "", "HTTP listen address")
	cmd.Flags().String("rotctld-addr", "", "rotctld listen address, empty to disable")
	a.v.BindPFlag("server.addr", cmd.Flags().Lookup("addr"))
	a.v.BindPFlag("server.rotctld_addr", cmd.Flags().Lookup("rotctld-addr"))
	return cmd
}

func runServe(ctx context.Context, a *app) error {
	cfg := a.cfg
	s := NewServer(a.log.Named("server"), rate.NewLimiter(rate.Limit(cfg.Server.CommandRate), cfg.Server.CommandBurst))
	srv := &http.Server{
		Handler:      s.Router(),
		Addr:         cfg.Server.Addr,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	var rotctld net.Listener
	if cfg.Server.RotctldAddr != "" {
		ln, err := net.Listen("tcp", cfg.Server.RotctldAddr)
		if err != nil {
			return err
		}
		rotctld = ln
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		open := func(ctx context.Context) (link.Link, error) {
			return link.Open(ctx, cfg.Link(a.log.Named("link")))
		}
		s.reconnectLoop(ctx, open, cfg.Dish())
		return nil
	})
	g.Go(func() error {
		a.log.Infow("serving", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	if rotctld != nil {
		a.log.Infow("rotctld listening", "addr", rotctld.Addr())
		g.Go(func() error { return s.ServeRotctld(ctx, rotctld, cfg.Dish().Limits) })
	}
	return g.Wait()
}
