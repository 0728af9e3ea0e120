// Package rendezvous is BMF-T's Rendezvous Client (spec.md §2, §6): a thin
// HTTP+TLS client/server pair for the bootstrap KV store peers use to
// exchange endpoints and MR keys before the data path (QP-Connection
// Manager, Stream) ever opens. Grounded on the teacher's internal/ctrl —
// the same "thin control-plane client over a single channel" shape,
// translated from a `/dev/ublk-control` fd to a TCP/TLS peer — and on
// aistore's json-iterator wire encoding for the put/get/barrier/allgather
// payloads.
package rendezvous

import (
	"bytes"
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"

	"bmft/internal/constants"
	"bmft/internal/logging"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// verb names the one-byte "which operation" discriminator carried on every
// request to the single `/rendezvous` endpoint (spec.md §6 "put(k,v),
// get(k), barrier(group), allgather(group,bytes)").
type verb string

const (
	verbPut       verb = "put"
	verbGet       verb = "get"
	verbBarrier   verb = "barrier"
	verbAllgather verb = "allgather"
)

// envelope is the wire shape for every request/response on `/rendezvous`,
// matching the teacher's own single ioctl-struct-per-call discipline —
// one request type, dispatched on Verb, instead of one HTTP route per verb.
type envelope struct {
	Verb    verb              `json:"verb"`
	Key     string            `json:"key,omitempty"`
	Value   []byte            `json:"value,omitempty"`
	Group   string            `json:"group,omitempty"`
	GroupN  int               `json:"group_n,omitempty"`
	Member  string            `json:"member,omitempty"`
	Payload []byte            `json:"payload,omitempty"`
	KV      map[string][]byte `json:"kv,omitempty"`
}

// ErrNotFound is returned by Get for an unknown key.
type ErrNotFound struct{ Key string }

func (e ErrNotFound) Error() string { return fmt.Sprintf("rendezvous: key %q not found", e.Key) }

// ErrGroupSizeMismatch is returned when Barrier/Allgather members disagree
// on the expected group size.
type ErrGroupSizeMismatch struct {
	Group         string
	Want, Arrived int
}

func (e ErrGroupSizeMismatch) Error() string {
	return fmt.Sprintf("rendezvous: group %q expects %d members, saw %d", e.Group, e.Want, e.Arrived)
}

// Store is the server-side KV store plus barrier/allgather rendezvous
// points, grounded on internal/ctrl.Controller's role as the one place
// that owns shared bring-up state.
type Store struct {
	mu       sync.Mutex
	kv       map[string][]byte
	barriers map[string]*groupWait
	gathers  map[string]*groupGather
	logger   *logging.Logger
}

type groupWait struct {
	size    int
	arrived map[string]struct{}
	done    chan struct{}
}

type groupGather struct {
	size     int
	received map[string][]byte
	done     chan struct{}
}

// NewStore constructs an empty rendezvous store.
func NewStore(logger *logging.Logger) *Store {
	if logger == nil {
		logger = logging.Default()
	}
	return &Store{
		kv:       make(map[string][]byte),
		barriers: make(map[string]*groupWait),
		gathers:  make(map[string]*groupGather),
		logger:   logger,
	}
}

// ServeHTTP implements the single `/rendezvous` endpoint all four verbs
// multiplex onto (spec.md §6).
func (s *Store) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "rendezvous: POST only", http.StatusMethodNotAllowed)
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	var req envelope
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var resp envelope
	switch req.Verb {
	case verbPut:
		s.handlePut(req)
	case verbGet:
		val, ok := s.handleGet(req.Key)
		if !ok {
			http.Error(w, ErrNotFound{Key: req.Key}.Error(), http.StatusNotFound)
			return
		}
		resp.Value = val
	case verbBarrier:
		if err := s.handleBarrier(r.Context(), req); err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
	case verbAllgather:
		kv, err := s.handleAllgather(r.Context(), req)
		if err != nil {
			http.Error(w, err.Error(), http.StatusConflict)
			return
		}
		resp.KV = kv
	default:
		http.Error(w, fmt.Sprintf("rendezvous: unknown verb %q", req.Verb), http.StatusBadRequest)
		return
	}

	out, err := json.Marshal(resp)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}

func (s *Store) handlePut(req envelope) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kv[req.Key] = req.Value
	s.logger.Debug("rendezvous: put", "key", req.Key, "bytes", len(req.Value))
}

func (s *Store) handleGet(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	val, ok := s.kv[key]
	return val, ok
}

func (s *Store) handleBarrier(ctx context.Context, req envelope) error {
	s.mu.Lock()
	bw, ok := s.barriers[req.Group]
	if !ok {
		bw = &groupWait{size: req.GroupN, arrived: make(map[string]struct{}), done: make(chan struct{})}
		s.barriers[req.Group] = bw
	}
	if bw.size != req.GroupN {
		s.mu.Unlock()
		return ErrGroupSizeMismatch{Group: req.Group, Want: bw.size, Arrived: len(bw.arrived)}
	}
	bw.arrived[req.Member] = struct{}{}
	if len(bw.arrived) >= bw.size {
		close(bw.done)
		delete(s.barriers, req.Group)
	}
	done := bw.done
	s.mu.Unlock()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Store) handleAllgather(ctx context.Context, req envelope) (map[string][]byte, error) {
	s.mu.Lock()
	gw, ok := s.gathers[req.Group]
	if !ok {
		gw = &groupGather{size: req.GroupN, received: make(map[string][]byte), done: make(chan struct{})}
		s.gathers[req.Group] = gw
	}
	if gw.size != req.GroupN {
		s.mu.Unlock()
		return nil, ErrGroupSizeMismatch{Group: req.Group, Want: gw.size, Arrived: len(gw.received)}
	}
	gw.received[req.Member] = req.Payload
	if len(gw.received) >= gw.size {
		close(gw.done)
	}
	done := gw.done
	s.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	s.mu.Lock()
	out := make(map[string][]byte, len(gw.received))
	for k, v := range gw.received {
		out[k] = v
	}
	if len(s.gathers[req.Group].received) >= gw.size {
		delete(s.gathers, req.Group)
	}
	s.mu.Unlock()
	return out, nil
}

// Client is the Rendezvous Client proper (spec.md §2): put/get/barrier/
// allgather over HTTP, optionally TLS, against one Store.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *logging.Logger
}

// Dial opens a Client against the rendezvous server at addr
// (`scheme://host:port`, tls non-nil selects https). Mirrors the teacher's
// NewController dial-then-wrap shape, minus the fd.
func Dial(addr string, tlsConfig *tls.Config, logger *logging.Logger) *Client {
	if logger == nil {
		logger = logging.Default()
	}
	scheme := "http"
	transport := &http.Transport{}
	if tlsConfig != nil {
		scheme = "https"
		transport.TLSClientConfig = tlsConfig
	}
	return &Client{
		baseURL: fmt.Sprintf("%s://%s/rendezvous", scheme, addr),
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   constants.DefaultRendezvousDialTimeout,
		},
		logger: logger,
	}
}

func (c *Client) do(ctx context.Context, req envelope) (envelope, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return envelope{}, errors.Wrap(err, "rendezvous: marshal request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(body))
	if err != nil {
		return envelope{}, errors.Wrap(err, "rendezvous: build request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return envelope{}, errors.Wrapf(err, "rendezvous: %s request failed", req.Verb)
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return envelope{}, errors.Wrap(err, "rendezvous: read response")
	}
	if resp.StatusCode == http.StatusNotFound {
		return envelope{}, ErrNotFound{Key: req.Key}
	}
	if resp.StatusCode != http.StatusOK {
		return envelope{}, errors.Errorf("rendezvous: %s failed: %s", req.Verb, string(respBody))
	}
	var out envelope
	if err := json.Unmarshal(respBody, &out); err != nil {
		return envelope{}, errors.Wrap(err, "rendezvous: unmarshal response")
	}
	return out, nil
}

// Put stores value under key.
func (c *Client) Put(ctx context.Context, key string, value []byte) error {
	_, err := c.do(ctx, envelope{Verb: verbPut, Key: key, Value: value})
	return err
}

// Get retrieves the value stored under key, or ErrNotFound.
func (c *Client) Get(ctx context.Context, key string) ([]byte, error) {
	resp, err := c.do(ctx, envelope{Verb: verbGet, Key: key})
	if err != nil {
		return nil, err
	}
	return resp.Value, nil
}

// Barrier blocks until groupSize members of group have called Barrier with
// the same group/groupSize, used to synchronize QP bring-up across ranks
// (spec.md §6 "barrier(group)").
func (c *Client) Barrier(ctx context.Context, group, member string, groupSize int) error {
	_, err := c.do(ctx, envelope{Verb: verbBarrier, Group: group, Member: member, GroupN: groupSize})
	return err
}

// Allgather blocks until groupSize members of group have contributed a
// payload, then returns every member's payload keyed by member name
// (spec.md §6 "allgather(group,bytes)") — used to exchange NIC addresses
// and MR descriptors during Prepare.
func (c *Client) Allgather(ctx context.Context, group, member string, groupSize int, payload []byte) (map[string][]byte, error) {
	resp, err := c.do(ctx, envelope{Verb: verbAllgather, Group: group, Member: member, GroupN: groupSize, Payload: payload})
	if err != nil {
		return nil, err
	}
	return resp.KV, nil
}

// Server wraps an http.Server bound to a Store, for embedding a rendezvous
// endpoint in a test fixture or a standalone `bmft-ctl rendezvous` process.
type Server struct {
	httpServer *http.Server
	listener   net.Listener
	store      *Store
}

// NewServer binds a listener on addr (use "127.0.0.1:0" to pick a free
// port) with an empty Store. A nil tlsConfig serves plain HTTP.
func NewServer(addr string, tlsConfig *tls.Config, logger *logging.Logger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "rendezvous: listen on %s", addr)
	}
	store := NewStore(logger)
	mux := http.NewServeMux()
	mux.Handle("/rendezvous", store)
	return &Server{
		httpServer: &http.Server{
			Handler:   mux,
			TLSConfig: tlsConfig,
		},
		listener: ln,
		store:    store,
	}, nil
}

// Serve blocks, running the server until ctx is cancelled or the listener
// returns a non-shutdown error.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		var err error
		if s.httpServer.TLSConfig != nil {
			err = s.httpServer.ServeTLS(s.listener, "", "")
		} else {
			err = s.httpServer.Serve(s.listener)
		}
		if err != nil && err != http.ErrServerClosed {
			errCh <- err
		} else {
			errCh <- nil
		}
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// Addr returns the server's actual bound address, including the port
// assigned when NewServer was given a ":0" port.
func (s *Server) Addr() string { return s.listener.Addr().String() }
