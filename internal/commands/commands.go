// Package commands exposes the simulation control operations over HTTP and
// as a generic command envelope shared with other intakes.
package commands

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"mesh-emulator/internal/node"
	"mesh-emulator/internal/routing"
	"mesh-emulator/internal/sim"
)

// Controller is the control surface of a running simulation.
type Controller interface {
	Broadcast(ctx context.Context, from uint32, text string) (int, error)
	DirectMessage(ctx context.Context, from, to uint32, text string) (int, error)
	Ping(ctx context.Context, from, to uint32) (int, error)
	Traceroute(ctx context.Context, from, to uint32) (int, error)
	RequestPosition(ctx context.Context, from, to uint32) (int, error)
	RequestLocalStats(ctx context.Context, id uint32) (int, error)
	RemoveNode(ctx context.Context, id uint32) error
	Nodes(ctx context.Context) ([]node.Info, error)
	Route(ctx context.Context, id int) (routing.Route, error)
}

var _ Controller = (*sim.Runner)(nil)

// ErrUnknownCommand is returned by Dispatch for an unrecognised name.
var ErrUnknownCommand = errors.New("unknown command")

// Command is the generic envelope accepted on /command and from MQTT.
type Command struct {
	Name      string `json:"command"`
	From      uint32 `json:"from"`
	To        uint32 `json:"to"`
	Text      string `json:"text,omitempty"`
	NodeID    uint32 `json:"node_id"`
	MessageID int    `json:"message_id"`
}

// Result is what a command produces. MessageID is the ledger id the
// resulting message will get; it is -1 for commands that send nothing.
type Result struct {
	MessageID int            `json:"messageId"`
	Nodes     []node.Info    `json:"nodes,omitempty"`
	Route     *routing.Route `json:"route,omitempty"`
}

// Dispatch runs cmd against ctl.
func Dispatch(ctx context.Context, ctl Controller, cmd Command) (Result, error) {
	res := Result{MessageID: -1}
	var err error
	switch cmd.Name {
	case "broadcast":
		res.MessageID, err = ctl.Broadcast(ctx, cmd.From, cmd.Text)
	case "dm":
		res.MessageID, err = ctl.DirectMessage(ctx, cmd.From, cmd.To, cmd.Text)
	case "ping":
		res.MessageID, err = ctl.Ping(ctx, cmd.From, cmd.To)
	case "traceroute":
		res.MessageID, err = ctl.Traceroute(ctx, cmd.From, cmd.To)
	case "reqPos":
		res.MessageID, err = ctl.RequestPosition(ctx, cmd.From, cmd.To)
	case "localStats":
		res.MessageID, err = ctl.RequestLocalStats(ctx, cmd.NodeID)
	case "remove":
		err = ctl.RemoveNode(ctx, cmd.NodeID)
	case "nodes":
		res.Nodes, err = ctl.Nodes(ctx)
	case "route":
		var r routing.Route
		if r, err = ctl.Route(ctx, cmd.MessageID); err == nil {
			res.Route = &r
		}
	default:
		return res, fmt.Errorf("%w %q", ErrUnknownCommand, cmd.Name)
	}
	return res, err
}

// StatusFor maps a control error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrUnknownCommand):
		return http.StatusBadRequest
	case errors.Is(err, sim.ErrUnknownNode), errors.Is(err, sim.ErrUnknownMessage):
		return http.StatusNotFound
	case errors.Is(err, sim.ErrDegraded), errors.Is(err, sim.ErrNotReady),
		errors.Is(err, sim.ErrStopped), errors.Is(err, node.ErrNoLink):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func fail(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), StatusFor(err))
}

// SendMessagePayload is the body of the messaging endpoints. To is ignored
// by broadcast.
type SendMessagePayload struct {
	From    uint32 `json:"from"`
	To      uint32 `json:"to"`
	Message string `json:"message"`
}

type sendFunc func(ctx context.Context, p SendMessagePayload) (int, error)

func sendHandler(send sendFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload SendMessagePayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id, err := send(r.Context(), payload)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, Result{MessageID: id})
	}
}

// BroadcastHandler makes a node send a text to everyone.
func BroadcastHandler(ctl Controller) http.HandlerFunc {
	return sendHandler(func(ctx context.Context, p SendMessagePayload) (int, error) {
		return ctl.Broadcast(ctx, p.From, p.Message)
	})
}

// SendMessageHandler makes a node send a direct text.
func SendMessageHandler(ctl Controller) http.HandlerFunc {
	return sendHandler(func(ctx context.Context, p SendMessagePayload) (int, error) {
		return ctl.DirectMessage(ctx, p.From, p.To, p.Message)
	})
}

func PingHandler(ctl Controller) http.HandlerFunc {
	return sendHandler(func(ctx context.Context, p SendMessagePayload) (int, error) {
		return ctl.Ping(ctx, p.From, p.To)
	})
}

func TracerouteHandler(ctl Controller) http.HandlerFunc {
	return sendHandler(func(ctx context.Context, p SendMessagePayload) (int, error) {
		return ctl.Traceroute(ctx, p.From, p.To)
	})
}

func RequestPositionHandler(ctl Controller) http.HandlerFunc {
	return sendHandler(func(ctx context.Context, p SendMessagePayload) (int, error) {
		return ctl.RequestPosition(ctx, p.From, p.To)
	})
}

// NodePayload names a single node.
type NodePayload struct {
	NodeID uint32 `json:"node_id"`
}

// LocalStatsHandler asks a node for its traffic counters.
func LocalStatsHandler(ctl Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload NodePayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		id, err := ctl.RequestLocalStats(r.Context(), payload.NodeID)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, Result{MessageID: id})
	}
}

// RemoveNodeHandler stops a node and removes it from the simulation.
func RemoveNodeHandler(ctl Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var payload NodePayload
		if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if err := ctl.RemoveNode(r.Context(), payload.NodeID); err != nil {
			fail(w, err)
			return
		}
		w.Write([]byte("Node removed from the network"))
	}
}

func ListNodesHandler(ctl Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nodes, err := ctl.Nodes(r.Context())
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, nodes)
	}
}

// RouteHandler returns the route of the message given by the id query
// parameter.
func RouteHandler(ctl Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.Atoi(r.URL.Query().Get("id"))
		if err != nil {
			http.Error(w, "Invalid message id", http.StatusBadRequest)
			return
		}
		route, err := ctl.Route(r.Context(), id)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, route)
	}
}

// CommandHandler accepts a generic Command envelope.
func CommandHandler(ctl Controller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var cmd Command
		if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		res, err := Dispatch(r.Context(), ctl, cmd)
		if err != nil {
			fail(w, err)
			return
		}
		writeJSON(w, res)
	}
}

// Register mounts every endpoint on mux.
func Register(mux *http.ServeMux, ctl Controller) {
	mux.HandleFunc("POST /command", CommandHandler(ctl))
	mux.HandleFunc("POST /nodeAPI/broadcast", BroadcastHandler(ctl))
	mux.HandleFunc("POST /nodeAPI/sendMessage", SendMessageHandler(ctl))
	mux.HandleFunc("POST /nodeAPI/ping", PingHandler(ctl))
	mux.HandleFunc("POST /nodeAPI/traceroute", TracerouteHandler(ctl))
	mux.HandleFunc("POST /nodeAPI/requestPosition", RequestPositionHandler(ctl))
	mux.HandleFunc("POST /nodeAPI/localStats", LocalStatsHandler(ctl))
	mux.HandleFunc("POST /nodeAPI/remove", RemoveNodeHandler(ctl))
	mux.HandleFunc("GET /nodeAPI/nodes", ListNodesHandler(ctl))
	mux.HandleFunc("GET /nodeAPI/route", RouteHandler(ctl))
}
