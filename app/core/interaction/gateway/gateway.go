// Package gateway fans inbound channel messages into the dispatcher
// and returns each reply to the channel it came from. Channel receive
// loops run under an errgroup; every inbound message is handled on its
// own goroutine, and ordering is the dispatcher's concern.
package gateway

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"elias/app/core/orchestrator/format"
	"elias/app/pkg/logger"
	"elias/app/pkg/types"
)

type Gateway struct {
	dispatcher types.Dispatcher

	mu       sync.RWMutex
	channels map[string]types.Channel
	tracer   TraceRecorder
	byState  map[string]uint64

	inflight sync.WaitGroup

	processed   uint64
	lastUnix    atomic.Int64
	startedUnix atomic.Int64
}

// Sequencer is implemented by dispatchers that reserve per-caller
// ordering at arrival time. When the registered dispatcher supports
// it, the gateway reserves each message's slot synchronously in the
// channel's receive loop rather than relying on goroutine scheduling.
type Sequencer interface {
	Sequence(msg types.Message) func(ctx context.Context) (types.Message, error)
}

// Status is a point-in-time gateway snapshot.
type Status struct {
	Started       bool
	StartedAt     time.Time
	Channels      []string
	Processed     uint64
	ByState       map[string]uint64 // dispatch counts keyed by terminal state
	LastMessageAt time.Time
}

func New(d types.Dispatcher) *Gateway {
	return &Gateway{
		dispatcher: d,
		channels:   make(map[string]types.Channel),
		byState:    make(map[string]uint64),
	}
}

func (g *Gateway) RegisterChannel(c types.Channel) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.channels[c.ID()] = c
	logger.Info("[Gateway] registered channel: %s", c.ID())
}

func (g *Gateway) SetTraceRecorder(tracer TraceRecorder) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.tracer = tracer
}

// Start runs every registered channel until ctx is canceled or a
// channel fails. A channel error stops the others and is returned;
// in-flight dispatches finish before Start returns.
func (g *Gateway) Start(ctx context.Context) error {
	g.mu.RLock()
	channels := make([]types.Channel, 0, len(g.channels))
	for _, c := range g.channels {
		channels = append(channels, c)
	}
	g.mu.RUnlock()

	if len(channels) == 0 {
		return fmt.Errorf("gateway has no registered channels")
	}
	g.startedUnix.Store(time.Now().Unix())

	sequencer, _ := g.dispatcher.(Sequencer)
	handler := func(msg types.Message) {
		if strings.TrimSpace(msg.RequestID) == "" {
			msg.RequestID = uuid.NewString()
		}
		// Reserve the sender's dispatch slot before spawning, so a
		// burst from one user keeps its arrival order even though each
		// message runs on its own goroutine.
		run := func(ctx context.Context) (types.Message, error) {
			return g.dispatcher.Dispatch(ctx, msg)
		}
		if sequencer != nil {
			run = sequencer.Sequence(msg)
		}
		g.inflight.Add(1)
		go func() {
			defer g.inflight.Done()
			g.handle(ctx, msg, run)
		}()
	}

	eg, ctx := errgroup.WithContext(ctx)
	for _, c := range channels {
		c := c
		eg.Go(func() error {
			err := c.Start(ctx, handler)
			if err != nil && ctx.Err() == nil {
				g.trace(types.Message{ChannelID: c.ID()}, "channel_disconnected", "error", err.Error())
				return fmt.Errorf("channel %s: %w", c.ID(), err)
			}
			return nil
		})
	}
	logger.Info("[Gateway] started %d channel(s)", len(channels))

	err := eg.Wait()
	g.inflight.Wait()
	return err
}

func (g *Gateway) handle(ctx context.Context, msg types.Message, run func(context.Context) (types.Message, error)) {
	atomic.AddUint64(&g.processed, 1)
	g.lastUnix.Store(time.Now().Unix())
	log := logger.With("request_id", msg.RequestID, "channel", msg.ChannelID, "user", msg.UserID)
	log.Infof("[Gateway] inbound message")
	g.trace(msg, "inbound_received", "ok", "")

	out, err := run(ctx)
	if err != nil {
		// The pipeline folds failures into reply text; an error here
		// means the dispatcher itself broke.
		log.Errorf("[Gateway] dispatch failed: %v", err)
		g.trace(msg, "dispatch", "error", err.Error())
		g.countState("FAILED")
		out = types.Message{Content: format.Failure(err)}
	} else {
		g.trace(out, "dispatch", "ok", "")
		g.countState(metaString(out.Meta, "dispatch_state"))
	}

	normalizeReply(&out, msg)
	if strings.TrimSpace(out.Content) == "" {
		return
	}

	channel, ok := g.channelByID(out.ChannelID)
	if !ok {
		log.Errorf("[Gateway] no channel %q for reply", out.ChannelID)
		g.trace(out, "deliver_reply", "error", "channel not found for reply")
		return
	}
	if err := channel.Send(ctx, out); err != nil {
		log.Errorf("[Gateway] send failed: %v", err)
		g.trace(out, "deliver_reply", "error", err.Error())
		return
	}
	g.trace(out, "deliver_reply", "ok", "")
}

func (g *Gateway) Status() Status {
	g.mu.RLock()
	channels := make([]string, 0, len(g.channels))
	for id := range g.channels {
		channels = append(channels, id)
	}
	byState := make(map[string]uint64, len(g.byState))
	for k, v := range g.byState {
		byState[k] = v
	}
	g.mu.RUnlock()
	sort.Strings(channels)

	status := Status{
		Channels:  channels,
		Processed: atomic.LoadUint64(&g.processed),
		ByState:   byState,
	}
	if started := g.startedUnix.Load(); started > 0 {
		status.Started = true
		status.StartedAt = time.Unix(started, 0).UTC()
	}
	if last := g.lastUnix.Load(); last > 0 {
		status.LastMessageAt = time.Unix(last, 0).UTC()
	}
	return status
}

func (g *Gateway) countState(state string) {
	if strings.TrimSpace(state) == "" {
		state = "UNKNOWN"
	}
	g.mu.Lock()
	g.byState[state]++
	g.mu.Unlock()
}

func (g *Gateway) channelByID(channelID string) (types.Channel, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	channel, exists := g.channels[channelID]
	return channel, exists
}

func (g *Gateway) trace(msg types.Message, event, status, detail string) {
	g.mu.RLock()
	tracer := g.tracer
	g.mu.RUnlock()
	if tracer == nil {
		return
	}
	err := tracer.Record(TraceEvent{
		RequestID: strings.TrimSpace(msg.RequestID),
		MessageID: strings.TrimSpace(msg.ID),
		ChannelID: strings.TrimSpace(msg.ChannelID),
		UserID:    strings.TrimSpace(msg.UserID),
		Event:     event,
		Status:    status,
		Detail:    strings.TrimSpace(detail),
	})
	if err != nil {
		logger.Warn("[Gateway] trace write failed: %v", err)
	}
}

func metaString(meta map[string]interface{}, key string) string {
	if len(meta) == 0 {
		return ""
	}
	value, _ := meta[key].(string)
	return strings.TrimSpace(value)
}

// normalizeReply fills reply routing fields from the request so
// channels always receive a deliverable message.
func normalizeReply(response *types.Message, request types.Message) {
	if response.ID == "" {
		response.ID = "resp-" + request.ID
	}
	if response.ChannelID == "" {
		response.ChannelID = request.ChannelID
	}
	if response.Role == "" {
		response.Role = types.MessageRoleAssistant
	}
	if response.UserID == "" {
		response.UserID = request.UserID
	}
	if response.ChatID == "" {
		response.ChatID = request.ChatID
	}
	if response.RequestID == "" {
		response.RequestID = request.RequestID
	}
	if response.Timestamp.IsZero() {
		response.Timestamp = time.Now()
	}
}
