// Package lighter reads liquidation trades from the Lighter websocket feed.
package lighter

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	appconfig "liqflow/config"
	liq "liqflow/internal/channel/liq"
	metrics "liqflow/internal/metrics"
	"liqflow/internal/models"
	"liqflow/logger"
)

// Resetter clears cached buckets. It runs after every successful connect,
// before the market subscriptions are sent.
type Resetter interface {
	ResetCache(ctx context.Context) (int64, error)
}

type subscribeRequest struct {
	Type    string `json:"type"`
	Channel string `json:"channel"`
}

// Reader keeps exactly one feed connection open. After a close it waits the
// reconnect delay and dials again; a new dial never starts before the
// previous connection and its keepalive goroutine are gone.
type Reader struct {
	feed     appconfig.FeedConfig
	channels *liq.Channels
	resetter Resetter
	dialer   *websocket.Dialer

	ctx     context.Context
	wg      *sync.WaitGroup
	mu      sync.RWMutex
	running bool
	log     *logger.Log

	state       atomic.Int32
	connections atomic.Int64
}

// NewReader builds a reader for cfg.Feed. resetter may be nil; it is only
// used when feed.reset_cache_on_start is set.
func NewReader(cfg *appconfig.Config, ch *liq.Channels, resetter Resetter) *Reader {
	return &Reader{
		feed:     cfg.Feed,
		channels: ch,
		resetter: resetter,
		dialer: &websocket.Dialer{
			Proxy:            websocket.DefaultDialer.Proxy,
			HandshakeTimeout: 10 * time.Second,
		},
		wg:  &sync.WaitGroup{},
		log: logger.GetLogger(),
	}
}

func (r *Reader) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("lighter reader already running")
	}
	r.running = true
	r.ctx = ctx
	r.mu.Unlock()

	r.log.WithComponent("lighter_reader").WithFields(logger.Fields{
		"operation": "start",
		"url":       r.feed.URL,
		"markets":   strings.Join(r.feed.Markets, ","),
	}).Info("starting lighter liquidation reader")

	r.wg.Add(1)
	go r.stream()
	return nil
}

// Stop waits for the stream goroutine. Cancel the start context first.
func (r *Reader) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()

	r.log.WithComponent("lighter_reader").Info("stopping lighter liquidation reader")
	r.wg.Wait()
	r.log.WithComponent("lighter_reader").Info("lighter liquidation reader stopped")
}

func (r *Reader) State() State {
	return State(r.state.Load())
}

// Connections counts successful dials since start.
func (r *Reader) Connections() int64 {
	return r.connections.Load()
}

func (r *Reader) setState(s State) {
	r.state.Store(int32(s))
	metrics.SetFeedState(int(s))
}

func (r *Reader) stream() {
	defer r.wg.Done()
	defer r.setState(StateDisconnected)

	log := r.log.WithComponent("lighter_reader")

	for {
		if r.ctx.Err() != nil {
			return
		}

		r.setState(StateConnecting)
		conn, _, err := r.dialer.DialContext(r.ctx, r.feed.URL, nil)
		if err != nil {
			r.setState(StateDisconnected)
			log.WithError(err).Warn("failed to connect to lighter websocket, retrying")
			if !r.wait() {
				return
			}
			continue
		}
		r.connections.Add(1)
		log.WithFields(logger.Fields{"connection": r.connections.Load()}).Info("connected to lighter websocket")

		if err := r.subscribe(conn); err != nil {
			_ = conn.Close()
			r.setState(StateDisconnected)
			log.WithError(err).Warn("failed to subscribe, reconnecting")
			if !r.wait() {
				return
			}
			continue
		}

		r.setState(StateProcessing)
		err = r.readLoop(conn)
		r.setState(StateDisconnected)
		if r.ctx.Err() != nil {
			return
		}
		log.WithError(err).WithFields(logger.Fields{
			"reconnect_delay": r.feed.ReconnectDelay.String(),
		}).Warn("lighter websocket closed, reconnecting")
		if !r.wait() {
			return
		}
	}
}

// wait sleeps for the reconnect delay. It reports false when the reader
// should exit instead.
func (r *Reader) wait() bool {
	select {
	case <-time.After(r.feed.ReconnectDelay):
		return true
	case <-r.ctx.Done():
		return false
	}
}

func (r *Reader) subscribe(conn *websocket.Conn) error {
	r.setState(StateSubscribed)
	log := r.log.WithComponent("lighter_reader")

	if r.feed.ResetCacheOnStart && r.resetter != nil {
		deleted, err := r.resetter.ResetCache(r.ctx)
		if err != nil {
			log.WithError(err).WithFields(logger.Fields{"deleted_keys": deleted}).Error("cache reset on connect failed")
		} else {
			log.WithFields(logger.Fields{"deleted_keys": deleted}).Info("cache reset on connect")
		}
	}

	for _, m := range r.feed.Markets {
		req := subscribeRequest{Type: "subscribe", Channel: "trade/" + m}
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := conn.WriteJSON(req); err != nil {
			return fmt.Errorf("subscribe %s: %w", req.Channel, err)
		}
	}
	_ = conn.SetWriteDeadline(time.Time{})

	log.WithFields(logger.Fields{"markets": strings.Join(r.feed.Markets, ",")}).Info("subscribed to lighter markets")
	return nil
}

// readLoop forwards frames until the connection fails or the context ends. It
// returns only after the connection is closed and the keepalive goroutine has
// exited.
func (r *Reader) readLoop(conn *websocket.Conn) error {
	readTimeout := r.feed.ReadTimeout
	pingInterval := r.feed.PingInterval

	if readTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(readTimeout))
		})
	}

	done := make(chan struct{})
	var keepalive sync.WaitGroup
	keepalive.Add(1)
	go func() {
		defer keepalive.Done()
		var tick <-chan time.Time
		if pingInterval > 0 {
			ticker := time.NewTicker(pingInterval)
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			select {
			case <-done:
				return
			case <-r.ctx.Done():
				_ = conn.Close()
				return
			case <-tick:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second)); err != nil {
					r.log.WithComponent("lighter_reader").WithError(err).Warn("failed to send ping")
					_ = conn.Close()
					return
				}
			}
		}
	}()

	var err error
	for {
		var payload []byte
		_, payload, err = conn.ReadMessage()
		if err != nil {
			break
		}
		r.forwardMessage(payload)
		// forwardMessage may wait on a full buffer; the deadline starts after it
		if readTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(readTimeout))
		}
	}

	close(done)
	_ = conn.Close()
	keepalive.Wait()
	return err
}

func (r *Reader) forwardMessage(payload []byte) {
	logger.IncrementFeedRead(len(payload))
	metrics.IncFeedMessage()

	msg := models.RawLiquidationMessage{
		Exchange:  models.ExchangeLighter,
		Data:      append([]byte(nil), payload...),
		Timestamp: time.Now(),
	}

	if !r.channels.SendRaw(r.ctx, msg) {
		r.log.WithComponent("lighter_reader").WithFields(logger.Fields{
			"payload_bytes": len(payload),
		}).Debug("shutting down with frame not handed off")
	}
}
