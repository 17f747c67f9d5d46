package ingestion

import (
	"context"
	"encoding/json"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/aristath/solearb/internal/domain"
)

// Reconnect constants for the klekt auction-listing stream.
const (
	klektBaseReconnectDelay = 5 * time.Second
	klektMaxReconnectDelay  = 5 * time.Minute
	dialTimeout             = 30 * time.Second
)

// KlektStream consumes klekt's auction-listing WebSocket push feed,
// normalizing each message into a PriceRecord the way the pull/webhook
// workers do. After a disconnect it reconnects at once; failed connection
// attempts are retried with exponential backoff.
type KlektStream struct {
	url       string
	sourceID  string
	normalize Normalizer
	matcher   Matcher
	store     PriceUpserter
	log       zerolog.Logger

	mu       sync.Mutex
	stopped  bool
	stopChan chan struct{}
}

// NewKlektStream constructs a KlektStream against url.
func NewKlektStream(url, sourceID string, m Matcher, store PriceUpserter, log zerolog.Logger) *KlektStream {
	return &KlektStream{
		url:       url,
		sourceID:  sourceID,
		normalize: NormalizerFor("klekt"),
		matcher:   m,
		store:     store,
		log:       log.With().Str("component", "ingestion.klekt_stream").Logger(),
		stopChan:  make(chan struct{}),
	}
}

// Run connects and reads until ctx is canceled, reconnecting on failure.
func (s *KlektStream) Run(ctx context.Context) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopChan:
			return
		default:
		}

		conn, err := s.connect(ctx)
		if err != nil {
			attempt++
			delay := klektBackoff(attempt)
			s.log.Warn().Err(err).Int("attempt", attempt).Dur("delay", delay).Msg("klekt stream connect failed, retrying")
			s.wait(ctx, delay)
			continue
		}

		attempt = 0
		s.readLoop(ctx, conn)
		_ = conn.Close(websocket.StatusNormalClosure, "reconnecting")
	}
}

// Stop halts the reconnect loop.
func (s *KlektStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stopChan)
}

func (s *KlektStream) connect(ctx context.Context) (*websocket.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, dialTimeout)
	defer cancel()
	conn, _, err := websocket.Dial(dialCtx, s.url, nil)
	if err != nil {
		return nil, err
	}
	return conn, nil
}

func (s *KlektStream) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		var fields map[string]any
		if err := wsjson.Read(ctx, conn, &fields); err != nil {
			s.log.Warn().Err(err).Msg("klekt stream read failed")
			return
		}
		if err := s.processMessage(ctx, fields); err != nil {
			s.log.Error().Err(err).Msg("failed to process klekt stream message")
		}
	}
}

func (s *KlektStream) processMessage(ctx context.Context, fields map[string]any) error {
	ev := RawEvent{SourceName: "klekt", SourceID: s.sourceID, SourceKind: domain.SourceKindAuction, ObservedAt: time.Now(), Fields: fields}
	normalized, err := s.normalize(ev)
	if err != nil {
		raw, _ := json.Marshal(fields)
		s.log.Warn().RawJSON("payload", raw).Err(err).Msg("unrecognized klekt message shape")
		return nil
	}

	productID, err := s.matcher.Match(ctx, normalized.Row)
	if err != nil {
		return err
	}
	if productID == "" {
		return nil
	}
	normalized.Record.ProductID = productID
	_, err = s.store.Upsert(ctx, normalized.Record)
	return err
}

func (s *KlektStream) wait(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-s.stopChan:
	case <-timer.C:
	}
}

func klektBackoff(attempt int) time.Duration {
	delay := float64(klektBaseReconnectDelay) * math.Pow(2, float64(attempt-1))
	if delay > float64(klektMaxReconnectDelay) {
		delay = float64(klektMaxReconnectDelay)
	}
	return time.Duration(delay)
}
