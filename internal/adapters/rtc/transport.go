package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"

	"github.com/dkeye/Voice/internal/core"
	"github.com/dkeye/Voice/internal/proto"
)

var (
	ErrWrongDirection  = errors.New("rtc: wrong transport direction")
	ErrNoNegotiator    = errors.New("rtc: transport has no connect handler")
	ErrNoCodec         = errors.New("rtc: no negotiated codec for kind")
	ErrUnknownProducer = errors.New("rtc: unknown producer")
)

var _ core.EngineTransport = (*Transport)(nil)

// Transport is one PeerConnection. Every added track or transceiver is
// renegotiated with a fresh offer through OnConnect.
type Transport struct {
	id     string
	dir    proto.Direction
	engine *Engine
	pc     *webrtc.PeerConnection
	logger zerolog.Logger

	onConnect core.NegotiateFunc
	onProduce core.NegotiateFunc

	negMu sync.Mutex

	mu        sync.Mutex
	tracks    map[string]*OutTrack
	consumers map[string]*webrtc.RTPTransceiver
}

func (t *Transport) ID() string                 { return t.id }
func (t *Transport) Direction() proto.Direction { return t.dir }

func (t *Transport) OnConnect(fn core.NegotiateFunc) { t.onConnect = fn }
func (t *Transport) OnProduce(fn core.NegotiateFunc) { t.onProduce = fn }

func (t *Transport) start() {
	t.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		t.logger.Info().Str("peer_connection_state", s.String()).Msg("Peer state")
	})

	t.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		producerID := t.producerOf(receiver)
		t.logger.Info().
			Str("producer_id", producerID).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")

		t.engine.mu.Lock()
		fn := t.engine.onTrack
		t.engine.mu.Unlock()
		if fn != nil {
			fn(producerID, track, receiver)
		}
	})
}

func (t *Transport) producerOf(receiver *webrtc.RTPReceiver) string {
	t.mu.Lock()
	defer t.mu.Unlock()
	for id, tr := range t.consumers {
		if tr.Receiver() == receiver {
			return id
		}
	}
	return ""
}

// negotiate runs one offer/answer round through OnConnect.
func (t *Transport) negotiate(ctx context.Context) error {
	if t.onConnect == nil {
		return ErrNoNegotiator
	}
	t.negMu.Lock()
	defer t.negMu.Unlock()

	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return fmt.Errorf("rtc: create offer: %w", err)
	}
	gatherComplete := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("rtc: set local description: %w", err)
	}
	select {
	case <-gatherComplete:
	case <-ctx.Done():
		return ctx.Err()
	}

	params, err := json.Marshal(t.pc.LocalDescription())
	if err != nil {
		return err
	}
	raw, err := t.onConnect(ctx, params)
	if err != nil {
		return fmt.Errorf("rtc: connect transport %s: %w", t.id, err)
	}

	var reply proto.TransportConnected
	if err := json.Unmarshal(raw, &reply); err != nil {
		return fmt.Errorf("rtc: parse connect reply: %w", err)
	}
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(reply.Params, &answer); err != nil {
		return fmt.Errorf("rtc: parse answer: %w", err)
	}
	if answer.Type == webrtc.SDPTypeUnknown {
		answer.Type = webrtc.SDPTypeAnswer
	}
	if err := t.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("rtc: set remote description: %w", err)
	}
	return nil
}

// Produce adds a local track, renegotiates and asks the server for its
// producer id. Media is pushed afterwards with WriteRTP.
func (t *Transport) Produce(ctx context.Context, opts core.ProduceOptions) (string, error) {
	if t.dir != proto.DirectionSend {
		return "", ErrWrongDirection
	}
	if t.onProduce == nil {
		return "", ErrNoNegotiator
	}
	codec, ok := t.engine.codecFor(opts.Kind, opts.MimeType)
	if !ok {
		return "", fmt.Errorf("%w %q", ErrNoCodec, opts.Kind)
	}
	opts.MimeType = codec.MimeType
	if opts.TrackID == "" {
		opts.TrackID = opts.Kind + "-" + uuid.NewString()
	}
	if opts.StreamID == "" {
		opts.StreamID = "voice"
	}

	track, err := webrtc.NewTrackLocalStaticRTP(codec.capability(), opts.TrackID, opts.StreamID)
	if err != nil {
		return "", fmt.Errorf("rtc: new track: %w", err)
	}
	sender, err := t.pc.AddTrack(track)
	if err != nil {
		return "", fmt.Errorf("rtc: add track: %w", err)
	}
	go drainRTCP(sender)

	fail := func(err error) (string, error) {
		if rmErr := t.pc.RemoveTrack(sender); rmErr != nil {
			t.logger.Warn().Err(rmErr).Str("track_id", opts.TrackID).Msg("remove track")
		}
		return "", err
	}

	if err := t.negotiate(ctx); err != nil {
		return fail(err)
	}
	params, err := json.Marshal(opts)
	if err != nil {
		return fail(err)
	}
	raw, err := t.onProduce(ctx, params)
	if err != nil {
		return fail(fmt.Errorf("rtc: produce: %w", err))
	}
	var produced proto.Produced
	if err := json.Unmarshal(raw, &produced); err != nil {
		return fail(fmt.Errorf("rtc: parse produce reply: %w", err))
	}
	if produced.ProducerID == "" {
		return fail(errors.New("rtc: produce reply without producer id"))
	}

	t.mu.Lock()
	t.tracks[produced.ProducerID] = NewOutTrack(track)
	t.mu.Unlock()

	t.logger.Info().Str("producer_id", produced.ProducerID).Str("mime_type", opts.MimeType).Msg("track produced")
	return produced.ProducerID, nil
}

// drainRTCP keeps the interceptors fed until the sender stops.
func drainRTCP(sender *webrtc.RTPSender) {
	buf := make([]byte, 1500)
	for {
		if _, _, err := sender.Read(buf); err != nil {
			return
		}
	}
}

// WriteRTP pushes one packet of a produced track.
func (t *Transport) WriteRTP(producerID string, pkt *rtp.Packet) error {
	t.mu.Lock()
	track, ok := t.tracks[producerID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w %s", ErrUnknownProducer, producerID)
	}
	return track.WriteRTP(pkt)
}

// Mute stops forwarding packets of a produced track without renegotiating.
func (t *Transport) Mute(producerID string, muted bool) error {
	t.mu.Lock()
	track, ok := t.tracks[producerID]
	t.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w %s", ErrUnknownProducer, producerID)
	}
	track.SetMuted(muted)
	t.logger.Info().Str("producer_id", producerID).Bool("muted", muted).Msg("track mute")
	return nil
}

// Consume adds a receive-only transceiver for a remote producer.
func (t *Transport) Consume(ctx context.Context, c proto.Consumed) error {
	if t.dir != proto.DirectionRecv {
		return ErrWrongDirection
	}
	kind := webrtc.NewRTPCodecType(c.Kind)
	if kind == 0 {
		kind = webrtc.RTPCodecTypeAudio
	}

	tr, err := t.pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	})
	if err != nil {
		return fmt.Errorf("rtc: add transceiver: %w", err)
	}
	t.mu.Lock()
	t.consumers[c.ProducerID] = tr
	t.mu.Unlock()

	if err := t.negotiate(ctx); err != nil {
		t.mu.Lock()
		delete(t.consumers, c.ProducerID)
		t.mu.Unlock()
		_ = tr.Stop()
		return err
	}
	t.logger.Info().Str("producer_id", c.ProducerID).Str("kind", kind.String()).Msg("consuming")
	return nil
}

func (t *Transport) CloseConsumer(producerID string) error {
	t.mu.Lock()
	tr, ok := t.consumers[producerID]
	delete(t.consumers, producerID)
	t.mu.Unlock()
	if !ok {
		return nil
	}
	return tr.Stop()
}

func (t *Transport) Close() error {
	if err := t.pc.Close(); err != nil {
		t.logger.Error().Err(err).Msg("close error")
		return err
	}
	t.logger.Info().Msg("closed")
	return nil
}
