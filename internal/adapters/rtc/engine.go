// Package rtc implements core.MediaEngine on pion/webrtc. Each engine
// transport is one PeerConnection negotiated client-offer/server-answer
// through the transport's OnConnect callback.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Voice/internal/core"
	"github.com/dkeye/Voice/internal/proto"
)

var ErrNotLoaded = errors.New("rtc: engine not initialized")

var _ core.MediaEngine = (*Engine)(nil)

// Codec is one entry of the server's rtpCapabilities.codecs list.
type Codec struct {
	MimeType    string `json:"mimeType"`
	ClockRate   uint32 `json:"clockRate"`
	Channels    uint16 `json:"channels,omitempty"`
	PayloadType uint8  `json:"payloadType,omitempty"`
	SDPFmtpLine string `json:"sdpFmtpLine,omitempty"`
}

func (c Codec) kind() (webrtc.RTPCodecType, bool) {
	switch {
	case strings.HasPrefix(strings.ToLower(c.MimeType), "audio/"):
		return webrtc.RTPCodecTypeAudio, true
	case strings.HasPrefix(strings.ToLower(c.MimeType), "video/"):
		return webrtc.RTPCodecTypeVideo, true
	}
	return 0, false
}

func (c Codec) capability() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:    c.MimeType,
		ClockRate:   c.ClockRate,
		Channels:    c.Channels,
		SDPFmtpLine: c.SDPFmtpLine,
	}
}

type Capabilities struct {
	Codecs []Codec `json:"codecs"`
}

var supported = []string{
	webrtc.MimeTypeOpus,
	webrtc.MimeTypePCMU,
	webrtc.MimeTypePCMA,
	webrtc.MimeTypeG722,
	webrtc.MimeTypeVP8,
	webrtc.MimeTypeVP9,
	webrtc.MimeTypeH264,
	webrtc.MimeTypeAV1,
}

func isSupported(mime string) bool {
	for _, m := range supported {
		if strings.EqualFold(m, mime) {
			return true
		}
	}
	return false
}

type Config struct {
	ICEServers []string
	Logger     *zerolog.Logger
}

func DefaultConfig() Config {
	return Config{ICEServers: []string{"stun:stun.l.google.com:19302"}}
}

// TrackHandler receives remote media for a consumed producer.
type TrackHandler func(producerID string, track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver)

type Engine struct {
	cfg    webrtc.Configuration
	logger zerolog.Logger

	mu      sync.Mutex
	api     *webrtc.API
	codecs  []Codec
	onTrack TrackHandler
}

func NewEngine(cfg Config) *Engine {
	logger := log.With().Str("module", "webrtc").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}
	var pc webrtc.Configuration
	if len(cfg.ICEServers) > 0 {
		pc.ICEServers = []webrtc.ICEServer{{URLs: cfg.ICEServers}}
	}
	return &Engine{cfg: pc, logger: logger}
}

// OnTrack sets the callback for remote tracks of every recv transport.
func (e *Engine) OnTrack(fn TrackHandler) {
	e.mu.Lock()
	e.onTrack = fn
	e.mu.Unlock()
}

// Initialize registers every offered codec pion can handle. An offer
// without any such codec yields core.ErrEngineUnsupported.
func (e *Engine) Initialize(_ context.Context, raw json.RawMessage) error {
	var caps Capabilities
	if err := json.Unmarshal(raw, &caps); err != nil {
		return fmt.Errorf("rtc: parse capabilities: %w", err)
	}

	me := &webrtc.MediaEngine{}
	var registered []Codec
	nextPT := uint8(96)
	for _, c := range caps.Codecs {
		kind, ok := c.kind()
		if !ok || !isSupported(c.MimeType) {
			e.logger.Debug().Str("mime_type", c.MimeType).Msg("skipping codec")
			continue
		}
		pt := c.PayloadType
		if pt == 0 && !strings.EqualFold(c.MimeType, webrtc.MimeTypePCMU) {
			pt = nextPT
			nextPT++
		}
		if c.ClockRate == 0 {
			c.ClockRate = defaultClockRate(kind)
		}
		params := webrtc.RTPCodecParameters{
			RTPCodecCapability: c.capability(),
			PayloadType:        webrtc.PayloadType(pt),
		}
		if err := me.RegisterCodec(params, kind); err != nil {
			e.logger.Warn().Err(err).Str("mime_type", c.MimeType).Msg("register codec")
			continue
		}
		c.PayloadType = pt
		registered = append(registered, c)
	}
	if len(registered) == 0 {
		return fmt.Errorf("%w: no usable codec among %d offered", core.ErrEngineUnsupported, len(caps.Codecs))
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(me, ir); err != nil {
		return fmt.Errorf("rtc: register interceptors: %w", err)
	}

	e.mu.Lock()
	e.api = webrtc.NewAPI(webrtc.WithMediaEngine(me), webrtc.WithInterceptorRegistry(ir))
	e.codecs = registered
	e.mu.Unlock()

	e.logger.Info().Int("codecs", len(registered)).Msg("engine loaded")
	return nil
}

func defaultClockRate(kind webrtc.RTPCodecType) uint32 {
	if kind == webrtc.RTPCodecTypeAudio {
		return 48000
	}
	return 90000
}

func (e *Engine) Loaded() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.api != nil
}

func (e *Engine) Capabilities() json.RawMessage {
	e.mu.Lock()
	codecs := append([]Codec(nil), e.codecs...)
	e.mu.Unlock()
	b, _ := json.Marshal(Capabilities{Codecs: codecs})
	return b
}

// codecFor picks the codec to send for kind, preferring mime when set.
func (e *Engine) codecFor(kind, mime string) (Codec, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, c := range e.codecs {
		k, _ := c.kind()
		if k.String() == kind && (mime == "" || strings.EqualFold(c.MimeType, mime)) {
			return c, true
		}
	}
	return Codec{}, false
}

func (e *Engine) CreateSendTransport(info proto.TransportInfo) (core.EngineTransport, error) {
	t, err := e.newTransport(info, proto.DirectionSend)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (e *Engine) CreateRecvTransport(info proto.TransportInfo) (core.EngineTransport, error) {
	t, err := e.newTransport(info, proto.DirectionRecv)
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (e *Engine) newTransport(info proto.TransportInfo, dir proto.Direction) (*Transport, error) {
	e.mu.Lock()
	api := e.api
	e.mu.Unlock()
	if api == nil {
		return nil, ErrNotLoaded
	}

	pc, err := api.NewPeerConnection(e.cfg)
	if err != nil {
		return nil, fmt.Errorf("rtc: new peer connection: %w", err)
	}
	t := &Transport{
		id:        info.ID,
		dir:       dir,
		engine:    e,
		pc:        pc,
		logger:    e.logger.With().Str("transport_id", info.ID).Str("direction", string(dir)).Logger(),
		tracks:    make(map[string]*OutTrack),
		consumers: make(map[string]*webrtc.RTPTransceiver),
	}
	t.start()
	return t, nil
}
