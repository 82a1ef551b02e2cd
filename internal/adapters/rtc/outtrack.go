package rtc

import (
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
)

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
)

// OutTrack is one produced local track. Muted tracks drop written packets.
type OutTrack struct {
	Track *webrtc.TrackLocalStaticRTP
	state atomic.Int32
}

func NewOutTrack(track *webrtc.TrackLocalStaticRTP) *OutTrack {
	return &OutTrack{Track: track}
}

func (ot *OutTrack) State() TrackState {
	return TrackState(ot.state.Load())
}

func (ot *OutTrack) SetMuted(muted bool) {
	if muted {
		ot.state.Store(int32(TrackStateMuted))
		return
	}
	ot.state.Store(int32(TrackStateOk))
}

func (ot *OutTrack) WriteRTP(pkt *rtp.Packet) error {
	if ot.State() == TrackStateMuted {
		return nil
	}
	return ot.Track.WriteRTP(pkt)
}
