package stream

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"gopkg.in/hraban/opus.v2"

	"github.com/satindergrewal/beatbridge/internal/audio"
)

// WebRTCHandler serves WebRTC SDP negotiation. Peers receive broadcast
// values as JSON on any data channel they open and, when an audio source is
// set, the Opus encoded click on an audio track.
type WebRTCHandler[T any] struct {
	events *Broadcaster[T]
	audio  *Broadcaster[[]int16]
	log    *slog.Logger

	mu    sync.Mutex
	peers []*webrtc.PeerConnection
}

// NewWebRTCHandler creates a WebRTC handler. clicks may be nil.
func NewWebRTCHandler[T any](events *Broadcaster[T], clicks *Broadcaster[[]int16], log *slog.Logger) *WebRTCHandler[T] {
	return &WebRTCHandler[T]{
		events: events,
		audio:  clicks,
		log:    log,
	}
}

// PeerCount returns the number of active WebRTC peers.
func (h *WebRTCHandler[T]) PeerCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.peers)
}

func (h *WebRTCHandler[T]) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "POST")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
		w.WriteHeader(http.StatusOK)
		return
	}

	if r.Method != http.MethodPost {
		http.Error(w, "POST required", http.StatusMethodNotAllowed)
		return
	}

	var offer webrtc.SessionDescription
	if err := json.NewDecoder(r.Body).Decode(&offer); err != nil {
		http.Error(w, "invalid SDP offer", http.StatusBadRequest)
		return
	}

	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		http.Error(w, "create peer connection failed", http.StatusInternalServerError)
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	fail := func(msg string, code int) {
		cancel()
		pc.Close()
		http.Error(w, msg, code)
	}

	var audioTrack *webrtc.TrackLocalStaticSample
	if h.audio != nil {
		audioTrack, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus},
			"audio",
			"beatbridge-click",
		)
		if err != nil {
			fail("create audio track failed", http.StatusInternalServerError)
			return
		}
		if _, err := pc.AddTrack(audioTrack); err != nil {
			fail("add track failed", http.StatusInternalServerError)
			return
		}
	}

	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnOpen(func() { go h.eventsToChannel(ctx, dc) })
	})

	if err := pc.SetRemoteDescription(offer); err != nil {
		fail("set remote description failed", http.StatusBadRequest)
		return
	}

	answer, err := pc.CreateAnswer(nil)
	if err != nil {
		fail("create answer failed", http.StatusInternalServerError)
		return
	}

	if err := pc.SetLocalDescription(answer); err != nil {
		fail("set local description failed", http.StatusInternalServerError)
		return
	}

	// Wait for ICE gathering to complete
	<-webrtc.GatheringCompletePromise(pc)

	h.mu.Lock()
	h.peers = append(h.peers, pc)
	h.mu.Unlock()

	h.log.Info("WebRTC peer connected", "total", h.PeerCount())

	if audioTrack != nil {
		go h.clicksToPeer(ctx, audioTrack)
	}

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		if s == webrtc.PeerConnectionStateFailed ||
			s == webrtc.PeerConnectionStateClosed ||
			s == webrtc.PeerConnectionStateDisconnected {
			cancel()
			if h.removePeer(pc) {
				pc.Close()
				h.log.Info("WebRTC peer disconnected", "remaining", h.PeerCount())
			}
		}
	})

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Access-Control-Allow-Origin", "*")
	json.NewEncoder(w).Encode(pc.LocalDescription())
}

// eventsToChannel forwards broadcast values to an open data channel until
// either side goes away.
func (h *WebRTCHandler[T]) eventsToChannel(ctx context.Context, dc *webrtc.DataChannel) {
	listener := h.events.Subscribe()
	defer h.events.Unsubscribe(listener)

	for {
		select {
		case <-ctx.Done():
			return
		case v := <-listener.C:
			data, err := json.Marshal(v)
			if err != nil {
				continue
			}
			if err := dc.SendText(string(data)); err != nil {
				return
			}
		}
	}
}

func (h *WebRTCHandler[T]) clicksToPeer(ctx context.Context, track *webrtc.TrackLocalStaticSample) {
	listener := h.audio.Subscribe()
	defer h.audio.Unsubscribe(listener)

	enc, err := opus.NewEncoder(audio.SampleRate, audio.Channels, opus.AppAudio)
	if err != nil {
		h.log.Error("opus encoder", "err", err)
		return
	}
	enc.SetBitrate(64000)

	opusBuf := make([]byte, 4000)

	for {
		select {
		case <-ctx.Done():
			return
		case frame := <-listener.C:
			n, err := enc.Encode(frame, opusBuf)
			if err != nil {
				h.log.Debug("opus encode", "err", err)
				continue
			}
			if err := track.WriteSample(media.Sample{
				Data:     opusBuf[:n],
				Duration: audio.FrameDuration,
			}); err != nil {
				return
			}
		}
	}
}

// Close closes every peer connection.
func (h *WebRTCHandler[T]) Close() error {
	h.mu.Lock()
	peers := h.peers
	h.peers = nil
	h.mu.Unlock()
	for _, pc := range peers {
		pc.Close()
	}
	return nil
}

func (h *WebRTCHandler[T]) removePeer(pc *webrtc.PeerConnection) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, p := range h.peers {
		if p == pc {
			h.peers = append(h.peers[:i], h.peers[i+1:]...)
			return true
		}
	}
	return false
}
