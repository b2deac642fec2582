package share

import (
	"context"
	"sync"

	"github.com/golang/glog"
	"github.com/pion/webrtc/v3"
)

type WebRtcSettings struct {
	IceServerUrls    []string
	DataChannelLabel string
}

func DefaultWebRtcSettings() *WebRtcSettings {
	return &WebRtcSettings{
		IceServerUrls: []string{
			"stun:stun.l.google.com:19302",
		},
		DataChannelLabel: "document",
	}
}

// default RtcFactory over pion data channels
type WebRtcFactory struct {
	settings *WebRtcSettings
}

func NewWebRtcFactoryWithDefaults() *WebRtcFactory {
	return NewWebRtcFactory(DefaultWebRtcSettings())
}

func NewWebRtcFactory(settings *WebRtcSettings) *WebRtcFactory {
	return &WebRtcFactory{
		settings: settings,
	}
}

func (self *WebRtcFactory) NewRtcPeer(ctx context.Context, initiator bool) (RtcPeer, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: self.settings.IceServerUrls,
			},
		},
	})
	if err != nil {
		return nil, err
	}

	peer := &webRtcPeer{
		ctx:            ctx,
		pc:             pc,
		iceCallbacks:   NewCallbackList[func(*IceCandidate)](),
		openCallbacks:  NewCallbackList[func()](),
		dataCallbacks:  NewCallbackList[func([]byte)](),
		drainCallbacks: NewCallbackList[func()](),
		closeCallbacks: NewCallbackList[func()](),
	}

	pc.OnICECandidate(func(candidate *webrtc.ICECandidate) {
		if candidate == nil {
			// end of candidates
			return
		}
		init := candidate.ToJSON()
		ice := &IceCandidate{
			Candidate: init.Candidate,
		}
		if init.SDPMid != nil {
			ice.SdpMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			ice.SdpMLineIndex = *init.SDPMLineIndex
		}
		for _, callback := range peer.iceCallbacks.Get() {
			callback(ice)
		}
	})
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
			peer.Close()
		}
	})

	if initiator {
		dc, err := pc.CreateDataChannel(self.settings.DataChannelLabel, nil)
		if err != nil {
			pc.Close()
			return nil, err
		}
		peer.setDataChannel(dc)
	} else {
		pc.OnDataChannel(func(dc *webrtc.DataChannel) {
			peer.setDataChannel(dc)
		})
	}

	return peer, nil
}

type webRtcPeer struct {
	ctx context.Context

	pc *webrtc.PeerConnection

	stateMutex sync.Mutex
	dc         *webrtc.DataChannel
	threshold  ByteCount
	closed     bool

	iceCallbacks   *CallbackList[func(*IceCandidate)]
	openCallbacks  *CallbackList[func()]
	dataCallbacks  *CallbackList[func([]byte)]
	drainCallbacks *CallbackList[func()]
	closeCallbacks *CallbackList[func()]
}

func (self *webRtcPeer) setDataChannel(dc *webrtc.DataChannel) {
	self.stateMutex.Lock()
	self.dc = dc
	threshold := self.threshold
	self.stateMutex.Unlock()

	if 0 < threshold {
		dc.SetBufferedAmountLowThreshold(uint64(threshold))
	}
	dc.OnBufferedAmountLow(func() {
		for _, callback := range self.drainCallbacks.Get() {
			callback()
		}
	})
	dc.OnOpen(func() {
		for _, callback := range self.openCallbacks.Get() {
			callback()
		}
	})
	dc.OnMessage(func(message webrtc.DataChannelMessage) {
		for _, callback := range self.dataCallbacks.Get() {
			callback(message.Data)
		}
	})
	dc.OnClose(func() {
		self.Close()
	})
}

func (self *webRtcPeer) CreateOffer() (string, error) {
	offer, err := self.pc.CreateOffer(nil)
	if err != nil {
		return "", err
	}
	if err := self.pc.SetLocalDescription(offer); err != nil {
		return "", err
	}
	return offer.SDP, nil
}

func (self *webRtcPeer) HandleOffer(sdp string) (string, error) {
	err := self.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  sdp,
	})
	if err != nil {
		return "", err
	}
	answer, err := self.pc.CreateAnswer(nil)
	if err != nil {
		return "", err
	}
	if err := self.pc.SetLocalDescription(answer); err != nil {
		return "", err
	}
	return answer.SDP, nil
}

func (self *webRtcPeer) HandleAnswer(sdp string) error {
	return self.pc.SetRemoteDescription(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  sdp,
	})
}

func (self *webRtcPeer) AddIceCandidate(candidate *IceCandidate) error {
	init := webrtc.ICECandidateInit{
		Candidate: candidate.Candidate,
	}
	if candidate.SdpMid != "" {
		sdpMid := candidate.SdpMid
		init.SDPMid = &sdpMid
	}
	sdpMLineIndex := candidate.SdpMLineIndex
	init.SDPMLineIndex = &sdpMLineIndex
	return self.pc.AddICECandidate(init)
}

func (self *webRtcPeer) Send(data []byte) error {
	self.stateMutex.Lock()
	dc := self.dc
	self.stateMutex.Unlock()
	if dc == nil {
		return ErrTransportClosed
	}
	return dc.Send(data)
}

func (self *webRtcPeer) BufferedAmount() ByteCount {
	self.stateMutex.Lock()
	dc := self.dc
	self.stateMutex.Unlock()
	if dc == nil {
		return 0
	}
	return ByteCount(dc.BufferedAmount())
}

func (self *webRtcPeer) SetBufferedAmountLowThreshold(threshold ByteCount) {
	self.stateMutex.Lock()
	self.threshold = threshold
	dc := self.dc
	self.stateMutex.Unlock()
	if dc != nil {
		dc.SetBufferedAmountLowThreshold(uint64(threshold))
	}
}

func (self *webRtcPeer) Close() {
	self.stateMutex.Lock()
	if self.closed {
		self.stateMutex.Unlock()
		return
	}
	self.closed = true
	self.stateMutex.Unlock()

	if err := self.pc.Close(); err != nil {
		glog.V(2).Infof("[pm]pc close = %s\n", err)
	}
	for _, callback := range self.closeCallbacks.Get() {
		callback()
	}
}

func (self *webRtcPeer) AddIceCandidateCallback(callback func(*IceCandidate)) func() {
	return self.iceCallbacks.Add(callback)
}

func (self *webRtcPeer) AddOpenCallback(callback func()) func() {
	return self.openCallbacks.Add(callback)
}

func (self *webRtcPeer) AddDataCallback(callback func([]byte)) func() {
	return self.dataCallbacks.Add(callback)
}

func (self *webRtcPeer) AddDrainCallback(callback func()) func() {
	return self.drainCallbacks.Add(callback)
}

func (self *webRtcPeer) AddCloseCallback(callback func()) func() {
	return self.closeCallbacks.Add(callback)
}
