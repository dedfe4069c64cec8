package main

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mahaj/callrelay/pkg/model"
	"github.com/pion/webrtc/v4"
)

// callManager runs at most one call at a time. The media path is a single
// data channel, which is enough to prove the signaling end to end.
type callManager struct {
	conn    *conn
	servers []webrtc.ICEServer

	mu      sync.Mutex
	active  *call
	ringing *model.IncomingCall
}

type call struct {
	id     string
	peerID string
	pc     *webrtc.PeerConnection

	// Candidates that arrive before the remote description is set.
	pending   []webrtc.ICECandidateInit
	remoteSet bool
}

func newCallManager(c *conn, servers []webrtc.ICEServer) *callManager {
	return &callManager{conn: c, servers: servers}
}

func (m *callManager) newPeer(id, peerID string) (*call, error) {
	pc, err := webrtc.NewPeerConnection(webrtc.Configuration{ICEServers: m.servers})
	if err != nil {
		return nil, err
	}
	cl := &call{id: id, peerID: peerID, pc: pc}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		raw, err := json.Marshal(c.ToJSON())
		if err != nil {
			return
		}
		m.conn.emit(model.EventICECandidate, model.ICECandidate{ReceiverID: peerID, Candidate: raw, CallID: id})
	})
	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		fmt.Printf("\r* call %s: %s\n> ", id, s)
	})
	pc.OnDataChannel(func(dc *webrtc.DataChannel) {
		dc.OnMessage(func(msg webrtc.DataChannelMessage) {
			fmt.Printf("\r[p2p] %s\n> ", msg.Data)
		})
	})
	return cl, nil
}

func (m *callManager) call(peerID string) {
	if peerID == "" {
		fmt.Println("set a recipient with /to <userId>")
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil {
		fmt.Println("already in a call")
		return
	}

	id := fmt.Sprintf("call-%d", time.Now().UnixMilli())
	cl, err := m.newPeer(id, peerID)
	if err != nil {
		log.Printf("peer: %v", err)
		return
	}
	dc, err := cl.pc.CreateDataChannel("chat", nil)
	if err != nil {
		log.Printf("data channel: %v", err)
		cl.pc.Close()
		return
	}
	dc.OnOpen(func() { dc.SendText("hello over p2p") })

	offer, err := cl.pc.CreateOffer(nil)
	if err == nil {
		err = cl.pc.SetLocalDescription(offer)
	}
	if err != nil {
		log.Printf("offer: %v", err)
		cl.pc.Close()
		return
	}
	raw, _ := json.Marshal(offer)
	m.active = cl
	m.conn.emit(model.EventCallUser, model.CallUser{ReceiverID: peerID, Offer: raw, CallID: id})
	fmt.Printf("calling %s (%s)\n", peerID, id)
}

func (m *callManager) incoming(p model.IncomingCall) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ringing = &p
	fmt.Printf("\r* incoming call %s from %s, /answer or /reject\n", p.CallID, p.From.Username)
}

func (m *callManager) answer() {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := m.ringing
	if p == nil || m.active != nil {
		fmt.Println("nothing to answer")
		return
	}
	m.ringing = nil

	cl, err := m.newPeer(p.CallID, p.From.ID)
	if err != nil {
		log.Printf("peer: %v", err)
		return
	}
	var offer webrtc.SessionDescription
	if err := json.Unmarshal(p.Offer, &offer); err != nil {
		log.Printf("offer: %v", err)
		cl.pc.Close()
		return
	}
	if err := cl.setRemote(offer); err != nil {
		log.Printf("remote description: %v", err)
		cl.pc.Close()
		return
	}
	answer, err := cl.pc.CreateAnswer(nil)
	if err == nil {
		err = cl.pc.SetLocalDescription(answer)
	}
	if err != nil {
		log.Printf("answer: %v", err)
		cl.pc.Close()
		return
	}
	raw, _ := json.Marshal(answer)
	m.active = cl
	m.conn.emit(model.EventAnswerCall, model.AnswerCall{CallID: p.CallID, Answer: raw, ReceiverID: p.From.ID})
}

func (m *callManager) reject() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ringing == nil {
		fmt.Println("nothing to reject")
		return
	}
	p := m.ringing
	m.ringing = nil
	m.conn.emit(model.EventRejectCall, model.RejectCall{ReceiverID: p.From.ID, CallID: p.CallID})
}

func (m *callManager) answered(p model.CallAnswered) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.id != p.CallID {
		return
	}
	var answer webrtc.SessionDescription
	if err := json.Unmarshal(p.Answer, &answer); err != nil {
		log.Printf("answer: %v", err)
		return
	}
	if err := m.active.setRemote(answer); err != nil {
		log.Printf("remote description: %v", err)
	}
}

func (m *callManager) candidate(p model.ForwardedCandidate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.id != p.CallID {
		return
	}
	var init webrtc.ICECandidateInit
	if err := json.Unmarshal(p.Candidate, &init); err != nil {
		return
	}
	if !m.active.remoteSet {
		m.active.pending = append(m.active.pending, init)
		return
	}
	if err := m.active.pc.AddICECandidate(init); err != nil {
		log.Printf("candidate: %v", err)
	}
}

func (m *callManager) hangup() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil {
		return
	}
	m.conn.emit(model.EventEndCall, model.EndCall{ReceiverID: m.active.peerID, CallID: m.active.id})
	m.active.pc.Close()
	m.active = nil
}

// closeCall tears down callID after the server reported it over.
func (m *callManager) closeCall(callID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.ringing != nil && m.ringing.CallID == callID {
		m.ringing = nil
	}
	if m.active != nil && m.active.id == callID {
		m.active.pc.Close()
		m.active = nil
	}
}

func (c *call) setRemote(desc webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	c.remoteSet = true
	for _, init := range c.pending {
		if err := c.pc.AddICECandidate(init); err != nil {
			log.Printf("candidate: %v", err)
		}
	}
	c.pending = nil
	return nil
}
