package main

import (
	"net/http"

	"github.com/pion/webrtc/v4"
)

type ClientConfigResponse struct {
	PublicDomain *string            `json:"publicDomain"`
	APIURL       *string            `json:"apiUrl"`
	WSURL        *string            `json:"wsUrl"`
	TURNServers  []webrtc.ICEServer `json:"turnServers"`
}

// iceConfig tells browser clients where the services live and which TURN
// servers to hand to RTCPeerConnection. Unset values are null.
func (s *Server) iceConfig(w http.ResponseWriter, r *http.Request) {
	resp := ClientConfigResponse{TURNServers: []webrtc.ICEServer{}}

	if domain := s.client.PublicDomain; domain != "" {
		api := "https://" + domain + "/api"
		ws := "https://" + domain
		resp.PublicDomain = &domain
		resp.APIURL = &api
		resp.WSURL = &ws
	}

	if s.client.TURNServerURL != "" {
		resp.TURNServers = append(resp.TURNServers, webrtc.ICEServer{
			URLs:           []string{s.client.TURNServerURL},
			Username:       s.client.TURNUsername,
			Credential:     s.client.TURNPassword,
			CredentialType: webrtc.ICECredentialTypePassword,
		})
	}

	writeJSON(w, http.StatusOK, resp)
}
