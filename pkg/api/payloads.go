package api

// DisplayState mirrors the visibility of a phone context.
type DisplayState string

const (
	StateActive  DisplayState = "active"
	StateVisible DisplayState = "visible"
	StateHidden  DisplayState = "hidden"
	StateClosing DisplayState = "closing"
)

// CapabilityPermission says whether a peer holds the media device permission.
type CapabilityPermission string

const (
	CapNotRequested CapabilityPermission = "not_requested"
	CapGranted      CapabilityPermission = "granted"
	CapDenied       CapabilityPermission = "denied"
	CapPending      CapabilityPermission = "pending"
)

type (
	JoinRequest struct {
		PeerID       string               `json:"peer_id,omitempty"`
		DisplayState DisplayState         `json:"display_state"`
		Capability   CapabilityPermission `json:"capability"`
		UserAgent    string               `json:"user_agent,omitempty"`
	}
	JoinReply struct {
		PeerID   string `json:"peer_id"`
		LeaderID string `json:"leader_id,omitempty"`
	}
	UpdateStateRequest struct {
		DisplayState *DisplayState         `json:"display_state,omitempty"`
		Capability   *CapabilityPermission `json:"capability,omitempty"`
	}
	SelectedNotice struct {
		PeerID string `json:"peer_id"`
	}
	PeerInfo struct {
		PeerID          string               `json:"peer_id"`
		DisplayState    DisplayState         `json:"display_state"`
		Capability      CapabilityPermission `json:"capability"`
		HandlingSession bool                 `json:"handling_session,omitempty"`
		SessionID       string               `json:"session_id,omitempty"`
	}
	PeerList struct {
		Peers    []PeerInfo `json:"peers"`
		LeaderID string     `json:"leader_id,omitempty"`
	}
)

// MediaConstraints narrows what the capability engine should capture.
type MediaConstraints struct {
	Audio bool `json:"audio"`
	Video bool `json:"video,omitempty"`
}

type (
	DescriptionRequest struct {
		SessionID   string           `json:"session_id"`
		Constraints MediaConstraints `json:"constraints"`
	}
	// Description is the negotiation artifact produced or consumed by the
	// elected peer's capability engine.
	Description struct {
		Kind string `json:"kind"` // offer | answer
		SDP  string `json:"sdp"`
	}
	RemoteDescriptionRequest struct {
		SessionID   string      `json:"session_id"`
		Description Description `json:"description"`
	}
	CandidateNotice struct {
		SessionID     string `json:"session_id"`
		Candidate     string `json:"candidate"`
		SDPMid        string `json:"sdp_mid,omitempty"`
		SDPMLineIndex uint16 `json:"sdp_mline_index,omitempty"`
	}
	SessionNotice struct {
		SessionID string `json:"session_id"`
		State     string `json:"state"`
		Code      int    `json:"code,omitempty"`
		Reason    string `json:"reason,omitempty"`
	}
)
