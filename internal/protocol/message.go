// Package protocol defines the control messages and binary frames exchanged
// between peers and the relay.
package protocol

import (
	"encoding/json"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// MessageType names a JSON control message.
type MessageType string

const (
	TypeSelfIdentity     MessageType = "self-identity"
	TypeICEServers       MessageType = "ice-servers"
	TypeSetRole          MessageType = "set-role"
	TypeRoleConfirmed    MessageType = "role-confirmed"
	TypePeerList         MessageType = "peer-list"
	TypeOffer            MessageType = "offer"
	TypeAnswer           MessageType = "answer"
	TypeCandidate        MessageType = "candidate"
	TypeTransferRequest  MessageType = "transfer-request"
	TypeTransferAccepted MessageType = "transfer-accepted"
	TypeTransferRejected MessageType = "transfer-rejected"
	TypeTransferIncoming MessageType = "transfer-incoming"
	TypeChunkAck         MessageType = "chunk-ack"
	TypeTransferDone     MessageType = "transfer-done"
	TypeTransferCancel   MessageType = "transfer-cancel"
)

// Role is what a peer declared itself to be.
type Role string

const (
	RoleNone     Role = "none"
	RoleSender   Role = "sender"
	RoleReceiver Role = "receiver"
)

// ParseRole accepts only the roles a peer may declare.
func ParseRole(s string) (Role, bool) {
	switch r := Role(s); r {
	case RoleSender, RoleReceiver:
		return r, true
	default:
		return RoleNone, false
	}
}

// Mode selects how chunks travel once the relay accepted a transfer.
type Mode string

const (
	ModeDirect  Mode = "direct"
	ModeRelayed Mode = "relayed"
)

// AckStatus is the relay's verdict on one forwarded chunk.
type AckStatus string

const (
	AckOK     AckStatus = "ok"
	AckNoPeer AckStatus = "no-peer"
)

// Rejection reasons carried by transfer-rejected and transfer-cancel.
const (
	ReasonBusy         = "busy"
	ReasonNoPeer       = "no-peer"
	ReasonNotReceiver  = "not-receiver"
	ReasonReceiverBusy = "receiver-busy"
	ReasonIdle         = "idle"
	ReasonDisconnected = "disconnected"
)

// PeerInfo is the public part of a peer as listed in a directory view.
type PeerInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

var validate = validator.New()

// FileMeta describes the file announced by a transfer request.
type FileMeta struct {
	FileName string `json:"fileName" validate:"required,max=255"`
	FileSize int64  `json:"fileSize" validate:"gte=0"`
	FileType string `json:"fileType,omitempty"`
}

// Validate reports whether the metadata is usable for a transfer.
func (m FileMeta) Validate() error {
	if err := validate.Struct(m); err != nil {
		return fmt.Errorf("invalid file metadata: %w", err)
	}
	return nil
}

// ICEServer is one network-traversal server descriptor. URLs may arrive
// either as a single string or as a list.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

func (s *ICEServer) UnmarshalJSON(data []byte) error {
	var raw struct {
		URLs       json.RawMessage `json:"urls"`
		Username   string          `json:"username"`
		Credential string          `json:"credential"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	s.Username = raw.Username
	s.Credential = raw.Credential
	s.URLs = nil

	if len(raw.URLs) == 0 {
		return nil
	}

	var single string
	if err := json.Unmarshal(raw.URLs, &single); err == nil {
		if single != "" {
			s.URLs = []string{single}
		}
		return nil
	}
	return json.Unmarshal(raw.URLs, &s.URLs)
}

// Message is the JSON envelope for every control message. Only the fields
// relevant to Type are set.
type Message struct {
	Type MessageType `json:"type"`

	// self-identity
	ID   string `json:"id,omitempty"`
	Name string `json:"name,omitempty"`

	// set-role, role-confirmed
	Role Role `json:"role,omitempty"`

	Peers      []PeerInfo  `json:"peers,omitempty"`
	ICEServers []ICEServer `json:"iceServers,omitempty"`

	// Routing. TargetID is set by the origin, FromID by the relay.
	TargetID string `json:"targetId,omitempty"`
	FromID   string `json:"fromId,omitempty"`
	FromName string `json:"fromName,omitempty"`

	SDP       string `json:"sdp,omitempty"`
	Candidate string `json:"candidate,omitempty"`

	SessionID  string    `json:"sessionId,omitempty"`
	Mode       Mode      `json:"mode,omitempty"`
	Meta       *FileMeta `json:"meta,omitempty"`
	ChunkIndex uint32    `json:"chunkIndex,omitempty"`
	Status     AckStatus `json:"status,omitempty"`
	Reason     string    `json:"reason,omitempty"`
}
