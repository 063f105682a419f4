// Package request contains the events a client sends to the relay.
package request

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/pion/webrtc/v4"
)

// Constants for outbound event names. Call events are built with CallEvent.
const (
	CONNECT      = "connect"
	SEND_MESSAGE = "send-message"
	TYPING       = "typing"
	ICE          = "ice-candidate"
)

// Call event actions.
const (
	CallRequest = "call-request"
	CallAnswer  = "call-answer"
	CallReject  = "call-reject"
	CallEnd     = "call-end"
)

// Common is the envelope every frame on the socket is wrapped in.
type Common struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewCommon marshals payload into an envelope for event.
func NewCommon(event string, payload any) (Common, error) {
	if payload == nil {
		return Common{Event: event}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Common{}, fmt.Errorf("marshal %s payload: %w", event, err)
	}
	return Common{Event: event, Data: data}, nil
}

// CallEvent returns the wire name of a call event, e.g. "video-call-request".
func CallEvent(kind, action string) string {
	return kind + "-" + action
}

// ParseCallEvent splits a call event name into its kind and action.
func ParseCallEvent(event string) (kind, action string, ok bool) {
	kind, action, ok = strings.Cut(event, "-")
	if !ok || (kind != "video" && kind != "voice") {
		return "", "", false
	}
	switch action {
	case CallRequest, CallAnswer, CallReject, CallEnd:
		return kind, action, true
	}
	return "", "", false
}

// Connect authenticates the socket. It must be the first frame sent.
type Connect struct {
	Token       string `json:"token"`
	UserType    string `json:"userType"`
	DisplayName string `json:"displayName"`
}

// Message is the body of a chat message.
type Message struct {
	Content   string    `json:"content"`
	Type      string    `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	ClientID  string    `json:"clientId,omitempty"`
}

// SendMessage delivers a chat message to a counterpart.
type SendMessage struct {
	To      string  `json:"to"`
	Message Message `json:"message"`
}

// Typing reports the local typing indicator.
type Typing struct {
	To       string `json:"to"`
	IsTyping bool   `json:"isTyping"`
}

// CallerInfo describes the caller to the callee.
type CallerInfo struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName,omitempty"`
	UserType    string `json:"userType,omitempty"`
}

// Call carries the session description of a call-request.
type Call struct {
	To         string                    `json:"to"`
	Offer      webrtc.SessionDescription `json:"offer"`
	CallerInfo CallerInfo                `json:"callerInfo"`
	CallID     string                    `json:"callId,omitempty"`
}

// Answer accepts a call.
type Answer struct {
	To     string                    `json:"to"`
	Answer webrtc.SessionDescription `json:"answer"`
	CallID string                    `json:"callId,omitempty"`
}

// Reject declines a call.
type Reject struct {
	To     string `json:"to"`
	Reason string `json:"reason"`
	CallID string `json:"callId,omitempty"`
}

// End hangs up or cancels a call.
type End struct {
	To     string `json:"to"`
	CallID string `json:"callId,omitempty"`
}

// Candidate trickles one local network-path candidate.
type Candidate struct {
	To        string                  `json:"to"`
	Candidate webrtc.ICECandidateInit `json:"candidate"`
	CallID    string                  `json:"callId,omitempty"`
}
