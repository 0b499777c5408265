package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Wire format: one JSON object per line. Requests carry an "action" field,
// replies carry a numeric "response" code.

const (
	ActionPresence      = "presence"
	ActionMessage       = "message"
	ActionExit          = "exit"
	ActionGetContacts   = "get_contacts"
	ActionAddContact    = "add_contact"
	ActionRemoveContact = "remove_contact"
	ActionOnlineUsers   = "online_users"
	ActionAllUsers      = "all_users"
	ActionPublicKey     = "public_key"
)

const (
	CodeOK         = 200
	CodeAccepted   = 202
	CodeRefresh    = 205 // server-initiated roster refresh
	CodeBadRequest = 400
	CodeChallenge  = 511
)

var ErrBadFrame = errors.New("malformed frame")

type UserInfo struct {
	Account   string `json:"account_name"`
	PublicKey string `json:"public_key,omitempty"`
}

type Message struct {
	Action    string    `json:"action"`
	Time      int64     `json:"time,omitempty"`
	User      *UserInfo `json:"user,omitempty"`    // presence only
	Proof     string    `json:"proof,omitempty"`   // base64 HMAC over the challenge, presence reply only
	Sender    string    `json:"from,omitempty"`    // chat messages
	Recipient string    `json:"to,omitempty"`      // chat messages
	Text      string    `json:"message_text,omitempty"`
	Account   string    `json:"account_name,omitempty"` // declared sender identity for authorized requests
	Contact   string    `json:"contact,omitempty"`      // add/remove contact
	Target    string    `json:"target,omitempty"`       // public key lookups
}

type Response struct {
	Code      int      `json:"response"`
	Time      int64    `json:"time,omitempty"`
	Alert     string   `json:"alert,omitempty"`
	Error     string   `json:"error,omitempty"`
	Challenge string   `json:"challenge,omitempty"` // base64, code 511 only
	Key       string   `json:"key,omitempty"`
	Data      []string `json:"data,omitempty"`
}

// Parse decodes one frame (a line without its newline) into a Message.
// A frame that is not valid JSON or has no action is reported as ErrBadFrame.
func Parse(frame []byte) (*Message, error) {
	line := strings.TrimSpace(string(frame))
	if line == "" {
		return nil, ErrBadFrame
	}

	var msg Message
	if err := json.Unmarshal([]byte(line), &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadFrame, err)
	}

	if msg.Action == "" {
		return nil, ErrBadFrame
	}

	return &msg, nil
}

// ReadMessage reads one line and decodes it into a Message. Transport
// errors are returned as-is.
func ReadMessage(r *bufio.Reader) (*Message, error) {
	line, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	return Parse([]byte(line))
}

// Encode marshals a Message or Response into its line framing.
func Encode(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

func OK() *Response {
	return &Response{Code: CodeOK, Time: time.Now().Unix()}
}

func Accepted(data []string) *Response {
	return &Response{Code: CodeAccepted, Time: time.Now().Unix(), Data: data}
}

func Refresh() *Response {
	return &Response{Code: CodeRefresh, Time: time.Now().Unix()}
}

func BadRequest(reason string) *Response {
	return &Response{Code: CodeBadRequest, Time: time.Now().Unix(), Error: reason}
}

func Challenge(challenge string) *Response {
	return &Response{Code: CodeChallenge, Time: time.Now().Unix(), Challenge: challenge}
}

func PublicKey(key string) *Response {
	return &Response{Code: CodeAccepted, Time: time.Now().Unix(), Key: key}
}
