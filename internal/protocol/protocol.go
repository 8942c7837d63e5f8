// Package protocol defines the framed JSON wire protocol spoken between
// broker, clients, and the sidecar workers. Every request and response is a
// 4-byte big-endian length prefix followed by a JSON object carrying an
// integer type code.
package protocol

import (
	"encoding/json"
	"errors"
)

// Request type codes. The numeric values are part of the wire protocol and
// must not change.
const (
	TypeLogin               = 0
	TypeLogout              = 1
	TypeDeclareQueue        = 2
	TypeSendDataToQueue     = 3
	TypeGetDataFromQueue    = 4
	TypeAckMessage          = 5
	TypeNotFound            = 6 // response only
	TypeForbidden           = 7 // response only
	TypeDataWrong           = 8 // response only
	TypeDeleteQueue         = 9
	TypeClearQueue          = 10
	TypeGetSpeed            = 11
	TypeGetStat             = 12
	TypeDeleteAckMessageID  = 13
	TypeRestoreAckMessageID = 14
	TypeRestoreSendMessage  = 15
	TypePing                = 16
)

// Response status values.
const (
	StatusFail    = 0
	StatusSuccess = 1
)

// TypeName maps a type code to its protocol name, for logs and metrics.
func TypeName(t int) string {
	switch t {
	case TypeLogin:
		return "LOGIN"
	case TypeLogout:
		return "LOGOUT"
	case TypeDeclareQueue:
		return "DECLARE_QUEUE"
	case TypeSendDataToQueue:
		return "SEND_DATA_TO_QUEUE"
	case TypeGetDataFromQueue:
		return "GET_DATA_FROM_QUEUE"
	case TypeAckMessage:
		return "ACK_MESSAGE"
	case TypeNotFound:
		return "NOT_FOUND"
	case TypeForbidden:
		return "FORBIDDEN"
	case TypeDataWrong:
		return "DATA_WRONG"
	case TypeDeleteQueue:
		return "DELETE_QUEUE"
	case TypeClearQueue:
		return "CLEAR_QUEUE"
	case TypeGetSpeed:
		return "GET_SPEED"
	case TypeGetStat:
		return "GET_STAT"
	case TypeDeleteAckMessageID:
		return "DELETE_ACK_MESSAGE_ID"
	case TypeRestoreAckMessageID:
		return "RESTORE_ACK_MESSAGE_ID"
	case TypeRestoreSendMessage:
		return "RESTORE_SEND_MESSAGE"
	case TypePing:
		return "PING"
	}
	return "UNKNOWN"
}

// Request is a decoded client request. Only the fields relevant to the
// request's type are populated.
type Request struct {
	Type        int    `json:"type"`
	UserName    string `json:"user_name,omitempty"`
	Passwd      string `json:"passwd,omitempty"`
	QueueName   string `json:"queue_name,omitempty"`
	MessageID   string `json:"message_id,omitempty"`
	MessageData string `json:"message_data,omitempty"`
}

// ErrNoType reports a request body that parsed as JSON but carried no
// integer type field.
var ErrNoType = errors.New("protocol: request has no type field")

// DecodeRequest parses a frame body into a Request. A body that is not a
// JSON object, or that lacks an integer type, is a protocol error.
func DecodeRequest(data []byte) (*Request, error) {
	var probe struct {
		Type *int `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err != nil {
		return nil, err
	}
	if probe.Type == nil {
		return nil, ErrNoType
	}
	var req Request
	if err := json.Unmarshal(data, &req); err != nil {
		return nil, err
	}
	return &req, nil
}

// Response is the broker's answer to a single request. JSONObj is empty for
// pure acknowledgements and carries one element for data-returning calls.
type Response struct {
	Type    int               `json:"type"`
	Status  int               `json:"status"`
	JSONObj []json.RawMessage `json:"json_obj"`
}

// NewResponse builds a response with an empty (non-null) json_obj list.
func NewResponse(typ, status int) *Response {
	return &Response{Type: typ, Status: status, JSONObj: []json.RawMessage{}}
}

// Append marshals v and appends it to json_obj. A nil v appends a JSON null,
// which is what an empty fetch carries.
func (r *Response) Append(v any) *Response {
	if v == nil {
		r.JSONObj = append(r.JSONObj, json.RawMessage("null"))
		return r
	}
	b, err := json.Marshal(v)
	if err != nil {
		// All payload types are plain maps and structs; a marshal failure
		// here is a programming error.
		panic(err)
	}
	r.JSONObj = append(r.JSONObj, json.RawMessage(b))
	return r
}

// Task is the delivered element of a GET_DATA_FROM_QUEUE response.
type Task struct {
	MessageID   string `json:"message_id"`
	MessageData string `json:"message_data"`
}

// FirstTask decodes the first json_obj element as a Task. It returns false
// for an empty list or a null element.
func (r *Response) FirstTask() (Task, bool) {
	var t Task
	if len(r.JSONObj) == 0 {
		return t, false
	}
	raw := r.JSONObj[0]
	if len(raw) == 0 || string(raw) == "null" {
		return t, false
	}
	if err := json.Unmarshal(raw, &t); err != nil {
		return t, false
	}
	return t, true
}

// Stat is the single element of a GET_STAT response. Counts are
// [depth, approximate bytes] pairs keyed by queue name; rates are keyed by
// "send_<queue>", "get_<queue>" and "ack_<queue>".
type Stat struct {
	QueueInfor   map[string][2]int64 `json:"queue_infor"`
	SpeedInfor   map[string]float64  `json:"speed_infor"`
	TaskAckInfor map[string][2]int64 `json:"task_ack_infor"`
}

// FirstStat decodes the first json_obj element as a Stat.
func (r *Response) FirstStat() (Stat, bool) {
	var s Stat
	if len(r.JSONObj) == 0 {
		return s, false
	}
	if err := json.Unmarshal(r.JSONObj[0], &s); err != nil {
		return s, false
	}
	return s, true
}
