package types

import (
	"encoding/json"
	"reflect"
	"time"

	"github.com/mitchellh/mapstructure"
)

// client -> server
const (
	EventAuthenticate     = "authenticate"
	EventJoinCourse       = "joinCourse"
	EventLeaveCourse      = "leaveCourse"
	EventGetMessages      = "getMessages"
	EventSendMessage      = "sendMessage"
	EventGetNotifications = "getNotifications"
)

// server -> client
const (
	EventAuthenticated     = "authenticated"
	EventJoined            = "joined"
	EventMessages          = "messages"
	EventNewMessage        = "newMessage"
	EventOnlineUsers       = "onlineUsers"
	EventBlockedFromChat   = "blockedFromChat"
	EventUnblockedFromChat = "unblockedFromChat"
	EventError             = "error"
	EventNotifications     = "notifications"
)

// Lifecycle events are never sent over the wire, the connection manager dispatches them locally.
const (
	EventConnect      = "connect"
	EventDisconnect   = "disconnect"
	EventConnectError = "connect_error"
)

// JSON-serialized WebsocketMessage is what is actually sent via the Websocket connection
type WebsocketMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewWebsocketMessage wraps the payload into the wire envelope. A nil payload results in an envelope without data.
func NewWebsocketMessage(event string, payload interface{}) ([]byte, error) {
	m := WebsocketMessage{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		m.Data = data
	}
	return json.Marshal(m)
}

type AuthenticatePayload struct {
	UserId string `json:"userId"`
}

type GetMessagesPayload struct {
	CourseId string `json:"courseId"`
	Page     int    `json:"page"`
}

type SendMessagePayload struct {
	CourseId string `json:"courseId"`
	Message  string `json:"message"`
	ReplyTo  string `json:"replyTo,omitempty"`
}

type GetNotificationsPayload struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
}

// JoinedPayload acknowledges a joinCourse request and carries the moderation status of the user in that room.
type JoinedPayload struct {
	CourseId  string `json:"courseId"`
	Success   bool   `json:"success"`
	IsBlocked bool   `json:"isBlocked,omitempty"`
	Message   string `json:"message,omitempty"`
}

// MessagesPayload is the answer to getMessages. CourseId and Page are optional echoes of the request, if the
// server sends them they are used to drop stale responses.
type MessagesPayload struct {
	Success    bool      `json:"success"`
	Data       []Message `json:"data"`
	TotalPages int       `json:"totalPages,omitempty"`
	CourseId   string    `json:"courseId,omitempty"`
	Page       int       `json:"page,omitempty"`
	Message    string    `json:"message,omitempty"`
}

// ModerationPayload is pushed with blockedFromChat and unblockedFromChat
type ModerationPayload struct {
	CourseId string `json:"courseId"`
	Message  string `json:"message"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}

type NotificationsPayload struct {
	Success    bool                     `json:"success"`
	Data       []map[string]interface{} `json:"data"`
	Page       int                      `json:"page,omitempty"`
	TotalPages int                      `json:"totalPages,omitempty"`
}

// Decode weakly decodes a raw event payload into out (a pointer). Numbers and booleans sent as strings are
// accepted, timestamps are parsed as RFC 3339.
func Decode(raw json.RawMessage, out interface{}) error {
	var generic interface{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &generic); err != nil {
			return err
		}
	}
	if generic == nil {
		return nil
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.ComposeDecodeHookFunc(timeHook, mapstructure.StringToTimeHookFunc(time.RFC3339Nano)),
		WeaklyTypedInput: true,
		TagName:          "json",
		Result:           out,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(generic)
}

// timeHook accepts unix milliseconds for time fields
func timeHook(f reflect.Type, t reflect.Type, data interface{}) (interface{}, error) {
	if t != reflect.TypeOf(time.Time{}) {
		return data, nil
	}
	if ms, ok := data.(float64); ok {
		return time.Unix(0, int64(ms)*int64(time.Millisecond)), nil
	}
	return data, nil
}
