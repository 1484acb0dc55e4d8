package realtime

import (
	"bytes"
	"strconv"

	"github.com/keboola/marketplace-live/internal/pkg/encoding/json"
	"github.com/keboola/marketplace-live/internal/pkg/utils/errors"
)

// Names of server events carrying an update payload.
const (
	EventRealtimeUpdate = "realtime_update"
	EventStatsUpdate    = "stats_update"
)

// Names of membership messages sent to the server.
const (
	MessageJoinProject     = "join_project"
	MessageLeaveProject    = "leave_project"
	MessageJoinFreelancer  = "join_freelancer"
	MessageLeaveFreelancer = "leave_freelancer"
)

// GlobalKey is the dispatch key of events without a project and freelancer ID.
const GlobalKey = "global"

type EventType int

const (
	EventTypeStats EventType = iota
	EventTypeViewerJoin
	EventTypeViewerLeave
	EventTypeApplication
	EventTypeBookmark
	EventTypeInquiry
)

func ParseEventType(v string) (EventType, error) {
	switch v {
	case "stats":
		return EventTypeStats, nil
	case "viewer_join":
		return EventTypeViewerJoin, nil
	case "viewer_leave":
		return EventTypeViewerLeave, nil
	case "application":
		return EventTypeApplication, nil
	case "bookmark":
		return EventTypeBookmark, nil
	case "inquiry":
		return EventTypeInquiry, nil
	default:
		return 0, errors.Errorf(`unexpected event type "%s"`, v)
	}
}

func (t EventType) String() string {
	switch t {
	case EventTypeStats:
		return "stats"
	case EventTypeViewerJoin:
		return "viewer_join"
	case EventTypeViewerLeave:
		return "viewer_leave"
	case EventTypeApplication:
		return "application"
	case EventTypeBookmark:
		return "bookmark"
	case EventTypeInquiry:
		return "inquiry"
	default:
		panic(errors.Errorf(`unexpected event type "%d"`, int(t)))
	}
}

func (t EventType) MarshalJSON() ([]byte, error) {
	return json.Encode(t.String(), false)
}

func (t *EventType) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Decode(data, &str); err != nil {
		return err
	}
	v, err := ParseEventType(str)
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// ID of a project or a freelancer, the server may send it as a JSON string or number.
type ID string

func (v *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*v = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		str, err := strconv.Unquote(string(data))
		if err != nil {
			return errors.Wrap(err, "invalid ID")
		}
		*v = ID(str)
		return nil
	}
	if _, err := strconv.ParseFloat(string(data), 64); err != nil {
		return errors.Errorf(`invalid ID "%s"`, string(data))
	}
	*v = ID(data)
	return nil
}

// Event is an update pushed by the server.
type Event struct {
	// Name is EventRealtimeUpdate or EventStatsUpdate.
	Name         string          `json:"-"`
	Type         EventType       `json:"type"`
	ProjectID    ID              `json:"projectId,omitempty"`
	FreelancerID ID              `json:"freelancerId,omitempty"`
	Data         json.RawMessage `json:"data,omitempty"`
}

// DispatchKey is the project ID, or the freelancer ID, or GlobalKey.
func (e Event) DispatchKey() string {
	switch {
	case e.ProjectID != "":
		return string(e.ProjectID)
	case e.FreelancerID != "":
		return string(e.FreelancerID)
	default:
		return GlobalKey
	}
}

// HasData returns true if the event carries a non-empty data payload.
func (e Event) HasData() bool {
	data := bytes.TrimSpace(e.Data)
	return len(data) > 0 && !bytes.Equal(data, []byte("null"))
}

// envelope is the wire format of all messages in both directions.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func encodeMessage(name string, payload any) ([]byte, error) {
	msg := envelope{Event: name}
	if payload != nil {
		data, err := json.Encode(payload, false)
		if err != nil {
			return nil, errors.Wrapf(err, `cannot encode "%s" message`, name)
		}
		msg.Data = data
	}
	return json.Encode(msg, false)
}
