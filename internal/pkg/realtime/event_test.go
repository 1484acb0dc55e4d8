package realtime

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/keboola/marketplace-live/internal/pkg/encoding/json"
)

func TestEventType(t *testing.T) {
	t.Parallel()

	for _, name := range []string{"stats", "viewer_join", "viewer_leave", "application", "bookmark", "inquiry"} {
		v, err := ParseEventType(name)
		require.NoError(t, err)
		assert.Equal(t, name, v.String())
	}

	_, err := ParseEventType("viewer_kick")
	assert.EqualError(t, err, `unexpected event type "viewer_kick"`)
}

func TestEvent_DispatchKey(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "42", Event{ProjectID: "42", FreelancerID: "7"}.DispatchKey())
	assert.Equal(t, "7", Event{FreelancerID: "7"}.DispatchKey())
	assert.Equal(t, GlobalKey, Event{}.DispatchKey())
}

func TestEvent_JSON(t *testing.T) {
	t.Parallel()

	var event Event
	require.NoError(t, json.DecodeString(`{"type":"viewer_leave","projectId":12,"freelancerId":null,"data":{"currentViewers":3}}`, &event))
	assert.Equal(t, EventTypeViewerLeave, event.Type)
	assert.Equal(t, ID("12"), event.ProjectID)
	assert.Equal(t, ID(""), event.FreelancerID)
	assert.True(t, event.HasData())

	assert.Error(t, json.DecodeString(`{"type":"unknown"}`, &event))
	assert.Error(t, json.DecodeString(`{"type":"stats","projectId":true}`, &event))
	assert.False(t, Event{Data: json.RawMessage("null")}.HasData())
}
