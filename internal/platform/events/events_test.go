package events

import (
	"context"
	"testing"

	"github.com/goccy/go-json"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToPublishing(t *testing.T) {
	evt := NewEvent("questionnaire_response.submitted", "clinic_a", map[string]string{"response_id": "r1"})

	msg, err := toPublishing(evt)
	require.NoError(t, err)
	assert.Equal(t, uint8(amqp.Persistent), msg.DeliveryMode)
	assert.Equal(t, "application/json", msg.ContentType)
	assert.Equal(t, evt.ID, msg.MessageId)

	var decoded map[string]interface{}
	require.NoError(t, json.Unmarshal(msg.Body, &decoded))
	assert.Equal(t, "questionnaire_response.submitted", decoded["type"])
	assert.Equal(t, "r1", decoded["payload"].(map[string]interface{})["response_id"])
}

func TestToPublishing_Unencodable(t *testing.T) {
	_, err := toPublishing(NewEvent("x", "", make(chan int)))
	assert.Error(t, err)
}

func TestRecorderAndNop(t *testing.T) {
	var r Recorder
	require.NoError(t, r.Publish(context.Background(), NewEvent("a", "", nil)))
	require.NoError(t, Nop{}.Publish(context.Background(), NewEvent("b", "", nil)))
	assert.Len(t, r.Events(), 1)
}
