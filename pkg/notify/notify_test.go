package notify

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nbx-labs/neurec/pkg/config"
	"github.com/nbx-labs/neurec/pkg/neural"
)

type fakeToken struct{}

func (fakeToken) Wait() bool                     { return true }
func (fakeToken) WaitTimeout(time.Duration) bool { return true }
func (fakeToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (fakeToken) Error() error { return nil }

type published struct {
	topic   string
	payload []byte
}

type fakeClient struct {
	mu        sync.Mutex
	messages  []published
	connected bool
}

func (f *fakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func (f *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.messages = append(f.messages, published{topic: topic, payload: payload.([]byte)})
	return fakeToken{}
}

func (f *fakeClient) Disconnect(quiesce uint) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
}

func (f *fakeClient) byTopic(topic string) []published {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []published
	for _, m := range f.messages {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func newTestNotifier() (*Notifier, *fakeClient, *neural.Latest, *neural.StatusBoard) {
	latest := &neural.Latest{}
	status := neural.NewStatusBoard("v0.0.1")
	cfg := config.NotifyConfig{
		Enabled:        true,
		TopicPrefix:    "neurec",
		DataInterval:   5 * time.Millisecond,
		StatusInterval: 20 * time.Millisecond,
	}

	n := New(cfg, latest, status, nil)
	client := &fakeClient{connected: true}
	n.client = client
	return n, client, latest, status
}

func TestRunNotConnected(t *testing.T) {
	n := New(config.NotifyConfig{}, &neural.Latest{}, neural.NewStatusBoard(""), nil)
	assert.Error(t, n.Run(context.Background()))
}

func TestPublishDataFreshOnly(t *testing.T) {
	n, client, latest, _ := newTestNotifier()

	var rec neural.Record
	rec.Channels[0] = 0xBEEF
	rec.Timestamp = 1234
	latest.Store(rec)

	// Fresh record goes out once; repeats are suppressed until a new
	// record lands.
	n.publishData()
	n.publishData()

	msgs := client.byTopic("neurec/data")
	require.Len(t, msgs, 1)

	got, err := neural.DecodeRecord(msgs[0].payload)
	require.NoError(t, err)
	assert.Equal(t, rec, got)

	latest.Store(rec)
	n.publishData()
	assert.Len(t, client.byTopic("neurec/data"), 2)
}

func TestPublishDataNothingStored(t *testing.T) {
	n, client, _, _ := newTestNotifier()

	n.publishData()
	assert.Empty(t, client.byTopic("neurec/data"))
}

func TestPublishStatus(t *testing.T) {
	n, client, _, status := newTestNotifier()

	status.SetRecording(true)
	status.SetBattery(87)
	n.publishStatus()

	msgs := client.byTopic("neurec/status")
	require.Len(t, msgs, 1)

	var got neural.Status
	require.NoError(t, json.Unmarshal(msgs[0].payload, &got))
	assert.True(t, got.Recording)
	assert.Equal(t, uint8(87), got.BatteryLevel)
	assert.Equal(t, "v0.0.1", got.Configuration)
}

func TestPublishSkippedWhenDisconnected(t *testing.T) {
	n, client, latest, _ := newTestNotifier()
	client.Disconnect(0)

	var rec neural.Record
	latest.Store(rec)

	n.publishData()
	n.publishStatus()
	assert.Empty(t, client.messages)
}

func TestRunPublishesOnTickers(t *testing.T) {
	n, client, latest, _ := newTestNotifier()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		n.Run(ctx)
	}()

	for i := 0; i < 5; i++ {
		var rec neural.Record
		rec.Timestamp = uint32(i)
		latest.Store(rec)
		time.Sleep(10 * time.Millisecond)
	}
	<-done

	assert.NotEmpty(t, client.byTopic("neurec/data"))
	assert.NotEmpty(t, client.byTopic("neurec/status"))
	assert.False(t, client.IsConnected())
}
