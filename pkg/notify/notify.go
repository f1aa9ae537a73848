package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"github.com/nbx-labs/neurec/pkg/config"
	"github.com/nbx-labs/neurec/pkg/neural"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = time.Second
)

// mqttClient is the slice of mqtt.Client the notifier uses. Narrowed so
// tests can run against a fake without a broker.
type mqttClient interface {
	IsConnected() bool
	Publish(topic string, qos byte, retained bool, payload interface{}) mqtt.Token
	Disconnect(quiesce uint)
}

// Notifier streams the freshest sample and periodic status snapshots
// over MQTT. It rides the Latest cell rather than the queue: telemetry
// wants the newest record, storage wants all of them, and the two must
// never compete.
type Notifier struct {
	cfg    config.NotifyConfig
	latest *neural.Latest
	status *neural.StatusBoard
	logger *zap.Logger

	client mqttClient

	dataTopic   string
	statusTopic string
}

// New creates a notifier. Connect must be called before Run.
func New(cfg config.NotifyConfig, latest *neural.Latest, status *neural.StatusBoard, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.DataInterval <= 0 {
		cfg.DataInterval = 15 * time.Millisecond
	}
	if cfg.StatusInterval <= 0 {
		cfg.StatusInterval = time.Second
	}

	return &Notifier{
		cfg:         cfg,
		latest:      latest,
		status:      status,
		logger:      logger,
		dataTopic:   cfg.TopicPrefix + "/data",
		statusTopic: cfg.TopicPrefix + "/status",
	}
}

// Connect dials the broker with auto-reconnect enabled.
func (n *Notifier) Connect() error {
	brokerURL := fmt.Sprintf("tcp://%s:%d", n.cfg.Broker, n.cfg.Port)
	clientID := fmt.Sprintf("neurec-%d", time.Now().Unix())

	opts := mqtt.NewClientOptions()
	opts.AddBroker(brokerURL)
	opts.SetClientID(clientID)
	if n.cfg.Username != "" {
		opts.SetUsername(n.cfg.Username)
		opts.SetPassword(n.cfg.Password)
	}
	opts.SetKeepAlive(60 * time.Second)
	opts.SetConnectTimeout(connectTimeout)
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(30 * time.Second)
	opts.OnConnect = func(mqtt.Client) {
		n.logger.Info("mqtt connected", zap.String("broker", brokerURL))
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		n.logger.Warn("mqtt connection lost", zap.Error(err))
	}

	client := mqtt.NewClient(opts)
	n.logger.Info("connecting to mqtt broker",
		zap.String("broker", brokerURL),
		zap.String("client_id", clientID))

	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return fmt.Errorf("mqtt connect timeout to %s", brokerURL)
	}
	if token.Error() != nil {
		return fmt.Errorf("mqtt connect failed: %w", token.Error())
	}

	n.client = client
	return nil
}

// Run publishes until the context is cancelled. Each data tick takes
// the latest record only if it has not been delivered before; a slow
// source simply yields fewer publishes, never duplicates.
func (n *Notifier) Run(ctx context.Context) error {
	if n.client == nil {
		return fmt.Errorf("notifier not connected")
	}

	dataTicker := time.NewTicker(n.cfg.DataInterval)
	defer dataTicker.Stop()
	statusTicker := time.NewTicker(n.cfg.StatusInterval)
	defer statusTicker.Stop()

	for {
		select {
		case <-ctx.Done():
			n.client.Disconnect(1000)
			n.logger.Info("notifier stopped")
			return nil
		case <-dataTicker.C:
			n.publishData()
		case <-statusTicker.C:
			n.publishStatus()
		}
	}
}

func (n *Notifier) publishData() {
	if !n.client.IsConnected() {
		return
	}
	rec, fresh := n.latest.Take()
	if !fresh {
		return
	}
	n.publish(n.dataTopic, rec.AppendBinary(nil))
}

func (n *Notifier) publishStatus() {
	if !n.client.IsConnected() {
		return
	}

	snapshot := n.status.Snapshot()
	payload, err := json.Marshal(snapshot)
	if err != nil {
		n.logger.Error("failed to marshal status", zap.Error(err))
		return
	}
	n.publish(n.statusTopic, payload)
}

// publish sends one payload at QoS 0. Failures are logged and the
// payload dropped; telemetry never blocks acquisition or storage.
func (n *Notifier) publish(topic string, payload []byte) {
	token := n.client.Publish(topic, 0, false, payload)
	if !token.WaitTimeout(publishTimeout) {
		n.logger.Warn("mqtt publish timeout", zap.String("topic", topic))
		return
	}
	if err := token.Error(); err != nil {
		n.logger.Warn("mqtt publish failed", zap.String("topic", topic), zap.Error(err))
	}
}
