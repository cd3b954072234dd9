// Package mqtt publishes controller state to a broker and accepts the same
// setters as the HTTP API on <prefix>/set/<name> topics.
package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/batcontrol/batcontrol/pkg/core"
	"github.com/batcontrol/batcontrol/pkg/log"
	"github.com/batcontrol/batcontrol/pkg/types"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/levenlabs/go-lflag"
)

// message is one outgoing publication. Messages produced while the broker is
// unreachable are queued and flushed on reconnect.
type message struct {
	topic   string
	payload []byte
	retain  bool
}

// Bridge connects the controller to an MQTT broker. It implements
// core.Publisher.
type Bridge struct {
	core *core.Core

	broker   string
	username string
	password string
	clientID string
	prefix   string

	out    chan message
	connCh chan struct{}
}

// Configured initializes the Bridge from flags. With no broker configured
// the bridge is disabled. The core is attached later, once the site config
// is loaded.
func Configured() *Bridge {
	b := &Bridge{
		out:    make(chan message, 64),
		connCh: make(chan struct{}, 1),
	}
	broker := lflag.String("mqtt-broker", "", "MQTT broker address (host:port), empty disables MQTT")
	username := lflag.String("mqtt-username", "", "MQTT username")
	password := lflag.String("mqtt-password", "", "MQTT password")
	clientID := lflag.String("mqtt-client-id", "batcontrol", "MQTT client ID")
	prefix := lflag.String("mqtt-topic-prefix", "batcontrol", "topic prefix for status and setter topics")
	lflag.Do(func() {
		b.broker = *broker
		b.username = *username
		b.password = *password
		b.clientID = *clientID
		b.prefix = *prefix
	})
	return b
}

// Attach wires the bridge to the running core. Must be called before Run.
func (b *Bridge) Attach(c *core.Core) {
	b.core = c
}

// Enabled reports whether a broker is configured.
func (b *Bridge) Enabled() bool {
	return b.broker != ""
}

// PublishStatus implements core.Publisher. The status topic is retained so
// late subscribers immediately see the current state.
func (b *Bridge) PublishStatus(ctx context.Context, st types.Status) {
	b.enqueue(ctx, b.prefix+"/status", st, true)
}

// PublishDecision implements core.Publisher.
func (b *Bridge) PublishDecision(ctx context.Context, d types.Decision) {
	b.enqueue(ctx, b.prefix+"/decision", d, false)
}

func (b *Bridge) enqueue(ctx context.Context, topic string, v any, retain bool) {
	raw, err := json.Marshal(v)
	if err != nil {
		log.Ctx(ctx).ErrorContext(ctx, "failed to marshal mqtt payload", slog.Any("error", err))
		return
	}
	select {
	case b.out <- message{topic: topic, payload: raw, retain: retain}:
	default:
		log.Ctx(ctx).WarnContext(ctx, "mqtt outgoing queue full, dropping message", slog.String("topic", topic))
	}
}

// Run connects to the broker and pumps publications until ctx is canceled.
// Publications made while disconnected are queued and flushed on reconnect.
func (b *Bridge) Run(ctx context.Context) error {
	ctx = log.Component(ctx, "mqtt")
	if !b.Enabled() {
		<-ctx.Done()
		return nil
	}

	opts := paho.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", b.broker))
	opts.SetClientID(b.clientID)
	opts.SetUsername(b.username)
	opts.SetPassword(b.password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetConnectionLostHandler(func(_ paho.Client, err error) {
		log.Ctx(ctx).WarnContext(ctx, "mqtt connection lost", slog.Any("error", err))
	})
	opts.SetOnConnectHandler(func(client paho.Client) {
		log.Ctx(ctx).InfoContext(ctx, "connected to mqtt broker", slog.String("broker", b.broker))
		topic := b.prefix + "/set/+"
		token := client.Subscribe(topic, 1, func(_ paho.Client, msg paho.Message) {
			b.handleSet(ctx, msg.Topic(), string(msg.Payload()))
		})
		if token.Wait() && token.Error() != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to subscribe", slog.String("topic", topic), slog.Any("error", token.Error()))
		}
		select {
		case b.connCh <- struct{}{}:
		default:
		}
	})

	client := paho.NewClient(opts)
	client.Connect()

	var queue []message
	publish := func(msg message) {
		token := client.Publish(msg.topic, 1, msg.retain, msg.payload)
		token.Wait()
		if token.Error() != nil {
			log.Ctx(ctx).ErrorContext(ctx, "failed to publish", slog.String("topic", msg.topic), slog.Any("error", token.Error()))
		}
	}

	for {
		select {
		case <-ctx.Done():
			client.Disconnect(250)
			return nil
		case <-b.connCh:
			for _, msg := range queue {
				publish(msg)
			}
			if n := len(queue); n > 0 {
				log.Ctx(ctx).InfoContext(ctx, "flushed queued mqtt messages", slog.Int("count", n))
			}
			queue = nil
		case msg := <-b.out:
			if client.IsConnected() {
				publish(msg)
			} else {
				queue = append(queue, msg)
			}
		}
	}
}

// handleSet routes one setter topic to the core. Invalid payloads are logged
// and ignored; the previous value stays in effect.
func (b *Bridge) handleSet(ctx context.Context, topic, payload string) {
	name := strings.TrimPrefix(topic, b.prefix+"/set/")
	if err := b.applySet(ctx, name, payload); err != nil {
		log.Ctx(ctx).WarnContext(
			ctx,
			"rejected mqtt setter",
			slog.String("name", name),
			slog.String("payload", payload),
			slog.Any("error", err),
		)
		return
	}
	log.Ctx(ctx).InfoContext(ctx, "applied mqtt setter", slog.String("name", name))
}

func (b *Bridge) applySet(ctx context.Context, name, payload string) error {
	switch name {
	case "mode":
		i, err := strconv.Atoi(strings.TrimSpace(payload))
		if err != nil {
			return fmt.Errorf("mode must be an integer: %w", err)
		}
		mode, err := types.ModeFromInt(i)
		if err != nil {
			return err
		}
		return b.core.SetOverride(mode, 0)
	case "chargeRate":
		v, err := parseFloat(payload)
		if err != nil {
			return err
		}
		return b.core.SetForceChargeRate(v)
	case "dischargeBlocked":
		v, err := strconv.ParseBool(strings.TrimSpace(payload))
		if err != nil {
			return fmt.Errorf("dischargeBlocked must be a boolean: %w", err)
		}
		_, err = b.core.UpdateParameters(func(p *types.Parameters) { p.DischargeBlocked = v })
		return err
	case "alwaysAllowDischargeLimit", "maxChargingFromGridLimit", "minPriceDifference",
		"minPriceDifferenceRel", "productionOffset", "limitPVChargeRate":
		v, err := parseFloat(payload)
		if err != nil {
			return err
		}
		_, err = b.core.UpdateParameters(func(p *types.Parameters) {
			switch name {
			case "alwaysAllowDischargeLimit":
				p.AlwaysAllowDischargeLimit = v
			case "maxChargingFromGridLimit":
				p.MaxChargingFromGridLimit = v
			case "minPriceDifference":
				p.MinPriceDifference = v
			case "minPriceDifferenceRel":
				p.MinPriceDifferenceRel = v
			case "productionOffset":
				p.ProductionOffset = v
			case "limitPVChargeRate":
				p.LimitPVChargeRateW = v
			}
		})
		return err
	}
	return fmt.Errorf("unknown setter %q", name)
}

func parseFloat(payload string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(payload), 64)
	if err != nil {
		return 0, fmt.Errorf("value must be a number: %w", err)
	}
	return v, nil
}
