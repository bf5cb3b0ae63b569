package monitor

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"io/ioutil"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/helpers"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/log2"
	"github.com/juju/errors"
)

type transportMqtt struct {
	log    *log2.Log
	m      mqtt.Client
	mopt   *mqtt.ClientOptions
	stop   helpers.Signal
	online helpers.Signal

	topicState  string
	topicEvents string
}

func (t *transportMqtt) Init(ctx context.Context, log *log2.Log, config Config, willPayload []byte) error {
	t.log = log
	mqttLog := log.Clone(log2.LDebug)
	mqtt.CRITICAL = mqttLog
	mqtt.ERROR = mqttLog
	mqtt.WARN = mqttLog
	if config.MqttLogDebug {
		mqtt.DEBUG = mqttLog
	}
	if config.MqttBroker == "" {
		return errors.NotValidf("monitor mqtt_broker=empty")
	}

	clientID := config.MqttClientID
	if clientID == "" {
		clientID = fmt.Sprintf("dav%d", config.NodeID)
	}
	prefix := config.TopicPrefix
	if prefix == "" {
		prefix = clientID
	}
	t.topicState = prefix + "/state"
	t.topicEvents = prefix + "/events"
	credFun := func() (string, string) {
		return clientID, config.MqttPassword
	}

	networkTimeout := helpers.DurationOr(config.NetworkTimeoutSec, time.Second, DefaultNetworkTimeout)
	if networkTimeout < 1*time.Second {
		networkTimeout = 1 * time.Second
	}
	connectTimeout := networkTimeout * 3
	keepaliveTimeout := helpers.DurationOr(config.KeepaliveSec, time.Second, networkTimeout/2)

	tlsconf := new(tls.Config)
	if config.TlsCaFile != "" {
		cabytes, err := ioutil.ReadFile(config.TlsCaFile)
		if err != nil {
			return errors.Annotate(err, "monitor tls_ca_file")
		}
		tlsconf.RootCAs = x509.NewCertPool()
		tlsconf.RootCAs.AppendCertsFromPEM(cabytes)
	}
	t.mopt = mqtt.NewClientOptions().
		AddBroker(config.MqttBroker).
		SetAutoReconnect(true).
		SetBinaryWill(t.topicState, willPayload, 1, true).
		SetCleanSession(false).
		SetClientID(clientID).
		SetConnectTimeout(connectTimeout).
		SetCredentialsProvider(credFun).
		SetKeepAlive(keepaliveTimeout).
		SetMaxReconnectInterval(connectTimeout).
		SetOrderMatters(true).
		SetPingTimeout(networkTimeout).
		SetTLSConfig(tlsconf).
		SetWriteTimeout(networkTimeout)
	t.m = mqtt.NewClient(t.mopt)

	go t.connect()
	return nil
}

func (t *transportMqtt) Close() {
	t.stop.Close()
	if t.m.IsConnected() {
		t.m.Disconnect(uint(t.mopt.PingTimeout / time.Millisecond))
	}
}

func (t *transportMqtt) SendState(payload []byte) bool {
	if !t.online.Done() {
		return false
	}
	tok := t.m.Publish(t.topicState, 1, true, payload)
	err := t.tokenWait(tok, "publish state")
	t.log.Debugf("monitor sendstate payload=%x err=%v", payload, err)
	return err == nil
}

func (t *transportMqtt) SendEvent(payload []byte) bool {
	if !t.online.Done() {
		return false
	}
	tok := t.m.Publish(t.topicEvents, 1, false, payload)
	return t.tokenWait(tok, "publish event") == nil
}

// connect retries until first success, paho reconnects on its own after that.
func (t *transportMqtt) connect() {
	for !t.stop.Done() {
		tok := t.m.Connect()
		if t.tokenWait(tok, "connect") == nil {
			t.online.Close()
			return
		}
		select {
		case <-time.After(1 * time.Second):
		case <-t.stop.C():
		}
	}
}

func (t *transportMqtt) tokenWait(tok mqtt.Token, tag string) error {
	if !tok.WaitTimeout(t.mopt.WriteTimeout) {
		err := errors.Errorf("%s timeout", tag)
		t.log.Errorf("monitor: MQTT %s", err.Error())
		return err
	}
	if err := tok.Error(); err != nil {
		err = errors.Annotate(err, tag)
		t.log.Errorf("monitor: MQTT %s", err.Error())
		return err
	}
	return nil
}
