package session

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/log2"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/telegram"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/transport"
	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testConfigAppType = "typ.konfigurationsApplikation"
	testLocalPid      = "kv.local"
)

func testAppConfig(t testing.TB) AppConfig {
	return AppConfig{
		Log:                 log2.NewTest(t, log2.LDebug),
		NodeID:              1,
		Versions:            []int32{2, 3},
		LocalAuthorityAlias: testLocalPid,
		LocalAuthorityPid:   testLocalPid,
		ConfigAppTypePid:    testConfigAppType,
	}
}

func startApp(t testing.TB, cfg AppConfig) (*App, *fakeChannel, *fakeManager) {
	ch := newFakeChannel()
	m := newFakeManager()
	a := NewApp(ch, m, cfg)
	a.Start()
	return a, ch, m
}

func authenticateApp(t testing.TB, ch *fakeChannel, name, typePid, authority, user, pass string) *telegram.AuthAnswer {
	t.Helper()
	ch.deliver(&telegram.VersionRequest{Versions: []int32{3, 1}})
	require.Equal(t, int32(3), ch.expect(t, telegram.KindVersionAnswer).(*telegram.VersionAnswer).Version)

	ch.deliver(&telegram.AuthTextRequest{ApplicationName: name, ApplicationTypePid: typePid, ConfigAuthority: authority})
	text := ch.expect(t, telegram.KindAuthTextAnswer).(*telegram.AuthTextAnswer).Text
	assert.Equal(t, "challenge/"+name, text)

	enc, err := Encrypt(ProcessHmacMD5, pass, text)
	require.NoError(t, err)
	ch.deliver(&telegram.AuthRequest{ApplicationTypePid: typePid, UserName: user, EncryptedPassword: enc})
	return ch.expect(t, telegram.KindAuthAnswer).(*telegram.AuthAnswer)
}

func TestAppHandshake(t *testing.T) {
	t.Parallel()

	a, ch, m := startApp(t, testAppConfig(t))
	defer a.Terminate(false, "test done")

	// operational telegrams before authentication are dropped
	ch.deliver(&telegram.Subscribe{Key: telegram.SubscriptionKey{ObjectID: 1, UsageID: 2}, Role: telegram.RoleReceiver})

	answer := authenticateApp(t, ch, "app1", "typ.applikation", "", "alice", "secret")
	assert.Equal(t, &telegram.AuthAnswer{Success: true, UserID: 11, ApplicationID: 1001, AuthorityID: 500, NodeID: 1}, answer)
	assert.Equal(t, AppOperational, a.State())
	assert.Empty(t, m.Handled())
	id := a.Identity()
	assert.Equal(t, "app1", id.Name)
	assert.Equal(t, testLocalPid, id.AuthorityPid)

	ch.deliver(&telegram.ComParametersRequest{ComParameters: telegram.ComParameters{
		KeepAliveSendTimeout:     1000,
		KeepAliveReceiveTimeout:  2000,
		CacheThresholdPercent:    50,
		FlowControlThresholdTime: 60,
		MinConnectionSpeed:       100,
	}})
	params := ch.expect(t, telegram.KindComParametersAnswer).(*telegram.ComParametersAnswer)
	assert.Equal(t, int64(5000), params.KeepAliveSendTimeout)
	assert.Equal(t, int64(6000), params.KeepAliveReceiveTimeout)
	assert.Equal(t, int32(50), params.CacheThresholdPercent)
	assert.Eventually(t, func() bool {
		ch.mu.Lock()
		defer ch.mu.Unlock()
		return ch.keepAlive == [2]time.Duration{5 * time.Second, 6 * time.Second} &&
			ch.throughput.CacheFraction == 0.5 &&
			ch.throughput.FlowControlThreshold == 60*time.Second &&
			ch.throughput.MinSpeed == 100
	}, testDefaultTimeout, 5*time.Millisecond)

	key := telegram.SubscriptionKey{ObjectID: 1, UsageID: 2}
	ch.deliver(&telegram.Subscribe{Key: key, Role: telegram.RoleReceiver})
	m.waitEvent(t, "handle")
	require.Len(t, m.Handled(), 1)
	assert.Equal(t, telegram.KindSubscribe, m.Handled()[0].Kind())

	for _, f := range telegram.Split(&telegram.Data{Key: key, DataNumber: 1}, []byte("abcdef"), 2) {
		ch.deliver(f)
	}
	m.waitEvent(t, "data")
	m.mu.Lock()
	require.Len(t, m.data, 1)
	joined, err := telegram.Join(m.data[0])
	m.mu.Unlock()
	require.NoError(t, err)
	assert.Equal(t, "abcdef", string(joined))
}

func TestAppConfigAuthority(t *testing.T) {
	t.Parallel()

	t.Run("local-config-app-id-zero", func(t *testing.T) {
		cfg := testAppConfig(t)
		cfg.LocalAuthorityMode = true
		a, ch, _ := startApp(t, cfg)
		defer a.Terminate(false, "test done")
		answer := authenticateApp(t, ch, "config", testConfigAppType, "", "alice", "secret")
		assert.True(t, answer.Success)
		assert.Equal(t, int64(0), answer.ApplicationID)
		assert.Equal(t, int64(500), answer.AuthorityID)
	})
	t.Run("numeric-authority", func(t *testing.T) {
		a, ch, _ := startApp(t, testAppConfig(t))
		defer a.Terminate(false, "test done")
		answer := authenticateApp(t, ch, "app2", "typ.applikation", "kv.remote:77", "alice", "secret")
		assert.Equal(t, int64(77), answer.AuthorityID)
		assert.Equal(t, int64(1001), answer.ApplicationID)
	})
}

func TestAppAuthFailure(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		pass      string
		authority string
		allocFail bool
	}{
		{"password", "wrong", "", false},
		{"authority", "secret", "kv.unknown", false},
		{"application-id", "secret", "", true},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			a, ch, m := startApp(t, testAppConfig(t))
			m.allocFail = c.allocFail

			ch.deliver(&telegram.VersionRequest{Versions: []int32{2}})
			ch.expect(t, telegram.KindVersionAnswer)
			ch.deliver(&telegram.AuthTextRequest{ApplicationName: "app", ApplicationTypePid: "typ.applikation", ConfigAuthority: c.authority})
			text := ch.expect(t, telegram.KindAuthTextAnswer).(*telegram.AuthTextAnswer).Text
			enc, err := Encrypt(ProcessHmacMD5, c.pass, text)
			require.NoError(t, err)
			ch.deliver(&telegram.AuthRequest{ApplicationTypePid: "typ.applikation", UserName: "alice", EncryptedPassword: enc})

			m.waitEvent(t, "remove")
			assert.True(t, a.Closed())
			assert.Equal(t, AppClosed, a.State())
			assert.Equal(t, int32(1), ch.Disconnects())
			assert.IsType(t, &telegram.TerminateOrder{}, ch.Final())
			ch.mu.Lock()
			for _, x := range ch.sent {
				assert.NotEqual(t, telegram.KindAuthAnswer, x.Kind())
			}
			ch.mu.Unlock()
		})
	}
}

func TestAppVersionMismatch(t *testing.T) {
	t.Parallel()

	a, ch, _ := startApp(t, testAppConfig(t))
	defer a.Terminate(false, "test done")
	ch.deliver(&telegram.VersionRequest{Versions: []int32{1}})
	assert.Equal(t, NoVersion, ch.expect(t, telegram.KindVersionAnswer).(*telegram.VersionAnswer).Version)
	assert.Equal(t, AppAwaitingVersion, a.State())
}

func TestAppTerminateIdempotent(t *testing.T) {
	t.Parallel()

	ch := newFakeChannel()
	m := newFakeManager()
	a := NewApp(ch, m, testAppConfig(t))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a.Terminate(false, "shutdown")
		}()
	}
	wg.Wait()
	a.Terminate(true, "again")
	a.OnDisconnect(true, "late")

	assert.Equal(t, int32(1), ch.Disconnects())
	assert.Equal(t, 1, m.Removed())
	assert.IsType(t, &telegram.Closing{}, ch.Final())
	assert.Equal(t, ErrClosed, a.SendData(nil))
}

func TestAppPeerClosing(t *testing.T) {
	t.Parallel()

	a, ch, m := startApp(t, testAppConfig(t))
	ch.deliver(&telegram.Closing{Reason: "bye"})
	m.waitEvent(t, "remove")
	assert.True(t, a.Closed())
	assert.IsType(t, &telegram.Closing{}, ch.Final())
}

func TestAppConfigGate(t *testing.T) {
	t.Parallel()

	cfg := testAppConfig(t)
	cfg.Gate = NewConfigGate()
	a, ch, _ := startApp(t, cfg)
	defer a.Terminate(false, "test done")

	ch.deliver(&telegram.VersionRequest{Versions: []int32{2}})
	ch.expect(t, telegram.KindVersionAnswer)
	ch.deliver(&telegram.AuthTextRequest{ApplicationName: "held", ApplicationTypePid: "typ.applikation"})
	assert.Eventually(t, func() bool { return a.State() == AppWaitingForLocalConfig }, testDefaultTimeout, 5*time.Millisecond)

	// configuration application passes the gate
	ca, cch, _ := startApp(t, cfg)
	defer ca.Terminate(false, "test done")
	cch.deliver(&telegram.VersionRequest{Versions: []int32{2}})
	cch.expect(t, telegram.KindVersionAnswer)
	cch.deliver(&telegram.AuthTextRequest{ApplicationName: "config", ApplicationTypePid: testConfigAppType})
	cch.expect(t, telegram.KindAuthTextAnswer)

	assert.Equal(t, AppWaitingForLocalConfig, a.State())
	cfg.Gate.Release()
	assert.Equal(t, "challenge/held", ch.expect(t, telegram.KindAuthTextAnswer).(*telegram.AuthTextAnswer).Text)
	assert.Equal(t, AppAwaitingAuthAnswer, a.State())
}

func TestAppRoundTrip(t *testing.T) {
	t.Parallel()

	a, ch, _ := startApp(t, testAppConfig(t))
	defer a.Terminate(false, "test done")
	go func() {
		x := ch.expect(t, telegram.KindRTTRequest).(*telegram.RTTRequest)
		ch.deliver(&telegram.RTTAnswer{ID: x.ID, Stamp: x.Stamp})
	}()
	d, err := a.RoundTripTime()
	require.NoError(t, err)
	assert.True(t, d > 0)

	// peer probe is answered
	ch.deliver(&telegram.RTTRequest{ID: 9, Stamp: 99})
	assert.Equal(t, &telegram.RTTAnswer{ID: 9, Stamp: 99}, ch.expect(t, telegram.KindRTTAnswer))
}

func TestAppRoundTripTimeout(t *testing.T) {
	t.Parallel()

	cfg := testAppConfig(t)
	cfg.MaxSyncWait = 50 * time.Millisecond
	a, ch, m := startApp(t, cfg)
	_, err := a.RoundTripTime()
	assert.Equal(t, ErrTimeout, errors.Cause(err))
	assert.True(t, a.Closed())
	assert.IsType(t, &telegram.TerminateOrder{}, ch.Final())
	assert.Equal(t, 1, m.Removed())
}

func TestAppGateKeepsChannelAlive(t *testing.T) {
	t.Parallel()

	log := log2.NewTest(t, log2.LDebug)
	nodeConn, appConn := net.Pipe()
	nodeCh := transport.NewStreamChannel(nodeConn, transport.ChannelOptions{
		Log: log, KeepAliveSend: 100 * time.Millisecond, KeepAliveReceive: 600 * time.Millisecond})
	appCh := transport.NewStreamChannel(appConn, transport.ChannelOptions{
		Log: log, KeepAliveSend: 100 * time.Millisecond, KeepAliveReceive: testDefaultTimeout})
	defer func() {
		<-nodeCh.Done()
		<-appCh.Done()
	}()

	cfg := testAppConfig(t)
	cfg.Gate = NewConfigGate()
	a := NewApp(nodeCh, newFakeManager(), cfg)
	a.Start()
	defer a.Terminate(false, "test done")
	c := NewClient(appCh, ClientConfig{
		Log:                log,
		ApplicationName:    "held",
		ApplicationTypePid: "typ.applikation",
		Credentials:        Credentials{UserName: "alice", Password: "secret"},
		Parameters:         telegram.ComParameters{KeepAliveSendTimeout: 30000, KeepAliveReceiveTimeout: 90000},
		MaxSyncWait:        testDefaultTimeout,
	})
	c.Start()
	defer c.Terminate(false, "test done")

	connected := make(chan error, 1)
	go func() { connected <- c.Connect(context.Background()) }()
	require.Eventually(t, func() bool { return a.State() == AppWaitingForLocalConfig }, testDefaultTimeout, 5*time.Millisecond)

	// held longer than the node's receive timeout
	time.Sleep(2 * time.Second)
	assert.False(t, a.Closed())
	assert.Equal(t, AppWaitingForLocalConfig, a.State())

	cfg.Gate.Release()
	require.NoError(t, <-connected)
	assert.Equal(t, AppOperational, a.State())
	assert.True(t, c.Identity().Success)
}
