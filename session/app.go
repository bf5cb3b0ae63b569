package session

import (
	"fmt"
	"sync"
	"time"

	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/access"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/log2"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/telegram"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/transport"
	"github.com/juju/errors"
)

type AppState int32

const (
	AppAwaitingVersion AppState = iota
	AppAwaitingAuthChallenge
	AppWaitingForLocalConfig
	AppAwaitingAuthAnswer
	AppOperational
	AppClosed
)

func (s AppState) String() string {
	switch s {
	case AppAwaitingVersion:
		return "awaiting-version"
	case AppAwaitingAuthChallenge:
		return "awaiting-auth-challenge"
	case AppWaitingForLocalConfig:
		return "waiting-for-local-config"
	case AppAwaitingAuthAnswer:
		return "awaiting-auth-answer"
	case AppOperational:
		return "operational"
	case AppClosed:
		return "closed"
	}
	return fmt.Sprintf("app-state(%d)", int32(s))
}

type AppConfig struct {
	Log      *log2.Log
	NodeID   int64
	Versions []int32
	// Empty configuration authority identifier maps to this pid.
	LocalAuthorityAlias string
	LocalAuthorityPid   string
	LocalAuthorityMode  bool
	// Application type of the configuration authority itself, not held by Gate.
	ConfigAppTypePid string
	Process          string
	MaxSyncWait      time.Duration
	Gate             *ConfigGate
}

type AppIdentity struct {
	Name         string
	TypePid      string
	AuthorityPid string
	UserID       int64
	AppID        int64
	AuthorityID  int64
}

// App is one application-to-node link.
type App struct {
	base
	cfg AppConfig
	mgr AppManager
	re  *access.Reassembler

	mu        sync.Mutex
	state     AppState
	ident     AppIdentity
	authorNum int64
	challenge string
}

var _ Session = &App{}

func NewApp(ch transport.Channel, mgr AppManager, cfg AppConfig) *App {
	if cfg.Process == "" {
		cfg.Process = ProcessHmacMD5
	}
	s := &App{cfg: cfg, mgr: mgr}
	s.base.init(ch, cfg.Log.Prefixed(fmt.Sprintf("app ch=%s ", ch.ID())), cfg.MaxSyncWait)
	s.re = access.NewReassembler(s.log)
	s.ident.AppID = -1
	s.ident.UserID = -1
	return s
}

// Start begins reading telegrams.
func (s *App) Start() { s.ch.Start(s) }

func (s *App) State() AppState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *App) Identity() AppIdentity {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ident
}

func (s *App) String() string {
	id := s.Identity()
	return fmt.Sprintf("app(id=%d name=%s ch=%s)", id.AppID, id.Name, s.ID())
}

func (s *App) setState(next AppState) {
	s.mu.Lock()
	s.state = next
	s.mu.Unlock()
}

// Terminate is idempotent and safe for concurrent use.
func (s *App) Terminate(isError bool, reason string) {
	s.terminate(isError, reason, func() {
		s.setState(AppClosed)
		s.mgr.RemoveSession(s)
	})
}

// RoundTripTime measures one probe, bounded by max sync wait.
func (s *App) RoundTripTime() (time.Duration, error) {
	d, err := s.roundTrip()
	if err == ErrTimeout {
		s.Terminate(true, "round trip probe: "+err.Error())
	}
	return d, err
}

// SendData delivers fragments to the application.
func (s *App) SendData(set []*telegram.Data) error {
	ts := make([]telegram.Telegram, len(set))
	for i, d := range set {
		ts[i] = d
	}
	if s.Closed() {
		return ErrClosed
	}
	return errors.Annotate(s.ch.SendMany(ts), "send data")
}

func (s *App) OnDisconnect(isError bool, reason string) {
	s.Terminate(isError, "channel lost: "+reason)
}

func (s *App) OnTelegram(t telegram.Telegram) {
	if s.Closed() {
		return
	}
	switch x := t.(type) {
	case *telegram.VersionRequest:
		s.onVersionRequest(x)
	case *telegram.AuthTextRequest:
		s.onAuthTextRequest(x)
	case *telegram.AuthRequest:
		s.onAuthRequest(x)
	case *telegram.ComParametersRequest:
		s.onComParameters(x)
	case *telegram.Subscribe:
		if s.operational(t) {
			s.mgr.HandleSubscribe(s, x)
		}
	case *telegram.Unsubscribe:
		if s.operational(t) {
			s.mgr.HandleUnsubscribe(s, x)
		}
	case *telegram.Data:
		if s.operational(t) {
			if set := s.re.Add(x); set != nil {
				s.mgr.HandleData(s, set)
			}
		}
	case *telegram.RTTRequest:
		s.onRTTRequest(x)
	case *telegram.RTTAnswer:
		s.onRTTAnswer(x)
	case *telegram.KeepAlive:
	case *telegram.Closing:
		s.Terminate(false, "application closing: "+x.Reason)
	case *telegram.TerminateOrder:
		s.Terminate(false, "application terminate order: "+x.Reason)
	default:
		s.log.Warningf("unexpected telegram %s state=%s", telegram.String(t), s.State())
	}
}

func (s *App) operational(t telegram.Telegram) bool {
	if st := s.State(); st != AppOperational {
		s.log.Warningf("dropped %s in state=%s", telegram.String(t), st)
		return false
	}
	return true
}

func (s *App) expect(t telegram.Telegram, st AppState) bool {
	if cur := s.State(); cur != st {
		s.log.Warningf("dropped %s in state=%s expected=%s", telegram.String(t), cur, st)
		return false
	}
	return true
}

func (s *App) onVersionRequest(x *telegram.VersionRequest) {
	if !s.expect(x, AppAwaitingVersion) {
		return
	}
	v := SelectVersion(x.Versions, s.cfg.Versions)
	if v != NoVersion {
		s.setState(AppAwaitingAuthChallenge)
	} else {
		s.log.Infof("no common protocol version peer=%v local=%v", x.Versions, s.cfg.Versions)
	}
	_ = s.send(&telegram.VersionAnswer{Version: v})
}

func (s *App) onAuthTextRequest(x *telegram.AuthTextRequest) {
	if !s.expect(x, AppAwaitingAuthChallenge) {
		return
	}
	pid, num := ParseAuthority(x.ConfigAuthority, s.cfg.LocalAuthorityAlias)
	s.mu.Lock()
	s.ident.Name = x.ApplicationName
	s.ident.TypePid = x.ApplicationTypePid
	s.ident.AuthorityPid = pid
	s.authorNum = num
	s.mu.Unlock()

	if s.cfg.Gate.Active() && x.ApplicationTypePid != s.cfg.ConfigAppTypePid {
		s.setState(AppWaitingForLocalConfig)
		s.log.Infof("application=%s waits for local configuration", x.ApplicationName)
		// reader must keep consuming keep-alives while gate is held
		s.goTask(func() {
			if s.cfg.Gate.Wait(s.Closed) {
				s.answerAuthText(x)
			}
		})
		return
	}
	s.answerAuthText(x)
}

func (s *App) answerAuthText(x *telegram.AuthTextRequest) {
	text := s.mgr.ChallengeText(x.ApplicationName)
	s.mu.Lock()
	if s.state == AppClosed {
		s.mu.Unlock()
		return
	}
	s.challenge = text
	s.state = AppAwaitingAuthAnswer
	s.mu.Unlock()
	_ = s.send(&telegram.AuthTextAnswer{Text: text})
}

func (s *App) onAuthRequest(x *telegram.AuthRequest) {
	if !s.expect(x, AppAwaitingAuthAnswer) {
		return
	}
	s.mu.Lock()
	challenge, ident, num := s.challenge, s.ident, s.authorNum
	s.mu.Unlock()

	userID := s.mgr.Login(x.UserName, x.EncryptedPassword, challenge, s.cfg.Process, x.ApplicationTypePid)
	if userID <= -1 {
		s.Terminate(true, fmt.Sprintf("authentication failed user=%s application=%s", x.UserName, ident.Name))
		return
	}

	configApp := s.cfg.LocalAuthorityMode &&
		x.ApplicationTypePid == s.cfg.ConfigAppTypePid &&
		ident.AuthorityPid == s.cfg.LocalAuthorityPid

	authorityID := num
	if authorityID <= 0 {
		id, err := s.mgr.ResolveAuthorityID(ident.AuthorityPid)
		if err != nil {
			s.Terminate(true, fmt.Sprintf("configuration authority pid=%s not resolved: %v", ident.AuthorityPid, err))
			return
		}
		authorityID = id
	}

	var appID int64
	if !configApp {
		appID = s.mgr.AllocateApplicationID(s, x.ApplicationTypePid, ident.Name)
		if appID <= -1 {
			s.Terminate(true, fmt.Sprintf("application id not allocated type=%s name=%s", x.ApplicationTypePid, ident.Name))
			return
		}
	}

	s.mu.Lock()
	s.ident.UserID = userID
	s.ident.AppID = appID
	s.ident.AuthorityID = authorityID
	s.ident.TypePid = x.ApplicationTypePid
	s.state = AppOperational
	s.mu.Unlock()
	s.mgr.RegisterSession(s)

	s.log.Infof("authenticated user=%s userid=%d appid=%d authority=%d", x.UserName, userID, appID, authorityID)
	_ = s.send(&telegram.AuthAnswer{
		Success:       true,
		UserID:        userID,
		ApplicationID: appID,
		AuthorityID:   authorityID,
		NodeID:        s.cfg.NodeID,
	})
}

func (s *App) onComParameters(x *telegram.ComParametersRequest) {
	if st := s.State(); st < AppAwaitingAuthChallenge || st == AppClosed {
		s.log.Warningf("dropped %s in state=%s", telegram.String(x), st)
		return
	}
	p := ClampParameters(x.ComParameters)
	if err := s.send(&telegram.ComParametersAnswer{ComParameters: p}); err != nil {
		return
	}
	applyParameters(s.ch, p)
}
