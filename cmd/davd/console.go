package main

import (
	"context"
	"flag"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/c-bata/go-prompt"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/access"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/helpers/cli"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/log2"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/session"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/state"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/telegram"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/transport"
	"github.com/juju/errors"
)

const consoleUsage = `commands:
  sub KEY ROLE         subscribe, KEY = object/usage[/simulation], ROLE = sender|receiver|source|drain
  unsub KEY ROLE       unsubscribe
  pub KEY N [k=v ...]  publish data set number N
  rtt                  measure round trip time
  id                   show identity assigned by node
  help`

// consoleMain connects to a running node as application and runs commands from stdin.
func consoleMain(ctx context.Context, log *log2.Log, config *state.Config) error {
	fs := flag.NewFlagSet("console", flag.ContinueOnError)
	flagAddr := fs.String("addr", localAddr(config.Listen.Apps), "node application address")
	flagUser := fs.String("user", "", "")
	flagPassword := fs.String("password", "", "")
	flagTypePid := fs.String("type", "typ.applikation", "application type pid")
	if err := fs.Parse(flag.Args()[1:]); err != nil {
		return errors.Trace(err)
	}

	ch, err := transport.Dial(ctx, *flagAddr, transport.ChannelOptions{Log: log})
	if err != nil {
		return errors.Annotatef(err, "console dial addr=%s", *flagAddr)
	}
	c := session.NewClient(ch, session.ClientConfig{
		Log:                log,
		Versions:           config.Node.Versions,
		ApplicationName:    "davd-console",
		ApplicationTypePid: *flagTypePid,
		Credentials:        session.Credentials{UserName: *flagUser, Password: *flagPassword},
		Process:            config.Auth.Process,
		Parameters:         config.ComParameters(),
		MaxSyncWait:        config.MaxSyncWait(),
		OnData: func(key telegram.SubscriptionKey, number int64, v *access.Value) {
			log.Infof("data key=%s number=%d fields=%v", key, number, v.Fields)
		},
		OnClose: func(isError bool, reason string) {
			log.Infof("console closed error=%t reason=%s", isError, reason)
		},
	})
	c.Start()
	if err = c.Connect(ctx); err != nil {
		return errors.Annotate(err, "console connect")
	}
	defer c.Terminate(false, "console done")

	cli.MainLoop(ctx, log, "davd-console", newExecutor(log, c), newCompleter())
	return nil
}

func localAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func newCompleter() func(d prompt.Document) []prompt.Suggest {
	suggests := []prompt.Suggest{
		{Text: "sub", Description: "subscribe KEY ROLE"},
		{Text: "unsub", Description: "unsubscribe KEY ROLE"},
		{Text: "pub", Description: "publish KEY N k=v..."},
		{Text: "rtt", Description: "round trip time"},
		{Text: "id", Description: "identity"},
		{Text: "help"},
	}
	return func(d prompt.Document) []prompt.Suggest {
		return prompt.FilterFuzzy(suggests, d.GetWordBeforeCursor(), true)
	}
}

type consoleClient interface {
	Subscribe(telegram.SubscriptionKey, telegram.Role, telegram.SubscribeOptions) error
	Unsubscribe(telegram.SubscriptionKey, telegram.Role) error
	Publish(key telegram.SubscriptionKey, number int64, fields map[string]interface{}, limit int) error
	RoundTripTime() (time.Duration, error)
	Identity() telegram.AuthAnswer
}

func newExecutor(log *log2.Log, c consoleClient) func(string) {
	return func(line string) {
		if err := execLine(log, c, line); err != nil {
			log.Errorf(errors.ErrorStack(err))
		}
	}
}

func execLine(log *log2.Log, c consoleClient, line string) error {
	words := strings.Fields(line)
	if len(words) == 0 {
		return nil
	}
	switch words[0] {
	case "sub", "unsub":
		if len(words) != 3 {
			return errors.NotValidf("%s arguments", words[0])
		}
		key, err := parseKey(words[1])
		if err != nil {
			return err
		}
		role, err := parseRole(words[2])
		if err != nil {
			return err
		}
		if words[0] == "sub" {
			return c.Subscribe(key, role, telegram.SubscribeOptions{})
		}
		return c.Unsubscribe(key, role)

	case "pub":
		if len(words) < 3 {
			return errors.NotValidf("pub arguments")
		}
		key, err := parseKey(words[1])
		if err != nil {
			return err
		}
		number, err := strconv.ParseInt(words[2], 10, 64)
		if err != nil {
			return errors.NotValidf("data number=%s", words[2])
		}
		fields, err := parseFields(words[3:])
		if err != nil {
			return err
		}
		return c.Publish(key, number, fields, 0)

	case "rtt":
		d, err := c.RoundTripTime()
		if err != nil {
			return errors.Trace(err)
		}
		log.Infof("rtt=%v", d)

	case "id":
		id := c.Identity()
		log.Infof("user=%d app=%d node=%d authority=%d", id.UserID, id.ApplicationID, id.NodeID, id.AuthorityID)

	case "help":
		log.Infof(consoleUsage)

	default:
		return errors.NotSupportedf("command=%s", words[0])
	}
	return nil
}

func parseKey(s string) (telegram.SubscriptionKey, error) {
	var key telegram.SubscriptionKey
	parts := strings.Split(s, "/")
	if len(parts) < 2 || len(parts) > 3 {
		return key, errors.NotValidf("key=%s", s)
	}
	var err error
	if key.ObjectID, err = strconv.ParseInt(parts[0], 10, 64); err != nil {
		return key, errors.NotValidf("key=%s object", s)
	}
	if key.UsageID, err = strconv.ParseInt(parts[1], 10, 64); err != nil {
		return key, errors.NotValidf("key=%s usage", s)
	}
	if len(parts) == 3 {
		sim, err := strconv.ParseInt(parts[2], 10, 16)
		if err != nil {
			return key, errors.NotValidf("key=%s simulation", s)
		}
		key.Simulation = int16(sim)
	}
	return key, nil
}

func parseRole(s string) (telegram.Role, error) {
	for _, r := range []telegram.Role{telegram.RoleSender, telegram.RoleReceiver, telegram.RoleSource, telegram.RoleDrain} {
		if r.String() == s {
			return r, nil
		}
	}
	return 0, errors.NotValidf("role=%s", s)
}

// parseFields reads k=v pairs, values that parse as integer or float are numbers.
func parseFields(words []string) (map[string]interface{}, error) {
	fields := make(map[string]interface{}, len(words))
	for _, w := range words {
		i := strings.IndexByte(w, '=')
		if i <= 0 {
			return nil, errors.NotValidf("field=%s", w)
		}
		k, v := w[:i], w[i+1:]
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			fields[k] = n
		} else if f, err := strconv.ParseFloat(v, 64); err == nil {
			fields[k] = f
		} else {
			fields[k] = v
		}
	}
	return fields, nil
}
