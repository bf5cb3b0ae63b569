// davd is the data distributor node process.
// Usage: davd [-config davd.hcl] [run|config|console [-addr host:port -user name -password secret]]
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/daemon"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/cmd/davd/subcmd"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/log2"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/node"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/state"
	"github.com/juju/errors"
)

var log = log2.NewStderr(log2.LDebug)

var modules = []subcmd.Mod{
	{Name: "run", Main: runMain},
	{Name: "config", Main: configMain},
	{Name: "console", Main: consoleMain},
}

func main() {
	flagConfig := flag.String("config", "davd.hcl", "")
	flag.Parse()

	log.SetFlags(log2.LInteractiveFlags)
	if subcmd.SdNotify(log, "start") {
		// under systemd, journal adds timestamps
		log.SetFlags(log2.LServiceFlags)
	}

	mod, err := subcmd.Parse(flag.Arg(0), modules)
	if err != nil {
		log.Fatal(err)
	}

	config := state.MustReadConfig(log, state.NewOsFullReader(), *flagConfig)
	if !config.LogDebug {
		log.SetLevel(log2.LInfo)
	}
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx = context.WithValue(ctx, log2.ContextKey, log)

	if err := mod.Main(ctx, log, config); err != nil {
		log.Fatal(errors.ErrorStack(err))
	}
}

func runMain(ctx context.Context, log *log2.Log, config *state.Config) error {
	n, err := node.Open(ctx, log, config)
	if err != nil {
		return errors.Annotate(err, "node open")
	}
	n.Publish("dav_")
	subcmd.SdNotify(log, daemon.SdNotifyReady)
	log.Infof("node=%d running", config.Node.ID)

	err = n.Run(ctx)
	subcmd.SdNotify(log, daemon.SdNotifyStopping)
	log.Infof("node=%d stopped err=%v", config.Node.ID, err)
	return errors.Trace(err)
}

// configMain prints effective configuration after includes and defaults, secrets hidden.
func configMain(ctx context.Context, log *log2.Log, config *state.Config) error {
	b, err := config.MarshalRedacted()
	if err != nil {
		return errors.Trace(err)
	}
	_, err = os.Stdout.Write(append(b, '\n'))
	return errors.Trace(err)
}
