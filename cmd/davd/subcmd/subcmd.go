// Support sub-commands in davd application.
package subcmd

import (
	"context"
	"fmt"

	"github.com/coreos/go-systemd/daemon"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/log2"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/state"
	"github.com/juju/errors"
)

type Mod struct {
	Name string
	Main func(context.Context, *log2.Log, *state.Config) error
}

// Parse finds module by name, empty command selects the first one.
func Parse(command string, modules []Mod) (*Mod, error) {
	if len(modules) == 0 {
		panic("code error subcmd.Parse without modules")
	}
	if command == "" {
		return &modules[0], nil
	}

	var found *Mod
	for i := range modules {
		m := &modules[i]
		if m.Name == "" {
			panic(fmt.Sprintf("code error Name='' module=%#v", m))
		}
		if command == m.Name {
			found = m
			break
		}
	}
	if found == nil {
		return nil, errors.NotFoundf("command='%s'", command)
	}
	return found, nil
}

// SdNotify returns false when not running under systemd.
func SdNotify(log *log2.Log, s string) bool {
	ok, err := daemon.SdNotify(false, s)
	if err != nil {
		log.Errorf("sdnotify state=%s err=%v", s, errors.ErrorStack(err))
	}
	return ok
}
