package cli

import (
	"bytes"
	"context"
	"io/ioutil"
	"os"

	"github.com/c-bata/go-prompt"
	"github.com/falkoschumann/datenverteiler-kernsoftware-sub006/log2"
	"github.com/mattn/go-isatty"
)

// MainLoop runs exec for every input line until stdin ends.
// Interactive terminal gets prompt with completion, otherwise stdin is read as script.
// Context cancel exits the process, go-prompt has no other way out of Run.
func MainLoop(ctx context.Context, log *log2.Log, tag string, exec func(line string), complete func(d prompt.Document) []prompt.Suggest) {
	go func() {
		<-ctx.Done()
		log.Infof("%s interrupted", tag)
		os.Exit(1)
	}()

	if isatty.IsTerminal(os.Stdin.Fd()) {
		prompt.New(exec, complete,
			prompt.OptionPrefix(tag+"> "),
			prompt.OptionTitle(tag),
		).Run()
	} else {
		stdinAll, err := ioutil.ReadAll(os.Stdin)
		if err != nil {
			log.Fatal(err)
		}
		for _, lineb := range bytes.Split(stdinAll, []byte{'\n'}) {
			line := string(bytes.TrimSpace(lineb))
			if line == "" {
				continue
			}
			exec(line)
		}
	}
}
