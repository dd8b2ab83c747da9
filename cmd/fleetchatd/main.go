package main

import (
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/matheus3301/fleetchat/internal/daemon"
	"github.com/matheus3301/fleetchat/internal/profile"
	"go.uber.org/fx"
)

// listFlag collects a repeatable string flag.
type listFlag []string

func (l *listFlag) String() string { return strings.Join(*l, ",") }

func (l *listFlag) Set(v string) error {
	if v == "" {
		return fmt.Errorf("empty conversation id")
	}
	*l = append(*l, v)
	return nil
}

func main() {
	profileFlag := flag.String("profile", "", "profile name (overrides $FLEETCHAT_PROFILE and the config default)")
	var conversations listFlag
	flag.Var(&conversations, "conversation", "conversation id to keep active (repeatable)")
	flag.Parse()

	profileName, err := profile.Resolve(*profileFlag)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	app := fx.New(
		daemon.Module(daemon.Params{
			ProfileName:   profileName,
			Conversations: conversations,
		}),
	)

	app.Run()
}
