package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"golang.org/x/term"

	"github.com/caarlos0/env/v11"

	"github.com/docopt/docopt-go"

	"github.com/praxishq/livequery/livequery"
)

const Version = "0.1.0"

type ctlEnv struct {
	ApiUrl string `env:"API_URL" envDefault:"https://api.praxis.example"`
	WsUrl  string `env:"WS_URL" envDefault:"wss://api.praxis.example/updates"`
	Rules  string `env:"RULES"`
}

func main() {
	usage := `Livequery cache runtime control.

Url defaults come from the API_URL and WS_URL environment variables.
An invalidation rule file can be set with RULES.

Usage:
    livequeryctl login --user_auth=<user_auth> [--password=<password>]
        [--api_url=<api_url>]
    livequeryctl client-id --jwt=<jwt>
    livequeryctl tail --jwt=<jwt>
        [--api_url=<api_url>]
        [--ws_url=<ws_url>]
    livequeryctl get --jwt=<jwt> [--api_url=<api_url>] <segment>...
    livequeryctl invalidate --jwt=<jwt> [--api_url=<api_url>] <segment>...

Options:
    -h --help                   Show this screen.
    --version                   Show version.
    --api_url=<api_url>
    --ws_url=<ws_url>
    --jwt=<jwt>
    --user_auth=<user_auth>
    --password=<password>`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], Version)
	if err != nil {
		panic(err)
	}

	ctlEnv := &ctlEnv{}
	if err := env.Parse(ctlEnv); err != nil {
		panic(err)
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(opts, ctlEnv)
	} else if clientId_, _ := opts.Bool("client-id"); clientId_ {
		clientId(opts)
	} else if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts, ctlEnv)
	} else if get_, _ := opts.Bool("get"); get_ {
		get(opts, ctlEnv)
	} else if invalidate_, _ := opts.Bool("invalidate"); invalidate_ {
		invalidate(opts, ctlEnv)
	}
}

func apiUrl(opts docopt.Opts, ctlEnv *ctlEnv) string {
	if apiUrlAny := opts["--api_url"]; apiUrlAny != nil {
		return apiUrlAny.(string)
	}
	return ctlEnv.ApiUrl
}

func login(opts docopt.Opts, ctlEnv *ctlEnv) {
	userAuth, _ := opts.String("--user_auth")

	var password string
	if passwordAny := opts["--password"]; passwordAny != nil {
		password = passwordAny.(string)
	} else {
		fmt.Print("Password: ")
		passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
		fmt.Println()
		if err != nil {
			panic(err)
		}
		password = string(passwordBytes)
	}

	api := livequery.NewPraxisApi(apiUrl(opts, ctlEnv))
	defer api.Close()

	result, err := api.AuthLoginWithPasswordSync(&livequery.AuthLoginWithPasswordArgs{
		UserAuth: userAuth,
		Password: password,
	})
	if err != nil {
		panic(err)
	}
	if result.Error != nil {
		fmt.Printf("error: %s\n", result.Error.Message)
		os.Exit(1)
	}
	if result.Session == nil {
		fmt.Println("error: no session")
		os.Exit(1)
	}
	fmt.Printf("%s\n", result.Session.ByJwt)
}

func clientId(opts docopt.Opts) {
	jwt, _ := opts.String("--jwt")

	byJwt, err := livequery.ParseByJwtUnverified(jwt)
	if err != nil {
		panic(err)
	}
	fmt.Printf("user_id: %s\n", byJwt.UserId)
	fmt.Printf("user_name: %s\n", byJwt.UserName)
	fmt.Printf("tenant_id: %s\n", byJwt.TenantId)
	fmt.Printf("client_id: %s\n", byJwt.ClientId)
}

func tail(opts docopt.Opts, ctlEnv *ctlEnv) {
	jwt, _ := opts.String("--jwt")

	var wsUrl string
	if wsUrlAny := opts["--ws_url"]; wsUrlAny != nil {
		wsUrl = wsUrlAny.(string)
	} else {
		wsUrl = ctlEnv.WsUrl
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := livequery.NewPraxisApiWithContext(cancelCtx, apiUrl(opts, ctlEnv))
	api.SetByJwt(jwt)

	feed := livequery.NewRealTimeFeedWithDefaults(cancelCtx, wsUrl, jwt, api)
	defer feed.Close()

	feed.AddStateCallback(func(state livequery.FeedState) {
		fmt.Printf("# feed %s\n", state)
	})
	feed.AddEventCallback(func(event *livequery.DomainEvent) {
		eventJson, err := json.Marshal(event)
		if err != nil {
			return
		}
		fmt.Printf("%s\n", eventJson)
	})

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	<-sigs
}

func ctlClient(opts docopt.Opts, ctlEnv *ctlEnv, jwt string) (*livequery.Client, *livequery.PraxisApi) {
	api := livequery.NewPraxisApi(apiUrl(opts, ctlEnv))
	api.SetByJwt(jwt)

	settings := livequery.DefaultClientSettings()
	settings.ByJwt = jwt
	if ctlEnv.Rules != "" {
		rules, warnings, err := livequery.LoadRules(ctlEnv.Rules)
		if err != nil {
			panic(err)
		}
		for _, warning := range warnings {
			fmt.Fprintf(os.Stderr, "# rules: %s\n", warning)
		}
		settings.Rules = rules
	}

	// a one-shot ctl process is a single tab
	hub := livequery.NewMemoryBusHub()
	client := livequery.NewClient(context.Background(), api, hub.OpenBus(), settings)
	return client, api
}

func get(opts docopt.Opts, ctlEnv *ctlEnv) {
	jwt, _ := opts.String("--jwt")
	segments := opts["<segment>"].([]string)

	client, api := ctlClient(opts, ctlEnv, jwt)
	defer client.Close()

	key := livequery.NewQueryKey(segments...)
	query := client.Query(key, api.QueryFetcher())
	data, err := query.Refetch(context.Background())
	if err != nil {
		panic(err)
	}

	dataJson, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		panic(err)
	}
	fmt.Printf("%s\n", dataJson)
	fmt.Printf("# status: %s\n", query.Status())
}

func invalidate(opts docopt.Opts, ctlEnv *ctlEnv) {
	jwt, _ := opts.String("--jwt")
	segments := opts["<segment>"].([]string)

	client, _ := ctlClient(opts, ctlEnv, jwt)
	defer client.Close()

	key := livequery.NewQueryKey(segments...)
	client.Invalidate(key)
	fmt.Printf("invalidated %s\n", key)
}
