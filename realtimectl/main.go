package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/caarlos0/env/v11"

	"github.com/docopt/docopt-go"

	"github.com/joho/godotenv"

	"golang.org/x/exp/maps"
	"golang.org/x/exp/slices"

	"golang.org/x/term"

	"github.com/openwave/realtime/realtime"
)

const RealtimeCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

type cliConfig struct {
	ApiUrl string `env:"REALTIME_API_URL" envDefault:"https://api.openwave.io"`
	WsUrl  string `env:"REALTIME_WS_URL" envDefault:"wss://api.openwave.io/ws"`
}

func main() {
	usage := `Realtime control.

The urls are read from REALTIME_API_URL and REALTIME_WS_URL,
or from a .env file in the working directory.

Usage:
    realtimectl login --email=<email> [--password=<password>]
    realtimectl validate --jwt=<jwt>
    realtimectl contacts --jwt=<jwt>
    realtimectl history --jwt=<jwt> --peer=<user_id> [--limit=<limit>]
    realtimectl send --jwt=<jwt> --peer=<user_id> <message>
    realtimectl listen --jwt=<jwt>

Options:
    -h --help            Show this screen.
    --version            Show version.
    --email=<email>
    --password=<password>  Prompted for when omitted.
    --jwt=<jwt>          Your platform JWT.
    --peer=<user_id>     Counterpart user id.
    --limit=<limit>      Number of history entries [default: 50].`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], RealtimeCtlVersion)
	if err != nil {
		panic(err)
	}

	// a missing .env is fine; the environment still applies
	godotenv.Load()
	config := cliConfig{}
	if err := env.Parse(&config); err != nil {
		Err.Fatalf("could not parse environment (%s)", err)
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(opts, &config)
	} else if validate_, _ := opts.Bool("validate"); validate_ {
		validate(opts, &config)
	} else if contacts_, _ := opts.Bool("contacts"); contacts_ {
		contacts(opts, &config)
	} else if history_, _ := opts.Bool("history"); history_ {
		history(opts, &config)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts, &config)
	} else if listen_, _ := opts.Bool("listen"); listen_ {
		listen(opts, &config)
	}
}

// log in and print the jwt
func login(opts docopt.Opts, config *cliConfig) {
	email, _ := opts.String("--email")
	password, _ := opts.String("--password")
	if password == "" {
		fmt.Fprint(os.Stderr, "Password: ")
		passwordBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(os.Stderr)
		if err != nil {
			Err.Fatalf("could not read password (%s)", err)
		}
		password = string(passwordBytes)
	}

	api := realtime.NewApi(config.ApiUrl)
	defer api.Close()

	result, err := api.AuthLoginSync(&realtime.AuthLoginArgs{
		Email:    email,
		Password: password,
	})
	if err != nil {
		Err.Fatalf("login failed (%s)", err)
	}
	if result.Error != nil {
		Err.Fatalf("login failed (%s)", result.Error.Message)
	}
	Out.Printf("%s", result.Token)
}

func validate(opts docopt.Opts, config *cliConfig) {
	jwt, _ := opts.String("--jwt")

	api := realtime.NewApi(config.ApiUrl)
	defer api.Close()
	api.SetByJwt(jwt)

	result, err := api.AuthValidateSync()
	if err != nil {
		Err.Fatalf("validate failed (%s)", err)
	}
	if result.Valid {
		Out.Printf("valid user_id=%s", result.UserId)
	} else {
		Out.Printf("invalid")
	}
}

func contacts(opts docopt.Opts, config *cliConfig) {
	jwt, _ := opts.String("--jwt")

	api := realtime.NewApi(config.ApiUrl)
	defer api.Close()
	api.SetByJwt(jwt)

	contacts, err := api.ChatContactsSync()
	if err != nil {
		Err.Fatalf("contacts failed (%s)", err)
	}
	for _, contact := range contacts {
		online := " "
		if contact.IsOnline {
			online = "*"
		}
		Out.Printf("%s %s (%s %s) unread=%d", online, contact.UserId, contact.FirstName, contact.LastName, contact.UnreadCount)
	}
}

func history(opts docopt.Opts, config *cliConfig) {
	jwt, _ := opts.String("--jwt")
	peerId, _ := opts.String("--peer")
	limit, err := opts.Int("--limit")
	if err != nil {
		limit = 50
	}

	api := realtime.NewApi(config.ApiUrl)
	defer api.Close()
	api.SetByJwt(jwt)

	messages, err := api.ChatMessagesSync(peerId, limit, 0)
	if err != nil {
		Err.Fatalf("history failed (%s)", err)
	}
	for _, message := range messages {
		read := " "
		if message.IsRead {
			read = "r"
		}
		Out.Printf("[%s]%s %s: %s", message.CreatedAt, read, message.SenderId, message.Content)
	}
}

// send one message through the synchronizer, so the temp entry and the
// confirmation follow the same path the app uses
func send(opts docopt.Opts, config *cliConfig) {
	jwt, _ := opts.String("--jwt")
	peerId, _ := opts.String("--peer")
	messageContent, _ := opts.String("<message>")

	session := realtime.NewSession()
	if err := session.SetByJwt(jwt); err != nil {
		Err.Fatalf("invalid jwt (%s)", err)
	}

	api := realtime.NewApi(config.ApiUrl)
	defer api.Close()
	api.SetByJwt(jwt)

	chat := realtime.NewChatSynchronizerWithDefaults(session, realtime.NewDispatcher(), api)
	defer chat.Close()

	message, err := chat.Send(peerId, messageContent)
	if err != nil {
		Err.Fatalf("send failed (%s)", err)
	}
	Out.Printf("sent id=%d", message.Id)
}

// attach to the event stream and print everything until interrupted
func listen(opts docopt.Opts, config *cliConfig) {
	jwt, _ := opts.String("--jwt")

	session := realtime.NewSession()
	if err := session.SetByJwt(jwt); err != nil {
		Err.Fatalf("invalid jwt (%s)", err)
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	dispatcher := realtime.NewDispatcher()
	manager := realtime.NewConnectionManagerWithDefaults(
		cancelCtx,
		session,
		dispatcher,
		config.WsUrl,
	)
	defer manager.Close()

	manager.AddStateChangeCallback(func(indicator realtime.ConnectionIndicator) {
		Out.Printf("| %s", indicator)
	})

	var eventMutex sync.Mutex
	eventCounts := map[realtime.EventType]int{}
	for _, eventType := range []realtime.EventType{
		realtime.EventTypePostCreated,
		realtime.EventTypePostLiked,
		realtime.EventTypeUserStatsUpdated,
		realtime.EventTypeUserStatusUpdate,
		realtime.EventTypePrivateMessage,
		realtime.EventTypeMessagesRead,
		realtime.EventTypeUserTyping,
		realtime.EventTypeNotificationUpdate,
		realtime.EventTypeGroupMessage,
		realtime.EventTypeGroupMessagesRead,
		realtime.EventTypeGroupUserJoined,
		realtime.EventTypeGroupUserLeft,
	} {
		eventType := eventType
		dispatcher.Subscribe(eventType, func(payload json.RawMessage) {
			eventMutex.Lock()
			eventCounts[eventType] += 1
			eventMutex.Unlock()
			Out.Printf("%s %s", eventType, string(payload))
		})
	}

	manager.Connect()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	manager.Disconnect()

	eventMutex.Lock()
	defer eventMutex.Unlock()
	eventTypes := maps.Keys(eventCounts)
	slices.Sort(eventTypes)
	for _, eventType := range eventTypes {
		Out.Printf("%s x%d", eventType, eventCounts[eventType])
	}
}
