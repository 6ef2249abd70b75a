package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/spf13/viper"

	"github.com/atelierhq/canvas/canvas"
)

const CanvasCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Canvas control.

Values for --api_url, --ws_host and --jwt fall back to the config file
(~/.canvasctl.yaml, keys api_url, ws_host, jwt). A missing jwt is prompted
for on the terminal.

Usage:
    canvasctl snapshot --canvas=<canvas_id>
        [--api_url=<api_url>] [--jwt=<jwt>]
    canvasctl submit --canvas=<canvas_id> --ops=<ops_file>
        [--actor=<actor_id>]
        [--api_url=<api_url>] [--jwt=<jwt>]
    canvasctl tail --canvas=<canvas_id>
        [--count=<count>] [--last_event_id=<last_event_id>]
        [--api_url=<api_url>] [--jwt=<jwt>]
    canvasctl gesture --canvas=<canvas_id> --kind=<kind>
        [--data=<data_json>]
        [--api_url=<api_url>] [--ws_host=<ws_host>] [--jwt=<jwt>]
    canvasctl upload --canvas=<canvas_id> <file>
        [--content_type=<content_type>]
        [--api_url=<api_url>] [--jwt=<jwt>]
    canvasctl registries --namespace=<namespace>
        [--api_url=<api_url>] [--jwt=<jwt>]
    canvasctl tools
        [--api_url=<api_url>] [--jwt=<jwt>]

Options:
    -h --help                         Show this screen.
    --version                         Show version.
    --api_url=<api_url>               Engines api url.
    --ws_host=<ws_host>               Gesture websocket host, e.g. wss://ws.example.com
    --jwt=<jwt>                       Your session JWT.
    --canvas=<canvas_id>              Canvas document id.
    --actor=<actor_id>                Actor id for submitted ops. Defaults to a new id.
    --ops=<ops_file>                  Path to a json file holding an op list.
    --count=<count>                   Print this many events then exit.
    --last_event_id=<last_event_id>   Resume the stream from this position.
    --data=<data_json>                Gesture data as json.
    --content_type=<content_type>     Content type of the uploaded file.
    --namespace=<namespace>           Registry namespace.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], CanvasCtlVersion)
	if err != nil {
		panic(err)
	}

	if snapshot_, _ := opts.Bool("snapshot"); snapshot_ {
		snapshot(opts)
	} else if submit_, _ := opts.Bool("submit"); submit_ {
		submit(opts)
	} else if tail_, _ := opts.Bool("tail"); tail_ {
		tail(opts)
	} else if gesture_, _ := opts.Bool("gesture"); gesture_ {
		gesture(opts)
	} else if upload_, _ := opts.Bool("upload"); upload_ {
		upload(opts)
	} else if registries_, _ := opts.Bool("registries"); registries_ {
		registries(opts)
	} else if tools_, _ := opts.Bool("tools"); tools_ {
		tools(opts)
	}
}

func loadConfig() *viper.Viper {
	config := viper.New()
	config.SetConfigName(".canvasctl")
	config.SetConfigType("yaml")
	if home, err := os.UserHomeDir(); err == nil {
		config.AddConfigPath(home)
	}
	config.AddConfigPath(".")
	config.SetEnvPrefix("canvasctl")
	config.AutomaticEnv()
	config.SetDefault("api_url", "https://api.canvas.atelierhq.com")
	config.ReadInConfig()
	return config
}

func configValue(opts docopt.Opts, config *viper.Viper, key string) string {
	if value, err := opts.String(fmt.Sprintf("--%s", key)); err == nil && value != "" {
		return value
	}
	return config.GetString(key)
}

func sessionJwt(opts docopt.Opts, config *viper.Viper) string {
	jwt := configValue(opts, config, "jwt")
	if jwt != "" {
		return jwt
	}
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		Err.Fatalf("No jwt. Pass --jwt, set it in the config file or run on a terminal.")
	}
	fmt.Fprint(os.Stderr, "jwt: ")
	jwtBytes, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		Err.Fatalf("Could not read jwt (%s).", err)
	}
	return string(jwtBytes)
}

func newApi(ctx context.Context, opts docopt.Opts, config *viper.Viper) *canvas.EnginesApi {
	api := canvas.NewEnginesApiWithContext(ctx, configValue(opts, config, "api_url"))
	api.SetAuth(canvas.NewSessionAuth(sessionJwt(opts, config)))
	return api
}

func canvasId(opts docopt.Opts) canvas.Id {
	canvasIdStr, _ := opts.String("--canvas")
	canvasId, err := canvas.ParseId(canvasIdStr)
	if err != nil {
		Err.Fatalf("Invalid canvas id (%s).", err)
	}
	return canvasId
}

func actorId(opts docopt.Opts) canvas.Id {
	actorIdStr, _ := opts.String("--actor")
	if actorIdStr == "" {
		return canvas.NewId()
	}
	actorId, err := canvas.ParseId(actorIdStr)
	if err != nil {
		Err.Fatalf("Invalid actor id (%s).", err)
	}
	return actorId
}

func printJson(value any) {
	valueJson, err := json.MarshalIndent(value, "", "    ")
	if err != nil {
		Err.Fatalf("Could not encode result (%s).", err)
	}
	Out.Printf("%s", valueJson)
}

func snapshot(opts docopt.Opts) {
	config := loadConfig()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := newApi(cancelCtx, opts, config)
	defer api.Close()

	timeoutCtx, timeoutCancel := context.WithTimeout(cancelCtx, 30*time.Second)
	defer timeoutCancel()
	snapshot, err := api.SnapshotSync(timeoutCtx, canvasId(opts))
	if err != nil {
		Err.Fatalf("Snapshot failed (%s).", err)
	}
	printJson(snapshot)
}

func submit(opts docopt.Opts) {
	config := loadConfig()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := newApi(cancelCtx, opts, config)
	defer api.Close()

	opsPath, _ := opts.String("--ops")
	opsJson, err := os.ReadFile(opsPath)
	if err != nil {
		Err.Fatalf("Could not read ops file (%s).", err)
	}
	var ops canvas.OpList
	if err := json.Unmarshal(opsJson, &ops); err != nil {
		Err.Fatalf("Could not parse ops file (%s).", err)
	}

	documentId := canvasId(opts)
	document := canvas.NewDocumentModel(documentId)
	safety := canvas.NewSafetyMonitor()
	submitter := canvas.NewCommandSubmitterWithDefaults(cancelCtx, api, document, safety)
	defer submitter.Close()

	timeoutCtx, timeoutCancel := context.WithTimeout(cancelCtx, 30*time.Second)
	defer timeoutCancel()
	snapshot, err := api.SnapshotSync(timeoutCtx, documentId)
	if err != nil {
		Err.Fatalf("Snapshot failed (%s).", err)
	}
	if err := document.Seed(snapshot); err != nil {
		Err.Fatalf("Seed failed (%s).", err)
	}

	response, err := submitter.Submit(canvas.NewCommand(actorId(opts), ops...))
	if err != nil {
		Err.Fatalf("Submit failed (%s).", err)
	}
	printJson(response)
}

func tail(opts docopt.Opts) {
	config := loadConfig()

	var eventCount int
	if eventCount_, err := opts.Int("--count"); err == nil {
		eventCount = eventCount_
	} else {
		eventCount = -1
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := newApi(cancelCtx, opts, config)
	defer api.Close()

	receiver := canvas.NewEventReceiverWithDefaults(cancelCtx, api, canvasId(opts))
	defer receiver.Close()
	if lastEventId, _ := opts.String("--last_event_id"); lastEventId != "" {
		receiver.SetLastEventId(lastEventId)
	}

	done := make(chan struct{})
	printed := 0
	receiver.AddEventCallback(func(event *canvas.StreamEvent) {
		eventJson, err := json.Marshal(event)
		if err != nil {
			return
		}
		Out.Printf("%s %s %s", event.EventId, event.EventType, eventJson)
		printed += 1
		if 0 <= eventCount && eventCount <= printed {
			close(done)
		}
	})
	receiver.AddStateCallback(func(state canvas.ChannelState) {
		Err.Printf("stream %s", state)
	})

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-done:
	case <-stop:
	}
}

func gesture(opts docopt.Opts) {
	config := loadConfig()

	wsHost := configValue(opts, config, "ws_host")
	if wsHost == "" {
		Err.Fatalf("No ws_host. Pass --ws_host or set it in the config file.")
	}

	kind, _ := opts.String("--kind")
	data := map[string]any{}
	if dataJson, _ := opts.String("--data"); dataJson != "" {
		if err := json.Unmarshal([]byte(dataJson), &data); err != nil {
			Err.Fatalf("Could not parse data json (%s).", err)
		}
	}

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	jwt := sessionJwt(opts, config)

	// the session jwt doubles as the connection ticket
	channel := canvas.NewGestureChannelWithDefaults(
		cancelCtx,
		wsHost,
		func(ctx context.Context) (string, error) {
			return jwt, nil
		},
	)
	defer channel.Close()

	connected := make(chan struct{})
	channel.AddStateCallback(func(state canvas.ChannelState) {
		if state.IsActive() {
			select {
			case <-connected:
			default:
				close(connected)
			}
		}
	})

	select {
	case <-connected:
	case <-time.After(30 * time.Second):
		Err.Fatalf("Gesture channel did not connect.")
	}

	sent := channel.Send(&canvas.Gesture{
		Kind:    kind,
		ActorId: actorId(opts),
		Data:    data,
	})
	if !sent {
		Err.Fatalf("Gesture dropped.")
	}
	// give the buffered send a moment to flush
	time.Sleep(1 * time.Second)
	Out.Printf("Sent.")
}

func upload(opts docopt.Opts) {
	config := loadConfig()

	filePath, _ := opts.String("<file>")
	contentType, _ := opts.String("--content_type")

	file, err := os.Open(filePath)
	if err != nil {
		Err.Fatalf("Could not open file (%s).", err)
	}
	defer file.Close()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := newApi(cancelCtx, opts, config)
	defer api.Close()

	timeoutCtx, timeoutCancel := context.WithTimeout(cancelCtx, 5*time.Minute)
	defer timeoutCancel()
	descriptor, err := api.UploadArtifact(timeoutCtx, canvasId(opts), filePath, contentType, file)
	if err != nil {
		Err.Fatalf("Upload failed (%s).", err)
	}
	printJson(descriptor)
}

func registries(opts docopt.Opts) {
	config := loadConfig()

	namespace, _ := opts.String("--namespace")

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := newApi(cancelCtx, opts, config)
	defer api.Close()

	timeoutCtx, timeoutCancel := context.WithTimeout(cancelCtx, 30*time.Second)
	defer timeoutCancel()
	result, err := api.RegistryEntriesSync(timeoutCtx, namespace)
	if err != nil {
		Err.Fatalf("Registry listing failed (%s).", err)
	}
	printJson(result)
}

func tools(opts docopt.Opts) {
	config := loadConfig()

	cancelCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	api := newApi(cancelCtx, opts, config)
	defer api.Close()

	timeoutCtx, timeoutCancel := context.WithTimeout(cancelCtx, 30*time.Second)
	defer timeoutCancel()
	result, err := api.ListToolsSync(timeoutCtx, &canvas.ListToolsArgs{})
	if err != nil {
		Err.Fatalf("Tool listing failed (%s).", err)
	}
	printJson(result)
}
