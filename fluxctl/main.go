package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/docopt/docopt-go"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fluxfactory/flux-go-sdk/flux"
)

const FluxCtlVersion = "0.1.0"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := fmt.Sprintf(
		`Flux datatable control.

The default urls are:
    api_url: %s

The api url and token default to $FLUX_URL and $FLUX_TOKEN.
When no token is given and stdin is a terminal, the token is prompted for.

Usage:
    fluxctl whoami [--api_url=<api_url>] [--id_token=<id_token>] [--token=<token>]
    fluxctl capabilities <project_id> [--api_url=<api_url>] [--token=<token>]
    fluxctl cells <project_id> [--api_url=<api_url>] [--token=<token>]
    fluxctl cell get <project_id> <cell_id>... [--api_url=<api_url>] [--token=<token>]
    fluxctl cell set <project_id> <cell_id> <value>
        [--label=<label>] [--description=<description>]
        [--api_url=<api_url>] [--token=<token>]
    fluxctl cell delete <project_id> <cell_id>... [--api_url=<api_url>] [--token=<token>]
    fluxctl watch <project_id>...
        [--types=<types>]
        [--cookies_file=<path>]
        [--metrics_addr=<addr>]
        [--api_url=<api_url>] [--token=<token>]

Options:
    -h --help                        Show this screen.
    --version                        Show version.
    --api_url=<api_url>
    --token=<token>                  Your flux token.
    --id_token=<id_token>            An openid connect id token to decode.
    --label=<label>                  Client metadata label.
    --description=<description>      Client metadata description.
    --types=<types>                  Comma separated notification types [default: __ALL__].
    --cookies_file=<path>            YAML cookies. Changes are applied to the live connections.
    --metrics_addr=<addr>            Serve prometheus metrics on this address.`,
		flux.DefaultApiUrl,
	)

	opts, err := docopt.ParseArgs(usage, os.Args[1:], FluxCtlVersion)
	if err != nil {
		panic(err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGQUIT, syscall.SIGTERM)
	defer stop()

	if whoami_, _ := opts.Bool("whoami"); whoami_ {
		err = whoami(ctx, opts)
	} else if capabilities_, _ := opts.Bool("capabilities"); capabilities_ {
		err = capabilities(ctx, opts)
	} else if cells_, _ := opts.Bool("cells"); cells_ {
		err = cells(ctx, opts)
	} else if cell_, _ := opts.Bool("cell"); cell_ {
		if get_, _ := opts.Bool("get"); get_ {
			err = cellGet(ctx, opts)
		} else if set_, _ := opts.Bool("set"); set_ {
			err = cellSet(ctx, opts)
		} else if delete_, _ := opts.Bool("delete"); delete_ {
			err = cellDelete(ctx, opts)
		}
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		err = watch(ctx, opts)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		Err.Printf("%s\n", err)
		os.Exit(1)
	}
	os.Exit(0)
}

func apiUrl(opts docopt.Opts) string {
	if apiUrlAny := opts["--api_url"]; apiUrlAny != nil {
		return apiUrlAny.(string)
	}
	if apiUrl := os.Getenv("FLUX_URL"); apiUrl != "" {
		return apiUrl
	}
	return flux.DefaultApiUrl
}

func token(opts docopt.Opts) (string, error) {
	if tokenAny := opts["--token"]; tokenAny != nil {
		return tokenAny.(string), nil
	}
	if token := os.Getenv("FLUX_TOKEN"); token != "" {
		return token, nil
	}
	if !term.IsTerminal(int(syscall.Stdin)) {
		return "", nil
	}
	fmt.Fprint(os.Stderr, "Enter token: ")
	tokenBytes, err := term.ReadPassword(int(syscall.Stdin))
	fmt.Fprint(os.Stderr, "\n")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(tokenBytes)), nil
}

func newApi(ctx context.Context, opts docopt.Opts) (*flux.FluxApi, error) {
	host, err := os.Hostname()
	if err != nil {
		host = "fluxctl"
	}
	settings := flux.DefaultApiSettings()
	settings.ClientInfo = flux.NewClientInfo(host, FluxCtlVersion)
	return flux.NewFluxApiWithContext(ctx, apiUrl(opts), settings)
}

// cookies from the cookies file when given, otherwise from the token
func cookies(opts docopt.Opts) ([]*http.Cookie, error) {
	if cookiesFileAny := opts["--cookies_file"]; cookiesFileAny != nil {
		return readCookiesFile(cookiesFileAny.(string))
	}
	token_, err := token(opts)
	if err != nil {
		return nil, err
	}
	return flux.NewSessionCookies(apiUrl(opts), "", token_)
}

func newSession(ctx context.Context, opts docopt.Opts) (*flux.Session, error) {
	api, err := newApi(ctx, opts)
	if err != nil {
		return nil, err
	}
	cookies_, err := cookies(opts)
	if err != nil {
		return nil, err
	}
	if len(cookies_) == 0 {
		return nil, flux.ErrNoCredentials
	}
	return flux.NewSessionWithDefaults(ctx, api, cookies_), nil
}

func printJson(v any) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	Out.Printf("%s\n", out)
	return nil
}

func whoami(ctx context.Context, opts docopt.Opts) error {
	if idTokenAny := opts["--id_token"]; idTokenAny != nil {
		idToken, err := flux.ParseIdTokenUnverified(idTokenAny.(string))
		if err != nil {
			return err
		}
		if err := printJson(idToken); err != nil {
			return err
		}
		if idToken.Expired(time.Now()) {
			Err.Printf("id token expired at %s\n", idToken.ExpiresAt)
		}
		if opts["--token"] == nil && os.Getenv("FLUX_TOKEN") == "" {
			return nil
		}
	}

	session, err := newSession(ctx, opts)
	if err != nil {
		return err
	}
	defer session.Close()

	user, err := session.WhoAmI(ctx)
	if err != nil {
		return err
	}
	return printJson(user)
}

func capabilities(ctx context.Context, opts docopt.Opts) error {
	projectId := projectIds(opts)[0]

	session, err := newSession(ctx, opts)
	if err != nil {
		return err
	}
	defer session.Close()

	capability, err := session.Api().GetCapabilitiesSync(ctx, projectId)
	if err != nil {
		return err
	}
	Out.Printf("%s\n", capability)
	return nil
}

func cells(ctx context.Context, opts docopt.Opts) error {
	projectId := projectIds(opts)[0]

	session, err := newSession(ctx, opts)
	if err != nil {
		return err
	}
	defer session.Close()

	cells_, err := session.Api().ListCellsSync(ctx, projectId, flux.NewNoopApiCallback[[]*flux.CellSummary]())
	if err != nil {
		return err
	}
	return printJson(cells_)
}

func cellIds(opts docopt.Opts) []string {
	switch v := opts["<cell_id>"].(type) {
	case []string:
		return v
	case string:
		return []string{v}
	default:
		return nil
	}
}

func cellGet(ctx context.Context, opts docopt.Opts) error {
	projectId := projectIds(opts)[0]

	session, err := newSession(ctx, opts)
	if err != nil {
		return err
	}
	defer session.Close()

	for _, cellId := range cellIds(opts) {
		value, err := session.Api().GetCellSync(ctx, projectId, cellId)
		if err != nil {
			return fmt.Errorf("%s: %w", cellId, err)
		}
		if err := printJson(value); err != nil {
			return err
		}
	}
	return nil
}

// values that are not json are sent as json strings
func cellValue(value string) json.RawMessage {
	if json.Valid([]byte(value)) {
		return json.RawMessage(value)
	}
	valueJson, _ := json.Marshal(value)
	return json.RawMessage(valueJson)
}

func cellSet(ctx context.Context, opts docopt.Opts) error {
	projectId := projectIds(opts)[0]
	cellId := cellIds(opts)[0]
	value, _ := opts.String("<value>")

	var clientMetadata *flux.ClientMetadata
	label, labelErr := opts.String("--label")
	description, descriptionErr := opts.String("--description")
	if labelErr == nil || descriptionErr == nil {
		clientMetadata = &flux.ClientMetadata{
			Label:       label,
			Description: description,
		}
	}

	session, err := newSession(ctx, opts)
	if err != nil {
		return err
	}
	defer session.Close()

	if clientMetadata != nil {
		capability, err := session.Api().GetCapabilitiesSync(ctx, projectId)
		if err != nil {
			return err
		}
		if !capability.Has(flux.CapabilityClientMetadata) {
			return fmt.Errorf("%w: %s", flux.ErrUnsupportedCapability, flux.CapabilityClientMetadata)
		}
	}

	cell, err := session.Api().SetCellSync(ctx, projectId, cellId, cellValue(value), clientMetadata)
	if err != nil {
		return err
	}
	return printJson(cell)
}

func cellDelete(ctx context.Context, opts docopt.Opts) error {
	projectId := projectIds(opts)[0]

	session, err := newSession(ctx, opts)
	if err != nil {
		return err
	}
	defer session.Close()

	for _, cellId := range cellIds(opts) {
		cell, err := session.Api().DeleteCellSync(ctx, projectId, cellId)
		if err != nil {
			return fmt.Errorf("%s: %w", cellId, err)
		}
		Out.Printf("deleted %s\n", cell.CellId)
	}
	return nil
}

func projectIds(opts docopt.Opts) []string {
	switch v := opts["<project_id>"].(type) {
	case []string:
		return v
	case string:
		return []string{v}
	default:
		return nil
	}
}

func watch(ctx context.Context, opts docopt.Opts) error {
	typesStr, _ := opts.String("--types")
	types, err := flux.ParseNotificationTypes(typesStr)
	if err != nil {
		return err
	}

	session, err := newSession(ctx, opts)
	if err != nil {
		return err
	}
	defer session.Close()

	if cookiesFileAny := opts["--cookies_file"]; cookiesFileAny != nil {
		err := watchCookiesFile(ctx, cookiesFileAny.(string), func(cookies []*http.Cookie) {
			Err.Printf("[cookies]update %d cookies\n", len(cookies))
			session.SetCookies(cookies)
		})
		if err != nil {
			return err
		}
	}

	if metricsAddrAny := opts["--metrics_addr"]; metricsAddrAny != nil {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		metricsServer := &http.Server{
			Addr:    metricsAddrAny.(string),
			Handler: mux,
		}
		defer metricsServer.Close()
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				Err.Printf("[metrics]%s\n", err)
			}
		}()
	}

	group, groupCtx := errgroup.WithContext(ctx)
	for _, projectId := range projectIds(opts) {
		dataTable, err := session.DataTable(projectId)
		if err != nil {
			return err
		}
		group.Go(func() error {
			return watchDataTable(groupCtx, dataTable, types)
		})
	}
	return group.Wait()
}

// prints notifications until ctx is done or the datatable stops with a terminal error
func watchDataTable(ctx context.Context, dataTable *flux.DataTable, types flux.NotificationType) error {
	projectId := dataTable.ProjectId()
	terminal := make(chan error, 1)

	dataTable.AddNotificationCallback(func(notification *flux.Notification) {
		Out.Printf("%s %s %s\n", projectId, notification.CellEvent.Type, notification.CellInfo)
	})
	dataTable.AddErrorCallback(func(errorMessage *flux.ErrorMessage) {
		Err.Printf("%s error = %s\n", projectId, errorMessage.Message)
		if errorMessage.Terminal {
			select {
			case terminal <- errorMessage:
			default:
			}
		}
	})
	dataTable.AddReconnectedCallback(func() {
		// notifications missed while disconnected are not replayed
		go func() {
			if err := dataTable.LoadAll(ctx); err != nil {
				Err.Printf("%s reload error = %s\n", projectId, err)
			}
		}()
	})

	if err := dataTable.Subscribe(ctx, types); err != nil {
		return fmt.Errorf("%s: %w", projectId, err)
	}
	if err := dataTable.LoadAll(ctx); err != nil {
		return fmt.Errorf("%s: %w", projectId, err)
	}
	cells_, err := dataTable.Cells(ctx)
	if err != nil {
		return fmt.Errorf("%s: %w", projectId, err)
	}
	Out.Printf("%s %d cells (%s)\n", projectId, len(cells_), dataTable.SubscribedTypes())
	for _, cell := range cells_ {
		Out.Printf("%s %s\n", projectId, cell)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-terminal:
		return fmt.Errorf("%s: %w", projectId, err)
	}
}
