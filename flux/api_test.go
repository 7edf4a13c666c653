package flux

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

// serves the datatable api for one or more projects and accepts notification sockets
type testFluxServer struct {
	server *httptest.Server

	mutex        sync.Mutex
	cells        []*CellSummary
	capabilities []string
	// status code per path prefix
	failures map[string]int
	requests []*http.Request
	// when set, socket url requests wait for it to close
	resolveGate chan struct{}

	conns    chan *websocket.Conn
	received chan string
}

func newTestFluxServer(t *testing.T) *testFluxServer {
	server := &testFluxServer{
		capabilities: []string{"METADATA", "CLIENT_METADATA", "NOTIFICATION"},
		failures:     map[string]int{},
		conns:        make(chan *websocket.Conn, 8),
		received:     make(chan string, 64),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /p/{projectId}/api/datatable/v1/websocket", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("reason") != "unified" {
			http.Error(w, "bad reason", http.StatusBadRequest)
			return
		}
		wsAddr := "ws" + strings.TrimPrefix(server.server.URL, "http") + "/ws/" + r.PathValue("projectId")
		json.NewEncoder(w).Encode(map[string]string{"wsAddr": wsAddr})
	})
	mux.HandleFunc("GET /p/{projectId}/api/datatable/v1/cells", func(w http.ResponseWriter, r *http.Request) {
		server.mutex.Lock()
		defer server.mutex.Unlock()
		json.NewEncoder(w).Encode(server.cells)
	})
	mux.HandleFunc("GET /p/{projectId}/api/datatable/v1/capability", func(w http.ResponseWriter, r *http.Request) {
		server.mutex.Lock()
		defer server.mutex.Unlock()
		json.NewEncoder(w).Encode(server.capabilities)
	})
	mux.HandleFunc("GET /p/{projectId}/api/datatable/v1/cells/{cellId}", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"CellId":%q,"ClientMetadata":{"Label":"width"},"value":{"x":1}}`, r.PathValue("cellId"))
	})
	mux.HandleFunc("POST /p/{projectId}/api/datatable/v1/cells/{cellId}", func(w http.ResponseWriter, r *http.Request) {
		args := map[string]json.RawMessage{}
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &args); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		clientMetadata := args["ClientMetadata"]
		if len(clientMetadata) == 0 {
			clientMetadata = json.RawMessage("null")
		}
		fmt.Fprintf(w, `{"CellId":%q,"ClientMetadata":%s}`, r.PathValue("cellId"), clientMetadata)
	})
	mux.HandleFunc("DELETE /p/{projectId}/api/datatable/v1/cells/{cellId}", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"CellId":%q}`, r.PathValue("cellId"))
	})
	mux.HandleFunc("GET /api/v1/users/me", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"id":"u1","first_name":"Ada","last_name":"Lovelace","email":"ada@example.com","kind":"user"}`)
	})
	upgrader := websocket.Upgrader{}
	mux.HandleFunc("GET /ws/{projectId}", func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		server.conns <- ws
		for {
			_, message, err := ws.ReadMessage()
			if err != nil {
				return
			}
			server.received <- string(message)
		}
	})

	server.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		server.mutex.Lock()
		resolveGate := server.resolveGate
		server.mutex.Unlock()
		if resolveGate != nil && strings.HasSuffix(r.URL.Path, "/websocket") {
			<-resolveGate
		}

		server.mutex.Lock()
		server.requests = append(server.requests, r.Clone(context.Background()))
		status := 0
		for prefix, s := range server.failures {
			if strings.HasPrefix(r.URL.Path, prefix) {
				status = s
			}
		}
		server.mutex.Unlock()
		if status != 0 {
			http.Error(w, http.StatusText(status), status)
			return
		}
		mux.ServeHTTP(w, r)
	}))
	t.Cleanup(server.server.Close)
	return server
}

func (self *testFluxServer) SetCells(cells ...*CellSummary) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.cells = cells
}

func (self *testFluxServer) SetCapabilities(capabilities ...string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.capabilities = capabilities
}

func (self *testFluxServer) Fail(pathPrefix string, status int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.failures[pathPrefix] = status
}

func (self *testFluxServer) ClearFailure(pathPrefix string) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	delete(self.failures, pathPrefix)
}

func (self *testFluxServer) LastRequest() *http.Request {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.requests[len(self.requests)-1]
}

func (self *testFluxServer) NextConn(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case ws := <-self.conns:
		t.Cleanup(func() {
			ws.Close()
		})
		return ws
	case <-time.After(testTimeout):
		t.Fatal("timeout")
		return nil
	}
}

func (self *testFluxServer) NextReceived(t *testing.T) string {
	t.Helper()
	select {
	case message := <-self.received:
		return message
	case <-time.After(testTimeout):
		t.Fatal("timeout")
		return ""
	}
}

func newTestApi(t *testing.T, server *testFluxServer) *FluxApi {
	settings := DefaultApiSettings()
	settings.ClientInfo = NewClientInfo("test-host", "1.2.3")
	api, err := NewFluxApiWithContext(context.Background(), server.server.URL, settings)
	assert.Equal(t, err, nil)
	t.Cleanup(api.Close)
	api.SetCookies([]*http.Cookie{
		{Name: CookieAuthName, Value: "access"},
		{Name: CookieTokenName, Value: "ft"},
	})
	return api
}

func TestApiRequestHeaders(t *testing.T) {
	server := newTestFluxServer(t)
	api := newTestApi(t, server)

	capability, err := api.GetCapabilitiesSync(context.Background(), "p1")
	assert.Equal(t, err, nil)
	assert.Equal(t, capability.Has(CapabilityNotification), true)

	r := server.LastRequest()
	assert.Equal(t, r.URL.Path, "/p/p1/api/datatable/v1/capability")
	assert.Equal(t, r.Header.Get(HeaderRequestMarker), "1")
	assert.Equal(t, r.Header.Get(HeaderRequestToken), "ft")
	assert.Equal(t, r.Header.Get(HeaderPluginHost), "test-host")
	assert.Equal(t, r.Header.Get(HeaderPluginVersion), "1.2.3")

	authCookie, err := r.Cookie(CookieAuthName)
	assert.Equal(t, err, nil)
	assert.Equal(t, authCookie.Value, "access")

	optJson, err := base64.StdEncoding.DecodeString(r.Header.Get(HeaderOptions))
	assert.Equal(t, err, nil)
	opt := map[string]*ClientInfo{}
	err = json.Unmarshal(optJson, &opt)
	assert.Equal(t, err, nil)
	assert.Equal(t, opt["ClientInfo"].ClientId, "test-host")
	assert.Equal(t, opt["ClientInfo"].SDKVersion, SdkVersion)
}

func TestApiResolveSocketUrl(t *testing.T) {
	server := newTestFluxServer(t)
	api := newTestApi(t, server)

	wsAddr, err := api.ResolveSocketUrlSync(context.Background(), "p 1", api.Cookies())
	assert.Equal(t, err, nil)
	assert.Equal(t, strings.HasPrefix(wsAddr, "ws://"), true)
	assert.Equal(t, strings.HasSuffix(wsAddr, "/ws/p 1"), true)
	// the project id is path escaped
	assert.Equal(t, server.LastRequest().URL.EscapedPath(), "/p/p%201/api/datatable/v1/websocket")

	callback, c := NewBlockingApiCallback[string]()
	api.ResolveSocketUrl("p2", callback)
	select {
	case result := <-c:
		assert.Equal(t, result.Error, nil)
		assert.Equal(t, strings.HasSuffix(result.Result, "/ws/p2"), true)
	case <-time.After(testTimeout):
		t.Fatal("timeout")
	}
}

func TestApiStatusMapping(t *testing.T) {
	server := newTestFluxServer(t)
	api := newTestApi(t, server)

	for status, kind := range map[int]error{
		http.StatusUnauthorized:        ErrUnauthorized,
		http.StatusForbidden:           ErrForbidden,
		http.StatusNotFound:            ErrNotFound,
		http.StatusServiceUnavailable:  ErrServerUnavailable,
		http.StatusInternalServerError: ErrServerUnavailable,
	} {
		projectId := fmt.Sprintf("status%d", status)
		server.Fail("/p/"+projectId+"/", status)

		_, err := api.ResolveSocketUrlSync(context.Background(), projectId, nil)
		assert.Equal(t, errors.Is(err, kind), true)

		var apiErr *ApiError
		assert.Equal(t, errors.As(err, &apiErr), true)
		assert.Equal(t, apiErr.StatusCode, status)
		assert.Equal(t, apiErr.Message, http.StatusText(status))
	}
}

func TestApiConnectionFailure(t *testing.T) {
	server := newTestFluxServer(t)
	api := newTestApi(t, server)
	server.server.Close()

	_, err := api.ResolveSocketUrlSync(context.Background(), "p1", nil)
	assert.Equal(t, errors.Is(err, ErrConnectionFailure), true)
	assert.Equal(t, IsTerminalConnectError(err), false)
}

func TestApiCells(t *testing.T) {
	server := newTestFluxServer(t)
	server.SetCells(testCell("a", 100), testCell("b", 200))
	api := newTestApi(t, server)
	ctx := context.Background()

	cells, err := api.ListCellsSync(ctx, "p1", NewNoopApiCallback[[]*CellSummary]())
	assert.Equal(t, err, nil)
	assert.Equal(t, testCellIds(cells), []string{"a", "b"})
	assert.Equal(t, cells[1].Metadata.ModifiedAt(), float64(200))

	value, err := api.GetCellSync(ctx, "p1", "c1")
	assert.Equal(t, err, nil)
	assert.Equal(t, value.CellInfo.CellId, "c1")
	assert.Equal(t, value.CellInfo.ClientMetadata.Label, "width")
	assert.Equal(t, string(value.Value), `{"x":1}`)

	cell, err := api.SetCellSync(ctx, "p1", "c1", json.RawMessage(`42`), &ClientMetadata{Label: "height"})
	assert.Equal(t, err, nil)
	assert.Equal(t, cell.CellId, "c1")
	assert.Equal(t, cell.ClientMetadata.Label, "height")
	assert.Equal(t, server.LastRequest().Method, http.MethodPost)

	cell, err = api.DeleteCellSync(ctx, "p1", "c1")
	assert.Equal(t, err, nil)
	assert.Equal(t, cell.CellId, "c1")
	assert.Equal(t, server.LastRequest().Method, http.MethodDelete)
}

func TestApiWhoAmI(t *testing.T) {
	server := newTestFluxServer(t)
	api := newTestApi(t, server)

	callback, c := NewBlockingApiCallback[*WhoAmIResult]()
	api.WhoAmI(callback)
	select {
	case result := <-c:
		assert.Equal(t, result.Error, nil)
		assert.Equal(t, result.Result.Id, "u1")
		assert.Equal(t, result.Result.Email, "ada@example.com")
	case <-time.After(testTimeout):
		t.Fatal("timeout")
	}
}

func TestApiNullResult(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "null")
	}))
	t.Cleanup(server.Close)

	api, err := NewFluxApiWithContext(context.Background(), server.URL, DefaultApiSettings())
	assert.Equal(t, err, nil)
	t.Cleanup(api.Close)
	ctx := context.Background()

	_, err = api.ResolveSocketUrlSync(ctx, "p1", nil)
	assert.Equal(t, errors.Is(err, ErrProtocolParse), true)
	assert.Equal(t, IsTerminalConnectError(err), false)

	_, err = api.GetCellSync(ctx, "p1", "c1")
	assert.Equal(t, errors.Is(err, ErrProtocolParse), true)

	_, err = api.SetCellSync(ctx, "p1", "c1", json.RawMessage(`1`), nil)
	assert.Equal(t, errors.Is(err, ErrProtocolParse), true)

	_, err = api.DeleteCellSync(ctx, "p1", "c1")
	assert.Equal(t, errors.Is(err, ErrProtocolParse), true)

	callback, c := NewBlockingApiCallback[*WhoAmIResult]()
	api.WhoAmI(callback)
	select {
	case result := <-c:
		assert.Equal(t, errors.Is(result.Error, ErrProtocolParse), true)
	case <-time.After(testTimeout):
		t.Fatal("timeout")
	}
}
