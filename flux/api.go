package flux

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"runtime"
	"strings"
	"sync"
	"time"

	"github.com/golang/glog"
)

const DefaultApiUrl = "https://flux.io/"

const defaultHttpTimeout = 60 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

const (
	HeaderRequestMarker  = "Flux-Request-Marker"
	HeaderRequestToken   = "Flux-Request-Token"
	HeaderPluginPlatform = "Flux-Plugin-Platform"
	HeaderPluginHost     = "Flux-Plugin-Host"
	HeaderPluginVersion  = "Flux-Plugin-Version"
	HeaderOptions        = "Flux-Options"
)

// the cookie that carries the request token mirrored into `Flux-Request-Token`
const CookieTokenName = "flux_token"

const webSocketReason = "unified"

func defaultClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R], 1)
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// identifies the calling application to the service
type ClientInfo struct {
	OS                   string            `json:"OS,omitempty"`
	SDKName              string            `json:"SDKName,omitempty"`
	SDKVersion           string            `json:"SDKVersion,omitempty"`
	ClientId             string            `json:"ClientId,omitempty"`
	ClientName           string            `json:"ClientName,omitempty"`
	ClientVersion        string            `json:"ClientVersion,omitempty"`
	AdditionalClientData map[string]string `json:"AdditionalClientData,omitempty"`
}

func NewClientInfo(clientId string, clientVersion string) *ClientInfo {
	return &ClientInfo{
		OS:            runtime.GOOS,
		SDKName:       "flux-go-sdk",
		SDKVersion:    SdkVersion,
		ClientId:      clientId,
		ClientVersion: clientVersion,
	}
}

type ApiSettings struct {
	HttpClient *http.Client
	ClientInfo *ClientInfo
}

func DefaultApiSettings() *ApiSettings {
	return &ApiSettings{
		HttpClient: defaultClient(),
		ClientInfo: NewClientInfo("", ""),
	}
}

// the plain request/response layer
type FluxApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl   *url.URL
	settings *ApiSettings

	stateLock sync.Mutex
	cookies   []*http.Cookie
}

func NewFluxApi(apiUrl string) (*FluxApi, error) {
	return NewFluxApiWithContext(context.Background(), apiUrl, DefaultApiSettings())
}

func NewFluxApiWithContext(ctx context.Context, apiUrl string, settings *ApiSettings) (*FluxApi, error) {
	if !strings.HasSuffix(apiUrl, "/") {
		apiUrl = apiUrl + "/"
	}
	u, err := url.Parse(apiUrl)
	if err != nil {
		return nil, err
	}
	cancelCtx, cancel := context.WithCancel(ctx)
	return &FluxApi{
		ctx:      cancelCtx,
		cancel:   cancel,
		apiUrl:   u,
		settings: settings,
	}, nil
}

// this gets attached to api calls that need it
func (self *FluxApi) SetCookies(cookies []*http.Cookie) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.cookies = cloneCookies(cookies)
}

func (self *FluxApi) Cookies() []*http.Cookie {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return cloneCookies(self.cookies)
}

func (self *FluxApi) ApiUrl() string {
	return self.apiUrl.String()
}

func (self *FluxApi) Close() {
	self.cancel()
}

func (self *FluxApi) url(pathFormat string, a ...any) string {
	escaped := make([]any, 0, len(a))
	for _, v := range a {
		escaped = append(escaped, url.PathEscape(fmt.Sprint(v)))
	}
	ref, _ := url.Parse(fmt.Sprintf(pathFormat, escaped...))
	return self.apiUrl.ResolveReference(ref).String()
}

func (self *FluxApi) request(cookies []*http.Cookie) *apiRequest {
	return &apiRequest{
		client:     self.settings.HttpClient,
		clientInfo: self.settings.ClientInfo,
		cookies:    cookies,
	}
}

type webSocketAddress struct {
	Address string `json:"wsAddr"`
}

type ResolveSocketUrlCallback apiCallback[string]

func (self *FluxApi) ResolveSocketUrl(projectId string, callback ResolveSocketUrlCallback) {
	go self.ResolveSocketUrlWithCallback(self.ctx, projectId, self.Cookies(), callback)
}

// `EndpointResolver` implementation
func (self *FluxApi) ResolveSocketUrlSync(ctx context.Context, projectId string, cookies []*http.Cookie) (string, error) {
	return self.ResolveSocketUrlWithCallback(ctx, projectId, cookies, NewNoopApiCallback[string]())
}

func (self *FluxApi) ResolveSocketUrlWithCallback(ctx context.Context, projectId string, cookies []*http.Cookie, callback ResolveSocketUrlCallback) (string, error) {
	r := self.request(cookies)
	r.header("projectId", projectId)
	address, err := get(
		ctx,
		r,
		self.url("p/%s/api/datatable/v1/websocket?reason="+webSocketReason, projectId),
		&webSocketAddress{},
		NewNoopApiCallback[*webSocketAddress](),
	)
	if err != nil {
		callback.Result("", err)
		return "", err
	}
	if address == nil || address.Address == "" {
		err = &ProtocolParseError{Err: errors.New("empty websocket address")}
		callback.Result("", err)
		return "", err
	}
	callback.Result(address.Address, nil)
	return address.Address, nil
}

type ListCellsCallback apiCallback[[]*CellSummary]

func (self *FluxApi) ListCells(projectId string, callback ListCellsCallback) {
	go self.ListCellsSync(self.ctx, projectId, callback)
}

func (self *FluxApi) ListCellsSync(ctx context.Context, projectId string, callback ListCellsCallback) ([]*CellSummary, error) {
	r := self.request(self.Cookies())
	r.optHeader()
	cells := []*CellSummary{}
	return get[[]*CellSummary](
		ctx,
		r,
		self.url("p/%s/api/datatable/v1/cells", projectId),
		cells,
		callback,
	)
}

func (self *FluxApi) GetCapabilitiesSync(ctx context.Context, projectId string) (Capability, error) {
	r := self.request(self.Cookies())
	r.optHeader()
	names, err := get(
		ctx,
		r,
		self.url("p/%s/api/datatable/v1/capability", projectId),
		[]string{},
		NewNoopApiCallback[[]string](),
	)
	if err != nil {
		return CapabilityNone, err
	}
	return ParseCapabilities(names), nil
}

type cellValueArgs struct {
	Value          json.RawMessage `json:"value"`
	ClientMetadata *ClientMetadata `json:"ClientMetadata,omitempty"`
}

type cellValueResult struct {
	CellSummary
	Value json.RawMessage `json:"value,omitempty"`
}

func (self *FluxApi) GetCellSync(ctx context.Context, projectId string, cellId string) (*CellValue, error) {
	r := self.request(self.Cookies())
	r.optHeader()
	result, err := get(
		ctx,
		r,
		self.url("p/%s/api/datatable/v1/cells/%s", projectId, cellId),
		&cellValueResult{},
		NewNoopApiCallback[*cellValueResult](),
	)
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, &ProtocolParseError{Err: errors.New("empty cell value")}
	}
	cellInfo := result.CellSummary
	return &CellValue{
		CellInfo: &cellInfo,
		Value:    result.Value,
	}, nil
}

// `value` must be json
func (self *FluxApi) SetCellSync(ctx context.Context, projectId string, cellId string, value json.RawMessage, clientMetadata *ClientMetadata) (*CellSummary, error) {
	r := self.request(self.Cookies())
	r.optHeader()
	return post(
		ctx,
		r,
		http.MethodPost,
		self.url("p/%s/api/datatable/v1/cells/%s", projectId, cellId),
		&cellValueArgs{
			Value:          value,
			ClientMetadata: clientMetadata,
		},
		&CellSummary{},
		NewNoopApiCallback[*CellSummary](),
	)
}

func (self *FluxApi) DeleteCellSync(ctx context.Context, projectId string, cellId string) (*CellSummary, error) {
	r := self.request(self.Cookies())
	r.optHeader()
	return post(
		ctx,
		r,
		http.MethodDelete,
		self.url("p/%s/api/datatable/v1/cells/%s", projectId, cellId),
		nil,
		&CellSummary{},
		NewNoopApiCallback[*CellSummary](),
	)
}

type WhoAmIResult struct {
	Id        string `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Email     string `json:"email"`
	Kind      string `json:"kind"`
}

type WhoAmICallback apiCallback[*WhoAmIResult]

func (self *FluxApi) WhoAmI(callback WhoAmICallback) {
	go get[*WhoAmIResult](
		self.ctx,
		self.request(self.Cookies()),
		self.url("api/v1/users/me"),
		&WhoAmIResult{},
		callback,
	)
}

type apiRequest struct {
	client     *http.Client
	clientInfo *ClientInfo
	cookies    []*http.Cookie
	headers    http.Header
}

func (self *apiRequest) header(name string, value string) {
	if self.headers == nil {
		self.headers = http.Header{}
	}
	self.headers.Add(name, value)
}

// attaches client info as the base64 json `Flux-Options` header
func (self *apiRequest) optHeader() {
	if self.clientInfo == nil {
		return
	}
	optJson, err := json.Marshal(map[string]any{
		"ClientInfo": self.clientInfo,
	})
	if err != nil {
		return
	}
	self.header(HeaderOptions, base64.StdEncoding.EncodeToString(optJson))
}

func (self *apiRequest) apply(req *http.Request) {
	req.Header.Add("Accept", "application/json")
	req.Header.Add(HeaderRequestMarker, "1")
	if self.clientInfo != nil {
		if self.clientInfo.OS != "" {
			req.Header.Add(HeaderPluginPlatform, self.clientInfo.OS)
		}
		if self.clientInfo.ClientId != "" {
			req.Header.Add(HeaderPluginHost, self.clientInfo.ClientId)
		}
		if self.clientInfo.ClientVersion != "" {
			req.Header.Add(HeaderPluginVersion, self.clientInfo.ClientVersion)
		}
	}
	for _, cookie := range self.cookies {
		req.AddCookie(cookie)
		if cookie.Name == CookieTokenName {
			req.Header.Add(HeaderRequestToken, cookie.Value)
		}
	}
	for name, values := range self.headers {
		for _, value := range values {
			req.Header.Add(name, value)
		}
	}
}

func (self *apiRequest) do(req *http.Request) ([]byte, error) {
	self.apply(req)

	glog.V(2).Infof("[api]%s %s\n", req.Method, req.URL)

	client := self.client
	if client == nil {
		client = defaultClient()
	}
	r, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, &ConnectionError{Err: err}
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if http.StatusOK != r.StatusCode {
		// the response body is the error message
		errorMessage := strings.TrimSpace(string(responseBodyBytes))
		glog.Infof("[api]%s %s = %d %s\n", req.Method, req.URL, r.StatusCode, errorMessage)
		return nil, &ApiError{
			StatusCode: r.StatusCode,
			Message:    errorMessage,
		}
	}
	if err != nil {
		return nil, &ConnectionError{Err: err}
	}
	return responseBodyBytes, nil
}

func post[R any](ctx context.Context, r *apiRequest, method string, url string, args any, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}
	req.Header.Add("Content-Type", "application/json")

	responseBodyBytes, err := r.do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	if 0 < len(responseBodyBytes) {
		err = unmarshalResult(responseBodyBytes, &result)
		if err != nil {
			var empty R
			err = &ProtocolParseError{Frame: string(responseBodyBytes), Err: err}
			callback.Result(empty, err)
			return empty, err
		}
	}

	callback.Result(result, nil)
	return result, nil
}

func get[R any](ctx context.Context, r *apiRequest, url string, result R, callback apiCallback[R]) (R, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	responseBodyBytes, err := r.do(req)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	err = unmarshalResult(responseBodyBytes, &result)
	if err != nil {
		var empty R
		err = &ProtocolParseError{Frame: string(responseBodyBytes), Err: err}
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}

var errNullResult = errors.New("null result")

// a json `null` body would leave pointer results nil, so it is rejected
func unmarshalResult(data []byte, result any) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return errNullResult
	}
	return json.Unmarshal(data, result)
}

func cloneCookies(cookies []*http.Cookie) []*http.Cookie {
	if cookies == nil {
		return nil
	}
	clone := make([]*http.Cookie, 0, len(cookies))
	for _, cookie := range cookies {
		c := *cookie
		clone = append(clone, &c)
	}
	return clone
}

// the `Cookie` header value for a websocket handshake
func cookieHeader(cookies []*http.Cookie) string {
	req := &http.Request{Header: http.Header{}}
	for _, cookie := range cookies {
		req.AddCookie(cookie)
	}
	return req.Header.Get("Cookie")
}
