package flux

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/maps"
)

// the access token cookie set by a login
const CookieAuthName = "auth"

// NewSessionCookies builds the login cookies for the api host.
func NewSessionCookies(apiUrl string, accessToken string, fluxToken string) ([]*http.Cookie, error) {
	u, err := url.Parse(apiUrl)
	if err != nil {
		return nil, err
	}
	cookies := []*http.Cookie{}
	if accessToken != "" {
		cookies = append(cookies, &http.Cookie{
			Name:   CookieAuthName,
			Value:  accessToken,
			Domain: u.Hostname(),
		})
	}
	if fluxToken != "" {
		cookies = append(cookies, &http.Cookie{
			Name:   CookieTokenName,
			Value:  fluxToken,
			Domain: u.Hostname(),
		})
	}
	return cookies, nil
}

type SessionSettings struct {
	DataTableSettings *DataTableSettings
}

func DefaultSessionSettings() *SessionSettings {
	return &SessionSettings{
		DataTableSettings: DefaultDataTableSettings(),
	}
}

// a signed in user. Owns the credentials and one datatable per project.
// Clearing the credentials closes every datatable.
type Session struct {
	ctx    context.Context
	cancel context.CancelFunc

	api      *FluxApi
	settings *SessionSettings

	stateLock  sync.Mutex
	cookies    []*http.Cookie
	idToken    *IdToken
	dataTables map[string]*DataTable
}

func NewSessionWithDefaults(ctx context.Context, api *FluxApi, cookies []*http.Cookie) *Session {
	return NewSession(ctx, api, cookies, DefaultSessionSettings())
}

func NewSession(ctx context.Context, api *FluxApi, cookies []*http.Cookie, settings *SessionSettings) *Session {
	cancelCtx, cancel := context.WithCancel(ctx)
	api.SetCookies(cookies)
	return &Session{
		ctx:        cancelCtx,
		cancel:     cancel,
		api:        api,
		settings:   settings,
		cookies:    cloneCookies(cookies),
		dataTables: map[string]*DataTable{},
	}
}

func (self *Session) Api() *FluxApi {
	return self.api
}

func (self *Session) Cookies() []*http.Cookie {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return cloneCookies(self.cookies)
}

func (self *Session) IsSignedIn() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return 0 < len(self.cookies)
}

// DataTable returns the datatable for the project, creating it on first use.
func (self *Session) DataTable(projectId string) (*DataTable, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if len(self.cookies) == 0 {
		return nil, ErrNoCredentials
	}
	if dataTable, ok := self.dataTables[projectId]; ok {
		return dataTable, nil
	}
	dataTable := NewDataTable(self.ctx, self.api, projectId, self.settings.DataTableSettings)
	self.dataTables[projectId] = dataTable
	glog.V(1).Infof("[s]open datatable %s\n", projectId)
	return dataTable, nil
}

func (self *Session) ProjectIds() []string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	projectIds := maps.Keys(self.dataTables)
	sort.Strings(projectIds)
	return projectIds
}

// SetCookies replaces the credentials of the session and every open datatable.
// Empty cookies close every datatable.
func (self *Session) SetCookies(cookies []*http.Cookie) {
	self.api.SetCookies(cookies)

	var dataTables []*DataTable
	func() {
		self.stateLock.Lock()
		defer self.stateLock.Unlock()
		self.cookies = cloneCookies(cookies)
		dataTables = maps.Values(self.dataTables)
		if len(cookies) == 0 {
			self.dataTables = map[string]*DataTable{}
			self.idToken = nil
		}
	}()

	if len(cookies) == 0 {
		glog.V(1).Infof("[s]signed out. Close %d datatables.\n", len(dataTables))
		for _, dataTable := range dataTables {
			dataTable.Close()
		}
		return
	}
	for _, dataTable := range dataTables {
		dataTable.SetCookies(cookies)
	}
}

// SetIdToken attaches the identity from an openid connect `id_token`.
func (self *Session) SetIdToken(idToken string) error {
	t, err := ParseIdTokenUnverified(idToken)
	if err != nil {
		return err
	}
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.idToken = t
	return nil
}

func (self *Session) IdToken() *IdToken {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.idToken
}

func (self *Session) WhoAmI(ctx context.Context) (*WhoAmIResult, error) {
	callback, c := NewBlockingApiCallback[*WhoAmIResult]()
	self.api.WhoAmI(callback)
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case result := <-c:
		return result.Result, result.Error
	}
}

func (self *Session) Logout() {
	self.SetCookies(nil)
}

func (self *Session) Close() {
	self.stateLock.Lock()
	dataTables := maps.Values(self.dataTables)
	self.dataTables = map[string]*DataTable{}
	self.stateLock.Unlock()

	for _, dataTable := range dataTables {
		dataTable.Close()
	}
	self.cancel()
}
