package flux

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/golang/glog"
)

// datatable feature flags reported by the service
type Capability int

const (
	CapabilityNone           Capability = 1
	CapabilityMetadata       Capability = 2
	CapabilityClientMetadata Capability = 4
	CapabilityNotification   Capability = 8
	CapabilityValueReference Capability = 16
	CapabilityHistory        Capability = 32
)

var capabilityNames = []struct {
	capability Capability
	name       string
}{
	{CapabilityNone, "NONE"},
	{CapabilityMetadata, "METADATA"},
	{CapabilityClientMetadata, "CLIENT_METADATA"},
	{CapabilityNotification, "NOTIFICATION"},
	{CapabilityValueReference, "VALUE_REFERENCE"},
	{CapabilityHistory, "HISTORY"},
}

// unknown names are ignored
func ParseCapabilities(names []string) Capability {
	capability := CapabilityNone
	for _, name := range names {
		name = strings.ToUpper(strings.TrimSpace(name))
		for _, n := range capabilityNames {
			if n.name == name {
				capability |= n.capability
			}
		}
	}
	return capability
}

func (self Capability) Has(capability Capability) bool {
	return self&capability == capability
}

func (self Capability) String() string {
	names := []string{}
	for _, n := range capabilityNames {
		if self&n.capability != 0 {
			names = append(names, n.name)
		}
	}
	return strings.Join(names, ", ")
}

type DataTableSettings struct {
	TransportSettings *TransportSettings
}

func DefaultDataTableSettings() *DataTableSettings {
	return &DataTableSettings{
		TransportSettings: DefaultTransportSettings(),
	}
}

// the per-project view of the datatable:
// the live notification transport, the cell cache, and the subscription mask.
//
// every notification updates the cache. Notification callbacks only see
// the types in the subscription mask. Error callbacks see every error.
type DataTable struct {
	ctx    context.Context
	cancel context.CancelFunc

	api       *FluxApi
	projectId string
	settings  *DataTableSettings

	transport *NotificationTransport
	cache     *CellCache

	subscribedTypes atomic.Int64

	capabilityLock   sync.Mutex
	capability       Capability
	capabilityLoaded bool

	notificationCallbacks *CallbackList[NotificationFunction]
	errorCallbacks        *CallbackList[ErrorFunction]
	reconnectedCallbacks  *CallbackList[func()]

	unsubs []func()
}

func NewDataTableWithDefaults(ctx context.Context, api *FluxApi, projectId string) *DataTable {
	return NewDataTable(ctx, api, projectId, DefaultDataTableSettings())
}

func NewDataTable(ctx context.Context, api *FluxApi, projectId string, settings *DataTableSettings) *DataTable {
	cancelCtx, cancel := context.WithCancel(ctx)

	dataTable := &DataTable{
		ctx:                   cancelCtx,
		cancel:                cancel,
		api:                   api,
		projectId:             projectId,
		settings:              settings,
		notificationCallbacks: NewCallbackList[NotificationFunction](),
		errorCallbacks:        NewCallbackList[ErrorFunction](),
		reconnectedCallbacks:  NewCallbackList[func()](),
	}
	dataTable.subscribedTypes.Store(int64(NotificationTypeNone))

	dataTable.cache = NewCellCache(projectId, func(ctx context.Context) ([]*CellSummary, error) {
		return api.ListCellsSync(ctx, projectId, NewNoopApiCallback[[]*CellSummary]())
	})

	// the transport subscribes to all types on every open. The mask filters locally.
	transportSettings := *settings.TransportSettings
	transportSettings.SubscribeTypes = NotificationTypeAll
	dataTable.transport = newNotificationTransport(
		cancelCtx,
		api,
		projectId,
		api.Cookies(),
		&transportSettings,
		realAfterFunc,
	)
	dataTable.unsubs = append(
		dataTable.unsubs,
		dataTable.transport.AddNotificationCallback(dataTable.receiveNotification),
		dataTable.transport.AddErrorCallback(dataTable.receiveError),
		dataTable.transport.AddReconnectedCallback(dataTable.receiveReconnected),
	)
	dataTable.transport.start()

	return dataTable
}

func (self *DataTable) ProjectId() string {
	return self.projectId
}

func (self *DataTable) State() TransportState {
	return self.transport.State()
}

func (self *DataTable) AddNotificationCallback(callback NotificationFunction) func() {
	callbackId := self.notificationCallbacks.Add(callback)
	return func() {
		self.notificationCallbacks.Remove(callbackId)
	}
}

func (self *DataTable) AddErrorCallback(callback ErrorFunction) func() {
	callbackId := self.errorCallbacks.Add(callback)
	return func() {
		self.errorCallbacks.Remove(callbackId)
	}
}

// the cache is not reloaded on reconnect. Callers that need strong consistency
// can call `LoadAll` from this callback.
func (self *DataTable) AddReconnectedCallback(callback func()) func() {
	callbackId := self.reconnectedCallbacks.Add(callback)
	return func() {
		self.reconnectedCallbacks.Remove(callbackId)
	}
}

// transport callback
func (self *DataTable) receiveNotification(notification *Notification) {
	HandleError(func() {
		self.cache.Apply(notification)
	}, func(err error) {
		glog.Infof("[dt]%s cache apply error = %s\n", self.projectId, err)
	})

	if self.SubscribedTypes().Has(notification.CellEvent.Type) {
		dispatch(self.notificationCallbacks, func(callback NotificationFunction) {
			callback(notification)
		})
	}
}

// transport callback
func (self *DataTable) receiveError(errorMessage *ErrorMessage) {
	dispatch(self.errorCallbacks, func(callback ErrorFunction) {
		callback(errorMessage)
	})
}

// transport callback
func (self *DataTable) receiveReconnected() {
	dispatch(self.reconnectedCallbacks, func(callback func()) {
		callback()
	})
}

// Capabilities fetches the project capabilities once and caches them.
func (self *DataTable) Capabilities(ctx context.Context) (Capability, error) {
	self.capabilityLock.Lock()
	defer self.capabilityLock.Unlock()

	if !self.capabilityLoaded {
		capability, err := self.api.GetCapabilitiesSync(ctx, self.projectId)
		if err != nil {
			return CapabilityNone, err
		}
		glog.V(1).Infof("[dt]%s capabilities %s\n", self.projectId, capability)
		self.capability = capability
		self.capabilityLoaded = true
	}
	return self.capability, nil
}

func (self *DataTable) requireCapability(ctx context.Context, capability Capability) error {
	c, err := self.Capabilities(ctx)
	if err != nil {
		return err
	}
	if !c.Has(capability) {
		return fmt.Errorf("%w: %s", ErrUnsupportedCapability, capability)
	}
	return nil
}

// Subscribe replaces the subscription mask. Requires the NOTIFICATION capability.
func (self *DataTable) Subscribe(ctx context.Context, types NotificationType) error {
	if err := self.requireCapability(ctx, CapabilityNotification); err != nil {
		return err
	}
	glog.V(1).Infof("[dt]%s subscribe %s\n", self.projectId, types)
	self.subscribedTypes.Store(int64(types))
	return nil
}

// Unsubscribe clears `types` from the subscription mask.
func (self *DataTable) Unsubscribe(types NotificationType) {
	for {
		current := self.subscribedTypes.Load()
		next := current &^ int64(types)
		if self.subscribedTypes.CompareAndSwap(current, next) {
			glog.V(1).Infof("[dt]%s unsubscribe %s\n", self.projectId, types)
			return
		}
	}
}

func (self *DataTable) SubscribedTypes() NotificationType {
	return NotificationType(self.subscribedTypes.Load())
}

// Cells returns the cached cells, loading them on first read.
func (self *DataTable) Cells(ctx context.Context) ([]*CellSummary, error) {
	return self.cache.Cells(ctx)
}

// LoadAll refetches the whole cell list.
func (self *DataTable) LoadAll(ctx context.Context) error {
	return self.cache.LoadAll(ctx)
}

// the cached summary for one cell
func (self *DataTable) Cell(cellId string) (*CellSummary, bool) {
	return self.cache.Get(cellId)
}

func (self *DataTable) GetCell(ctx context.Context, cellId string) (*CellValue, error) {
	return self.api.GetCellSync(ctx, self.projectId, cellId)
}

// SetCell writes a json value. Setting client metadata requires the CLIENT_METADATA capability.
func (self *DataTable) SetCell(ctx context.Context, cellId string, value json.RawMessage, clientMetadata *ClientMetadata) (*CellSummary, error) {
	if clientMetadata != nil {
		if err := self.requireCapability(ctx, CapabilityClientMetadata); err != nil {
			return nil, err
		}
	}
	return self.api.SetCellSync(ctx, self.projectId, cellId, value, clientMetadata)
}

func (self *DataTable) DeleteCell(ctx context.Context, cellId string) (*CellSummary, error) {
	return self.api.DeleteCellSync(ctx, self.projectId, cellId)
}

// SetCookies forwards new credentials to the transport. Empty cookies close it.
func (self *DataTable) SetCookies(cookies []*http.Cookie) {
	self.transport.SetUserCredentials(cookies)
}

func (self *DataTable) Close() {
	for _, unsub := range self.unsubs {
		unsub()
	}
	self.transport.Close()
	self.cancel()
}
