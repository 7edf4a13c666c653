package flux

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// notification kinds as a bit set
type NotificationType int

const (
	NotificationTypeNone                       NotificationType = 0
	NotificationTypeCellModified               NotificationType = 1
	NotificationTypeCellCreated                NotificationType = 2
	NotificationTypeCellDeleted                NotificationType = 4
	NotificationTypeCellClientMetadataModified NotificationType = 8

	NotificationTypeAll = NotificationTypeCellModified |
		NotificationTypeCellCreated |
		NotificationTypeCellDeleted |
		NotificationTypeCellClientMetadataModified
)

// wire names in bit order
var notificationTypeNames = []struct {
	notificationType NotificationType
	name             string
}{
	{NotificationTypeCellModified, "CELL_MODIFIED"},
	{NotificationTypeCellCreated, "CELL_CREATED"},
	{NotificationTypeCellDeleted, "CELL_DELETED"},
	{NotificationTypeCellClientMetadataModified, "CELL_CLIENT_METADATA_MODIFIED"},
}

func ParseNotificationType(name string) (NotificationType, error) {
	name = strings.ToUpper(strings.TrimSpace(name))
	switch name {
	case "__ALL__", "ALL":
		return NotificationTypeAll, nil
	case "__NONE__", "NONE", "":
		return NotificationTypeNone, nil
	}
	for _, n := range notificationTypeNames {
		if n.name == name {
			return n.notificationType, nil
		}
	}
	return NotificationTypeNone, fmt.Errorf("unknown notification type %q", name)
}

// parses a comma separated list of wire names
func ParseNotificationTypes(names string) (NotificationType, error) {
	types := NotificationTypeNone
	for _, name := range strings.Split(names, ",") {
		notificationType, err := ParseNotificationType(name)
		if err != nil {
			return NotificationTypeNone, err
		}
		types |= notificationType
	}
	return types, nil
}

// the wire names of the set bits, in bit order
func (self NotificationType) Names() []string {
	names := []string{}
	for _, n := range notificationTypeNames {
		if self&n.notificationType != 0 {
			names = append(names, n.name)
		}
	}
	return names
}

func (self NotificationType) Has(notificationType NotificationType) bool {
	return notificationType != NotificationTypeNone && self&notificationType == notificationType
}

func (self NotificationType) String() string {
	if self == NotificationTypeNone {
		return "__NONE__"
	}
	return strings.Join(self.Names(), ", ")
}

func (self NotificationType) MarshalJSON() ([]byte, error) {
	names := self.Names()
	if len(names) != 1 {
		return nil, fmt.Errorf("notification type %d is not a single type", int(self))
	}
	return json.Marshal(names[0])
}

func (self *NotificationType) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	notificationType, err := ParseNotificationType(name)
	if err != nil {
		return err
	}
	*self = notificationType
	return nil
}

// `Time` is epoch millis
type CellEvent struct {
	ClientId   string           `json:"ClientId,omitempty"`
	ClientInfo *ClientInfo      `json:"ClientInfo,omitempty"`
	Time       float64          `json:"Time"`
	Size       int64            `json:"Size"`
	Type       NotificationType `json:"Type,omitempty"`
}

func (self *CellEvent) Date() time.Time {
	return time.UnixMilli(int64(self.Time))
}

// server metadata, present only when the METADATA capability is supported
type CellMetadata struct {
	Create CellEvent `json:"Create"`
	Modify CellEvent `json:"Modify"`
}

func (self *CellMetadata) CreatedAt() float64 {
	return self.Create.Time
}

func (self *CellMetadata) ModifiedAt() float64 {
	return self.Modify.Time
}

func (self *CellMetadata) SizeBytes() int64 {
	return self.Modify.Size
}

// present only when the CLIENT_METADATA capability is supported
type ClientMetadata struct {
	Label       string `json:"Label"`
	Description string `json:"Description"`
	Locked      bool   `json:"Locked"`
}

// wire `CellInfo`. Two summaries are the same cell iff the ids match.
// Summaries held by the cache are treated as immutable snapshots.
type CellSummary struct {
	CellId         string          `json:"CellId"`
	Metadata       *CellMetadata   `json:"Metadata,omitempty"`
	ClientMetadata *ClientMetadata `json:"ClientMetadata,omitempty"`
}

func (self *CellSummary) SameCell(b *CellSummary) bool {
	return b != nil && self.CellId == b.CellId
}

func (self *CellSummary) Clone() *CellSummary {
	c := &CellSummary{
		CellId: self.CellId,
	}
	if self.Metadata != nil {
		metadata := *self.Metadata
		c.Metadata = &metadata
	}
	if self.ClientMetadata != nil {
		clientMetadata := *self.ClientMetadata
		c.ClientMetadata = &clientMetadata
	}
	return c
}

func (self *CellSummary) String() string {
	label := ""
	if self.ClientMetadata != nil {
		label = self.ClientMetadata.Label
	}
	if self.Metadata != nil {
		return fmt.Sprintf("%s(%s m=%d)", self.CellId, label, int64(self.Metadata.ModifiedAt()))
	}
	return fmt.Sprintf("%s(%s)", self.CellId, label)
}

// body.Data of a DATATABLE/NOTIFICATION frame
type Notification struct {
	CellInfo  *CellSummary `json:"CellInfo"`
	CellEvent CellEvent    `json:"Event"`
}

// body.Data of a DATATABLE/ERROR frame, or a terminal connect error
type ErrorMessage struct {
	Message string
	// set when the transport stopped because of this error
	Terminal bool
	Err      error
}

func (self *ErrorMessage) Error() string {
	return self.Message
}

// value of a cell with its optional metadata
type CellValue struct {
	CellInfo *CellSummary
	Value    json.RawMessage
}
