package flux

import (
	"context"
	"sync"

	"github.com/golang/glog"
	"golang.org/x/exp/slices"
)

// fetches the authoritative cell list
type CellLoaderFunction func(ctx context.Context) ([]*CellSummary, error)

// the local ordered copy of a project's cell list, kept current from notifications.
// Entries are unique by cell id. When every entry carries server metadata the
// list is ordered by modify time, most recent first.
type CellCache struct {
	projectId string
	loader    CellLoaderFunction
	log       LogFunction
	trace     LogFunction

	// serializes loads so that concurrent first reads fetch once
	loadMutex sync.Mutex

	mutex  sync.Mutex
	loaded bool
	cells  []*CellSummary
}

func NewCellCache(projectId string, loader CellLoaderFunction) *CellCache {
	return &CellCache{
		projectId: projectId,
		loader:    loader,
		log:       SubLogFn(LogFn(LogLevelLifecycle, "cache"), projectId),
		trace:     SubLogFn(LogFn(LogLevelTrace, "cache"), projectId),
		cells:     []*CellSummary{},
	}
}

func (self *CellCache) IsLoaded() bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.loaded
}

// Cells returns a snapshot of the cache, loading it on first read.
func (self *CellCache) Cells(ctx context.Context) ([]*CellSummary, error) {
	if !self.IsLoaded() {
		self.loadMutex.Lock()
		defer self.loadMutex.Unlock()
		if !self.IsLoaded() {
			if err := self.load(ctx); err != nil {
				return nil, err
			}
		}
	}
	return self.snapshot(), nil
}

// LoadAll replaces the whole cache with a fresh list from the loader.
// Entries not present in the new list are discarded.
func (self *CellCache) LoadAll(ctx context.Context) error {
	self.loadMutex.Lock()
	defer self.loadMutex.Unlock()
	return self.load(ctx)
}

func (self *CellCache) load(ctx context.Context) error {
	cells, err := self.loader(ctx)
	if err != nil {
		glog.Infof("[cache]%s load error = %s\n", self.projectId, err)
		return err
	}

	nextCells := make([]*CellSummary, 0, len(cells))
	for _, cell := range cells {
		if cell == nil {
			continue
		}
		i := slices.IndexFunc(nextCells, cell.SameCell)
		if 0 <= i {
			nextCells[i] = cell.Clone()
		} else {
			nextCells = append(nextCells, cell.Clone())
		}
	}
	sortCells(nextCells)

	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.cells = nextCells
	self.loaded = true
	cacheCells.WithLabelValues(self.projectId).Set(float64(len(self.cells)))
	self.log("loaded %d cells", len(self.cells))
	return nil
}

// Apply mutates the cache for one notification and returns true if the cache changed.
// Notifications that arrive before the first load are ignored since the first read
// fetches the authoritative list.
func (self *CellCache) Apply(notification *Notification) bool {
	if notification == nil || notification.CellInfo == nil {
		return false
	}
	eventType := notification.CellEvent.Type

	self.mutex.Lock()
	defer self.mutex.Unlock()

	if !self.loaded {
		cacheEvents.WithLabelValues(eventType.String(), "unloaded").Inc()
		return false
	}

	cell := notification.CellInfo
	i := slices.IndexFunc(self.cells, cell.SameCell)

	// copy on write so that snapshots stay immutable
	nextCells := slices.Clone(self.cells)
	switch eventType {
	case NotificationTypeCellCreated, NotificationTypeCellModified:
		// upsert. An existing entry keeps its position until the sort.
		if 0 <= i {
			nextCells[i] = cell.Clone()
		} else {
			nextCells = append(nextCells, cell.Clone())
		}
	case NotificationTypeCellDeleted:
		if i < 0 {
			cacheEvents.WithLabelValues(eventType.String(), "noop").Inc()
			return false
		}
		nextCells = slices.Delete(nextCells, i, i+1)
	case NotificationTypeCellClientMetadataModified:
		if i < 0 {
			cacheEvents.WithLabelValues(eventType.String(), "noop").Inc()
			return false
		}
		patched := nextCells[i].Clone()
		patched.ClientMetadata = nil
		if cell.ClientMetadata != nil {
			clientMetadata := *cell.ClientMetadata
			patched.ClientMetadata = &clientMetadata
		}
		nextCells[i] = patched
	default:
		cacheEvents.WithLabelValues(eventType.String(), "unknown").Inc()
		return false
	}
	sortCells(nextCells)

	self.cells = nextCells
	cacheCells.WithLabelValues(self.projectId).Set(float64(len(self.cells)))
	cacheEvents.WithLabelValues(eventType.String(), "applied").Inc()
	self.trace("%s %s (%d cells)", eventType, cell.CellId, len(self.cells))
	return true
}

func (self *CellCache) Get(cellId string) (*CellSummary, bool) {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	i := slices.IndexFunc(self.cells, func(cell *CellSummary) bool {
		return cell.CellId == cellId
	})
	if i < 0 {
		return nil, false
	}
	return self.cells[i].Clone(), true
}

func (self *CellCache) Len() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return len(self.cells)
}

func (self *CellCache) snapshot() []*CellSummary {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	cells := make([]*CellSummary, 0, len(self.cells))
	for _, cell := range self.cells {
		cells = append(cells, cell.Clone())
	}
	return cells
}

// stable sort by modify time descending, only when every cell has server metadata
func sortCells(cells []*CellSummary) {
	for _, cell := range cells {
		if cell.Metadata == nil {
			return
		}
	}
	slices.SortStableFunc(cells, func(a *CellSummary, b *CellSummary) int {
		aModifiedAt := a.Metadata.ModifiedAt()
		bModifiedAt := b.Metadata.ModifiedAt()
		switch {
		case aModifiedAt > bModifiedAt:
			return -1
		case aModifiedAt < bModifiedAt:
			return 1
		default:
			return 0
		}
	})
}
